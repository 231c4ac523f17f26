package main

import (
	"fmt"
	"hash/fnv"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")
	colorAccent  = lipgloss.Color("#20B9B4")

	styles = struct {
		Success lipgloss.Style
		Error   lipgloss.Style
		Muted   lipgloss.Style
		Title   lipgloss.Style
		Output  lipgloss.Style
	}{
		Success: lipgloss.NewStyle().Foreground(colorSuccess),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		Output: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1),
	}

	// Cursor colors offered to participants that did not pick one.
	palette = []string{"#E06C75", "#98C379", "#E5C07B", "#61AFEF", "#C678DD", "#56B6C2", "#D19A66"}
)

// colorFor picks a stable palette color for name.
func colorFor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return palette[h.Sum32()%uint32(len(palette))]
}

// terminalNotifier prints notices as styled lines.
type terminalNotifier struct {
	out io.Writer
}

func (n terminalNotifier) Success(msg string) {
	fmt.Fprintln(n.out, styles.Success.Render("✓ "+msg))
}

func (n terminalNotifier) Error(msg string) {
	fmt.Fprintln(n.out, styles.Error.Render("✗ "+msg))
}

// swatch renders name in its participant color.
func swatch(name, color string) string {
	if color == "" {
		color = colorFor(name)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color)).Render(name)
}
