package main

import (
	"fmt"
	"strings"

	"coderoom/internal/protocol"
)

const helpText = `Commands:
  open <path>          switch the editor to a file
  cat                  print the active file
  write <text>         replace the active file's content
  append <text>        type text at the end of the active file
  run                  execute the active file
  files                list the room's files
  mkfile <path>        create a file (mkdir <path> for a directory)
  chat <message>       send a chat message
  who                  list participants on the active file
  quit                 leave the room`

// exec runs one REPL line.
func (a *app) exec(line string) error {
	name, arg := splitCommand(line)
	if name == "" {
		return nil
	}

	var err error
	run := func(fn func()) {
		a.loop.Call(fn)
	}

	switch name {
	case "help", "?":
		fmt.Fprintln(a.out, helpText)
	case "quit", "exit":
		return errQuit
	case "open":
		if arg == "" {
			return fmt.Errorf("usage: open <path>")
		}
		run(func() { err = a.sess.SetActiveFile(arg) })
	case "cat":
		var content string
		run(func() { content = a.sess.Content() })
		fmt.Fprintln(a.out, content)
	case "write":
		run(func() { a.buffer.SetValue(unescape(arg)) })
	case "append":
		run(func() { a.buffer.Type(unescape(arg)) })
	case "run":
		run(func() { err = a.sess.Execute() })
	case "files":
		var paths []string
		run(func() { paths = protocol.FilePaths(a.sess.Files()) })
		for _, p := range paths {
			fmt.Fprintln(a.out, "  "+p)
		}
	case "mkfile", "mkdir":
		if arg == "" {
			return fmt.Errorf("usage: %s <path>", name)
		}
		kind := protocol.NodeFile
		if name == "mkdir" {
			kind = protocol.NodeDirectory
		}
		run(func() { err = a.sess.CreateFile(arg, kind) })
	case "chat":
		run(func() { err = a.sess.SendChat(arg) })
	case "who":
		var lines []string
		run(func() {
			for _, id := range a.sess.Roster() {
				lines = append(lines, "  "+swatch(id.DisplayName, id.Color))
			}
		})
		if len(lines) == 0 {
			fmt.Fprintln(a.out, styles.Muted.Render("  nobody on this file"))
		}
		for _, l := range lines {
			fmt.Fprintln(a.out, l)
		}
	default:
		return fmt.Errorf("unknown command %q, try 'help'", name)
	}
	return err
}

// splitCommand splits a line into its command word and the rest.
func splitCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// unescape turns the \n and \t sequences typed on one line into real
// characters.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\\`, `\`).Replace(s)
}
