// Package editor binds the visible editor widget to the live replica.
//
// The widget can show text the replica does not hold yet: a cached or
// fetched copy of the file is displayed at once, while the replica is still
// finding out what its peers have. Until the replica reports itself synced
// user edits stay in the widget only. Once it syncs they are replayed on
// top of the shared text, or dropped when that text changed under them.
package editor

import (
	"errors"
	"log"

	"coderoom/internal/crdt"
	"coderoom/internal/protocol"
)

// ErrAlreadyBound is returned by Attach while another replica is bound.
var ErrAlreadyBound = errors.New("editor already bound to a replica")

// Widget is the visible text editor.
type Widget interface {
	SetValue(text string)
	Value() string
	// OnDidChange registers fn for every content change, programmatic
	// changes included.
	OnDidChange(fn func(text string)) (cancel func())
}

// Text is the replica side of the binding.
type Text interface {
	Key() protocol.FileKey
	Text() string
	// Synced reports whether the replica holds the shared text and accepts
	// edits.
	Synced() bool
	Replace(content string) error
	// Observe reports remote changes and the moment the replica syncs.
	Observe(fn func(text string)) (cancel func())
}

// ChangeFunc receives user edits together with the file they were made in.
type ChangeFunc func(key protocol.FileKey, content string)

// Binding keeps at most one replica and the widget in step. User edits flow
// into the replica and out through onChange; remote changes flow into the
// widget without being reported as edits.
type Binding struct {
	widget   Widget
	guard    func() bool
	onChange ChangeFunc

	bound        Text
	cancelRemote func()
	applying     bool

	// base is the last text shown that did not come from the user.
	base string
	// held is set while the widget carries edits the replica has not taken.
	held bool
}

// NewBinding subscribes to widget changes. While guard reports true every
// user edit is reverted; guard and onChange may be nil.
func NewBinding(widget Widget, guard func() bool, onChange ChangeFunc) *Binding {
	b := &Binding{widget: widget, guard: guard, onChange: onChange}
	widget.OnDidChange(b.handleChange)
	return b
}

// Attach binds t. A synced replica's text replaces the widget's.
func (b *Binding) Attach(t Text) error {
	if b.bound != nil {
		return ErrAlreadyBound
	}
	b.bound = t
	b.held = false
	b.cancelRemote = t.Observe(b.handleRemote)
	if t.Synced() {
		b.show(t.Text())
	}
	return nil
}

// Detach unbinds the current replica, if any. The widget keeps its text;
// edits it held are forgotten.
func (b *Binding) Detach() {
	if b.bound == nil {
		return
	}
	if b.cancelRemote != nil {
		b.cancelRemote()
	}
	b.bound = nil
	b.cancelRemote = nil
	b.held = false
}

// Bound returns the bound replica, or nil.
func (b *Binding) Bound() Text { return b.bound }

// Value returns the visible text.
func (b *Binding) Value() string { return b.widget.Value() }

// Held reports whether the widget carries edits waiting for the replica to
// sync.
func (b *Binding) Held() bool { return b.held }

// Clear empties the widget without reporting an edit.
func (b *Binding) Clear() {
	b.held = false
	b.show("")
}

// Show displays a cached or fetched copy of the bound file. It never edits
// the replica, and a synced replica's text wins over the copy. Held edits
// are carried over onto the copy.
func (b *Binding) Show(content string) {
	if b.bound != nil && b.bound.Synced() {
		return
	}
	if !b.held {
		b.show(content)
		return
	}
	rebased, ok := Rebase(b.base, b.widget.Value(), content)
	b.base = content
	if !ok {
		b.held = false
		rebased = content
	}
	b.set(rebased)
}

// show displays text that did not come from the user.
func (b *Binding) show(text string) {
	b.base = text
	b.set(text)
}

func (b *Binding) set(text string) {
	if b.widget.Value() == text {
		return
	}
	b.applying = true
	defer func() { b.applying = false }()
	b.widget.SetValue(text)
}

func (b *Binding) handleChange(text string) {
	if b.applying {
		return
	}
	if b.guard != nil && b.guard() {
		log.Printf("⚠️  editor: edit during file switch reverted")
		b.set(b.base)
		return
	}
	if b.bound == nil {
		log.Printf("⚠️  editor: edit with no bound file dropped")
		return
	}
	if !b.bound.Synced() {
		b.held = true
		return
	}
	b.commit(text)
}

func (b *Binding) commit(text string) {
	if err := b.bound.Replace(text); err != nil {
		log.Printf("⚠️  editor: %v", err)
		return
	}
	b.base = text
	if b.onChange != nil {
		b.onChange(b.bound.Key(), text)
	}
}

func (b *Binding) handleRemote(text string) {
	if !b.held {
		b.show(text)
		return
	}

	b.held = false
	rebased, ok := Rebase(b.base, b.widget.Value(), text)
	b.show(text)
	if !ok {
		log.Printf("⚠️  editor: edits to %s overlap changes from peers and were dropped", b.bound.Key().Path)
		return
	}
	if rebased == text {
		return
	}
	b.set(rebased)
	b.commit(rebased)
}

// Rebase replays the edit that turned base into edited on top of target.
// It fails when the region the edit replaced no longer reads the same in
// target. An edit at the end of base stays at the end of target.
func Rebase(base, edited, target string) (string, bool) {
	if edited == base {
		return target, true
	}
	pos, del, ins := crdt.Diff(base, edited)
	baseRunes := []rune(base)
	targetRunes := []rune(target)
	removed := string(baseRunes[pos : pos+del])

	fits := func(at int) bool {
		return at >= 0 && at+del <= len(targetRunes) && string(targetRunes[at:at+del]) == removed
	}
	at := pos
	if pos+del == len(baseRunes) && fits(len(targetRunes)-del) {
		at = len(targetRunes) - del
	} else if !fits(at) {
		return "", false
	}
	return string(targetRunes[:at]) + ins + string(targetRunes[at+del:]), true
}
