// Package switcher guards the transition between two visible files.
//
// Three races are closed here: edits of the old file leaking into the new
// file's outbound stream, a late fetch response for an abandoned file
// overwriting the current one, and the editor's own change notifications
// during the transition being attributed to the wrong file.
package switcher

import (
	"log"
	"time"
)

// DefaultSettleDelay is the quiescence window after activation.
const DefaultSettleDelay = 300 * time.Millisecond

// State of the coordinator.
type State int

const (
	Idle State = iota
	Switching
)

func (s State) String() string {
	if s == Switching {
		return "switching"
	}
	return "idle"
}

// Transition describes an in-progress switch.
type Transition struct {
	Token uint64
	From  string
	To    string
}

// Clearer empties the visible editor.
type Clearer interface {
	Clear()
}

// Cache is the session-scoped file content cache.
type Cache interface {
	Get(path string) (string, bool)
	Put(path, content string)
}

// Coordinator is the Idle/Switching state machine. Leaving Switching takes
// both the activation acknowledgement for the current token and the end of
// the settle window that follows it.
type Coordinator struct {
	editor      Clearer
	settleDelay time.Duration

	state      State
	active     string
	token      uint64
	transition *Transition
	acked      bool
}

// New creates an idle coordinator with no active file.
func New(editor Clearer, settleDelay time.Duration) *Coordinator {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Coordinator{editor: editor, settleDelay: settleDelay}
}

// Select starts a switch to path. It reports false, doing nothing, when path
// is already the active (or pending) file.
//
// The editor is cleared and path becomes the active path right away, so a
// fetch response for it is accepted even before the switch settles, while
// responses for every earlier path are rejected.
func (c *Coordinator) Select(path string) (Transition, bool) {
	if path == c.active {
		return Transition{}, false
	}
	c.token++
	t := Transition{Token: c.token, From: c.active, To: path}
	c.transition = &t
	c.acked = false
	c.state = Switching
	c.active = path
	if c.editor != nil {
		c.editor.Clear()
	}
	log.Printf("  switch #%d: %q -> %q", t.Token, t.From, t.To)
	return t, true
}

// Acknowledge records that the replica for token's target is set up. It
// reports false for a superseded token.
func (c *Coordinator) Acknowledge(token uint64) bool {
	if c.transition == nil || c.transition.Token != token {
		return false
	}
	c.acked = true
	return true
}

// Settle ends the switch identified by token. Tokens that were superseded,
// never acknowledged or already settled are ignored.
func (c *Coordinator) Settle(token uint64) bool {
	if c.transition == nil || c.transition.Token != token || !c.acked {
		return false
	}
	c.transition = nil
	c.acked = false
	c.state = Idle
	return true
}

// Hydrate looks path up in cache.
func (c *Coordinator) Hydrate(cache Cache, path string) (string, bool) {
	if cache == nil {
		return "", false
	}
	return cache.Get(path)
}

// Accepts reports whether a response for path may still be applied.
func (c *Coordinator) Accepts(path string) bool {
	return path != "" && path == c.active
}

// Suppressed reports whether outbound edit propagation is disabled.
func (c *Coordinator) Suppressed() bool { return c.state == Switching }

// Settled reports whether no switch is in progress.
func (c *Coordinator) Settled() bool { return c.state == Idle }

// Active returns the active path.
func (c *Coordinator) Active() string { return c.active }

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Pending returns the in-progress transition.
func (c *Coordinator) Pending() (Transition, bool) {
	if c.transition == nil {
		return Transition{}, false
	}
	return *c.transition, true
}

// SettleDelay returns the quiescence window.
func (c *Coordinator) SettleDelay() time.Duration { return c.settleDelay }
