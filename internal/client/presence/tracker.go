// Package presence publishes the local participant's identity on a
// replica's presence state and projects the remote states into a roster.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrAlreadyAnnounced is returned when a source has already carried this
// participant's identity.
var ErrAlreadyAnnounced = errors.New("identity already announced on this source")

// userField is the presence field holding the participant identity.
const userField = "user"

// Identity is what a participant shows to the others.
type Identity struct {
	DisplayName string `json:"name"`
	Color       string `json:"color"`
}

// Source is a presence state the tracker reads from and writes to.
type Source interface {
	SetLocalField(field string, value any) error
	States() map[string]json.RawMessage
	Observe(fn func()) (cancel func())
}

// Tracker announces the local identity at most once per source.
type Tracker struct {
	announced map[Source]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{announced: make(map[Source]struct{})}
}

// Announce publishes id as the local participant on src.
func (t *Tracker) Announce(src Source, id Identity) error {
	if _, ok := t.announced[src]; ok {
		return ErrAlreadyAnnounced
	}
	if err := src.SetLocalField(userField, id); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	t.announced[src] = struct{}{}
	return nil
}

// Announced reports whether src carries the local identity.
func (t *Tracker) Announced(src Source) bool {
	_, ok := t.announced[src]
	return ok
}

// Forget drops the bookkeeping for src once its replica is released.
func (t *Tracker) Forget(src Source) {
	delete(t.announced, src)
}

// Subscribe calls cb with the current roster and again after every change
// of src's presence set. The returned function stops the updates.
func (t *Tracker) Subscribe(src Source, cb func([]Identity)) (cancel func()) {
	cb(Project(src.States()))
	return src.Observe(func() {
		cb(Project(src.States()))
	})
}

// Project turns raw presence states into identities ordered by client ID.
// States without a well-formed user object are skipped.
func Project(states map[string]json.RawMessage) []Identity {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		var state struct {
			User *Identity `json:"user"`
		}
		if err := json.Unmarshal(states[id], &state); err != nil || state.User == nil {
			continue
		}
		out = append(out, *state.User)
	}
	return out
}
