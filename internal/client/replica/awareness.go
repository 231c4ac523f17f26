package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"coderoom/internal/protocol"
)

var jsonNull = []byte("null")

type presenceSlot struct {
	clock uint64
	state json.RawMessage
	seen  time.Time
}

// Awareness is the presence state carried by one replica's channel: one
// slot per participant, last write wins per slot.
type Awareness struct {
	clientID string
	clock    uint64
	local    map[string]json.RawMessage
	states   map[string]presenceSlot

	observers map[int]func()
	nextObs   int

	send      func(protocol.PresenceEntry)
	now       func() time.Time
	destroyed bool
}

func newAwareness(clientID string, now func() time.Time, send func(protocol.PresenceEntry)) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    make(map[string]presenceSlot),
		observers: make(map[int]func()),
		send:      send,
		now:       now,
	}
}

// ClientID returns the local participant slot.
func (a *Awareness) ClientID() string { return a.clientID }

// SetLocalField sets one field of the local presence state and publishes the
// new state. Delivery is eventual; it does not wait for the channel.
func (a *Awareness) SetLocalField(field string, value any) error {
	if a.destroyed {
		return ErrReleased
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode presence field %q: %w", field, err)
	}
	if a.local == nil {
		a.local = make(map[string]json.RawMessage)
	}
	a.local[field] = raw

	state, err := json.Marshal(a.local)
	if err != nil {
		return fmt.Errorf("failed to encode presence state: %w", err)
	}
	a.clock++
	a.states[a.clientID] = presenceSlot{clock: a.clock, state: state, seen: a.now()}
	a.publish()
	a.notify()
	return nil
}

// States returns every known presence state keyed by client ID, local
// state included.
func (a *Awareness) States() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(a.states))
	for id, slot := range a.states {
		out[id] = slot.state
	}
	return out
}

// Observe registers fn to run after every change of the presence set.
func (a *Awareness) Observe(fn func()) (cancel func()) {
	if a.destroyed {
		return func() {}
	}
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() { delete(a.observers, id) }
}

func (a *Awareness) localEntry() (protocol.PresenceEntry, bool) {
	slot, ok := a.states[a.clientID]
	if !ok {
		return protocol.PresenceEntry{}, false
	}
	return protocol.PresenceEntry{ClientID: a.clientID, Clock: slot.clock, State: slot.state}, true
}

func (a *Awareness) publish() {
	if entry, ok := a.localEntry(); ok && a.send != nil {
		a.send(entry)
	}
}

// apply merges a remote entry. A higher clock wins; at an equal clock a
// removal wins over a live state.
func (a *Awareness) apply(entry protocol.PresenceEntry) {
	if a.destroyed || entry.ClientID == "" || entry.ClientID == a.clientID {
		return
	}
	removal := entry.Removal()

	cur, exists := a.states[entry.ClientID]
	if exists && (entry.Clock < cur.clock || (entry.Clock == cur.clock && !removal)) {
		return
	}
	if removal {
		if !exists {
			return
		}
		delete(a.states, entry.ClientID)
		a.notify()
		return
	}

	a.states[entry.ClientID] = presenceSlot{clock: entry.Clock, state: entry.State, seen: a.now()}
	a.notify()
}

// renew republishes the local state so peers keep it alive.
func (a *Awareness) renew() {
	slot, ok := a.states[a.clientID]
	if !ok || a.destroyed {
		return
	}
	a.clock++
	slot.clock = a.clock
	slot.seen = a.now()
	a.states[a.clientID] = slot
	a.publish()
}

// expire drops remote slots not renewed within timeout.
func (a *Awareness) expire(timeout time.Duration) {
	if a.destroyed {
		return
	}
	cutoff := a.now().Add(-timeout)
	var stale []string
	for id, slot := range a.states {
		if id != a.clientID && slot.seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	sort.Strings(stale)
	for _, id := range stale {
		delete(a.states, id)
	}
	a.notify()
}

// destroy publishes a removal of the local slot, drops every slot and
// detaches all observers after telling them the set is now empty.
func (a *Awareness) destroy() {
	if a.destroyed {
		return
	}
	if _, ok := a.states[a.clientID]; ok && a.send != nil {
		a.clock++
		a.send(protocol.PresenceEntry{ClientID: a.clientID, Clock: a.clock, State: jsonNull})
	}
	a.states = make(map[string]presenceSlot)
	a.local = nil
	a.notify()
	a.observers = make(map[int]func())
	a.destroyed = true
}

func (a *Awareness) notify() {
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := a.observers[id]; ok {
			fn()
		}
	}
}
