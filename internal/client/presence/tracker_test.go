package presence

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	local     map[string]any
	states    map[string]json.RawMessage
	observers []func()
	failWith  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{local: map[string]any{}, states: map[string]json.RawMessage{}}
}

func (s *fakeSource) SetLocalField(field string, value any) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.local[field] = value
	raw, _ := json.Marshal(s.local)
	s.states["self"] = raw
	s.fire()
	return nil
}

func (s *fakeSource) States() map[string]json.RawMessage { return s.states }

func (s *fakeSource) Observe(fn func()) func() {
	idx := len(s.observers)
	s.observers = append(s.observers, fn)
	return func() { s.observers[idx] = nil }
}

func (s *fakeSource) fire() {
	for _, fn := range s.observers {
		if fn != nil {
			fn()
		}
	}
}

func TestAnnounceOncePerSource(t *testing.T) {
	tr := NewTracker()
	src := newFakeSource()
	id := Identity{DisplayName: "Ann", Color: "#ff0000"}

	require.NoError(t, tr.Announce(src, id))
	assert.True(t, tr.Announced(src))
	assert.JSONEq(t, `{"user":{"name":"Ann","color":"#ff0000"}}`, string(src.states["self"]))

	assert.ErrorIs(t, tr.Announce(src, id), ErrAlreadyAnnounced)

	tr.Forget(src)
	assert.False(t, tr.Announced(src))
	require.NoError(t, tr.Announce(newFakeSource(), id))
}

func TestAnnounceFailureIsNotRecorded(t *testing.T) {
	tr := NewTracker()
	src := newFakeSource()
	src.failWith = errors.New("released")

	assert.Error(t, tr.Announce(src, Identity{DisplayName: "Ann"}))
	assert.False(t, tr.Announced(src))
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	tr := NewTracker()
	src := newFakeSource()
	src.states["b"] = json.RawMessage(`{"user":{"name":"Bob","color":"#00f"}}`)

	var rosters [][]Identity
	cancel := tr.Subscribe(src, func(ids []Identity) { rosters = append(rosters, ids) })

	require.Len(t, rosters, 1)
	assert.Equal(t, []Identity{{DisplayName: "Bob", Color: "#00f"}}, rosters[0])

	require.NoError(t, tr.Announce(src, Identity{DisplayName: "Ann", Color: "#f00"}))
	require.Len(t, rosters, 2)
	assert.Len(t, rosters[1], 2)

	cancel()
	delete(src.states, "b")
	src.fire()
	assert.Len(t, rosters, 2)
}

func TestProjectSkipsMalformedStates(t *testing.T) {
	states := map[string]json.RawMessage{
		"c": json.RawMessage(`{"user":{"name":"Cat","color":"#0f0"}}`),
		"a": json.RawMessage(`{"user":{"name":"Ann"}}`),
		"x": json.RawMessage(`{"cursor":3}`),
		"y": json.RawMessage(`{"user":"nope"}`),
		"z": json.RawMessage(`not json`),
	}

	got := Project(states)

	assert.Equal(t, []Identity{
		{DisplayName: "Ann"},
		{DisplayName: "Cat", Color: "#0f0"},
	}, got)
	assert.Empty(t, Project(nil))
}
