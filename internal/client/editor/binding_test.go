package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderoom/internal/protocol"
)

type fakeText struct {
	key       protocol.FileKey
	text      string
	pending   bool
	replaced  []string
	observers []func(string)
}

func (f *fakeText) Key() protocol.FileKey { return f.key }
func (f *fakeText) Text() string          { return f.text }
func (f *fakeText) Synced() bool          { return !f.pending }

func (f *fakeText) Replace(content string) error {
	f.text = content
	f.replaced = append(f.replaced, content)
	return nil
}

func (f *fakeText) Observe(fn func(string)) func() {
	idx := len(f.observers)
	f.observers = append(f.observers, fn)
	return func() { f.observers[idx] = nil }
}

func (f *fakeText) remote(text string) {
	f.text = text
	f.pending = false
	for _, fn := range f.observers {
		if fn != nil {
			fn(text)
		}
	}
}

type change struct {
	key     protocol.FileKey
	content string
}

func newTestBinding() (*Binding, *Buffer, *[]change) {
	return newGuardedBinding(nil)
}

func newGuardedBinding(guard func() bool) (*Binding, *Buffer, *[]change) {
	buf := NewBuffer()
	var changes []change
	b := NewBinding(buf, guard, func(k protocol.FileKey, c string) {
		changes = append(changes, change{k, c})
	})
	return b, buf, &changes
}

func TestUserEditsFlowToReplicaAndOnChange(t *testing.T) {
	b, buf, changes := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}}
	require.NoError(t, b.Attach(txt))

	buf.Type("x = 1")

	assert.Equal(t, []string{"x = 1"}, txt.replaced)
	require.Len(t, *changes, 1)
	assert.Equal(t, "main.py", (*changes)[0].key.Path)
	assert.Equal(t, "x = 1", (*changes)[0].content)
}

func TestRemoteChangesAreNotReportedAsEdits(t *testing.T) {
	b, buf, changes := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}}
	require.NoError(t, b.Attach(txt))

	txt.remote("from peer")

	assert.Equal(t, "from peer", buf.Value())
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)
}

func TestAttachRefusesDoubleBinding(t *testing.T) {
	b, _, _ := newTestBinding()
	require.NoError(t, b.Attach(&fakeText{}))
	assert.ErrorIs(t, b.Attach(&fakeText{}), ErrAlreadyBound)

	b.Detach()
	assert.Nil(t, b.Bound())
	assert.NoError(t, b.Attach(&fakeText{}))
}

func TestDetachStopsRemoteUpdates(t *testing.T) {
	b, buf, _ := newTestBinding()
	txt := &fakeText{}
	require.NoError(t, b.Attach(txt))
	b.Detach()
	b.Detach()

	txt.remote("late")
	assert.Equal(t, "", buf.Value())
}

func TestClearAndShowAreSilent(t *testing.T) {
	b, buf, changes := newTestBinding()
	buf.SetValue("old file")
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "util.py"}, pending: true}
	b.Clear()
	require.NoError(t, b.Attach(txt))

	b.Show("print(1)")

	assert.Equal(t, "print(1)", buf.Value())
	assert.Equal(t, "", txt.text, "a shown copy never reaches the replica")
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)
}

func TestShowYieldsToSyncedReplica(t *testing.T) {
	b, buf, _ := newTestBinding()
	txt := &fakeText{text: "peer copy"}
	require.NoError(t, b.Attach(txt))
	assert.Equal(t, "peer copy", buf.Value())

	b.Show("server copy")

	assert.Equal(t, "peer copy", buf.Value())
}

func TestSyncReplacesShownCopy(t *testing.T) {
	b, buf, changes := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}, pending: true}
	require.NoError(t, b.Attach(txt))
	b.Show("hello")

	txt.remote("bye")

	assert.Equal(t, "bye", buf.Value())
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)
}

func TestEditsBeforeSyncAreHeldThenReplayed(t *testing.T) {
	b, buf, changes := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}, pending: true}
	require.NoError(t, b.Attach(txt))
	b.Show("hello")

	buf.Type(" world")
	assert.True(t, b.Held())
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)

	// Peers changed the start of the file meanwhile.
	txt.remote("Hello")

	assert.False(t, b.Held())
	assert.Equal(t, "Hello world", buf.Value())
	assert.Equal(t, []string{"Hello world"}, txt.replaced)
	require.Len(t, *changes, 1)
	assert.Equal(t, "Hello world", (*changes)[0].content)
}

func TestHeldEditsOverlappingPeerChangesAreDropped(t *testing.T) {
	b, buf, changes := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}, pending: true}
	require.NoError(t, b.Attach(txt))
	b.Show("print(1)")

	buf.SetValue("print(2)")
	txt.remote("log(1)")

	assert.Equal(t, "log(1)", buf.Value())
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)
}

func TestHeldEditsFollowANewerCopy(t *testing.T) {
	b, buf, _ := newTestBinding()
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}, pending: true}
	require.NoError(t, b.Attach(txt))
	b.Show("a")
	buf.Type("!")

	b.Show("abc")

	assert.Equal(t, "abc!", buf.Value())
	assert.True(t, b.Held())
}

func TestGuardRevertsEdits(t *testing.T) {
	switching := true
	b, buf, changes := newGuardedBinding(func() bool { return switching })
	txt := &fakeText{key: protocol.FileKey{RoomID: "r1", Path: "main.py"}}
	require.NoError(t, b.Attach(txt))
	b.Show("")

	buf.Type("x")
	assert.Equal(t, "", buf.Value())
	assert.Empty(t, txt.replaced)
	assert.Empty(t, *changes)

	switching = false
	buf.Type("y")
	assert.Equal(t, []string{"y"}, txt.replaced)
	require.Len(t, *changes, 1)
}

func TestRebase(t *testing.T) {
	cases := []struct {
		name                 string
		base, edited, target string
		want                 string
		ok                   bool
	}{
		{"unchanged", "a", "a", "b", "b", true},
		{"insert in the middle", "hello world", "hello, world", "hello world!", "hello, world!", true},
		{"append follows the end", "hello", "hello!", "bye", "bye!", true},
		{"delete matching text", "abc", "ac", "abcx", "acx", true},
		{"overlap", "print(1)", "print(2)", "log(1)", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Rebase(tc.base, tc.edited, tc.target)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestEditWithoutBoundReplicaIsDropped(t *testing.T) {
	_, buf, changes := newTestBinding()
	buf.Type("typed")
	assert.Empty(t, *changes)
}
