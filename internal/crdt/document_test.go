package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoc(t *testing.T, peer string) *Document {
	t.Helper()
	d, err := NewDocument(peer)
	require.NoError(t, err)
	return d
}

func splice(t *testing.T, d *Document, pos, del int, text string) []byte {
	t.Helper()
	changes, err := d.Splice(pos, del, text)
	require.NoError(t, err)
	return changes
}

func apply(t *testing.T, d *Document, changes []byte) bool {
	t.Helper()
	changed, err := d.Apply(changes)
	require.NoError(t, err)
	return changed
}

func TestSpliceInsertAndDelete(t *testing.T) {
	doc := newDoc(t, "a")
	assert.True(t, doc.Fresh())

	require.NotEmpty(t, splice(t, doc, 0, 0, "hello"))
	assert.Equal(t, "hello", doc.Text())
	assert.False(t, doc.Fresh())

	splice(t, doc, 1, 3, "ipp")
	assert.Equal(t, "hippo", doc.Text())
	assert.Equal(t, 5, doc.Len())
}

func TestSpliceClampsOutOfRange(t *testing.T) {
	doc := newDoc(t, "a")
	splice(t, doc, 0, 0, "abc")

	splice(t, doc, 10, 5, "d")
	assert.Equal(t, "abcd", doc.Text())

	splice(t, doc, -1, 100, "")
	assert.Equal(t, "", doc.Text())

	assert.Nil(t, splice(t, doc, 0, 0, ""))
}

func TestDiffFindsSingleSplice(t *testing.T) {
	pos, del, ins := Diff("print(1)", "print(42)")
	assert.Equal(t, 6, pos)
	assert.Equal(t, 1, del)
	assert.Equal(t, "42", ins)

	pos, del, ins = Diff("héllo", "hé!llo")
	assert.Equal(t, 2, pos)
	assert.Equal(t, 0, del)
	assert.Equal(t, "!", ins)

	_, del, ins = Diff("same", "same")
	assert.Zero(t, del)
	assert.Empty(t, ins)
}

func TestReplaceShipsOnlyWhatChanged(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")

	first, err := a.Replace("print(1)")
	require.NoError(t, err)
	apply(t, b, first)

	second, err := a.Replace("print(42)")
	require.NoError(t, err)
	assert.Equal(t, "print(42)", a.Text())
	apply(t, b, second)
	assert.Equal(t, "print(42)", b.Text())

	none, err := a.Replace("print(42)")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestIndependentDocumentsShareOneText(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")

	// Neither has seen the other; both edit the genesis text object.
	fromA := splice(t, a, 0, 0, "left ")
	fromB := splice(t, b, 0, 0, "right")

	apply(t, a, fromB)
	apply(t, b, fromA)

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), len("left right"))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	apply(t, b, splice(t, a, 0, 0, "ac"))

	fromA := splice(t, a, 1, 0, "X")
	fromB := splice(t, b, 1, 0, "Y")

	apply(t, a, fromB)
	apply(t, b, fromA)

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), 4)
}

func TestConcurrentDeleteAndInsertConverge(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	apply(t, b, splice(t, a, 0, 0, "abc"))

	fromA := splice(t, a, 1, 1, "")
	fromB := splice(t, b, 2, 0, "Z")

	apply(t, a, fromB)
	apply(t, b, fromA)

	assert.Equal(t, "aZc", a.Text())
	assert.Equal(t, a.Text(), b.Text())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	changes := splice(t, a, 0, 0, "dup")

	assert.True(t, apply(t, b, changes))
	assert.False(t, apply(t, b, changes))
	assert.Equal(t, "dup", b.Text())
}

func TestApplyQueuesOutOfOrderChanges(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")
	first := splice(t, a, 0, 0, "x")
	second := splice(t, a, 1, 0, "y")

	assert.False(t, apply(t, b, second))
	assert.Equal(t, "", b.Text())

	assert.True(t, apply(t, b, first))
	assert.Equal(t, "xy", b.Text())
}

func TestApplyRejectsGarbage(t *testing.T) {
	d := newDoc(t, "a")
	_, err := d.Apply([]byte("not automerge"))
	assert.Error(t, err)

	changed, err := d.Apply(nil)
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestSaveRebuildsDocument(t *testing.T) {
	a := newDoc(t, "a")
	splice(t, a, 0, 0, "hello world")
	splice(t, a, 5, 6, "")

	b := newDoc(t, "b")
	apply(t, b, a.Save())
	assert.Equal(t, "hello", b.Text())

	apply(t, a, splice(t, b, 5, 0, "!"))
	assert.Equal(t, "hello!", a.Text())
}

func TestSeedFromSameTextConverges(t *testing.T) {
	a := newDoc(t, "a")
	b := newDoc(t, "b")

	seedA, err := a.Seed("print(1)")
	require.NoError(t, err)
	seedB, err := b.Seed("print(1)")
	require.NoError(t, err)
	require.NotEmpty(t, seedA)

	apply(t, a, seedB)
	apply(t, b, seedA)
	assert.Equal(t, "print(1)", a.Text())
	assert.Equal(t, "print(1)", b.Text())
}

func TestSeedRefusesEditedDocument(t *testing.T) {
	d := newDoc(t, "a")
	splice(t, d, 0, 0, "x")

	_, err := d.Seed("y")
	assert.ErrorIs(t, err, ErrNotFresh)
	assert.Equal(t, "x", d.Text())

	// A remote change counts as an edit too.
	e := newDoc(t, "e")
	apply(t, e, d.Save())
	_, err = e.Seed("y")
	assert.ErrorIs(t, err, ErrNotFresh)
}

func TestSeedOfEmptyTextLeavesDocumentFresh(t *testing.T) {
	d := newDoc(t, "a")
	changes, err := d.Seed("")
	require.NoError(t, err)
	assert.Nil(t, changes)
	assert.True(t, d.Fresh())

	// Edits after a seed stay under the peer's own actor.
	_, err = d.Seed("ab")
	require.NoError(t, err)
	splice(t, d, 2, 0, "c")
	assert.Equal(t, "abc", d.Text())
}
