package editor

import "sort"

// Buffer is an in-memory Widget for headless clients. Like a real editor it
// fires change listeners for programmatic writes too.
type Buffer struct {
	text      string
	listeners map[int]func(string)
	next      int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{listeners: make(map[int]func(string))}
}

func (b *Buffer) SetValue(text string) {
	b.text = text
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := b.listeners[id]; ok {
			fn(text)
		}
	}
}

func (b *Buffer) Value() string { return b.text }

func (b *Buffer) OnDidChange(fn func(string)) func() {
	id := b.next
	b.next++
	b.listeners[id] = fn
	return func() { delete(b.listeners, id) }
}

// Type simulates the user typing: the text is appended and listeners fire.
func (b *Buffer) Type(text string) { b.SetValue(b.text + text) }
