// Package crdt holds the convergent text shared by every collaborator of a
// file. Conflict resolution is Automerge's; this package pins down how a
// file's document is born so independently created replicas can merge.
//
// Every document starts from the same genesis change: it creates the text
// object under a fixed actor and timestamp, so all peers hash it identically
// and later edits from any replica target one shared object. After genesis
// a document edits under an actor derived from its peer ID.
//
// Changes travel as Automerge's binary change chunks. Applying a chunk is
// idempotent, and chunks whose dependencies have not arrived yet are queued
// by Automerge until they do.
package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

const textKey = "text"

// ErrNotFresh is returned by Seed when the document already holds edits.
var ErrNotFresh = errors.New("document already holds edits")

var (
	genesisActor = actorFor("coderoom/genesis")
	// Seed and genesis changes must hash the same on every peer, so they
	// never carry the wall clock.
	epoch = time.Unix(0, 0).UTC()
)

// actorFor derives a 16 byte hex actor ID. Automerge only accepts hex
// actors while peer IDs are arbitrary strings.
func actorFor(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// Document is one replica of a shared text. It is not safe for concurrent
// use; callers serialize access.
type Document struct {
	peer    string
	actor   string
	doc     *automerge.Doc
	genesis []automerge.ChangeHash
}

// NewDocument creates an empty document owned by peer.
func NewDocument(peer string) (*Document, error) {
	doc := automerge.New()
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	if err := doc.Path(textKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to create text: %w", err)
	}
	if err := commitAt(doc, "genesis", epoch); err != nil {
		return nil, err
	}

	d := &Document{
		peer:    peer,
		actor:   actorFor(peer),
		doc:     doc,
		genesis: doc.Heads(),
	}
	if err := doc.SetActorID(d.actor); err != nil {
		return nil, fmt.Errorf("failed to set actor for %s: %w", peer, err)
	}
	return d, nil
}

// Peer returns the local peer ID.
func (d *Document) Peer() string { return d.peer }

// Text returns the visible content.
func (d *Document) Text() string {
	s, err := d.text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	return len([]rune(d.Text()))
}

// Fresh reports whether nothing beyond genesis has been applied.
func (d *Document) Fresh() bool {
	heads := d.doc.Heads()
	if len(heads) != len(d.genesis) {
		return false
	}
	for i := range heads {
		if heads[i] != d.genesis[i] {
			return false
		}
	}
	return true
}

// Splice deletes del characters at position pos and inserts text in their
// place. Out of range arguments are clamped. It returns the change to
// broadcast, or nil when nothing changed.
func (d *Document) Splice(pos, del int, text string) ([]byte, error) {
	n := d.Len()
	if pos < 0 {
		pos = 0
	}
	if pos > n {
		pos = n
	}
	if del < 0 {
		del = 0
	}
	if pos+del > n {
		del = n - pos
	}
	if del == 0 && text == "" {
		return nil, nil
	}

	before := d.doc.Heads()
	if err := d.text().Splice(pos, del, text); err != nil {
		return nil, fmt.Errorf("failed to splice: %w", err)
	}
	if _, err := d.doc.Commit(""); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return d.changesSince(before)
}

// Replace rewrites the visible content to text with a single splice covering
// the region between the common prefix and suffix.
func (d *Document) Replace(text string) ([]byte, error) {
	pos, del, ins := Diff(d.Text(), text)
	if del == 0 && ins == "" {
		return nil, nil
	}
	return d.Splice(pos, del, ins)
}

// Seed fills a fresh document with text under an actor derived from the
// text itself. Peers that seed the same text produce the same change, so a
// seed from one server copy converges to a single copy. Seeding empty text
// is a no-op.
func (d *Document) Seed(text string) ([]byte, error) {
	if !d.Fresh() {
		return nil, ErrNotFresh
	}
	if text == "" {
		return nil, nil
	}

	if err := d.doc.SetActorID(actorFor("seed:" + text)); err != nil {
		return nil, fmt.Errorf("failed to set seed actor: %w", err)
	}
	defer func() {
		// Restoring a valid hex actor cannot fail.
		_ = d.doc.SetActorID(d.actor)
	}()

	if err := d.text().Splice(0, 0, text); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}
	if err := commitAt(d.doc, "seed", epoch); err != nil {
		return nil, err
	}
	return d.changesSince(d.genesis)
}

// Apply integrates remote changes or a saved document. Duplicates are
// ignored. It reports whether the visible text changed.
func (d *Document) Apply(raw []byte) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	before := d.Text()
	if err := d.doc.LoadIncremental(raw); err != nil {
		return false, fmt.Errorf("failed to apply changes: %w", err)
	}
	return d.Text() != before, nil
}

// Save returns the full document, history included. A peer applies it with
// Apply.
func (d *Document) Save() []byte {
	return d.doc.Save()
}

func (d *Document) text() *automerge.Text {
	return d.doc.Path(textKey).Text()
}

func (d *Document) changesSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out, nil
}

func commitAt(doc *automerge.Doc, msg string, at time.Time) error {
	if _, err := doc.Commit(msg, automerge.CommitOptions{Time: &at}); err != nil {
		return fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	return nil
}

// Diff returns the single splice turning old into new: delete del
// characters at pos and insert ins. Positions count runes.
func Diff(old, new string) (pos, del int, ins string) {
	oldRunes := []rune(old)
	newRunes := []rune(new)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}
	return prefix, len(oldRunes) - prefix - suffix, string(newRunes[prefix : len(newRunes)-suffix])
}
