// Package replica owns the live convergent document of the active file: its
// replication channel, its presence state and its lifecycle.
//
// A new replica starts empty and pending. It must learn whether anyone
// already holds the file before it may take text from the server:
//
//	pending --update from a peer--------------------------> synced
//	pending --relay counts no peers, or sync timeout------> alone
//	alone   --server content known, seeded----------------> synced
//	alone   --update from a peer--------------------------> synced
//
// Only a synced replica edits, answers sync requests or sends state, so
// server text enters the document once, through the replica that found
// itself alone.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"coderoom/internal/crdt"
	"coderoom/internal/protocol"
	"coderoom/internal/transport"
)

var (
	// ErrReleased is returned by operations on a replica that has been
	// released.
	ErrReleased = errors.New("replica released")
	// ErrNotSynced is returned by edits made before the replica caught up
	// with its peers.
	ErrNotSynced = errors.New("replica has not synchronized with its peers yet")
)

// ChannelError describes a replication channel that went down. The replica
// keeps working offline and resynchronizes when the channel comes back.
type ChannelError struct {
	Key protocol.FileKey
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("replication channel %s: %v", e.Key, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

var errChannelDown = errors.New("disconnected")

// Phase is how far a replica got in joining its peers.
type Phase int

const (
	PhasePending Phase = iota
	PhaseAlone
	PhaseSynced
)

func (p Phase) String() string {
	switch p {
	case PhaseAlone:
		return "alone"
	case PhaseSynced:
		return "synced"
	default:
		return "pending"
	}
}

// Replica is one file's convergent document bound to its replication
// channel. All methods must be called from the client event loop.
type Replica struct {
	key       protocol.FileKey
	doc       *crdt.Document
	channel   Channel
	awareness *Awareness
	notifier  Notifier

	observers map[int]func(string)
	nextObs   int

	phase       Phase
	server      string
	haveServer  bool
	needContent func(protocol.FileKey)

	after       func(time.Duration, func()) func() bool
	syncTimeout time.Duration
	retryDelay  time.Duration
	stopSync    func() bool
	stopRetry   func() bool

	status    transport.Status
	connected bool
	err       *ChannelError
	released  bool
	stop      chan struct{}
}

// Key returns the file this replica belongs to.
func (r *Replica) Key() protocol.FileKey { return r.key }

// Text returns the current converged content.
func (r *Replica) Text() string {
	if r.released {
		return ""
	}
	return r.doc.Text()
}

// Phase returns how far the replica got in joining its peers.
func (r *Replica) Phase() Phase { return r.phase }

// Synced reports whether the replica holds the shared text and may edit it.
func (r *Replica) Synced() bool { return !r.released && r.phase == PhaseSynced }

// Presence returns the replica's presence state.
func (r *Replica) Presence() *Awareness { return r.awareness }

// Status returns the last reported channel status.
func (r *Replica) Status() transport.Status { return r.status }

// Err returns the channel error while the channel is down after having been
// up, nil otherwise.
func (r *Replica) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Released reports whether the replica has been torn down.
func (r *Replica) Released() bool { return r.released }

// Replace makes content the document text through a minimal local edit and
// ships the resulting change to peers.
func (r *Replica) Replace(content string) error {
	if err := r.editable(); err != nil {
		return err
	}
	changes, err := r.doc.Replace(content)
	if err != nil {
		return err
	}
	r.sendChanges(changes)
	return nil
}

// Edit applies a positional splice as a local edit.
func (r *Replica) Edit(pos, del int, text string) error {
	if err := r.editable(); err != nil {
		return err
	}
	changes, err := r.doc.Splice(pos, del, text)
	if err != nil {
		return err
	}
	r.sendChanges(changes)
	return nil
}

func (r *Replica) editable() error {
	if r.released {
		return ErrReleased
	}
	if r.phase != PhaseSynced {
		return ErrNotSynced
	}
	return nil
}

// Hydrate records the server copy of the file. A replica that found itself
// alone seeds its document with it; otherwise the copy is only kept in case
// the replica ends up alone later.
func (r *Replica) Hydrate(content string) {
	if r.released {
		return
	}
	r.server = content
	r.haveServer = true
	if r.phase == PhaseAlone {
		r.seed()
	}
}

// Observe registers fn to receive the new text after every remote change and
// once when the replica synchronizes. Local edits through Replace and Edit
// are not reported.
func (r *Replica) Observe(fn func(text string)) (cancel func()) {
	if r.released {
		return func() {}
	}
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() { delete(r.observers, id) }
}

func (r *Replica) handleStatus(s transport.Status) {
	if r.released {
		return
	}
	r.status = s
	switch s {
	case transport.StatusConnected:
		r.connected = true
		r.err = nil
		log.Printf("✓ Replica %s connected", r.key)
		r.notifier.Success(fmt.Sprintf("Collaboration connected for %s", r.key.Path))
		r.resync()
	case transport.StatusDisconnected:
		if !r.connected {
			return
		}
		r.connected = false
		r.err = &ChannelError{Key: r.key, Err: errChannelDown}
		log.Printf("⚠️  %v", r.err)
		r.notifier.Error(fmt.Sprintf("Collaboration disconnected for %s", r.key.Path))
	}
}

// resync runs on every (re)connection: ask peers for their state, offer
// ours, and exchange presence. The local entry is republished under a new
// clock so it beats the removal the relay sent when the old connection
// dropped.
func (r *Replica) resync() {
	r.sendFrame(protocol.FrameSyncRequest, nil)
	if r.phase == PhaseSynced {
		r.publishState()
	} else if r.phase == PhasePending {
		// The clock restarts now that peers can hear us.
		r.armSync()
	}
	r.sendFrame(protocol.FrameQueryPresence, nil)
	r.awareness.renew()
}

func (r *Replica) handleFrame(frame []byte) {
	if r.released {
		return
	}
	t, body, err := protocol.DecodeFrame(frame)
	if err != nil {
		log.Printf("⚠️  Replica %s: %v", r.key, err)
		return
	}

	switch t {
	case protocol.FrameSyncRequest:
		if r.phase == PhaseSynced {
			r.publishState()
		}
	case protocol.FrameUpdate:
		var u protocol.Update
		if err := json.Unmarshal(body, &u); err != nil {
			log.Printf("⚠️  Replica %s: malformed update: %v", r.key, err)
			return
		}
		r.applyUpdate(u.Changes)
	case protocol.FramePeers:
		var p protocol.Peers
		if err := json.Unmarshal(body, &p); err != nil {
			log.Printf("⚠️  Replica %s: malformed peers: %v", r.key, err)
			return
		}
		r.handlePeers(p.Count)
	case protocol.FramePresence:
		var entry protocol.PresenceEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			log.Printf("⚠️  Replica %s: malformed presence: %v", r.key, err)
			return
		}
		r.awareness.apply(entry)
	case protocol.FrameQueryPresence:
		r.awareness.publish()
	default:
		log.Printf("⚠️  Replica %s: unknown %s", r.key, t)
	}
}

func (r *Replica) applyUpdate(changes []byte) {
	changed, err := r.doc.Apply(changes)
	if err != nil {
		log.Printf("⚠️  Replica %s: %v", r.key, err)
		return
	}
	// Peers only send once synced, so any update carries the shared text.
	if r.phase != PhaseSynced {
		r.markSynced("peer state")
		return
	}
	if changed {
		r.notifyText()
	}
}

func (r *Replica) handlePeers(count int) {
	if r.phase != PhasePending {
		return
	}
	if count == 0 {
		r.becomeAlone("no peers on the channel")
		return
	}
	log.Printf("  Replica %s: waiting for state from %d peer(s)", r.key, count)
	r.armSync()
}

func (r *Replica) armSync() {
	r.stopSyncTimer()
	if r.after == nil {
		return
	}
	r.stopSync = r.after(r.syncTimeout, func() {
		r.stopSync = nil
		if r.released || r.phase != PhasePending {
			return
		}
		r.becomeAlone("no peer state before timeout")
	})
}

func (r *Replica) becomeAlone(reason string) {
	r.stopSyncTimer()
	r.phase = PhaseAlone
	log.Printf("  Replica %s alone (%s)", r.key, reason)
	if r.haveServer {
		r.seed()
		return
	}
	if r.needContent != nil {
		r.needContent(r.key)
	}
}

// seed takes the server copy as the document's first text and publishes the
// result, so peers that joined meanwhile finish their sync.
func (r *Replica) seed() {
	if _, err := r.doc.Seed(r.server); err != nil {
		log.Printf("⚠️  Replica %s: seed skipped: %v", r.key, err)
	}
	r.markSynced("server copy")
}

func (r *Replica) markSynced(source string) {
	r.stopSyncTimer()
	r.phase = PhaseSynced
	log.Printf("✓ Replica %s synchronized from %s", r.key, source)
	r.publishState()
	r.notifyText()
}

func (r *Replica) stopSyncTimer() {
	if r.stopSync != nil {
		r.stopSync()
		r.stopSync = nil
	}
}

func (r *Replica) stopTimers() {
	r.stopSyncTimer()
	if r.stopRetry != nil {
		r.stopRetry()
		r.stopRetry = nil
	}
}

// tick drops presence entries that were not renewed and renews the local
// one while the channel is up.
func (r *Replica) tick(timeout time.Duration) {
	if r.released {
		return
	}
	r.awareness.expire(timeout)
	if r.connected {
		r.awareness.renew()
	}
}

func (r *Replica) notifyText() {
	text := r.doc.Text()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := r.observers[id]; ok {
			fn(text)
		}
	}
}

func (r *Replica) sendChanges(changes []byte) {
	if len(changes) == 0 {
		return
	}
	if r.sendFrame(protocol.FrameUpdate, protocol.Update{Changes: changes}) || !r.connected {
		// While down, resync on the next connection sends everything.
		return
	}
	log.Printf("⚠️  Replica %s: update dropped by the channel, resending state in %v", r.key, r.retryDelay)
	r.scheduleRetry()
}

func (r *Replica) publishState() {
	if !r.sendState() && r.connected {
		log.Printf("⚠️  Replica %s: state dropped by the channel, resending in %v", r.key, r.retryDelay)
		r.scheduleRetry()
	}
}

func (r *Replica) sendState() bool {
	return r.sendFrame(protocol.FrameUpdate, protocol.Update{Changes: r.doc.Save()})
}

// scheduleRetry resends the full state after the retry delay until the
// channel takes it or goes down.
func (r *Replica) scheduleRetry() {
	if r.stopRetry != nil || r.after == nil {
		return
	}
	r.stopRetry = r.after(r.retryDelay, func() {
		r.stopRetry = nil
		if r.released || !r.connected || r.phase != PhaseSynced {
			return
		}
		if r.sendState() {
			log.Printf("✓ Replica %s: state resent", r.key)
			return
		}
		r.scheduleRetry()
	})
}

func (r *Replica) sendPresence(entry protocol.PresenceEntry) {
	r.sendFrame(protocol.FramePresence, entry)
}

// sendFrame reports whether the channel accepted the frame.
func (r *Replica) sendFrame(t protocol.FrameType, payload any) bool {
	if r.channel == nil {
		return false
	}
	frame, err := protocol.EncodeFrame(t, payload)
	if err != nil {
		log.Printf("❌ Replica %s: %v", r.key, err)
		return false
	}
	return r.channel.Send(frame)
}
