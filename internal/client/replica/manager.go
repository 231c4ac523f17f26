package replica

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"coderoom/internal/crdt"
	"coderoom/internal/protocol"
	"coderoom/internal/transport"
)

// ErrReplicaLive is returned by Activate while another replica is still live.
var ErrReplicaLive = errors.New("a replica is already live; release it first")

const (
	// DefaultRenewInterval is how often the local presence entry is
	// republished.
	DefaultRenewInterval = 15 * time.Second
	// DefaultPresenceTimeout is how long a remote presence entry survives
	// without renewal.
	DefaultPresenceTimeout = 30 * time.Second
	// DefaultSyncTimeout is how long a new replica waits for peer state
	// before it treats itself as alone.
	DefaultSyncTimeout = 5 * time.Second
	// DefaultRetryDelay spaces full state resends after the channel refused
	// a frame.
	DefaultRetryDelay = time.Second
)

// Channel is the replication channel a replica talks through.
type Channel interface {
	Send(frame []byte) bool
	Close()
}

// Dialer opens replication channels.
type Dialer interface {
	Dial(key protocol.FileKey, h transport.ChannelHandler) Channel
}

type transportDialer struct {
	d *transport.ChannelDialer
}

// NewTransportDialer adapts a websocket channel dialer to Dialer.
func NewTransportDialer(d *transport.ChannelDialer) Dialer {
	return transportDialer{d: d}
}

func (t transportDialer) Dial(key protocol.FileKey, h transport.ChannelHandler) Channel {
	return t.d.Dial(key, h)
}

// Notifier shows transient notices to the user.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Dispatch runs fn on the client event loop.
type Dispatch func(fn func())

// Options tunes a Manager. Zero values pick the defaults.
type Options struct {
	RenewInterval   time.Duration
	PresenceTimeout time.Duration
	SyncTimeout     time.Duration
	RetryDelay      time.Duration
	Now             func() time.Time
	NewID           func() string
	// After runs fn once d has passed and returns a function that cancels
	// it. fn is dispatched onto the client loop by the manager.
	After func(d time.Duration, fn func()) (stop func() bool)
	// NeedContent is called when a replica finds itself alone without a
	// server copy of its file. Hydrate delivers the copy.
	NeedContent func(key protocol.FileKey)
}

// Manager creates and destroys replicas. At most one replica is live at a
// time.
type Manager struct {
	dialer   Dialer
	dispatch Dispatch
	notifier Notifier
	opts     Options
	live     *Replica
}

// NewManager creates a replica manager. Channel callbacks are marshalled onto
// the client event loop through dispatch.
func NewManager(dialer Dialer, dispatch Dispatch, notifier Notifier, opts Options) *Manager {
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = DefaultRenewInterval
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = DefaultPresenceTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		}
	}
	return &Manager{dialer: dialer, dispatch: dispatch, notifier: notifier, opts: opts}
}

// Live returns the live replica, or nil.
func (m *Manager) Live() *Replica { return m.live }

// Activate creates a fresh, empty, pending replica for key and starts
// connecting its channel. It does not wait for the network.
func (m *Manager) Activate(key protocol.FileKey) (*Replica, error) {
	if m.live != nil && !m.live.released {
		return nil, ErrReplicaLive
	}

	// Each activation replicates under a new identity so operations from an
	// earlier replica of the same file never collide with new ones.
	id := m.opts.NewID()
	doc, err := crdt.NewDocument(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create document for %s: %w", key, err)
	}
	r := &Replica{
		key:         key,
		doc:         doc,
		notifier:    m.notifier,
		observers:   make(map[int]func(string)),
		needContent: m.opts.NeedContent,
		after:       m.after,
		syncTimeout: m.opts.SyncTimeout,
		retryDelay:  m.opts.RetryDelay,
		status:      transport.StatusConnecting,
		stop:        make(chan struct{}),
	}
	r.awareness = newAwareness(id, m.opts.Now, r.sendPresence)

	r.channel = m.dialer.Dial(key, transport.ChannelHandler{
		OnStatus: func(s transport.Status) { m.dispatch(func() { r.handleStatus(s) }) },
		OnFrame:  func(f []byte) { m.dispatch(func() { r.handleFrame(f) }) },
	})
	go m.keepAlive(r)
	// Covers a channel that never connects; resync restarts it.
	r.armSync()

	m.live = r
	log.Printf("✓ Replica activated for %s", key)
	return r, nil
}

// Release tears r down: its presence entry is withdrawn, its channel closed
// and its document discarded. Idempotent.
func (m *Manager) Release(r *Replica) {
	if r == nil || r.released {
		return
	}
	r.awareness.destroy()
	r.stopTimers()
	r.released = true
	close(r.stop)
	if r.channel != nil {
		r.channel.Close()
	}
	r.observers = make(map[int]func(string))
	r.doc = nil
	if m.live == r {
		m.live = nil
	}
	log.Printf("🛑 Replica released for %s", r.key)
}

func (m *Manager) after(d time.Duration, fn func()) func() bool {
	return m.opts.After(d, func() { m.dispatch(fn) })
}

func (m *Manager) keepAlive(r *Replica) {
	ticker := time.NewTicker(m.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			m.dispatch(func() { r.tick(m.opts.PresenceTimeout) })
		}
	}
}
