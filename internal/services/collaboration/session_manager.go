package collaboration

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coderoom/internal/middleware"
	"coderoom/internal/models"
	"coderoom/internal/protocol"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
REPLICATION RELAY

One channel per (room, file). Every binary frame a member sends is fanned out
to the other members of the same channel, and to other instances through the
optional Fanout. Payloads are opaque except for presence frames: the relay
remembers the last presence entry each member announced so that it can
withdraw it for the member when the connection goes away.

The relay also speaks once on its own: a joining member first receives a
peers frame counting the other members of its channel, here and on other
instances. A replica that hears zero knows nobody can hand it state and
starts from the server copy of the file instead of waiting.

All membership changes and local deliveries run on the manager goroutine.
*/

const (
	sendBuffer      = 256
	pongWait        = 60 * time.Second
	pingInterval    = 54 * time.Second
	writeWait       = 10 * time.Second
	cleanupInterval = 30 * time.Second
	idleTimeout     = 5 * time.Minute
	countTimeout    = 2 * time.Second
)

// SessionManager manages the replication channels and their members.
type SessionManager struct {
	channels   map[string]map[*Session]bool // channel name -> members
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	fanout Fanout

	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
}

// Session is one member connection of a replication channel.
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager

	lastActive atomic.Int64

	presenceMu    sync.Mutex
	presenceClock uint64
	announced     bool
}

// BroadcastMessage is a frame to deliver to the local members of a channel.
type BroadcastMessage struct {
	Channel string
	Message []byte
	Sender  *Session // skipped when set
	Remote  bool     // arrived through the fan-out, not republished
}

// NewSessionManager creates a relay. fanout may be nil for a single
// instance deployment.
func NewSessionManager(fanout Fanout) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		channels:   make(map[string]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *BroadcastMessage, 256),
		fanout:     fanout,
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
}

// NewSession wraps conn as a member of channel.
func (sm *SessionManager) NewSession(key protocol.FileKey, conn *websocket.Conn) *Session {
	s := &Session{
		Session: models.NewSession(protocol.ChannelName(key), key.RoomID),
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Manager: sm,
	}
	s.touch()
	return s
}

// Start begins the manager event loop, the idle cleanup and the fan-out
// subscription.
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting replication relay...")

	go func() {
		defer close(sm.stopped)
		for {
			select {
			case <-sm.ctx.Done():
				sm.closeAll()
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	go sm.cleanupLoop()

	if sm.fanout != nil {
		go sm.fanout.Subscribe(sm.ctx, func(channel string, frame []byte) {
			sm.enqueue(&BroadcastMessage{Channel: channel, Message: frame, Remote: true})
		})
	}

	log.Println("✓ Replication relay started")
}

// Register adds session to its channel. It reports false once the relay is
// shut down.
func (sm *SessionManager) Register(session *Session) bool {
	select {
	case sm.register <- session:
		return true
	case <-sm.ctx.Done():
		return false
	}
}

func (sm *SessionManager) handleRegister(session *Session) {
	_, span := middleware.StartSpan(sm.ctx, "Relay.Join",
		attribute.String("channel", session.Channel),
		attribute.String("session.id", session.ID),
	)
	defer span.End()

	sm.mu.Lock()
	if sm.channels[session.Channel] == nil {
		sm.channels[session.Channel] = make(map[*Session]bool)
	}
	sm.channels[session.Channel][session] = true
	n := len(sm.channels[session.Channel])
	sm.mu.Unlock()

	others := n - 1 + sm.countRemote(session.Channel, 1)
	span.SetAttributes(attribute.Int("channel.peers", others))
	sm.sendPeers(session, others)

	log.Printf("  Session %s joined %s (members: %d, peers: %d)", session.ID, session.Channel, n, others)
}

// countRemote moves this instance's member count for channel by delta and
// returns the members held elsewhere. A count that cannot be read is
// reported as one, so the joiner waits out its sync timeout instead of
// starting alone.
func (sm *SessionManager) countRemote(channel string, delta int) int {
	if sm.fanout == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(sm.ctx, countTimeout)
	defer cancel()
	remote, err := sm.fanout.Members(ctx, channel, delta)
	if err != nil {
		log.Printf("⚠️  Relay member count for %s failed: %v", channel, err)
		return 1
	}
	return remote
}

func (sm *SessionManager) sendPeers(session *Session, count int) {
	frame, err := protocol.EncodeFrame(protocol.FramePeers, protocol.Peers{Count: count})
	if err != nil {
		log.Printf("❌ Relay: %v", err)
		return
	}
	select {
	case session.Send <- frame:
	default:
		log.Printf("⚠️  Session %s buffer full, peers frame dropped", session.ID)
	}
}

// handleUnregister removes session and withdraws the presence entry it
// announced. Removing a session twice is a no-op.
func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	members, ok := sm.channels[session.Channel]
	if !ok || !members[session] {
		sm.mu.Unlock()
		return
	}
	delete(members, session)
	close(session.Send)
	remaining := len(members)
	if remaining == 0 {
		delete(sm.channels, session.Channel)
	}
	sm.mu.Unlock()

	_, span := middleware.StartSpan(sm.ctx, "Relay.Leave",
		attribute.String("channel", session.Channel),
		attribute.String("session.id", session.ID),
		attribute.Int("channel.members", remaining),
	)
	defer span.End()

	log.Printf("  Session %s left %s (remaining: %d)", session.ID, session.Channel, remaining)
	sm.countRemote(session.Channel, -1)

	frame, ok := session.withdrawal()
	if !ok {
		return
	}
	msg := &BroadcastMessage{Channel: session.Channel, Message: frame}
	sm.publish(msg)
	sm.handleBroadcast(msg)
}

// handleBroadcast delivers a frame to the local members of its channel.
// Members whose buffer is full are dropped.
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.mu.RLock()
	members := make([]*Session, 0, len(sm.channels[msg.Channel]))
	for s := range sm.channels[msg.Channel] {
		members = append(members, s)
	}
	sm.mu.RUnlock()

	for _, session := range members {
		if msg.Sender != nil && session == msg.Sender {
			continue
		}
		select {
		case session.Send <- msg.Message:
		default:
			log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
			sm.handleUnregister(session)
		}
	}
}

// Broadcast relays a frame from sender to the rest of the channel, on this
// instance and through the fan-out.
func (sm *SessionManager) Broadcast(channel string, frame []byte, sender *Session) {
	msg := &BroadcastMessage{Channel: channel, Message: frame, Sender: sender}
	sm.publish(msg)
	sm.enqueue(msg)
}

func (sm *SessionManager) enqueue(msg *BroadcastMessage) {
	select {
	case sm.broadcast <- msg:
	case <-sm.ctx.Done():
	}
}

func (sm *SessionManager) publish(msg *BroadcastMessage) {
	if sm.fanout == nil || msg.Remote {
		return
	}
	if err := sm.fanout.Publish(sm.ctx, msg.Channel, msg.Message); err != nil && sm.ctx.Err() == nil {
		log.Printf("⚠️  Relay fan-out publish on %s failed: %v", msg.Channel, err)
	}
}

// GetSessions returns the local members of channel.
func (sm *SessionManager) GetSessions(channel string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	members := sm.channels[channel]
	result := make([]*Session, 0, len(members))
	for session := range members {
		result = append(result, session)
	}
	return result
}

// Stats lists the live channels with their local member counts.
func (sm *SessionManager) Stats() []models.ChannelStats {
	sm.mu.RLock()
	stats := make([]models.ChannelStats, 0, len(sm.channels))
	for name, members := range sm.channels {
		stats = append(stats, models.ChannelStats{Channel: name, Members: len(members)})
	}
	sm.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Channel < stats[j].Channel })
	return stats
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.cleanup(time.Now(), idleTimeout)
		}
	}
}

// cleanup closes connections idle for longer than timeout. Their read pumps
// then unregister them.
func (sm *SessionManager) cleanup(now time.Time, timeout time.Duration) int {
	var stale []*Session
	sm.mu.RLock()
	for _, members := range sm.channels {
		for session := range members {
			if now.Sub(session.LastActive()) > timeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		session.Conn.Close()
	}
	return len(stale)
}

// Shutdown closes every connection and stops the relay.
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		log.Println("🛑 Shutting down replication relay...")
		sm.cancel()
		<-sm.stopped
		if sm.fanout != nil {
			if err := sm.fanout.Close(); err != nil {
				log.Printf("⚠️  Relay fan-out close: %v", err)
			}
		}
		log.Println("✓ Replication relay shutdown complete")
	})
}

func (sm *SessionManager) closeAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, members := range sm.channels {
		for session := range members {
			close(session.Send)
			session.Conn.Close()
		}
	}
	sm.channels = make(map[string]map[*Session]bool)
}

// Session methods

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns when the member last sent anything.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// observe records the presence entry a member announced.
func (s *Session) observe(entry protocol.PresenceEntry) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	s.PresenceID = entry.ClientID
	s.presenceClock = entry.Clock
	s.announced = !entry.Removal()
}

// withdrawal builds the removal for the member's announced entry, at the
// clock peers last saw so it wins the tie against that entry.
func (s *Session) withdrawal() ([]byte, bool) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	if !s.announced {
		return nil, false
	}
	s.announced = false
	frame, err := protocol.EncodeFrame(protocol.FramePresence, protocol.PresenceEntry{
		ClientID: s.PresenceID,
		Clock:    s.presenceClock,
		State:    []byte("null"),
	})
	if err != nil {
		log.Printf("❌ Relay: %v", err)
		return nil, false
	}
	return frame, true
}

// ReadPump reads frames from the member and relays them.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case s.Manager.unregister <- s:
		case <-s.Manager.ctx.Done():
		}
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		kind, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()

		if kind != websocket.BinaryMessage || len(message) == 0 {
			continue
		}

		_, span := middleware.StartSpan(ctx, "Relay.Frame",
			attribute.String("session.id", s.ID),
			attribute.String("channel", s.Channel),
			attribute.Int("frame.size", len(message)),
		)
		if entry, ok := protocol.PeekPresence(message); ok {
			s.observe(entry)
		}
		s.Manager.Broadcast(s.Channel, message, s)
		span.End()
	}
}

// WritePump writes queued frames to the member, one websocket message per
// frame, and keeps the connection alive with pings.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
