// Package transport holds the client side websocket connections: the room
// event socket and the per-file replication channels. Both reconnect on
// their own with exponential backoff; callers never wait on the network.
package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Status is the connection state of a link.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

type outbound struct {
	kind int
	data []byte
}

/*
LINK LIFECYCLE

  connecting → dial with backoff → connected → read error → disconnected
       ↑                                                         |
       +---------------------------------------------------------+

Every connection gets a fresh send queue. Frames offered while no
connection is up are refused, never buffered: the layers above resend
whatever state matters once StatusConnected is reported again.
*/

// link is a websocket connection that redials until closed.
type link struct {
	url      string
	dialer   *websocket.Dialer
	onStatus func(Status)
	onRead   func(kind int, data []byte)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	send      chan outbound
	connected atomic.Bool
}

func newLink(url string, dialer *websocket.Dialer, onStatus func(Status), onRead func(int, []byte)) *link {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		url:      url,
		dialer:   dialer,
		onStatus: onStatus,
		onRead:   onRead,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (l *link) start() { go l.run() }

func (l *link) status(s Status) {
	if l.onStatus != nil && l.ctx.Err() == nil {
		l.onStatus(s)
	}
}

func (l *link) run() {
	defer close(l.done)

	for l.ctx.Err() == nil {
		l.status(StatusConnecting)

		conn, err := l.dial()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.status(StatusDisconnected)
			continue
		}

		// New connection, new queue. Nothing from the old one is replayed.
		send := make(chan outbound, sendBuffer)
		l.mu.Lock()
		l.send = send
		l.mu.Unlock()
		l.connected.Store(true)
		l.status(StatusConnected)

		stop := make(chan struct{})
		go l.writePump(conn, send, stop)
		l.readPump(conn, stop)

		// Refuse sends before reporting the drop.
		l.connected.Store(false)
		l.mu.Lock()
		l.send = nil
		l.mu.Unlock()
		close(stop)
		conn.Close()

		l.status(StatusDisconnected)
	}
}

func (l *link) dial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	return backoff.Retry(l.ctx, func() (*websocket.Conn, error) {
		conn, _, err := l.dialer.DialContext(l.ctx, l.url, nil)
		if err != nil {
			log.Printf("  transport: dial %s: %v", l.url, err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute))
}

func (l *link) readPump(conn *websocket.Conn, stop <-chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the socket when the link is closed so ReadMessage unblocks.
	go func() {
		select {
		case <-l.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && l.ctx.Err() == nil {
				log.Printf("  transport: read %s: %v", l.url, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if l.onRead != nil {
			l.onRead(kind, data)
		}
	}
}

func (l *link) writePump(conn *websocket.Conn, send <-chan outbound, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(msg.kind, msg.data); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// write queues a message. It never blocks: when the link is down or the
// buffer is full the message is dropped and false is returned.
func (l *link) write(kind int, data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.send == nil || l.ctx.Err() != nil {
		return false
	}
	select {
	case l.send <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

func (l *link) isConnected() bool { return l.connected.Load() && l.ctx.Err() == nil }

// close stops the link. Safe to call more than once and before the first
// connection succeeds.
func (l *link) close() {
	l.cancel()
}

// wait blocks until the run loop has exited.
func (l *link) wait() { <-l.done }
