package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"coderoom/internal/protocol"
)

// ErrNotConnected is returned by Emit while the socket is down.
var ErrNotConnected = errors.New("transport: socket not connected")

// Socket is the room event connection: JSON envelopes in both directions,
// dispatched to handlers registered per event name.
type Socket struct {
	link *link

	mu       sync.RWMutex
	handlers map[string][]func(json.RawMessage)
	status   []func(Status)
}

// NewSocket prepares a socket to url (ws://host/ws/rooms). Call Connect to
// start dialing.
func NewSocket(url string, dialer *websocket.Dialer) *Socket {
	s := &Socket{handlers: make(map[string][]func(json.RawMessage))}
	s.link = newLink(url, dialer, s.dispatchStatus, s.dispatchMessage)
	return s
}

// Connect starts the dial loop. It returns immediately.
func (s *Socket) Connect() { s.link.start() }

// Connected reports whether the socket is currently connected.
func (s *Socket) Connected() bool { return s.link.isConnected() }

// On registers a handler for event. Handlers run on the socket's read
// goroutine; callers hop to their own loop.
func (s *Socket) On(event string, handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

// OnStatus registers a connection status observer.
func (s *Socket) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, fn)
}

// Emit sends event with data.
func (s *Socket) Emit(event string, data any) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	if !s.link.write(websocket.TextMessage, raw) {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	return nil
}

// Close stops the socket and waits for its goroutines to exit.
func (s *Socket) Close() {
	s.link.close()
	s.link.wait()
}

func (s *Socket) dispatchStatus(st Status) {
	s.mu.RLock()
	observers := append([]func(Status){}, s.status...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(st)
	}
}

func (s *Socket) dispatchMessage(kind int, data []byte) {
	if kind != websocket.TextMessage {
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("⚠️  transport: malformed envelope: %v", err)
		return
	}

	s.mu.RLock()
	handlers := append([]func(json.RawMessage){}, s.handlers[env.Event]...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(env.Data)
	}
}
