// Package session coordinates one participant's view of a room: joining,
// the active file, its replica and editor binding, presence, and the relayed
// room events.
//
// Every method runs on the client loop. Network callbacks and timers are
// posted back to it through Options.Dispatch, and every response that names
// a file is checked against the active path when it arrives; anything for
// another path is dropped whole.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"coderoom/internal/client/editor"
	"coderoom/internal/client/presence"
	"coderoom/internal/client/replica"
	"coderoom/internal/client/switcher"
	"coderoom/internal/protocol"
	"coderoom/internal/transport"
)

// Mode selects the room event sent by JoinOrCreate.
type Mode int

const (
	ModeJoin Mode = iota
	ModeCreate
)

// Socket is the room event connection.
type Socket interface {
	Emit(event string, data any) error
	On(event string, handler func(json.RawMessage))
	OnStatus(fn func(transport.Status))
	Connected() bool
}

// HistoryFetcher loads persisted chat for a room.
type HistoryFetcher interface {
	ChatHistory(ctx context.Context, roomID string) ([]protocol.ChatMessage, error)
}

type joinState int

const (
	stateIdle joinState = iota
	stateJoining
	stateJoined
)

// Options wires a Session to its collaborators.
type Options struct {
	Socket    Socket
	Dialer    replica.Dialer
	Widget    editor.Widget
	Notifier  replica.Notifier
	Dispatch  replica.Dispatch
	Scheduler Scheduler
	// History is optional.
	History HistoryFetcher

	Color       string
	DefaultFile string
	SettleDelay time.Duration
	Replica     replica.Options
	Now         func() time.Time
}

// Session is the authoritative holder of the active file, its replica, the
// switch state and the file cache.
type Session struct {
	socket    Socket
	notifier  replica.Notifier
	dispatch  replica.Dispatch
	scheduler Scheduler
	history   HistoryFetcher
	now       func() time.Time

	replicas *replica.Manager
	binding  *editor.Binding
	switcher *switcher.Coordinator
	tracker  *presence.Tracker
	cache    *Cache

	state       joinState
	mode        Mode
	roomID      string
	displayName string
	color       string
	defaultFile string
	connected   bool

	files        []protocol.FileNode
	output       string
	chat         []protocol.ChatMessage
	roster       []presence.Identity
	cancelRoster func()
	stopSettle   func() bool
	// fetching holds paths with a fetch-file-content request in flight.
	fetching map[string]bool

	subscribers map[int]func(Event)
	nextSub     int
}

// New creates a session and registers its socket handlers. Nothing is sent
// until JoinOrCreate.
func New(opts Options) *Session {
	if opts.Scheduler == nil {
		opts.Scheduler = ClockScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		socket:      opts.Socket,
		notifier:    opts.Notifier,
		dispatch:    opts.Dispatch,
		scheduler:   opts.Scheduler,
		history:     opts.History,
		now:         opts.Now,
		tracker:     presence.NewTracker(),
		cache:       NewCache(),
		color:       opts.Color,
		defaultFile: opts.DefaultFile,
		connected:   opts.Socket.Connected(),
		fetching:    make(map[string]bool),
		subscribers: make(map[int]func(Event)),
	}

	// Replica timers share the session's clock, and a replica left alone
	// without a server copy asks for one.
	ropts := opts.Replica
	if ropts.After == nil {
		ropts.After = opts.Scheduler.AfterFunc
	}
	ropts.NeedContent = s.fetchContent
	s.replicas = replica.NewManager(opts.Dialer, opts.Dispatch, opts.Notifier, ropts)

	s.binding = editor.NewBinding(opts.Widget,
		func() bool { return s.switcher.Suppressed() },
		func(key protocol.FileKey, content string) {
			if err := s.SubmitEdit(key, content); err != nil {
				log.Printf("⚠️  edit dropped: %v", err)
			}
		})
	s.switcher = switcher.New(s.binding, opts.SettleDelay)

	s.on(protocol.EventRoomCreated, s.handleRoomConfirmed)
	s.on(protocol.EventRoomJoined, s.handleRoomConfirmed)
	s.on(protocol.EventFileStructure, s.handleFileStructure)
	s.on(protocol.EventFileUpdated, s.handleFileStructure)
	s.on(protocol.EventFileContent, s.handleFileContent)
	s.on(protocol.EventExecutionResult, s.handleExecutionResult)
	s.on(protocol.EventChatMessage, s.handleChatMessage)
	s.on(protocol.EventError, s.handleServerError)
	s.socket.OnStatus(func(st transport.Status) {
		s.dispatch(func() { s.handleStatus(st) })
	})
	return s
}

func (s *Session) on(event string, handler func(json.RawMessage)) {
	s.socket.On(event, func(raw json.RawMessage) {
		s.dispatch(func() { handler(raw) })
	})
}

// JoinOrCreate asks the server to create or join roomID. The session is
// joined once the server confirms; until then file operations fail with
// ErrNotJoined.
func (s *Session) JoinOrCreate(mode Mode, roomID, displayName string) error {
	roomID = strings.TrimSpace(roomID)
	displayName = strings.TrimSpace(displayName)
	if roomID == "" {
		s.notifier.Error("Please enter a room ID")
		return &ValidationError{Field: "roomId"}
	}
	if displayName == "" {
		s.notifier.Error("Please enter a username")
		return &ValidationError{Field: "displayName"}
	}
	if s.state != stateIdle {
		return ErrAlreadyJoined
	}
	if !s.socket.Connected() {
		s.notifier.Error("Not connected to server")
		return &ConnectionError{Op: eventFor(mode)}
	}

	if err := s.socket.Emit(eventFor(mode), roomID); err != nil {
		s.notifier.Error("Not connected to server")
		return &ConnectionError{Op: eventFor(mode), Err: err}
	}
	s.mode = mode
	s.roomID = roomID
	s.displayName = displayName
	s.state = stateJoining
	log.Printf("  %s %q as %q", eventFor(mode), roomID, displayName)
	return nil
}

func eventFor(mode Mode) string {
	if mode == ModeCreate {
		return protocol.EventCreateRoom
	}
	return protocol.EventJoinRoom
}

/*
FILE SWITCH

  Select(path)         → propagation suppressed, token issued
  release old replica  → presence withdrawn, channel closed
  activate new replica → pending until peers answer or none are found
  bind + announce      → widget follows the replica once it syncs
  show cached copy     → display only, or fetch if nothing is cached
  Acknowledge(token)   → settle timer armed
  settle(token)        → propagation resumes, unless a newer switch won

The widget may show a cached or fetched copy long before the replica has
synced. That copy is never written into the document; edits typed over it
are held by the binding and replayed once the shared text is known.
*/

// SetActiveFile switches the editor to path: the old replica is released
// before the new one is activated, bound and announced on.
func (s *Session) SetActiveFile(path string) error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	clean := protocol.CleanPath(path)
	if clean == "" {
		return &ValidationError{Field: "path"}
	}

	tr, ok := s.switcher.Select(clean)
	if !ok {
		return nil
	}
	if s.stopSettle != nil {
		s.stopSettle()
		s.stopSettle = nil
	}

	// Old replica first, so no two replicas are ever live.
	s.releaseLive()

	key := protocol.FileKey{RoomID: s.roomID, Path: clean}
	r, err := s.replicas.Activate(key)
	if err != nil {
		s.notifier.Error(fmt.Sprintf("Could not open %s", clean))
		return fmt.Errorf("failed to activate %s: %w", key, err)
	}
	if err := s.binding.Attach(r); err != nil {
		s.replicas.Release(r)
		return fmt.Errorf("failed to bind %s: %w", key, err)
	}
	if err := s.tracker.Announce(r.Presence(), presence.Identity{DisplayName: s.displayName, Color: s.color}); err != nil {
		log.Printf("⚠️  %v", err)
	}
	s.cancelRoster = s.tracker.Subscribe(r.Presence(), func(ids []presence.Identity) {
		s.roster = ids
		s.publish(Event{Kind: EventPresence, Path: clean, Roster: ids})
	})

	// A cached copy is shown at once but never seeds the replica: it may
	// be older than what peers hold. The replica fetches the server copy
	// itself if it turns out to be alone.
	if content, ok := s.switcher.Hydrate(s.cache, clean); ok {
		s.binding.Show(content)
	} else {
		s.fetchContent(key)
	}

	// Setup is complete; propagation resumes after the settle window.
	s.switcher.Acknowledge(tr.Token)
	token := tr.Token
	s.stopSettle = s.scheduler.AfterFunc(s.switcher.SettleDelay(), func() {
		s.dispatch(func() { s.settle(token) })
	})

	s.output = ""
	s.publish(Event{Kind: EventActiveFile, Path: clean})
	return nil
}

func (s *Session) settle(token uint64) {
	if !s.switcher.Settle(token) {
		return
	}
	s.stopSettle = nil
	s.publish(Event{Kind: EventSettled, Path: s.switcher.Active()})
}

func (s *Session) releaseLive() {
	live := s.replicas.Live()
	if live == nil {
		return
	}
	s.binding.Detach()
	if s.cancelRoster != nil {
		s.cancelRoster()
		s.cancelRoster = nil
	}
	s.tracker.Forget(live.Presence())
	s.replicas.Release(live)
	s.roster = nil
	s.publish(Event{Kind: EventPresence, Path: live.Key().Path})
}

// SubmitEdit forwards an editor change for key. It is dropped while a switch
// is in progress or when key is no longer the active file.
func (s *Session) SubmitEdit(key protocol.FileKey, content string) error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	if s.switcher.Suppressed() {
		log.Printf("  edit to %s suppressed during switch", key.Path)
		return nil
	}
	if key.RoomID != s.roomID || key.Path != s.switcher.Active() {
		log.Printf("  edit to stale file %s dropped", key.Path)
		return nil
	}

	s.cache.Put(key.Path, content)
	req := protocol.UpdateFileRequest{RoomID: s.roomID, FilePath: key.Path, Content: content}
	if err := s.socket.Emit(protocol.EventUpdateFile, req); err != nil {
		// The replica still carries the edit to peers.
		return &ConnectionError{Op: protocol.EventUpdateFile, Err: err}
	}
	return nil
}

// fetchContent asks the server for key's content unless a request for it is
// already in flight or key is no longer the active file.
func (s *Session) fetchContent(key protocol.FileKey) {
	if key.RoomID != s.roomID || !s.switcher.Accepts(key.Path) || s.fetching[key.Path] {
		return
	}
	req := protocol.FetchFileContentRequest{RoomID: s.roomID, FilePath: key.Path}
	if err := s.socket.Emit(protocol.EventFetchFileContent, req); err != nil {
		log.Printf("⚠️  fetch %s: %v", key.Path, err)
		return
	}
	s.fetching[key.Path] = true
}

// OnRemoteFileContent takes server content for path when path is still
// active: it is cached, handed to the replica and shown. Content for any
// other path is discarded, cache included.
func (s *Session) OnRemoteFileContent(path, content string) {
	delete(s.fetching, path)
	if !s.switcher.Accepts(path) {
		log.Printf("  stale file-content for %s discarded (active %s)", path, s.switcher.Active())
		return
	}
	s.cache.Put(path, content)
	if live := s.replicas.Live(); live != nil && live.Key().Path == path {
		live.Hydrate(content)
	}
	s.binding.Show(content)
}

// OnExecutionResult shows output when path is still active.
func (s *Session) OnExecutionResult(path, output string) {
	if !s.switcher.Accepts(path) {
		log.Printf("  stale execution-result for %s discarded", path)
		return
	}
	s.output = output
	s.publish(Event{Kind: EventOutput, Path: path, Output: output})
}

// Execute runs the active file's visible content on the server.
func (s *Session) Execute() error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	path := s.switcher.Active()
	if path == "" {
		return &ValidationError{Field: "path"}
	}
	s.output = "Running..."
	s.publish(Event{Kind: EventOutput, Path: path, Output: s.output})
	req := protocol.ExecuteCodeRequest{RoomID: s.roomID, FilePath: path, Code: s.binding.Value()}
	if err := s.socket.Emit(protocol.EventExecuteCode, req); err != nil {
		s.notifier.Error("Not connected to server")
		return &ConnectionError{Op: protocol.EventExecuteCode, Err: err}
	}
	return nil
}

// CreateFile adds a file or directory to the room tree.
func (s *Session) CreateFile(path string, kind protocol.NodeType) error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	clean := protocol.CleanPath(path)
	if clean == "" {
		s.notifier.Error("Please enter a file name")
		return &ValidationError{Field: "path"}
	}
	if !kind.Valid() {
		return &ValidationError{Field: "type"}
	}
	req := protocol.CreateFileRequest{RoomID: s.roomID, Path: clean, Type: kind}
	if err := s.socket.Emit(protocol.EventCreateFile, req); err != nil {
		return &ConnectionError{Op: protocol.EventCreateFile, Err: err}
	}
	return nil
}

// FetchFiles asks for the room file tree.
func (s *Session) FetchFiles() error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	if err := s.socket.Emit(protocol.EventFetchFiles, s.roomID); err != nil {
		return &ConnectionError{Op: protocol.EventFetchFiles, Err: err}
	}
	return nil
}

// SendChat posts message to the room. The server echoes it back to every
// member, sender included.
func (s *Session) SendChat(message string) error {
	if s.state != stateJoined {
		return ErrNotJoined
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return &ValidationError{Field: "message"}
	}
	msg := protocol.ChatMessage{
		RoomID:    s.roomID,
		Username:  s.displayName,
		Message:   message,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.socket.Emit(protocol.EventChatMessage, msg); err != nil {
		s.notifier.Error("Not connected to server")
		return &ConnectionError{Op: protocol.EventChatMessage, Err: err}
	}
	return nil
}

// Subscribe registers fn for session events. The returned function removes
// it.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() { delete(s.subscribers, id) }
}

// Close releases the live replica and stops the pending settle timer.
func (s *Session) Close() {
	if s.stopSettle != nil {
		s.stopSettle()
		s.stopSettle = nil
	}
	s.releaseLive()
}

// RoomID returns the joined (or joining) room.
func (s *Session) RoomID() string { return s.roomID }

// Joined reports whether the server confirmed the join.
func (s *Session) Joined() bool { return s.state == stateJoined }

// ActiveFile returns the active path.
func (s *Session) ActiveFile() string { return s.switcher.Active() }

// Switching reports whether a file switch is in progress.
func (s *Session) Switching() bool { return s.switcher.Suppressed() }

// Content returns the visible editor text.
func (s *Session) Content() string { return s.binding.Value() }

// Files returns the last received file tree.
func (s *Session) Files() []protocol.FileNode { return s.files }

// Output returns the last execution output of the active file.
func (s *Session) Output() string { return s.output }

// Chat returns the chat log.
func (s *Session) Chat() []protocol.ChatMessage { return s.chat }

// Roster returns who is on the active file.
func (s *Session) Roster() []presence.Identity { return s.roster }

// Replica returns the live replica, or nil.
func (s *Session) Replica() *replica.Replica { return s.replicas.Live() }

func (s *Session) publish(ev Event) {
	ev.RoomID = s.roomID
	for _, fn := range s.subscribers {
		fn(ev)
	}
}

func (s *Session) handleStatus(st transport.Status) {
	switch st {
	case transport.StatusConnected:
		if s.connected {
			return
		}
		s.connected = true
		if s.state == stateIdle {
			return
		}
		// The server forgets members across reconnects; join again.
		s.notifier.Success("Server connection restored")
		if err := s.socket.Emit(protocol.EventJoinRoom, s.roomID); err != nil {
			log.Printf("⚠️  rejoin %s: %v", s.roomID, err)
		}
	case transport.StatusDisconnected:
		if !s.connected {
			return
		}
		s.connected = false
		// Responses to requests sent on the old connection never arrive.
		s.fetching = make(map[string]bool)
		s.notifier.Error("Server connection lost")
	}
}

func (s *Session) handleRoomConfirmed(raw json.RawMessage) {
	var roomID string
	if err := json.Unmarshal(raw, &roomID); err != nil {
		log.Printf("⚠️  malformed room confirmation: %v", err)
		return
	}
	if s.state == stateIdle || roomID != s.roomID {
		return
	}
	if err := s.socket.Emit(protocol.EventFetchFiles, s.roomID); err != nil {
		log.Printf("⚠️  fetch-files: %v", err)
	}
	if s.state == stateJoined {
		return
	}

	s.state = stateJoined
	if s.mode == ModeCreate {
		s.notifier.Success(fmt.Sprintf("Room %s created", roomID))
	} else {
		s.notifier.Success(fmt.Sprintf("Joined room %s", roomID))
	}
	log.Printf("✓ Joined room %s", roomID)
	s.publish(Event{Kind: EventJoined})
	s.loadHistory(roomID)

	if s.defaultFile != "" && s.switcher.Active() == "" {
		if err := s.SetActiveFile(s.defaultFile); err != nil {
			log.Printf("⚠️  open %s: %v", s.defaultFile, err)
		}
	}
}

func (s *Session) loadHistory(roomID string) {
	if s.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgs, err := s.history.ChatHistory(ctx, roomID)
		s.dispatch(func() {
			if err != nil {
				log.Printf("⚠️  chat history for %s: %v", roomID, err)
				return
			}
			if roomID != s.roomID {
				return
			}
			s.mergeHistory(msgs)
		})
	}()
}

// mergeHistory puts persisted messages before the ones received live,
// skipping those already seen.
func (s *Session) mergeHistory(msgs []protocol.ChatMessage) {
	seen := make(map[string]struct{}, len(s.chat))
	for _, m := range s.chat {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	merged := make([]protocol.ChatMessage, 0, len(msgs)+len(s.chat))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		merged = append(merged, m)
	}
	s.chat = append(merged, s.chat...)
	s.publish(Event{Kind: EventChat, Chat: s.chat})
}

func (s *Session) handleFileStructure(raw json.RawMessage) {
	var nodes []protocol.FileNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		log.Printf("⚠️  malformed file tree: %v", err)
		return
	}
	s.files = nodes
	s.publish(Event{Kind: EventFiles, Files: nodes})
}

func (s *Session) handleFileContent(raw json.RawMessage) {
	var fc protocol.FileContent
	if err := json.Unmarshal(raw, &fc); err != nil {
		log.Printf("⚠️  malformed file-content: %v", err)
		return
	}
	s.OnRemoteFileContent(fc.FilePath, fc.Content)
}

func (s *Session) handleExecutionResult(raw json.RawMessage) {
	var res protocol.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Printf("⚠️  malformed execution-result: %v", err)
		return
	}
	s.OnExecutionResult(res.FilePath, res.Output)
}

func (s *Session) handleChatMessage(raw json.RawMessage) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("⚠️  malformed chat-message: %v", err)
		return
	}
	if s.state != stateJoined || (msg.RoomID != "" && msg.RoomID != s.roomID) {
		return
	}
	s.chat = append(s.chat, msg)
	s.publish(Event{Kind: EventChat, Chat: s.chat})
}

func (s *Session) handleServerError(raw json.RawMessage) {
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = string(raw)
	}
	log.Printf("❌ Server error: %s", msg)
	s.notifier.Error(msg)

	// A refused join leaves the session free to try again.
	if s.state == stateJoining {
		log.Printf("⚠️  %s %q failed, back to idle", eventFor(s.mode), s.roomID)
		s.state = stateIdle
		s.roomID = ""
	}
}
