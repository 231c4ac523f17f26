// Package rooms serves the room event socket: membership, the file tree,
// saved file content, code execution and chat.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coderoom/internal/middleware"
	"coderoom/internal/models"
	"coderoom/internal/protocol"
	"coderoom/internal/services/execution"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultFile is created in every new room.
const DefaultFile = "main.py"

// FileStore is what the hub needs from room file storage.
type FileStore interface {
	EnsureFile(ctx context.Context, roomID, path, kind string) (bool, error)
	SaveContent(ctx context.Context, roomID, path, content string) error
	GetContent(ctx context.Context, roomID, path string) (string, bool, error)
	List(ctx context.Context, roomID string) ([]*models.RoomFile, error)
}

// ChatStore is what the hub needs from chat storage.
type ChatStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
}

// Executor runs execute-code jobs.
type Executor interface {
	Submit(job execution.Job) error
}

// roomForgetter is implemented by stores that hold rooms only while they
// have members.
type roomForgetter interface {
	ForgetRoom(ctx context.Context, roomID string) error
}

var (
	errRoomRequired = errors.New("room ID is required")
	errInvalidPath  = errors.New("invalid file path")
)

/*
ROOM HUB

One hub serves every room socket of the process:

  client socket → readPump → Hub.handle → store / executor
                                        → Hub.toRoom → each member's send queue

Rooms exist only while they have members. The last member leaving drops
the room from memory, and stores that keep rooms in memory forget it too.
Persistent stores keep the files, so a room rejoined later still has them.

Every handler runs on the sending client's read goroutine. The hub lock
guards membership only; storage calls happen outside it.
*/

// Hub tracks connected clients and the rooms they joined.
type Hub struct {
	files FileStore
	chat  ChatStore
	exec  Executor

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. exec may be nil, in which case execute-code answers
// with an error output.
func NewHub(files FileStore, chat ChatStore, exec Executor) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		files:   files,
		chat:    chat,
		exec:    exec,
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Members returns the number of clients in roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Tree builds the file tree of roomID from the store.
func (h *Hub) Tree(ctx context.Context, roomID string) ([]protocol.FileNode, error) {
	files, err := h.files.List(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files of room %s: %w", roomID, err)
	}
	entries := make([]protocol.FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, protocol.FileEntry{Path: f.Path, Type: protocol.NodeType(f.Type)})
	}
	return protocol.BuildTree(entries), nil
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[c] = true
	return true
}

// unregister drops c and its room membership.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	c.closeSend()
	h.mu.Unlock()

	h.leave(c)
}

// join moves c into roomID, leaving its previous room.
func (h *Hub) join(c *Client, roomID string) {
	if prev := c.Room(); prev != "" && prev != roomID {
		h.leave(c)
	}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][c] = true
	n := len(h.rooms[roomID])
	h.mu.Unlock()

	c.setRoom(roomID)
	log.Printf("  Client %s joined room %s (members: %d)", c.ID, roomID, n)
}

// leave removes c from its room. The last member leaving discards the room.
func (h *Hub) leave(c *Client) {
	roomID := c.Room()
	if roomID == "" {
		return
	}
	c.setRoom("")

	h.mu.Lock()
	members := h.rooms[roomID]
	delete(members, c)
	empty := members != nil && len(members) == 0
	if empty {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	log.Printf("  Client %s left room %s", c.ID, roomID)
	if empty {
		h.forget(roomID)
	}
}

func (h *Hub) forget(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, store := range []any{h.files, h.chat} {
		if f, ok := store.(roomForgetter); ok {
			if err := f.ForgetRoom(ctx, roomID); err != nil {
				log.Printf("⚠️  Failed to discard room %s: %v", roomID, err)
			}
		}
	}
	log.Printf("  Room %s closed", roomID)
}

// toRoom queues event for every member of roomID.
func (h *Hub) toRoom(roomID, event string, data any) {
	raw, err := encode(event, data)
	if err != nil {
		log.Printf("❌ %v", err)
		return
	}
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.queue(raw)
	}
}

// handle dispatches one room event from c.
func (h *Hub) handle(ctx context.Context, c *Client, env *protocol.Envelope) {
	ctx, span := middleware.StartSpan(ctx, "Hub."+env.Event,
		attribute.String("client.id", c.ID),
		attribute.String("room.id", c.Room()),
	)
	defer span.End()

	var err error
	switch env.Event {
	case protocol.EventCreateRoom:
		err = h.enterRoom(ctx, c, env, protocol.EventRoomCreated)
	case protocol.EventJoinRoom:
		err = h.enterRoom(ctx, c, env, protocol.EventRoomJoined)
	case protocol.EventFetchFiles:
		err = h.fetchFiles(ctx, c, env)
	case protocol.EventCreateFile:
		err = h.createFile(ctx, c, env)
	case protocol.EventFetchFileContent:
		err = h.fetchFileContent(ctx, c, env)
	case protocol.EventUpdateFile:
		err = h.updateFile(ctx, c, env)
	case protocol.EventExecuteCode:
		err = h.executeCode(ctx, c, env)
	case protocol.EventChatMessage:
		err = h.chatMessage(ctx, c, env)
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}

	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Client %s %s: %v", c.ID, env.Event, err)
		c.emit(protocol.EventError, err.Error())
	}
}

func (h *Hub) enterRoom(ctx context.Context, c *Client, env *protocol.Envelope, reply string) error {
	var roomID string
	if err := env.Decode(&roomID); err != nil || roomID == "" {
		return errRoomRequired
	}

	files, err := h.files.List(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to open room %s: %w", roomID, err)
	}
	if len(files) == 0 {
		if _, err := h.files.EnsureFile(ctx, roomID, DefaultFile, string(protocol.NodeFile)); err != nil {
			return fmt.Errorf("failed to create room %s: %w", roomID, err)
		}
		log.Printf("✓ Room %s created", roomID)
	}

	h.join(c, roomID)
	c.emit(reply, roomID)
	return nil
}

// member checks that c joined roomID before acting on it.
func (h *Hub) member(c *Client, roomID string) error {
	if roomID == "" {
		return errRoomRequired
	}
	if c.Room() != roomID {
		return fmt.Errorf("not a member of room %s", roomID)
	}
	return nil
}

func (h *Hub) fetchFiles(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var roomID string
	if err := env.Decode(&roomID); err != nil {
		return errRoomRequired
	}
	if err := h.member(c, roomID); err != nil {
		return err
	}
	tree, err := h.Tree(ctx, roomID)
	if err != nil {
		return err
	}
	c.emit(protocol.EventFileStructure, tree)
	return nil
}

func (h *Hub) createFile(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var req protocol.CreateFileRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := h.member(c, req.RoomID); err != nil {
		return err
	}
	p := protocol.CleanPath(req.Path)
	if p == "" {
		return errInvalidPath
	}
	kind := req.Type
	if kind == "" {
		kind = protocol.NodeFile
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid file type %q", req.Type)
	}

	created, err := h.files.EnsureFile(ctx, req.RoomID, p, string(kind))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	if !created {
		return fmt.Errorf("%s already exists", p)
	}

	tree, err := h.Tree(ctx, req.RoomID)
	if err != nil {
		return err
	}
	h.toRoom(req.RoomID, protocol.EventFileUpdated, tree)
	return nil
}

func (h *Hub) fetchFileContent(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var req protocol.FetchFileContentRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := h.member(c, req.RoomID); err != nil {
		return err
	}
	p := protocol.CleanPath(req.FilePath)
	if p == "" {
		return errInvalidPath
	}

	content, _, err := h.files.GetContent(ctx, req.RoomID, p)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p, err)
	}
	c.emit(protocol.EventFileContent, protocol.FileContent{FilePath: req.FilePath, Content: content})
	return nil
}

func (h *Hub) updateFile(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var req protocol.UpdateFileRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := h.member(c, req.RoomID); err != nil {
		return err
	}
	p := protocol.CleanPath(req.FilePath)
	if p == "" {
		return errInvalidPath
	}
	if err := h.files.SaveContent(ctx, req.RoomID, p, req.Content); err != nil {
		return fmt.Errorf("failed to save %s: %w", p, err)
	}
	return nil
}

func (h *Hub) executeCode(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var req protocol.ExecuteCodeRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := h.member(c, req.RoomID); err != nil {
		return err
	}

	result := func(output string) {
		h.toRoom(req.RoomID, protocol.EventExecutionResult, protocol.ExecutionResult{
			FilePath: req.FilePath,
			Output:   output,
		})
	}
	if h.exec == nil {
		result("Error: code execution is not available")
		return nil
	}

	err := h.exec.Submit(execution.Job{
		RoomID:   req.RoomID,
		FilePath: req.FilePath,
		Code:     req.Code,
		Context:  context.WithoutCancel(ctx),
		Done:     result,
	})
	if err != nil {
		c.emit(protocol.EventExecutionResult, protocol.ExecutionResult{
			FilePath: req.FilePath,
			Output:   "Error: " + err.Error(),
		})
	}
	return nil
}

func (h *Hub) chatMessage(ctx context.Context, c *Client, env *protocol.Envelope) error {
	var msg protocol.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if err := h.member(c, msg.RoomID); err != nil {
		return err
	}
	if msg.Message == "" {
		return nil
	}
	msg.ID = ksuid.New().String()

	if err := h.chat.Append(ctx, &models.ChatMessage{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Username:  msg.Username,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	}); err != nil {
		// The message is still relayed; only history misses it.
		log.Printf("⚠️  Failed to store chat message in room %s: %v", msg.RoomID, err)
		middleware.AddSpanError(ctx, err)
	}

	h.toRoom(msg.RoomID, protocol.EventChatMessage, msg)
	return nil
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down room hub...")
	h.cancel()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	log.Println("✓ Room hub shutdown complete")
}

func encode(event string, data any) ([]byte, error) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	return raw, nil
}
