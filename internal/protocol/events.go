// Package protocol defines what clients and the server exchange: room socket
// events, per-file replication frames and the naming of replication channels.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Room socket event names.
const (
	EventCreateRoom       = "create-room"
	EventJoinRoom         = "join-room"
	EventRoomCreated      = "room-created"
	EventRoomJoined       = "room-joined"
	EventFetchFiles       = "fetch-files"
	EventFileStructure    = "file-structure"
	EventFileUpdated      = "file-updated"
	EventCreateFile       = "create-file"
	EventFetchFileContent = "fetch-file-content"
	EventFileContent      = "file-content"
	EventUpdateFile       = "update-file"
	EventExecuteCode      = "execute-code"
	EventExecutionResult  = "execution-result"
	EventChatMessage      = "chat-message"
	EventError            = "error"
)

// Envelope is the JSON frame carried by the room socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Event, err)
	}
	return nil
}

// NodeType is the kind of a file tree entry.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool { return t == NodeFile || t == NodeDirectory }

// CreateFileRequest is the create-file payload.
type CreateFileRequest struct {
	RoomID string   `json:"roomId"`
	Path   string   `json:"path"`
	Type   NodeType `json:"type"`
}

// FetchFileContentRequest is the fetch-file-content payload.
type FetchFileContentRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
}

// FileContent is the file-content payload.
type FileContent struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// UpdateFileRequest is the update-file payload.
type UpdateFileRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// ExecuteCodeRequest is the execute-code payload.
type ExecuteCodeRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
	Code     string `json:"code"`
}

// ExecutionResult is the execution-result payload.
type ExecutionResult struct {
	FilePath string `json:"filePath"`
	Output   string `json:"output"`
}

// ChatMessage is relayed verbatim between room members.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
