package api

import (
	"context"
	"net/http"

	"coderoom/internal/models"
	"coderoom/internal/protocol"
)

/*
CONSUMER-DRIVEN INTERFACES

This package consumes the services, so the interfaces it needs live here.
Each declares only the methods a handler calls:
  ChatHistory    - GET /api/rooms/{id}/chat
  RoomService    - file tree, health counters and the room socket
  ChannelRelay   - channel stats and the replication socket
  ExecutionQueue - backlog reported by /api/health

The room hub, the replication relay and the chat store are wired in from
cmd/server; tests pass small fakes. No service package imports api.
*/

// ChatHistory reads persisted room chat.
type ChatHistory interface {
	History(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error)
}

// RoomService is the room event hub.
type RoomService interface {
	Tree(ctx context.Context, roomID string) ([]protocol.FileNode, error)
	RoomCount() int
	ClientCount() int
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

// ChannelRelay is the replication relay.
type ChannelRelay interface {
	Stats() []models.ChannelStats
	HandleChannelConnection(w http.ResponseWriter, r *http.Request)
}

// ExecutionQueue reports the execution backlog.
type ExecutionQueue interface {
	QueueLength() int
}
