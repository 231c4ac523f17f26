package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"coderoom/internal/middleware"
	"coderoom/internal/protocol"

	"github.com/gorilla/mux"
)

const (
	defaultChatLimit = 200
	maxChatLimit     = 1000
)

// Handler handles HTTP requests
type Handler struct {
	chat  ChatHistory
	rooms RoomService
	relay ChannelRelay
	exec  ExecutionQueue
}

// NewHandler wires the handlers. exec may be nil when execution is disabled.
func NewHandler(chat ChatHistory, rooms RoomService, relay ChannelRelay, exec ExecutionQueue) *Handler {
	return &Handler{
		chat:  chat,
		rooms: rooms,
		relay: relay,
		exec:  exec,
	}
}

// Health reports live counters. It never touches the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	queue := 0
	if h.exec != nil {
		queue = h.exec.QueueLength()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"rooms":           h.rooms.RoomCount(),
		"clients":         h.rooms.ClientCount(),
		"channels":        len(h.relay.Stats()),
		"execution_queue": queue,
	})
}

// ListChannels returns every open replication channel with its member count.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": h.relay.Stats(),
	})
}

// GetChatHistory returns the room's chat oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	limit := defaultChatLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxChatLimit)
	}

	history, err := h.chat.History(r.Context(), roomID, limit)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages := make([]protocol.ChatMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, protocol.ChatMessage{
			ID:        m.ID,
			RoomID:    m.RoomID,
			Username:  m.Username,
			Message:   m.Message,
			Timestamp: m.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"messages": messages,
	})
}

func (h *Handler) GetFileTree(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	tree, err := h.rooms.Tree(r.Context(), roomID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"files":   tree,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
