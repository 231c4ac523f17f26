package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleRoomWebSocket serves the room event socket.
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.rooms.HandleConnection(w, r)
}

// HandleChannelWebSocket serves a per-file replication channel.
func (h *Handler) HandleChannelWebSocket(w http.ResponseWriter, r *http.Request) {
	h.relay.HandleChannelConnection(w, r)
}
