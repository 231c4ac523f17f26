package api

import (
	"net/http"

	"coderoom/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovery and CORS run inside the request span.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/channels", h.ListChannels).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/chat", h.GetChatHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{id}/files", h.GetFileTree).Methods(http.MethodGet, http.MethodOptions)

	// WebSocket routes
	r.HandleFunc("/ws/rooms", h.HandleRoomWebSocket)
	r.HandleFunc("/ws/doc/{room}", h.HandleChannelWebSocket)

	return r
}
