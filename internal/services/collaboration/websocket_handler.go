package collaboration

import (
	"context"
	"log"
	"net/http"

	"coderoom/internal/middleware"
	"coderoom/internal/models"
	"coderoom/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser editors connect from any origin the room link was opened on.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler accepts replication channel connections.
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// Stats reports the relay's open channels.
func (h *WebSocketHandler) Stats() []models.ChannelStats {
	return h.sessionManager.Stats()
}

// HandleChannelConnection serves GET /ws/doc/{room}?file={path}. Every
// connection to the same room and file joins the same channel.
func (h *WebSocketHandler) HandleChannelConnection(w http.ResponseWriter, r *http.Request) {
	key := protocol.FileKey{
		RoomID: mux.Vars(r)["room"],
		Path:   protocol.CleanPath(r.URL.Query().Get("file")),
	}
	if key.RoomID == "" || key.Path == "" {
		http.Error(w, "room and file are required", http.StatusBadRequest)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "Relay.Connect",
		attribute.String("room.id", key.RoomID),
		attribute.String("file.path", key.Path),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(key, conn)
	if !h.sessionManager.Register(session) {
		conn.Close()
		return
	}

	// The pumps outlive this request.
	ctx = context.WithoutCancel(ctx)
	go session.WritePump(ctx)
	go session.ReadPump(ctx)

	log.Printf("✓ Replication channel %s: session %s connected", session.Channel, session.ID)
}
