package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session is one websocket connection to the server: a room socket or a
// replication channel member.
type Session struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	RoomID       string    `json:"room_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	// PresenceID is the presence client id the member announced on its
	// channel, if any. The relay withdraws it when the member leaves.
	PresenceID string `json:"presence_id,omitempty"`
}

// ChannelStats describes one live replication channel.
type ChannelStats struct {
	Channel string `json:"channel"`
	Members int    `json:"members"`
}

func NewSession(channel, roomID string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		Channel:      channel,
		RoomID:       roomID,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
