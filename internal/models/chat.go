package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ChatMessage is a persisted room chat line. Timestamp is the client's
// wall-clock string, relayed verbatim; ordering uses CreatedAt.
type ChatMessage struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID    string    `gorm:"type:varchar(255);not null;index:idx_chat_room_time" json:"room_id"`
	Username  string    `gorm:"type:varchar(255);not null" json:"username"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Timestamp string    `gorm:"type:varchar(64)" json:"timestamp"`
	CreatedAt time.Time `gorm:"index:idx_chat_room_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChatMessage) TableName() string {
	return "chat_messages"
}
