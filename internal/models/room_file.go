package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
ROOM FILES

The server keeps the last saved text of every file in a room. Live edits
travel peer to peer over the replication channel; this table only holds what
clients saved through update-file, so a participant opening a file nobody
is editing still gets its content.

  create-file        → row with empty content (or a directory marker)
  update-file        → content replaced
  fetch-file-content → content read ("" when missing)
*/

// RoomFile is one entry of a room's file tree.
type RoomFile struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_room_path" json:"room_id"`
	Path      string    `gorm:"type:varchar(1024);not null;uniqueIndex:idx_room_path" json:"path"`
	Type      string    `gorm:"type:varchar(16);not null;default:file" json:"type"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates KSUID
func (f *RoomFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (RoomFile) TableName() string {
	return "room_files"
}
