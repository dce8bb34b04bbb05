package model

import (
	"time"

	"gorm.io/datatypes"
)

// RoomMessage is one entry of a session's append-only message log. The id
// is assigned by the session coordinator, not by the database.
type RoomMessage struct {
	SessionID   string         `gorm:"type:varchar(128);primaryKey;index:idx_room_messages_dedup,priority:1" json:"session_id"`
	MessageID   int64          `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	SenderID    string         `gorm:"type:varchar(128);not null;index:idx_room_messages_dedup,priority:2" json:"sender_id"`
	ClientMsgID string         `gorm:"type:varchar(128);index:idx_room_messages_dedup,priority:3" json:"client_msg_id,omitempty"`
	Content     string         `gorm:"type:text;not null" json:"content"`
	Kind        string         `gorm:"type:varchar(20);not null;default:'text'" json:"kind"`
	Metadata    datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (RoomMessage) TableName() string {
	return "room_messages"
}
