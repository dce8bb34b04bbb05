package mapper

import (
	"encoding/json"

	"studyroom-sync-be/internal/model"
	"studyroom-sync-be/internal/realtime"

	"gorm.io/datatypes"
)

type RoomMessageMapper struct{}

func NewRoomMessageMapper() *RoomMessageMapper {
	return &RoomMessageMapper{}
}

// messageMetadata holds the optional attributes that do not deserve a column.
type messageMetadata struct {
	Truncated bool `json:"truncated,omitempty"`
}

func (m *RoomMessageMapper) ToModel(msg realtime.Message) *model.RoomMessage {
	out := &model.RoomMessage{
		SessionID:   msg.SessionID,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		ClientMsgID: msg.ClientMsgID,
		Content:     msg.Content,
		Kind:        string(msg.Kind),
		CreatedAt:   msg.CreatedAt,
	}
	if msg.Truncated {
		raw, _ := json.Marshal(messageMetadata{Truncated: true})
		out.Metadata = datatypes.JSON(raw)
	}
	return out
}

func (m *RoomMessageMapper) ToMessage(rm *model.RoomMessage) realtime.Message {
	msg := realtime.Message{
		ID:          rm.MessageID,
		SessionID:   rm.SessionID,
		SenderID:    rm.SenderID,
		ClientMsgID: rm.ClientMsgID,
		Content:     rm.Content,
		Kind:        realtime.MessageKind(rm.Kind),
		CreatedAt:   rm.CreatedAt.UTC(),
	}
	if len(rm.Metadata) > 0 {
		var meta messageMetadata
		if err := json.Unmarshal(rm.Metadata, &meta); err == nil {
			msg.Truncated = meta.Truncated
		}
	}
	return msg
}

func (m *RoomMessageMapper) ToMessages(rows []*model.RoomMessage) []realtime.Message {
	out := make([]realtime.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.ToMessage(row))
	}
	return out
}
