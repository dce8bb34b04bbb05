package dto

import (
	"time"

	"studyroom-sync-be/internal/realtime"
)

type CreateRoomRequest struct {
	Id string `json:"id" validate:"omitempty,max=64"`
}

type RoomResponse struct {
	Id           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type PostMessageRequest struct {
	Content     string `json:"content" validate:"required"`
	ClientMsgId string `json:"client_msg_id" validate:"required,max=128"`
}

type PostMessageResponse struct {
	Message   realtime.Message `json:"message"`
	Duplicate bool             `json:"duplicate"`
}

type MessagesResponse struct {
	Messages  []realtime.Message `json:"messages"`
	Truncated bool               `json:"truncated"`
}

type RosterResponse struct {
	Participants []realtime.Participant `json:"participants"`
	Typing       []string               `json:"typing"`
	Mirrored     bool                   `json:"mirrored,omitempty"`
}

type TimerControlRequest struct {
	Action string `json:"action" validate:"required,oneof=start stop reset"`
	Mode   string `json:"mode" validate:"omitempty,oneof=work shortBreak longBreak"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}

type CompletionRequest struct {
	RequestId   string   `json:"request_id" validate:"omitempty,max=128"`
	Prompt      string   `json:"prompt" validate:"required"`
	Model       string   `json:"model" validate:"omitempty,max=128"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
}
