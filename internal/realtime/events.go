package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type EventType string

const (
	EventJoin           EventType = "join"
	EventLeave          EventType = "leave"
	EventHeartbeat      EventType = "heartbeat"
	EventMessageNew     EventType = "message:new"
	EventMessageAck     EventType = "message:ack"
	EventPresenceDiff   EventType = "presence:diff"
	EventPresenceRoster EventType = "presence:roster"
	EventTypingSet      EventType = "typing:set"
	EventTypingClear    EventType = "typing:clear"
	EventStreamChunk    EventType = "stream:chunk"
	EventStreamFinal    EventType = "stream:final"
	EventTimerStart     EventType = "timer:start"
	EventTimerStop      EventType = "timer:stop"
	EventTimerReset     EventType = "timer:reset"
	EventTimerTick      EventType = "timer:tick"
	EventTimerComplete  EventType = "timer:complete"
	EventResync         EventType = "resync"
	EventError          EventType = "error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload into an envelope of the given type.
func EncodeFrame(t EventType, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// DecodeFrame parses a raw websocket frame.
func DecodeFrame(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return env, nil
}

var validate = validator.New()

// decodePayload unmarshals and validates the data of an inbound envelope.
func decodePayload(env Envelope, out interface{}) error {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Client -> server payloads

type JoinPayload struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
	DisplayName   string `json:"displayName" validate:"max=64"`
	LastSeenID    int64  `json:"lastSeenId" validate:"gte=0"`
}

type LeavePayload struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type HeartbeatPayload struct{}

type SendMessagePayload struct {
	SessionID   string `json:"sessionId" validate:"required"`
	ClientMsgID string `json:"clientMsgId" validate:"max=128"`
	Content     string `json:"content" validate:"required"`
}

type TypingPayload struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId"`
}

type TimerControlPayload struct {
	SessionID string    `json:"sessionId" validate:"required"`
	Mode      TimerMode `json:"mode,omitempty"`
}

// Server -> client payloads

type StatusChange struct {
	ParticipantID string         `json:"participantId"`
	Status        PresenceStatus `json:"status"`
}

type PresenceDiff struct {
	Joined        []Participant  `json:"joined"`
	Left          []string       `json:"left"`
	StatusChanged []StatusChange `json:"statusChanged"`
}

func (d PresenceDiff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 && len(d.StatusChanged) == 0
}

type RosterPayload struct {
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
}

type MessageAck struct {
	ClientMsgID string `json:"clientMsgId"`
	ID          int64  `json:"id"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

type TypingEvent struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type StreamChunkPayload struct {
	RequestID      string `json:"requestId"`
	CumulativeText string `json:"cumulativeText"`
}

type StreamFinalPayload struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
}

type TimerTickPayload struct {
	SessionID        string    `json:"sessionId"`
	RemainingSeconds int       `json:"remainingSeconds"`
	Mode             TimerMode `json:"mode"`
	Running          bool      `json:"running"`
	ServerEpoch      time.Time `json:"serverEpoch"`
}

type TimerCompletePayload struct {
	SessionID string    `json:"sessionId"`
	Mode      TimerMode `json:"mode"`
}

// ResyncPayload is sent after every join so a (re)connecting client can
// reconcile its local view with the authoritative one.
type ResyncPayload struct {
	SessionID        string        `json:"sessionId"`
	Timer            TimerState    `json:"timer"`
	Typists          []string      `json:"typists"`
	LatestMessageIDs []int64       `json:"latestMessageIds"`
	Missed           []Message     `json:"missed"`
	Truncated        bool          `json:"truncated,omitempty"`
	Roster           []Participant `json:"roster"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

func tickPayload(s TimerState) TimerTickPayload {
	return TimerTickPayload{
		SessionID:        s.SessionID,
		RemainingSeconds: s.RemainingSeconds,
		Mode:             s.Mode,
		Running:          s.Running,
		ServerEpoch:      s.ServerEpochAtLastTick,
	}
}
