// Package realtime keeps a consistent, ordered view of a shared room across
// all of its connected clients: presence, typing indicators, the message log,
// streamed assistant responses and the shared focus timer.
//
// Every piece of per-session state is owned by exactly one Coordinator
// goroutine. Components in this package (PresenceTracker, TypingTable,
// Sequencer, Assembler, SessionTimer) are therefore not safe for concurrent
// use on their own; they are driven by the coordinator only.
package realtime

import (
	"sort"
	"time"
)

// Clock returns the current time. Injected so expiry logic can be tested.
type Clock func() time.Time

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindSystem MessageKind = "system"
)

type Participant struct {
	ID              string         `json:"id"`
	DisplayName     string         `json:"displayName"`
	ConnectionID    *string        `json:"connectionId,omitempty"`
	PresenceStatus  PresenceStatus `json:"presenceStatus"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
}

// Message is immutable once it has been assigned an id.
type Message struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"sessionId"`
	SenderID    string      `json:"senderId"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"createdAt"`
	Kind        MessageKind `json:"kind"`
	Truncated   bool        `json:"truncated,omitempty"`
}

// Session is a read-only snapshot of a room.
type Session struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
