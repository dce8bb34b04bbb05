package events

import (
	"fmt"
	"time"
)

const STUDY_SESSION_COMPLETED = "STUDY_SESSION_COMPLETED"

// SessionCompleted is published once per finished timer cycle of a study
// room. The rewards system grants credit to every listed participant.
type SessionCompleted struct {
	SessionID           string    `json:"session_id"`
	Mode                string    `json:"mode"`
	NextMode            string    `json:"next_mode"`
	CompletedWorkCycles int       `json:"completed_work_cycles"`
	Participants        []string  `json:"participants"`
	CompletedAt         time.Time `json:"completed_at"`
}

func (e SessionCompleted) EventType() string {
	return STUDY_SESSION_COMPLETED
}

// EventID is derived from the session and cycle so a retried publish is
// dropped by the stream's duplicate window.
func (e SessionCompleted) EventID() string {
	return fmt.Sprintf("%s:%s:%d:%d", e.SessionID, e.Mode, e.CompletedWorkCycles, e.CompletedAt.UnixMilli())
}

func (e SessionCompleted) Payload() map[string]interface{} {
	participants := make([]interface{}, len(e.Participants))
	for i, p := range e.Participants {
		participants[i] = p
	}
	return map[string]interface{}{
		"session_id":            e.SessionID,
		"mode":                  e.Mode,
		"next_mode":             e.NextMode,
		"completed_work_cycles": e.CompletedWorkCycles,
		"participants":          participants,
		"completed_at":          e.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e SessionCompleted) Timestamp() time.Time {
	return e.CompletedAt
}
