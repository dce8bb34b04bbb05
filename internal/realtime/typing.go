package realtime

import (
	"sort"
	"time"
)

// TypingTable is the expiring "is typing" set of one session.
// Absence of a key means "not typing".
type TypingTable struct {
	ttl     time.Duration
	expires map[string]time.Time
}

func NewTypingTable(ttl time.Duration) *TypingTable {
	return &TypingTable{
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

// Set starts or renews the expiry of participantID. It reports true only on
// a not-typing -> typing transition; renewals are silent.
func (t *TypingTable) Set(participantID string, now time.Time) bool {
	expiresAt, ok := t.expires[participantID]
	t.expires[participantID] = now.Add(t.ttl)
	return !ok || !now.Before(expiresAt)
}

// Clear removes participantID and reports whether it was typing.
func (t *TypingTable) Clear(participantID string) bool {
	_, ok := t.expires[participantID]
	delete(t.expires, participantID)
	return ok
}

// Expire drops every entry whose expiry is due and returns them in order.
func (t *TypingTable) Expire(now time.Time) []string {
	var expired []string
	for id, expiresAt := range t.expires {
		if !now.Before(expiresAt) {
			expired = append(expired, id)
			delete(t.expires, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Active lists participants still typing at now. Entries that are due but
// not yet swept are excluded.
func (t *TypingTable) Active(now time.Time) []string {
	active := make([]string, 0, len(t.expires))
	for id, expiresAt := range t.expires {
		if now.Before(expiresAt) {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}
