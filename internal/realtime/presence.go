package realtime

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

type PresenceConfig struct {
	AwayTimeout time.Duration // online -> away without heartbeat
	GracePeriod time.Duration // disconnect -> offline
	Retention   time.Duration // offline -> forgotten
}

type presenceEntry struct {
	participant    Participant
	conns          map[string]struct{}
	disconnectedAt time.Time
	offlineAt      time.Time
}

// PresenceTracker runs the per-participant presence state machine and
// reports every transition as a PresenceDiff.
type PresenceTracker struct {
	cfg     PresenceConfig
	entries map[string]*presenceEntry
}

func NewPresenceTracker(cfg PresenceConfig) *PresenceTracker {
	return &PresenceTracker{
		cfg:     cfg,
		entries: make(map[string]*presenceEntry),
	}
}

// Join attaches connID to the participant and brings it online.
func (p *PresenceTracker) Join(participant Participant, connID string, now time.Time) PresenceDiff {
	var diff PresenceDiff
	connRef := connID

	e, ok := p.entries[participant.ID]
	if !ok || e.participant.PresenceStatus == StatusOffline {
		e = &presenceEntry{conns: make(map[string]struct{})}
		p.entries[participant.ID] = e
		e.participant = Participant{
			ID:              participant.ID,
			DisplayName:     participant.DisplayName,
			ConnectionID:    &connRef,
			PresenceStatus:  StatusOnline,
			LastHeartbeatAt: now,
		}
		e.conns[connID] = struct{}{}
		diff.Joined = append(diff.Joined, e.participant)
		return diff
	}

	// Re-attach inside the grace period or from a second connection.
	e.conns[connID] = struct{}{}
	e.disconnectedAt = time.Time{}
	e.participant.ConnectionID = &connRef
	e.participant.LastHeartbeatAt = now
	if participant.DisplayName != "" {
		e.participant.DisplayName = participant.DisplayName
	}
	if e.participant.PresenceStatus == StatusAway {
		e.participant.PresenceStatus = StatusOnline
		diff.StatusChanged = append(diff.StatusChanged, StatusChange{ParticipantID: participant.ID, Status: StatusOnline})
	}
	return diff
}

// Leave is an explicit departure; it skips the grace period.
func (p *PresenceTracker) Leave(participantID string, now time.Time) PresenceDiff {
	var diff PresenceDiff
	e, ok := p.entries[participantID]
	if !ok || e.participant.PresenceStatus == StatusOffline {
		return diff
	}
	p.markOffline(e, now)
	diff.Left = append(diff.Left, participantID)
	return diff
}

// Heartbeat refreshes liveness. It reports false for unknown or offline participants.
func (p *PresenceTracker) Heartbeat(participantID string, now time.Time) (PresenceDiff, bool) {
	var diff PresenceDiff
	e, ok := p.entries[participantID]
	if !ok || e.participant.PresenceStatus == StatusOffline {
		return diff, false
	}
	e.participant.LastHeartbeatAt = now
	if e.participant.PresenceStatus == StatusAway {
		e.participant.PresenceStatus = StatusOnline
		diff.StatusChanged = append(diff.StatusChanged, StatusChange{ParticipantID: participantID, Status: StatusOnline})
	}
	return diff, true
}

// Disconnect detaches connID. When it was the participant's last connection
// the grace period starts; the offline transition happens in Sweep.
// It reports whether the participant has no connection left.
func (p *PresenceTracker) Disconnect(participantID, connID string, now time.Time) bool {
	e, ok := p.entries[participantID]
	if !ok {
		return true
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		remaining := lo.Keys(e.conns)
		sort.Strings(remaining)
		e.participant.ConnectionID = &remaining[0]
		return false
	}
	e.participant.ConnectionID = nil
	if e.participant.PresenceStatus != StatusOffline {
		e.disconnectedAt = now
	}
	return true
}

// Sweep applies every time based transition that is due at now.
func (p *PresenceTracker) Sweep(now time.Time) PresenceDiff {
	var diff PresenceDiff
	for _, id := range p.sortedIDs() {
		e := p.entries[id]
		switch e.participant.PresenceStatus {
		case StatusOffline:
			if now.Sub(e.offlineAt) >= p.cfg.Retention {
				delete(p.entries, id)
			}
		case StatusOnline, StatusAway:
			if len(e.conns) == 0 && !e.disconnectedAt.IsZero() && now.Sub(e.disconnectedAt) >= p.cfg.GracePeriod {
				p.markOffline(e, now)
				diff.Left = append(diff.Left, id)
				continue
			}
			if e.participant.PresenceStatus == StatusOnline && now.Sub(e.participant.LastHeartbeatAt) >= p.cfg.AwayTimeout {
				e.participant.PresenceStatus = StatusAway
				diff.StatusChanged = append(diff.StatusChanged, StatusChange{ParticipantID: id, Status: StatusAway})
			}
		}
	}
	return diff
}

// CurrentRoster returns every tracked participant, offline ones included
// until their retention expires, ordered by id.
func (p *PresenceTracker) CurrentRoster() []Participant {
	roster := lo.MapToSlice(p.entries, func(_ string, e *presenceEntry) Participant {
		return e.participant
	})
	sortParticipants(roster)
	return roster
}

// Active reports whether the participant is online or away.
func (p *PresenceTracker) Active(participantID string) bool {
	e, ok := p.entries[participantID]
	return ok && e.participant.PresenceStatus != StatusOffline
}

// ActiveIDs lists participants that are online or away.
func (p *PresenceTracker) ActiveIDs() []string {
	ids := lo.FilterMap(p.sortedIDs(), func(id string, _ int) (string, bool) {
		return id, p.entries[id].participant.PresenceStatus != StatusOffline
	})
	return ids
}

func (p *PresenceTracker) markOffline(e *presenceEntry, now time.Time) {
	e.participant.PresenceStatus = StatusOffline
	e.participant.ConnectionID = nil
	e.conns = make(map[string]struct{})
	e.disconnectedAt = time.Time{}
	e.offlineAt = now
}

func (p *PresenceTracker) sortedIDs() []string {
	ids := lo.Keys(p.entries)
	sort.Strings(ids)
	return ids
}
