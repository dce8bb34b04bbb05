package realtime

import (
	"fmt"
	"time"
)

type TimerMode string

const (
	ModeWork       TimerMode = "work"
	ModeShortBreak TimerMode = "shortBreak"
	ModeLongBreak  TimerMode = "longBreak"
)

func ParseTimerMode(s string) (TimerMode, error) {
	switch TimerMode(s) {
	case ModeWork, ModeShortBreak, ModeLongBreak:
		return TimerMode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimerMode, s)
}

type TimerConfig struct {
	Work           time.Duration
	ShortBreak     time.Duration
	LongBreak      time.Duration
	LongBreakEvery int
	AutoAdvance    bool
}

func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		Work:           25 * time.Minute,
		ShortBreak:     5 * time.Minute,
		LongBreak:      15 * time.Minute,
		LongBreakEvery: 4,
	}
}

// TimerState is the single authoritative copy of a session's countdown.
type TimerState struct {
	SessionID             string    `json:"sessionId"`
	Mode                  TimerMode `json:"mode"`
	RemainingSeconds      int       `json:"remainingSeconds"`
	Running               bool      `json:"running"`
	ServerEpochAtLastTick time.Time `json:"serverEpochAtLastTick"`
	CompletedWorkCycles   int       `json:"completedWorkCycles"`
}

// Projected is what a client should display at now: the authoritative value
// minus the time elapsed since the last server tick, never below zero.
func (s TimerState) Projected(now time.Time) int {
	if !s.Running {
		return s.RemainingSeconds
	}
	elapsed := int(now.Sub(s.ServerEpochAtLastTick) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	if remaining := s.RemainingSeconds - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// TimerCompletion is emitted exactly once per countdown reaching zero.
type TimerCompletion struct {
	SessionID           string    `json:"sessionId"`
	Mode                TimerMode `json:"mode"`
	NextMode            TimerMode `json:"nextMode"`
	CompletedWorkCycles int       `json:"completedWorkCycles"`
	At                  time.Time `json:"at"`
}

type SessionTimer struct {
	cfg   TimerConfig
	state TimerState
}

func NewSessionTimer(sessionID string, cfg TimerConfig, now time.Time) *SessionTimer {
	if cfg.LongBreakEvery <= 0 {
		cfg.LongBreakEvery = 4
	}
	t := &SessionTimer{cfg: cfg}
	t.state = TimerState{
		SessionID:             sessionID,
		Mode:                  ModeWork,
		RemainingSeconds:      t.seconds(ModeWork),
		ServerEpochAtLastTick: now,
	}
	return t
}

func (t *SessionTimer) seconds(mode TimerMode) int {
	var d time.Duration
	switch mode {
	case ModeShortBreak:
		d = t.cfg.ShortBreak
	case ModeLongBreak:
		d = t.cfg.LongBreak
	default:
		d = t.cfg.Work
	}
	return int(d / time.Second)
}

// Start runs the countdown in mode. A paused countdown of the same mode
// resumes; any other mode restarts from its full duration. An empty mode
// means the current one.
func (t *SessionTimer) Start(mode TimerMode, now time.Time) (TimerState, error) {
	if mode == "" {
		mode = t.state.Mode
	}
	if _, err := ParseTimerMode(string(mode)); err != nil {
		return t.state, err
	}
	if mode != t.state.Mode || t.state.RemainingSeconds <= 0 {
		t.state.Mode = mode
		t.state.RemainingSeconds = t.seconds(mode)
	}
	t.state.Running = true
	t.state.ServerEpochAtLastTick = now
	return t.state, nil
}

// Stop pauses the countdown.
func (t *SessionTimer) Stop(now time.Time) TimerState {
	t.state.Running = false
	t.state.ServerEpochAtLastTick = now
	return t.state
}

// Reset returns to a stopped, full work countdown. Completed cycles are kept.
func (t *SessionTimer) Reset(now time.Time) TimerState {
	t.state.Mode = ModeWork
	t.state.RemainingSeconds = t.seconds(ModeWork)
	t.state.Running = false
	t.state.ServerEpochAtLastTick = now
	return t.state
}

// Tick decrements a running countdown by one second. The returned state is
// the one to broadcast as timer:tick; when it reaches zero a completion is
// returned and the timer moves on to the next mode of the cycle.
func (t *SessionTimer) Tick(now time.Time) (TimerState, *TimerCompletion, bool) {
	if !t.state.Running {
		return t.state, nil, false
	}
	t.state.RemainingSeconds--
	t.state.ServerEpochAtLastTick = now
	ticked := t.state
	if t.state.RemainingSeconds > 0 {
		return ticked, nil, true
	}

	finished := t.state.Mode
	next := ModeWork
	if finished == ModeWork {
		t.state.CompletedWorkCycles++
		next = ModeShortBreak
		if t.state.CompletedWorkCycles%t.cfg.LongBreakEvery == 0 {
			next = ModeLongBreak
		}
	}
	completion := &TimerCompletion{
		SessionID:           t.state.SessionID,
		Mode:                finished,
		NextMode:            next,
		CompletedWorkCycles: t.state.CompletedWorkCycles,
		At:                  now,
	}
	ticked.CompletedWorkCycles = t.state.CompletedWorkCycles
	t.state.Mode = next
	t.state.RemainingSeconds = t.seconds(next)
	t.state.Running = t.cfg.AutoAdvance
	return ticked, completion, true
}

func (t *SessionTimer) State() TimerState {
	return t.state
}
