package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	messages []Message
	failing  bool
}

func (s *fakeStore) SaveMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("database unavailable")
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeStore) LoadRecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) LoadMessagesAfter(_ context.Context, sessionID string, afterID int64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID && m.ID > afterID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// seed stores n messages with ids 1..n.
func (s *fakeStore) seed(sessionID string, n int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= n; i++ {
		s.messages = append(s.messages, Message{
			ID:        int64(i),
			SessionID: sessionID,
			SenderID:  "seed",
			Content:   "earlier",
			CreatedAt: at,
			Kind:      KindText,
		})
	}
}

type recordingSink struct {
	id string

	mu     sync.Mutex
	frames []Envelope
	full   bool
	closed bool
}

func newSink(id string) *recordingSink {
	return &recordingSink{id: id}
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	env, err := DecodeFrame(frame)
	if err != nil {
		return false
	}
	s.frames = append(s.frames, env)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) setFull(v bool) {
	s.mu.Lock()
	s.full = v
	s.mu.Unlock()
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Type)
	}
	return out
}

func (s *recordingSink) of(t EventType) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, f := range s.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func envelope(t *testing.T, et EventType, payload interface{}) Envelope {
	t.Helper()
	frame, err := EncodeFrame(et, payload)
	require.NoError(t, err)
	env, err := DecodeFrame(frame)
	require.NoError(t, err)
	return env
}

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Presence: PresenceConfig{
			AwayTimeout: 30 * time.Second,
			GracePeriod: 10 * time.Second,
			Retention:   10 * time.Minute,
		},
		TypingTTL: 1500 * time.Millisecond,
		Sequencer: SequencerConfig{
			ReplayWindow:     200,
			DedupTTL:         10 * time.Minute,
			MaxContentLength: 4000,
		},
		Assembler: AssemblerConfig{
			IdleTimeout: 60 * time.Second,
			Retention:   2 * time.Minute,
		},
		Timer: TimerConfig{
			Work:           3 * time.Second,
			ShortBreak:     2 * time.Second,
			LongBreak:      4 * time.Second,
			LongBreakEvery: 4,
		},
		AssistantID:     "assistant",
		ResyncLatestIDs: 50,
		PersistTimeout:  time.Second,
		// Periodic work is driven by hand in tests.
		SweepInterval: time.Hour,
		TickInterval:  time.Hour,
	}
}
