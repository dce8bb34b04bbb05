package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageStore is the persistence collaborator. Implementations live in
// internal/repository.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) error
	// LoadRecentMessages returns at most limit messages, oldest first.
	LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// LoadMessagesAfter returns at most limit messages with id > afterID, oldest first.
	LoadMessagesAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]Message, error)
}

type SequencerConfig struct {
	ReplayWindow     int
	DedupTTL         time.Duration
	MaxContentLength int
}

// SinceResult is what a reconnecting client missed. Truncated is set when
// the replay window no longer reaches back to the requested id.
type SinceResult struct {
	Messages  []Message `json:"messages"`
	Truncated bool      `json:"truncated"`
}

var tracer trace.Tracer = otel.Tracer("studyroom-sync-be/realtime")

// Sequencer is the single id authority of a session. It persists before it
// publishes and remembers (sender, clientMsgId) pairs to make resends idempotent.
type Sequencer struct {
	sessionID string
	store     MessageStore
	cfg       SequencerConfig
	clock     Clock

	lastID int64
	// floor is the highest id that has fallen out of the window.
	floor  int64
	window []Message
	dedup  *cache.Cache
}

// NewSequencer seeds the counter and the replay window from the store so
// ids keep increasing across process restarts.
func NewSequencer(ctx context.Context, sessionID string, store MessageStore, cfg SequencerConfig, clock Clock) (*Sequencer, error) {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 200
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	s := &Sequencer{
		sessionID: sessionID,
		store:     store,
		cfg:       cfg,
		clock:     clock,
		dedup:     cache.New(cfg.DedupTTL, cfg.DedupTTL),
	}

	recent, err := store.LoadRecentMessages(ctx, sessionID, cfg.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent messages for %s: %w", sessionID, err)
	}
	if len(recent) > 0 {
		s.window = append(s.window, recent...)
		s.lastID = recent[len(recent)-1].ID
		if len(recent) >= cfg.ReplayWindow {
			s.floor = recent[0].ID - 1
		}
		for _, m := range recent {
			if m.ClientMsgID != "" {
				s.dedup.SetDefault(dedupKey(m.SenderID, m.ClientMsgID), m)
			}
		}
	}
	return s, nil
}

func dedupKey(senderID, clientMsgID string) string {
	return senderID + "\x00" + clientMsgID
}

// Append assigns the next id, persists the message and records it in the
// replay window. The returned bool is true when the message is a resend of
// an already appended (senderID, clientMsgID) pair; nothing is stored then.
func (s *Sequencer) Append(ctx context.Context, senderID, content, clientMsgID string, kind MessageKind) (Message, bool, error) {
	if s.cfg.MaxContentLength > 0 && utf8.RuneCountInString(content) > s.cfg.MaxContentLength {
		return Message{}, false, ErrContentTooLong
	}
	return s.append(ctx, Message{
		SenderID:    senderID,
		ClientMsgID: clientMsgID,
		Content:     content,
		Kind:        kind,
	})
}

// AppendAssistant appends generated output. It is not bound by the user
// content limit and may be marked truncated.
func (s *Sequencer) AppendAssistant(ctx context.Context, senderID, content, requestID string, kind MessageKind, truncated bool) (Message, bool, error) {
	return s.append(ctx, Message{
		SenderID:    senderID,
		ClientMsgID: requestID,
		Content:     content,
		Kind:        kind,
		Truncated:   truncated,
	})
}

func (s *Sequencer) append(ctx context.Context, draft Message) (Message, bool, error) {
	if strings.TrimSpace(draft.Content) == "" {
		return Message{}, false, ErrEmptyContent
	}
	if draft.ClientMsgID != "" {
		if prior, ok := s.dedup.Get(dedupKey(draft.SenderID, draft.ClientMsgID)); ok {
			return prior.(Message), true, nil
		}
	}

	ctx, span := tracer.Start(ctx, "sequencer.append", trace.WithAttributes(
		attribute.String("session.id", s.sessionID),
		attribute.String("sender.id", draft.SenderID),
	))
	defer span.End()

	// The id is consumed even if persistence fails so it can never be reused.
	s.lastID++
	msg := draft
	msg.ID = s.lastID
	msg.SessionID = s.sessionID
	msg.CreatedAt = s.clock().UTC()
	if msg.Kind == "" {
		msg.Kind = KindText
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save message")
		return Message{}, false, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	span.SetAttributes(attribute.Int64("message.id", msg.ID))

	s.remember(msg)
	return msg, false, nil
}

// Seen reports whether (senderID, clientMsgID) is still in the dedup index.
func (s *Sequencer) Seen(senderID, clientMsgID string) bool {
	_, ok := s.dedup.Get(dedupKey(senderID, clientMsgID))
	return ok
}

func (s *Sequencer) remember(msg Message) {
	s.window = append(s.window, msg)
	if overflow := len(s.window) - s.cfg.ReplayWindow; overflow > 0 {
		s.floor = s.window[overflow-1].ID
		s.window = append([]Message(nil), s.window[overflow:]...)
	}
	if msg.ClientMsgID != "" {
		s.dedup.SetDefault(dedupKey(msg.SenderID, msg.ClientMsgID), msg)
	}
}

// Since returns the messages with id > lastSeenID that are still inside the
// replay window, in id order.
func (s *Sequencer) Since(lastSeenID int64) SinceResult {
	res := SinceResult{Messages: []Message{}}
	if lastSeenID < s.floor {
		res.Truncated = true
	}
	for _, m := range s.window {
		if m.ID > lastSeenID {
			res.Messages = append(res.Messages, m)
		}
	}
	return res
}

// LatestIDs returns up to n of the most recent ids, oldest first.
func (s *Sequencer) LatestIDs(n int) []int64 {
	start := len(s.window) - n
	if start < 0 || n <= 0 {
		start = 0
	}
	ids := make([]int64, 0, len(s.window)-start)
	for _, m := range s.window[start:] {
		ids = append(ids, m.ID)
	}
	return ids
}

func (s *Sequencer) LastID() int64 {
	return s.lastID
}
