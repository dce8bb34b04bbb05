package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom-sync-be/internal/realtime"

	"github.com/patrickmn/go-cache"
)

type roomLog struct {
	mu       sync.RWMutex
	messages []realtime.Message
}

// RoomMessageRepository keeps message logs in process memory. Logs of
// sessions that see no writes for a day are purged.
type RoomMessageRepository struct {
	cache *cache.Cache
	mu    sync.Mutex
}

func NewRoomMessageRepository() *RoomMessageRepository {
	return &RoomMessageRepository{
		cache: cache.New(24*time.Hour, 30*time.Minute),
	}
}

func (r *RoomMessageRepository) log(sessionID string, create bool) *roomLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, found := r.cache.Get(sessionID); found {
		l := x.(*roomLog)
		if create {
			// Refresh expiration on write.
			r.cache.Set(sessionID, l, cache.DefaultExpiration)
		}
		return l
	}
	if !create {
		return nil
	}
	l := &roomLog{}
	r.cache.Set(sessionID, l, cache.DefaultExpiration)
	return l
}

func (r *RoomMessageRepository) SaveMessage(_ context.Context, msg realtime.Message) error {
	l := r.log(msg.SessionID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.messages); n > 0 && l.messages[n-1].ID >= msg.ID {
		return fmt.Errorf("message id %d is not after %d", msg.ID, l.messages[n-1].ID)
	}
	l.messages = append(l.messages, msg)
	return nil
}

func (r *RoomMessageRepository) LoadRecentMessages(_ context.Context, sessionID string, limit int) ([]realtime.Message, error) {
	l := r.log(sessionID, false)
	if l == nil {
		return []realtime.Message{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if limit > 0 && len(l.messages) > limit {
		start = len(l.messages) - limit
	}
	return append([]realtime.Message(nil), l.messages[start:]...), nil
}

func (r *RoomMessageRepository) LoadMessagesAfter(_ context.Context, sessionID string, afterID int64, limit int) ([]realtime.Message, error) {
	l := r.log(sessionID, false)
	if l == nil {
		return []realtime.Message{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []realtime.Message{}
	for _, m := range l.messages {
		if m.ID <= afterID {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}
