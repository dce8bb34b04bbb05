package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"

	"github.com/redis/go-redis/v9"
)

const rosterTTL = 10 * time.Minute

type rosterSnapshot struct {
	sessionID string
	roster    []realtime.Participant
}

// Hub tracks the live connections of this instance and mirrors session
// rosters into Redis so other instances can answer roster reads.
type Hub struct {
	// Registered clients: SessionID -> ConnID -> Client
	clients map[string]map[string]*Client
	mu      sync.RWMutex

	// Redis connection for cross-instance roster reads
	rdb      *redis.Client
	snapshot chan rosterSnapshot

	logger logger.ILogger
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		clients:  make(map[string]map[string]*Client),
		rdb:      rdb,
		snapshot: make(chan rosterSnapshot, 1024),
		logger:   log,
	}
}

func rosterKey(sessionID string) string {
	return "presence:" + sessionID
}

// Run writes roster snapshots to Redis until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.snapshot:
			if err := h.writeRoster(ctx, s); err != nil {
				h.logger.Warn("Hub", "Failed to mirror roster", map[string]interface{}{
					"session_id": s.sessionID,
					"error":      err.Error(),
				})
			}
		}
	}
}

func (h *Hub) writeRoster(ctx context.Context, s rosterSnapshot) error {
	key := rosterKey(s.sessionID)
	values := make([]interface{}, 0, len(s.roster)*2)
	for _, p := range s.roster {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		values = append(values, p.ID, raw)
	}
	_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
			pipe.Expire(ctx, key, rosterTTL)
		}
		return nil
	})
	return err
}

// MirrorRoster implements realtime.RosterMirror. Snapshots are dropped when
// the writer falls behind; the next presence change carries a full roster.
func (h *Hub) MirrorRoster(sessionID string, roster []realtime.Participant) {
	if h.rdb == nil {
		return
	}
	select {
	case h.snapshot <- rosterSnapshot{sessionID: sessionID, roster: roster}:
	default:
		h.logger.Warn("Hub", "Roster mirror queue full, dropping snapshot", map[string]interface{}{"session_id": sessionID})
	}
}

// MirroredRoster reads the roster another instance last published.
func (h *Hub) MirroredRoster(ctx context.Context, sessionID string) ([]realtime.Participant, error) {
	if h.rdb == nil {
		return nil, realtime.ErrRoomNotFound
	}
	entries, err := h.rdb.HGetAll(ctx, rosterKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read mirrored roster: %w", err)
	}
	if len(entries) == 0 {
		return nil, realtime.ErrRoomNotFound
	}
	roster := make([]realtime.Participant, 0, len(entries))
	for _, raw := range entries {
		var p realtime.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster, nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if h.clients[c.SessionID] == nil {
		h.clients[c.SessionID] = make(map[string]*Client)
	}
	h.clients[c.SessionID][c.ID()] = c
	h.mu.Unlock()
	h.logger.Info("Hub", "Client registered", map[string]interface{}{
		"session_id": c.SessionID,
		"conn_id":    c.ID(),
		"identity":   c.Identity,
	})
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.SessionID]; ok {
		delete(conns, c.ID())
		if len(conns) == 0 {
			delete(h.clients, c.SessionID)
		}
	}
	h.mu.Unlock()
	h.logger.Info("Hub", "Client unregistered", map[string]interface{}{
		"session_id": c.SessionID,
		"conn_id":    c.ID(),
	})
}

// ConnectionCount is the number of live connections to sessionID on this instance.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for _, c := range conns {
			c.Close()
		}
	}
}
