package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EngineConfig struct {
	Coordinator      CoordinatorConfig
	AutoCreateRooms  bool
	SessionIdleGrace time.Duration
	ReapInterval     time.Duration
}

// Engine is the registry of live sessions. It starts one Coordinator per
// session and retires the ones nobody has used for SessionIdleGrace.
type Engine struct {
	cfg  EngineConfig
	deps CoordinatorDeps

	mu       sync.Mutex
	sessions map[string]*Coordinator
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewEngine(cfg EngineConfig, deps CoordinatorDeps) *Engine {
	if cfg.SessionIdleGrace <= 0 {
		cfg.SessionIdleGrace = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Coordinator),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// CreateSession starts a new room. An empty id is replaced by a generated one.
func (e *Engine) CreateSession(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	e.mu.Lock()
	if _, ok := e.liveLocked(sessionID); ok {
		e.mu.Unlock()
		return Session{}, ErrRoomExists
	}
	c, err := e.startLocked(ctx, sessionID)
	e.mu.Unlock()
	if err != nil {
		return Session{}, err
	}
	return c.Snapshot(ctx)
}

// Open returns the coordinator of a live session, creating it when
// AutoCreateRooms is set.
func (e *Engine) Open(ctx context.Context, sessionID string) (*Coordinator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.liveLocked(sessionID); ok {
		return c, nil
	}
	if !e.cfg.AutoCreateRooms {
		return nil, ErrRoomNotFound
	}
	return e.startLocked(ctx, sessionID)
}

// Get returns a live session without ever creating one.
func (e *Engine) Get(sessionID string) (*Coordinator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.liveLocked(sessionID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return c, nil
}

// liveLocked looks sessionID up and drops a coordinator that retired
// before Reap got to unregister it.
func (e *Engine) liveLocked(sessionID string) (*Coordinator, bool) {
	c, ok := e.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if c.Closed() {
		delete(e.sessions, sessionID)
		return nil, false
	}
	return c, true
}

// SessionIDs lists live sessions in order.
func (e *Engine) SessionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) startLocked(ctx context.Context, sessionID string) (*Coordinator, error) {
	if e.baseCtx.Err() != nil {
		return nil, ErrSessionClosed
	}
	c, err := NewCoordinator(ctx, sessionID, e.cfg.Coordinator, e.deps)
	if err != nil {
		return nil, err
	}
	e.sessions[sessionID] = c
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		c.Run(e.baseCtx)
	}()
	return c, nil
}

// Run reaps idle sessions until ctx is done, then shuts every session down.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return nil
		case <-ticker.C:
			e.Reap(ctx)
		}
	}
}

// Reap retires sessions that have been empty for longer than the grace
// period. Each coordinator decides for itself, so the registry lock is only
// taken to snapshot and to unregister.
func (e *Engine) Reap(ctx context.Context) []string {
	e.mu.Lock()
	snapshot := make(map[string]*Coordinator, len(e.sessions))
	for id, c := range e.sessions {
		snapshot[id] = c
	}
	e.mu.Unlock()

	var retired []string
	for id, c := range snapshot {
		ok, err := c.Retire(ctx, e.cfg.SessionIdleGrace)
		closed := errors.Is(err, ErrSessionClosed)
		if err != nil && !closed {
			continue
		}
		if !ok && !closed {
			continue
		}
		e.mu.Lock()
		// A newer coordinator may have taken the id meanwhile.
		if e.sessions[id] == c {
			delete(e.sessions, id)
			retired = append(retired, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(retired)
	return retired
}

// Shutdown stops every coordinator and waits for them to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.cancel()
	for id := range e.sessions {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
