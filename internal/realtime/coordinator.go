package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
)

// Sink is the outbound half of one client connection. Deliver must never
// block: it returns false when the frame could not be queued, and the
// coordinator then evicts the connection.
type Sink interface {
	ID() string
	Deliver(frame []byte) bool
	Close()
}

// RewardNotifier is told about every completed timer cycle, and nothing else.
type RewardNotifier interface {
	SessionCompleted(ctx context.Context, completion TimerCompletion, participants []string) error
}

// RosterMirror receives a copy of the roster after each presence change.
// Called from the coordinator goroutine, so it must not block.
type RosterMirror interface {
	MirrorRoster(sessionID string, roster []Participant)
}

type CoordinatorConfig struct {
	Presence        PresenceConfig
	TypingTTL       time.Duration
	Sequencer       SequencerConfig
	Assembler       AssemblerConfig
	Timer           TimerConfig
	AssistantID     string
	ResyncLatestIDs int
	PersistTimeout  time.Duration
	SweepInterval   time.Duration
	TickInterval    time.Duration
	InboxSize       int
}

type CoordinatorDeps struct {
	Store   MessageStore
	Rewards RewardNotifier
	Mirror  RosterMirror
	Logger  logger.ILogger
	Clock   Clock
}

type member struct {
	sink          Sink
	identity      string
	participantID string
	joined        bool
}

const logModule = "REALTIME"

// Coordinator owns every piece of state of one session. All reads and
// writes happen on the goroutine started by Run; the exported methods only
// enqueue closures on its inbox.
type Coordinator struct {
	sessionID string
	createdAt time.Time
	cfg       CoordinatorConfig
	deps      CoordinatorDeps
	log       logger.ILogger
	clock     Clock

	presence *PresenceTracker
	typing   *TypingTable
	seq      *Sequencer
	asm      *Assembler
	timer    *SessionTimer

	members    map[string]*member
	evictions  []string
	emptySince time.Time

	inbox     chan func(ctx context.Context)
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewCoordinator(ctx context.Context, sessionID string, cfg CoordinatorConfig, deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.AssistantID == "" {
		cfg.AssistantID = "assistant"
	}

	seq, err := NewSequencer(ctx, sessionID, deps.Store, cfg.Sequencer, deps.Clock)
	if err != nil {
		return nil, err
	}
	now := deps.Clock()
	return &Coordinator{
		sessionID:  sessionID,
		createdAt:  now,
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger,
		clock:      deps.Clock,
		presence:   NewPresenceTracker(cfg.Presence),
		typing:     NewTypingTable(cfg.TypingTTL),
		seq:        seq,
		asm:        NewAssembler(cfg.Assembler),
		timer:      NewSessionTimer(sessionID, cfg.Timer, now),
		members:    make(map[string]*member),
		emptySince: now,
		inbox:      make(chan func(ctx context.Context), cfg.InboxSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

func (c *Coordinator) SessionID() string { return c.sessionID }

// Run processes commands, the presence/typing/stream sweep and the timer
// tick until ctx is cancelled or the coordinator is closed.
func (c *Coordinator) Run(ctx context.Context) {
	sweep := time.NewTicker(c.cfg.SweepInterval)
	tick := time.NewTicker(c.cfg.TickInterval)
	defer func() {
		sweep.Stop()
		tick.Stop()
		c.shutdown()
		close(c.stopped)
	}()

	c.log.Info(logModule, "Session coordinator started", map[string]interface{}{"session_id": c.sessionID})
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case fn := <-c.inbox:
			c.safeRun(ctx, fn)
		case <-sweep.C:
			c.safeRun(ctx, c.sweep)
		case <-tick.C:
			c.safeRun(ctx, c.tick)
		}
	}
}

// Close stops the coordinator. Connected sinks are closed by Run on exit.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether the coordinator has been told to stop.
func (c *Coordinator) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until Run has returned.
func (c *Coordinator) Wait() {
	<-c.stopped
}

func (c *Coordinator) shutdown() {
	now := c.clock()
	for _, id := range c.asm.Streaming() {
		c.abortExchange(context.Background(), id, now)
	}
	for id, m := range c.members {
		m.sink.Close()
		delete(c.members, id)
	}
	c.log.Info(logModule, "Session coordinator stopped", map[string]interface{}{"session_id": c.sessionID})
}

func (c *Coordinator) safeRun(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(logModule, "Recovered from panic in session coordinator", map[string]interface{}{
				"session_id": c.sessionID,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
		}
	}()
	fn(ctx)
	c.flushEvictions()
}

// exec runs fn on the coordinator goroutine and waits for it to finish.
func (c *Coordinator) exec(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(runCtx context.Context) {
		defer close(finished)
		fn(runCtx)
		c.flushEvictions()
	}
	select {
	case c.inbox <- wrapped:
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting for it.
func (c *Coordinator) post(fn func(ctx context.Context)) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// Connection lifecycle

// Connect registers a connection for the authenticated identity. The
// connection receives nothing until it sends a join.
func (c *Coordinator) Connect(ctx context.Context, sink Sink, identity string) error {
	return c.exec(ctx, func(context.Context) {
		c.members[sink.ID()] = &member{sink: sink, identity: identity}
		c.emptySince = time.Time{}
		c.log.Debug(logModule, "Connection attached", map[string]interface{}{
			"session_id": c.sessionID,
			"conn_id":    sink.ID(),
			"identity":   identity,
		})
	})
}

// Detach drops a connection whose transport has gone away. It does not wait.
func (c *Coordinator) Detach(connID string) {
	c.post(func(ctx context.Context) {
		c.detach(ctx, connID, ErrConnectionLost)
	})
}

// Dispatch applies one client event. Protocol errors are answered with an
// error event to that connection and also returned to the caller.
func (c *Coordinator) Dispatch(ctx context.Context, connID string, env Envelope) error {
	var result error
	err := c.exec(ctx, func(context.Context) {
		m, ok := c.members[connID]
		if !ok {
			result = ErrNotJoined
			return
		}
		result = c.handle(ctx, m, env)
	})
	if err != nil {
		return err
	}
	return result
}

func (c *Coordinator) handle(ctx context.Context, m *member, env Envelope) error {
	var err error
	var clientMsgID string
	switch env.Type {
	case EventJoin:
		err = c.handleJoin(m, env)
	case EventLeave:
		err = c.handleLeave(m, env)
	case EventHeartbeat:
		err = c.handleHeartbeat(m)
	case EventMessageNew:
		clientMsgID, err = c.handleSend(ctx, m, env)
	case EventTypingSet, EventTypingClear:
		err = c.handleTyping(m, env)
	case EventTimerStart, EventTimerStop, EventTimerReset:
		err = c.handleTimer(m, env)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		c.fail(m, err, clientMsgID, "")
	}
	return err
}

func (c *Coordinator) handleJoin(m *member, env Envelope) error {
	var p JoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID != c.sessionID {
		return ErrWrongSession
	}
	if m.identity != "" && m.identity != p.ParticipantID {
		return ErrIdentityMismatch
	}
	now := c.clock()
	if m.joined && m.participantID != p.ParticipantID {
		c.presence.Disconnect(m.participantID, m.sink.ID(), now)
	}
	m.participantID = p.ParticipantID
	m.joined = true

	diff := c.presence.Join(Participant{ID: p.ParticipantID, DisplayName: p.DisplayName}, m.sink.ID(), now)
	roster := c.presence.CurrentRoster()
	c.sendTo(m, EventPresenceRoster, RosterPayload{SessionID: c.sessionID, Participants: roster})
	c.sendTo(m, EventResync, c.resync(p.LastSeenID, roster, now))
	if !diff.Empty() {
		c.broadcastExcept(EventPresenceDiff, diff, m.sink.ID())
		c.mirror(roster)
	}
	c.log.Info(logModule, "Participant joined", map[string]interface{}{
		"session_id":     c.sessionID,
		"participant_id": p.ParticipantID,
		"conn_id":        m.sink.ID(),
		"last_seen_id":   p.LastSeenID,
	})
	return nil
}

func (c *Coordinator) resync(lastSeenID int64, roster []Participant, now time.Time) ResyncPayload {
	since := c.seq.Since(lastSeenID)
	return ResyncPayload{
		SessionID:        c.sessionID,
		Timer:            c.timer.State(),
		Typists:          c.typing.Active(now),
		LatestMessageIDs: c.seq.LatestIDs(c.cfg.ResyncLatestIDs),
		Missed:           since.Messages,
		Truncated:        since.Truncated,
		Roster:           roster,
	}
}

func (c *Coordinator) handleLeave(m *member, env Envelope) error {
	var p LeavePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID != c.sessionID {
		return ErrWrongSession
	}
	if !m.joined {
		return ErrNotJoined
	}
	pid := m.participantID
	now := c.clock()
	for _, other := range c.members {
		if other.participantID == pid {
			other.joined = false
		}
	}
	c.clearTyping(pid)
	if diff := c.presence.Leave(pid, now); !diff.Empty() {
		c.broadcast(EventPresenceDiff, diff)
		c.mirror(c.presence.CurrentRoster())
	}
	c.log.Info(logModule, "Participant left", map[string]interface{}{"session_id": c.sessionID, "participant_id": pid})
	return nil
}

func (c *Coordinator) handleHeartbeat(m *member) error {
	if !m.joined {
		return ErrNotJoined
	}
	diff, ok := c.presence.Heartbeat(m.participantID, c.clock())
	if !ok {
		return ErrNotJoined
	}
	if !diff.Empty() {
		c.broadcast(EventPresenceDiff, diff)
		c.mirror(c.presence.CurrentRoster())
	}
	return nil
}

func (c *Coordinator) handleSend(ctx context.Context, m *member, env Envelope) (string, error) {
	var p SendMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return p.ClientMsgID, err
	}
	if p.SessionID != c.sessionID {
		return p.ClientMsgID, ErrWrongSession
	}
	if !m.joined {
		return p.ClientMsgID, ErrNotJoined
	}
	msg, dup, err := c.append(ctx, m.participantID, p.Content, p.ClientMsgID)
	if err != nil {
		return p.ClientMsgID, err
	}
	c.sendTo(m, EventMessageAck, MessageAck{ClientMsgID: p.ClientMsgID, ID: msg.ID, Duplicate: dup})
	return p.ClientMsgID, nil
}

// append persists then broadcasts. A duplicate is returned as the original
// message and is not broadcast again.
func (c *Coordinator) append(ctx context.Context, senderID, content, clientMsgID string) (Message, bool, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()
	msg, dup, err := c.seq.Append(pctx, senderID, content, clientMsgID, KindText)
	if err != nil {
		if CategoryOf(err) == CategoryUpstream {
			c.log.Error(logModule, "Failed to persist message", map[string]interface{}{
				"session_id":    c.sessionID,
				"sender_id":     senderID,
				"client_msg_id": clientMsgID,
				"error":         err.Error(),
			})
		}
		return Message{}, false, err
	}
	if dup {
		c.log.Debug(logModule, "Duplicate send ignored", map[string]interface{}{
			"session_id":    c.sessionID,
			"client_msg_id": clientMsgID,
			"message_id":    msg.ID,
		})
		return msg, true, nil
	}
	c.clearTyping(senderID)
	c.broadcast(EventMessageNew, msg)
	return msg, false, nil
}

func (c *Coordinator) handleTyping(m *member, env Envelope) error {
	var p TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID != c.sessionID {
		return ErrWrongSession
	}
	if !m.joined {
		return ErrNotJoined
	}
	if p.ParticipantID != "" && p.ParticipantID != m.participantID {
		return ErrIdentityMismatch
	}
	if env.Type == EventTypingSet {
		c.setTyping(m.participantID)
	} else {
		c.clearTyping(m.participantID)
	}
	return nil
}

func (c *Coordinator) setTyping(pid string) {
	if c.typing.Set(pid, c.clock()) {
		c.broadcast(EventTypingSet, TypingEvent{SessionID: c.sessionID, ParticipantID: pid})
	}
}

func (c *Coordinator) clearTyping(pid string) {
	if c.typing.Clear(pid) {
		c.broadcast(EventTypingClear, TypingEvent{SessionID: c.sessionID, ParticipantID: pid})
	}
}

func (c *Coordinator) handleTimer(m *member, env Envelope) error {
	var p TimerControlPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID != c.sessionID {
		return ErrWrongSession
	}
	if !m.joined {
		return ErrNotJoined
	}
	now := c.clock()
	var state TimerState
	switch env.Type {
	case EventTimerStart:
		var err error
		if state, err = c.timer.Start(p.Mode, now); err != nil {
			return err
		}
	case EventTimerStop:
		state = c.timer.Stop(now)
	case EventTimerReset:
		state = c.timer.Reset(now)
	}
	c.broadcast(EventTimerTick, tickPayload(state))
	c.log.Info(logModule, "Timer control applied", map[string]interface{}{
		"session_id":     c.sessionID,
		"participant_id": m.participantID,
		"event":          string(env.Type),
		"mode":           string(state.Mode),
	})
	return nil
}

func (c *Coordinator) detach(ctx context.Context, connID string, cause error) {
	m, ok := c.members[connID]
	if !ok {
		return
	}
	delete(c.members, connID)
	m.sink.Close()

	now := c.clock()
	for _, id := range c.asm.OwnedBy(connID) {
		c.abortExchange(ctx, id, now)
	}
	if m.joined && c.presence.Disconnect(m.participantID, connID, now) {
		c.clearTyping(m.participantID)
	}
	if len(c.members) == 0 {
		c.emptySince = now
	}
	c.log.Info(logModule, "Connection detached", map[string]interface{}{
		"session_id":     c.sessionID,
		"conn_id":        connID,
		"participant_id": m.participantID,
		"reason":         cause.Error(),
	})
}

// Periodic work

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.clock()
	diff := c.presence.Sweep(now)
	for _, pid := range diff.Left {
		c.clearTyping(pid)
	}
	for _, pid := range c.typing.Expire(now) {
		c.broadcast(EventTypingClear, TypingEvent{SessionID: c.sessionID, ParticipantID: pid})
	}
	if !diff.Empty() {
		c.broadcast(EventPresenceDiff, diff)
		c.mirror(c.presence.CurrentRoster())
	}
	for _, id := range c.asm.Sweep(now) {
		c.log.Warn(logModule, "Streaming exchange idle, aborting", map[string]interface{}{
			"session_id": c.sessionID,
			"request_id": id,
		})
		c.abortExchange(ctx, id, now)
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	state, completion, changed := c.timer.Tick(c.clock())
	if !changed {
		return
	}
	c.broadcast(EventTimerTick, tickPayload(state))
	if completion == nil {
		return
	}
	c.broadcast(EventTimerComplete, TimerCompletePayload{SessionID: c.sessionID, Mode: completion.Mode})
	if c.deps.Rewards != nil {
		if err := c.deps.Rewards.SessionCompleted(ctx, *completion, c.presence.ActiveIDs()); err != nil {
			c.log.Error(logModule, "Failed to notify reward service", map[string]interface{}{
				"session_id": c.sessionID,
				"mode":       string(completion.Mode),
				"error":      err.Error(),
			})
		}
	}
	c.broadcast(EventTimerTick, tickPayload(c.timer.State()))
}

// Sweep runs the expiry sweep immediately.
func (c *Coordinator) Sweep(ctx context.Context) error {
	return c.exec(ctx, c.sweep)
}

// Tick advances the timer by one tick immediately.
func (c *Coordinator) Tick(ctx context.Context) error {
	return c.exec(ctx, c.tick)
}

// Retire closes the coordinator when it has had no connection and no
// in-flight stream for at least grace.
func (c *Coordinator) Retire(ctx context.Context, grace time.Duration) (bool, error) {
	var retired bool
	err := c.exec(ctx, func(context.Context) {
		if len(c.members) > 0 || c.emptySince.IsZero() || len(c.asm.Streaming()) > 0 {
			return
		}
		if c.clock().Sub(c.emptySince) < grace {
			return
		}
		retired = true
		c.Close()
	})
	return retired, err
}

// Fan-out

func (c *Coordinator) broadcast(t EventType, payload interface{}) {
	c.broadcastExcept(t, payload, "")
}

func (c *Coordinator) broadcastExcept(t EventType, payload interface{}, exceptConnID string) {
	frame, err := EncodeFrame(t, payload)
	if err != nil {
		c.log.Error(logModule, "Failed to encode event", map[string]interface{}{"event": string(t), "error": err.Error()})
		return
	}
	for _, id := range c.joinedConnIDs() {
		if id == exceptConnID {
			continue
		}
		c.deliver(c.members[id], frame)
	}
}

func (c *Coordinator) sendTo(m *member, t EventType, payload interface{}) {
	frame, err := EncodeFrame(t, payload)
	if err != nil {
		c.log.Error(logModule, "Failed to encode event", map[string]interface{}{"event": string(t), "error": err.Error()})
		return
	}
	c.deliver(m, frame)
}

func (c *Coordinator) deliver(m *member, frame []byte) {
	if m.sink.Deliver(frame) {
		return
	}
	c.evictions = append(c.evictions, m.sink.ID())
}

// flushEvictions detaches slow consumers once the current fan-out is over,
// so every remaining member has seen the same sequence of frames.
func (c *Coordinator) flushEvictions() {
	for len(c.evictions) > 0 {
		id := c.evictions[0]
		c.evictions = c.evictions[1:]
		if _, ok := c.members[id]; !ok {
			continue
		}
		c.log.Warn(logModule, "Disconnecting slow consumer", map[string]interface{}{"session_id": c.sessionID, "conn_id": id})
		c.detach(context.Background(), id, ErrSlowConsumer)
	}
}

func (c *Coordinator) joinedConnIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id, m := range c.members {
		if m.joined {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) fail(m *member, err error, clientMsgID, requestID string) {
	c.log.Warn(logModule, "Rejected client event", map[string]interface{}{
		"session_id": c.sessionID,
		"conn_id":    m.sink.ID(),
		"category":   string(CategoryOf(err)),
		"error":      err.Error(),
	})
	c.sendTo(m, EventError, ErrorPayload{
		Code:        ErrorCode(err),
		Message:     err.Error(),
		ClientMsgID: clientMsgID,
		RequestID:   requestID,
	})
}

func (c *Coordinator) mirror(roster []Participant) {
	if c.deps.Mirror != nil {
		c.deps.Mirror.MirrorRoster(c.sessionID, roster)
	}
}

// Streaming exchanges

// StartExchange opens a streamed response. ownerConnID ties it to a
// connection whose loss aborts it; empty means it is owned by the caller.
func (c *Coordinator) StartExchange(ctx context.Context, requestID, ownerConnID string, opts ...ExchangeOption) error {
	var result error
	err := c.exec(ctx, func(context.Context) {
		// An archived exchange still owns its request id while the answer
		// it produced is in the dedup index.
		if c.seq.Seen(c.cfg.AssistantID, requestID) {
			result = ErrExchangeExists
			return
		}
		var e *StreamingExchange
		e, result = c.asm.Start(c.sessionID, requestID, ownerConnID, c.clock())
		if result != nil {
			return
		}
		for _, opt := range opts {
			opt(e)
		}
	})
	if err != nil {
		return err
	}
	return result
}

type ExchangeOption func(*StreamingExchange)

// WithUpstreamCancel runs cancel as soon as the exchange ends, including
// when the idle watchdog or a disconnect aborts it.
func WithUpstreamCancel(cancel context.CancelFunc) ExchangeOption {
	return func(e *StreamingExchange) { e.stop = cancel }
}

// Exchange reports where requestID stands until it is archived.
func (c *Coordinator) Exchange(ctx context.Context, requestID string) (ExchangeResult, error) {
	var res ExchangeResult
	var result error
	err := c.exec(ctx, func(context.Context) {
		e, ok := c.asm.Get(requestID)
		if !ok {
			result = ErrUnknownExchange
			return
		}
		res = e.Result()
	})
	if err != nil {
		return ExchangeResult{}, err
	}
	return res, result
}

// AppendChunk adds a delta and republishes the cumulative text.
func (c *Coordinator) AppendChunk(ctx context.Context, requestID, chunk string) (string, error) {
	var cumulative string
	var result error
	err := c.exec(ctx, func(context.Context) {
		cumulative, result = c.asm.AppendChunk(requestID, chunk, c.clock())
		if result == nil {
			c.broadcast(EventStreamChunk, StreamChunkPayload{RequestID: requestID, CumulativeText: cumulative})
		}
	})
	if err != nil {
		return "", err
	}
	return cumulative, result
}

// Finalize closes the exchange and appends its text to the message log.
func (c *Coordinator) Finalize(ctx context.Context, requestID, fullText string) (Message, error) {
	var msg Message
	var result error
	err := c.exec(ctx, func(context.Context) {
		res, err := c.asm.Finalize(requestID, fullText, c.clock())
		if err != nil {
			result = err
			return
		}
		msg, result = c.completeExchange(ctx, res)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, result
}

// Abort closes the exchange with its partial text marked truncated.
func (c *Coordinator) Abort(ctx context.Context, requestID string) (Message, error) {
	var msg Message
	var result error
	err := c.exec(ctx, func(runCtx context.Context) {
		msg, result = c.abortExchange(runCtx, requestID, c.clock())
	})
	if err != nil {
		return Message{}, err
	}
	return msg, result
}

func (c *Coordinator) abortExchange(ctx context.Context, requestID string, now time.Time) (Message, error) {
	res, err := c.asm.Abort(requestID, now)
	if err != nil {
		return Message{}, err
	}
	c.log.Warn(logModule, "Streaming exchange aborted", map[string]interface{}{
		"session_id": c.sessionID,
		"request_id": requestID,
		"has_text":   res.Kind == KindText,
	})
	return c.completeExchange(ctx, res)
}

// completeExchange stores the terminal text and announces it. stream:final
// goes out even when storing fails so no client is left streaming.
func (c *Coordinator) completeExchange(ctx context.Context, res ExchangeResult) (Message, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()
	msg, dup, err := c.seq.AppendAssistant(pctx, c.cfg.AssistantID, res.Text, res.RequestID, res.Kind, res.Truncated)

	final := StreamFinalPayload{RequestID: res.RequestID, Text: res.Text, Truncated: res.Truncated}
	if err == nil {
		final.MessageID = msg.ID
	}
	c.broadcast(EventStreamFinal, final)
	if err != nil {
		c.log.Error(logModule, "Failed to persist assistant message", map[string]interface{}{
			"session_id": c.sessionID,
			"request_id": res.RequestID,
			"error":      err.Error(),
		})
		if owner, ok := c.members[res.OwnerConnID]; ok {
			c.sendTo(owner, EventError, ErrorPayload{Code: ErrorCode(err), Message: err.Error(), RequestID: res.RequestID})
		}
		return Message{}, err
	}
	if !dup {
		c.broadcast(EventMessageNew, msg)
	}
	return msg, nil
}

// Queries and server side commands

// Append is the server side send path used by REST callers.
func (c *Coordinator) Append(ctx context.Context, senderID, content, clientMsgID string) (Message, bool, error) {
	var msg Message
	var dup bool
	var result error
	err := c.exec(ctx, func(context.Context) {
		msg, dup, result = c.append(ctx, senderID, content, clientMsgID)
	})
	if err != nil {
		return Message{}, false, err
	}
	return msg, dup, result
}

func (c *Coordinator) Since(ctx context.Context, lastSeenID int64) (SinceResult, error) {
	var res SinceResult
	err := c.exec(ctx, func(context.Context) { res = c.seq.Since(lastSeenID) })
	return res, err
}

// History returns up to n of the latest messages, oldest first.
func (c *Coordinator) History(ctx context.Context, n int) ([]Message, error) {
	var out []Message
	err := c.exec(ctx, func(context.Context) {
		all := c.seq.Since(0).Messages
		if n > 0 && len(all) > n {
			all = all[len(all)-n:]
		}
		out = all
	})
	return out, err
}

func (c *Coordinator) Roster(ctx context.Context) ([]Participant, error) {
	var roster []Participant
	err := c.exec(ctx, func(context.Context) { roster = c.presence.CurrentRoster() })
	return roster, err
}

func (c *Coordinator) ActiveTypists(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.exec(ctx, func(context.Context) { ids = c.typing.Active(c.clock()) })
	return ids, err
}

// SetTyping marks a present participant as typing.
func (c *Coordinator) SetTyping(ctx context.Context, participantID string) error {
	var result error
	err := c.exec(ctx, func(context.Context) {
		if !c.presence.Active(participantID) {
			result = ErrNotJoined
			return
		}
		c.setTyping(participantID)
	})
	if err != nil {
		return err
	}
	return result
}

func (c *Coordinator) ClearTyping(ctx context.Context, participantID string) error {
	return c.exec(ctx, func(context.Context) { c.clearTyping(participantID) })
}

func (c *Coordinator) StartTimer(ctx context.Context, mode TimerMode) (TimerState, error) {
	var state TimerState
	var result error
	err := c.exec(ctx, func(context.Context) {
		state, result = c.timer.Start(mode, c.clock())
		if result == nil {
			c.broadcast(EventTimerTick, tickPayload(state))
		}
	})
	if err != nil {
		return TimerState{}, err
	}
	return state, result
}

func (c *Coordinator) StopTimer(ctx context.Context) (TimerState, error) {
	var state TimerState
	err := c.exec(ctx, func(context.Context) {
		state = c.timer.Stop(c.clock())
		c.broadcast(EventTimerTick, tickPayload(state))
	})
	return state, err
}

func (c *Coordinator) ResetTimer(ctx context.Context) (TimerState, error) {
	var state TimerState
	err := c.exec(ctx, func(context.Context) {
		state = c.timer.Reset(c.clock())
		c.broadcast(EventTimerTick, tickPayload(state))
	})
	return state, err
}

// TimerState is the authoritative timer of the session.
func (c *Coordinator) TimerState(ctx context.Context) (TimerState, error) {
	var state TimerState
	err := c.exec(ctx, func(context.Context) { state = c.timer.State() })
	return state, err
}

func (c *Coordinator) Snapshot(ctx context.Context) (Session, error) {
	var s Session
	err := c.exec(ctx, func(context.Context) {
		s = Session{
			ID:           c.sessionID,
			Participants: c.presence.ActiveIDs(),
			CreatedAt:    c.createdAt,
		}
	})
	return s, err
}
