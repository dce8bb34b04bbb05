// Package syncclient is the client side of a study room session: it keeps
// one websocket open, rejoins after drops and resends unacknowledged
// messages so that nothing typed while offline is lost.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"

	"github.com/cenkalti/backoff/v5"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

const (
	writeWait = 10 * time.Second
	logModule = "SYNCCLIENT"
)

type Config struct {
	// URL is the server base, e.g. "ws://localhost:3000".
	URL           string
	SessionID     string
	ParticipantID string
	DisplayName   string
	AuthToken     string

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       uint
	HeartbeatInterval time.Duration

	// OnEvent and OnError may also be added later with the methods of the
	// same name; setting them here guarantees the first roster is seen.
	OnEvent func(realtime.Envelope)
	OnError func(error)
	Logger  logger.ILogger
}

func (c *Config) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNopLogger()
	}
}

// ServerError is an "error" event the server sent about one of our events.
type ServerError struct {
	realtime.ErrorPayload
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected event: %s: %s", e.Code, e.Message)
}

type Connection struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logger.ILogger

	mu         sync.Mutex
	conn       *websocket.Conn
	lastSeenID int64
	outbox     []realtime.SendMessagePayload
	timer      *realtime.TimerState
	handlers   []func(realtime.Envelope)
	errHandler []func(error)
	err        error

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Open dials the session and joins it. ctx bounds the initial dial only;
// the connection then lives until Close or a fatal error.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	cfg.withDefaults()
	if cfg.URL == "" || cfg.SessionID == "" || cfg.ParticipantID == "" {
		return nil, errors.New("syncclient: URL, SessionID and ParticipantID are required")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    cfg.Logger,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if cfg.OnEvent != nil {
		c.handlers = append(c.handlers, cfg.OnEvent)
	}
	if cfg.OnError != nil {
		c.errHandler = append(c.errHandler, cfg.OnError)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.wg.Add(2)
	go c.run(conn)
	go c.heartbeat()
	return c, nil
}

func (c *Connection) endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/api/sessions/" + url.PathEscape(c.cfg.SessionID) + "/ws"
}

func (c *Connection) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	return b
}

// dial connects with backoff. Auth and missing rooms are permanent.
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, c.endpoint(), header)
		if err != nil {
			if resp != nil {
				switch resp.StatusCode {
				case http.StatusUnauthorized, http.StatusForbidden:
					return nil, backoff.Permanent(fmt.Errorf("%w: handshake status %d", realtime.ErrAuthRejected, resp.StatusCode))
				case http.StatusNotFound:
					return nil, backoff.Permanent(fmt.Errorf("%w: %s", realtime.ErrRoomNotFound, c.cfg.SessionID))
				}
			}
			return nil, fmt.Errorf("%w: %v", realtime.ErrConnectionLost, err)
		}
		if err := c.attach(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn(logModule, "Dial failed, retrying", map[string]interface{}{
				"session_id": c.cfg.SessionID,
				"error":      err.Error(),
				"retry_in":   next.String(),
			})
		}),
	)
}

// attach joins on conn and resends the outbox in its original order before
// conn becomes current, so no other frame can overtake the join. Holding
// writeMu across the publish keeps later sends behind the replay.
func (c *Connection) attach(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	join := realtime.JoinPayload{
		SessionID:     c.cfg.SessionID,
		ParticipantID: c.cfg.ParticipantID,
		DisplayName:   c.cfg.DisplayName,
		LastSeenID:    c.lastSeenID,
	}
	c.mu.Unlock()
	if err := writeTo(conn, realtime.EventJoin, join); err != nil {
		return err
	}

	c.mu.Lock()
	pending := append([]realtime.SendMessagePayload(nil), c.outbox...)
	c.conn = conn
	c.mu.Unlock()

	for _, p := range pending {
		if err := writeTo(conn, realtime.EventMessageNew, p); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return err
		}
	}
	c.log.Info(logModule, "Joined session", map[string]interface{}{
		"session_id":   c.cfg.SessionID,
		"last_seen_id": join.LastSeenID,
		"resent":       len(pending),
	})
	return nil
}

func (c *Connection) write(t realtime.EventType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return realtime.ErrConnectionLost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeTo(conn, t, payload)
}

func writeTo(conn *websocket.Conn, t realtime.EventType, payload interface{}) error {
	frame, err := realtime.EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrConnectionLost, err)
	}
	return nil
}

// run reads until the connection drops, then reconnects. It exits on Close
// or when reconnecting fails for good.
func (c *Connection) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.done)
	for {
		readErr := c.readLoop(conn)
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.emitError(fmt.Errorf("%w: %v", realtime.ErrConnectionLost, readErr))

		next, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		conn = next
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := realtime.DecodeFrame(frame)
		if err != nil {
			c.log.Warn(logModule, "Dropping malformed frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		c.handle(env)
	}
}

func (c *Connection) handle(env realtime.Envelope) {
	switch env.Type {
	case realtime.EventMessageNew:
		var m realtime.Message
		if json.Unmarshal(env.Data, &m) != nil || !c.observe(m) {
			return
		}
	case realtime.EventMessageAck:
		var ack realtime.MessageAck
		if json.Unmarshal(env.Data, &ack) == nil {
			c.settle(ack.ClientMsgID)
		}
	case realtime.EventResync:
		var rs realtime.ResyncPayload
		if json.Unmarshal(env.Data, &rs) == nil {
			// Missed messages are delivered like live ones.
			for _, m := range rs.Missed {
				if c.observe(m) {
					data, _ := json.Marshal(m)
					c.dispatch(realtime.Envelope{Type: realtime.EventMessageNew, Data: data})
				}
			}
		}
	case realtime.EventTimerTick:
		var tick realtime.TimerTickPayload
		if json.Unmarshal(env.Data, &tick) == nil {
			c.mu.Lock()
			c.timer = &realtime.TimerState{
				SessionID:             tick.SessionID,
				Mode:                  tick.Mode,
				RemainingSeconds:      tick.RemainingSeconds,
				Running:               tick.Running,
				ServerEpochAtLastTick: tick.ServerEpoch,
			}
			c.mu.Unlock()
		}
	case realtime.EventError:
		var p realtime.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			// not_joined means the frame raced a rejoin; the outbox resends it.
			if p.ClientMsgID != "" && p.Code != realtime.ErrorCode(realtime.ErrNotJoined) {
				c.settle(p.ClientMsgID)
			}
			c.emitError(&ServerError{ErrorPayload: p})
		}
	}
	c.dispatch(env)
}

// observe advances lastSeenID and reports whether m is new to us.
func (c *Connection) observe(m realtime.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ID <= c.lastSeenID {
		return false
	}
	c.lastSeenID = m.ID
	if m.SenderID == c.cfg.ParticipantID && m.ClientMsgID != "" {
		c.removeLocked(m.ClientMsgID)
	}
	return true
}

func (c *Connection) settle(clientMsgID string) {
	c.mu.Lock()
	c.removeLocked(clientMsgID)
	c.mu.Unlock()
}

func (c *Connection) removeLocked(clientMsgID string) {
	for i, p := range c.outbox {
		if p.ClientMsgID == clientMsgID {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

func (c *Connection) dispatch(env realtime.Envelope) {
	c.mu.Lock()
	handlers := append(([]func(realtime.Envelope))(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (c *Connection) emitError(err error) {
	c.mu.Lock()
	handlers := append(([]func(error))(nil), c.errHandler...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Error(logModule, "Connection closed permanently", map[string]interface{}{
		"session_id": c.cfg.SessionID,
		"error":      err.Error(),
	})
	c.emitError(err)
	c.cancel()
}

func (c *Connection) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(realtime.EventHeartbeat, realtime.HeartbeatPayload{}); err != nil {
				c.log.Debug(logModule, "Heartbeat not sent", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// OnEvent registers a handler for every inbound event, called in arrival
// order from the read goroutine.
func (c *Connection) OnEvent(handler func(realtime.Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// OnError registers a handler for connection drops, server errors and the
// final fatal error.
func (c *Connection) OnError(handler func(error)) {
	c.mu.Lock()
	c.errHandler = append(c.errHandler, handler)
	c.mu.Unlock()
}

// SendMessage queues content and sends it now if connected. The message
// stays queued until the server acknowledges it, across reconnects.
func (c *Connection) SendMessage(content string) (string, error) {
	if err := c.Err(); err != nil {
		return "", err
	}
	p := realtime.SendMessagePayload{
		SessionID:   c.cfg.SessionID,
		ClientMsgID: uuid.NewString(),
		Content:     content,
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, p)
	c.mu.Unlock()

	if err := c.write(realtime.EventMessageNew, p); err != nil && !errors.Is(err, realtime.ErrConnectionLost) {
		return "", err
	}
	return p.ClientMsgID, nil
}

// Send writes any other client event. Nothing is queued.
func (c *Connection) Send(t realtime.EventType, payload interface{}) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.write(t, payload)
}

// Pending is the number of messages still waiting for an ack.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Connection) LastSeenID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeenID
}

// TimerRemaining projects the last timer tick onto now. ok is false until
// the first tick arrives.
func (c *Connection) TimerRemaining(now time.Time) (remaining int, mode realtime.TimerMode, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return 0, "", false
	}
	return c.timer.Projected(now), c.timer.Mode, true
}

// Err is the fatal error that ended the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close leaves the session and closes the socket.
func (c *Connection) Close() {
	if c.ctx.Err() == nil {
		c.write(realtime.EventLeave, realtime.LeavePayload{SessionID: c.cfg.SessionID})
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}
