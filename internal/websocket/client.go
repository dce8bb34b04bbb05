package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Dispatcher is the part of a session coordinator a connection talks to.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, env realtime.Envelope) error
	Detach(connID string)
}

// Client is a middleman between the websocket connection and the session
// coordinator. It implements realtime.Sink.
type Client struct {
	id        string
	SessionID string
	Identity  string

	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	logger    logger.ILogger
}

func NewClient(conn *websocket.Conn, sessionID, identity string, log logger.ILogger) *Client {
	return &Client{
		id:        uuid.NewString(),
		SessionID: sessionID,
		Identity:  identity,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		logger:    log,
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues a frame without blocking. A full buffer means the peer is
// not keeping up.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close makes the write pump send a close frame and exit. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket connection to the coordinator.
func (c *Client) readPump(ctx context.Context, d Dispatcher) {
	defer func() {
		d.Detach(c.id)
		c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WS", "Unexpected close", map[string]interface{}{"conn_id": c.id, "error": err.Error()})
			}
			return
		}
		// Any inbound frame proves liveness, not just pongs.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := realtime.DecodeFrame(frame)
		if err != nil {
			c.reject(err)
			continue
		}
		if err := d.Dispatch(ctx, c.id, env); err != nil {
			if errors.Is(err, realtime.ErrSessionClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Debug("WS", "Event rejected", map[string]interface{}{
				"conn_id": c.id,
				"type":    string(env.Type),
				"error":   err.Error(),
			})
		}
	}
}

func (c *Client) reject(err error) {
	frame, encErr := realtime.EncodeFrame(realtime.EventError, realtime.ErrorPayload{
		Code:    realtime.ErrorCode(err),
		Message: err.Error(),
	})
	if encErr == nil {
		c.Deliver(frame)
	}
	c.logger.Debug("WS", "Malformed frame dropped", map[string]interface{}{"conn_id": c.id, "error": err.Error()})
}

// writePump pumps frames from the send buffer to the websocket connection,
// one websocket message per event.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
