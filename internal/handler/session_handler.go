package handler

import (
	"context"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/pkg/serverutils"
	"studyroom-sync-be/internal/realtime"
	internalWS "studyroom-sync-be/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SessionHandler upgrades authenticated requests to a session websocket.
type SessionHandler struct {
	ctx      context.Context
	engine   *realtime.Engine
	hub      *internalWS.Hub
	verifier *serverutils.TokenVerifier
	logger   logger.ILogger
}

// NewSessionHandler binds connections to ctx, which should live as long as
// the server.
func NewSessionHandler(ctx context.Context, engine *realtime.Engine, hub *internalWS.Hub, verifier *serverutils.TokenVerifier, log logger.ILogger) *SessionHandler {
	return &SessionHandler{
		ctx:      ctx,
		engine:   engine,
		hub:      hub,
		verifier: verifier,
		logger:   log,
	}
}

// ServeWs handles websocket requests from the peer. Auth and room lookup
// happen before the upgrade so clients get a plain HTTP status.
func (h *SessionHandler) ServeWs(c *fiber.Ctx) error {
	sessionID := c.Params("id")

	identity, err := h.verifier.Verify(serverutils.BearerToken(c))
	if err != nil {
		h.logger.Warn("SessionHandler", "Invalid token in WS handshake", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return err
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	session, err := h.engine.Open(c.UserContext(), sessionID)
	if err != nil {
		return err
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.logger.Info("SessionHandler", "Starting WebSocket session", map[string]interface{}{
			"session_id": sessionID,
			"identity":   identity,
		})
		internalWS.ServeWs(h.ctx, h.hub, session, conn, sessionID, identity)
		h.logger.Info("SessionHandler", "WebSocket session ended", map[string]interface{}{
			"session_id": sessionID,
			"identity":   identity,
		})
	}, websocket.Config{ReadBufferSize: 4096, WriteBufferSize: 4096})(c)
}

func (h *SessionHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/sessions/:id/ws", h.ServeWs)
}
