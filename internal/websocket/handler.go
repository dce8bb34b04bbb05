package websocket

import (
	"context"

	"studyroom-sync-be/internal/realtime"

	"github.com/gofiber/websocket/v2"
)

// Session is what ServeWs needs from a session coordinator.
type Session interface {
	Dispatcher
	Connect(ctx context.Context, sink realtime.Sink, identity string) error
}

// ServeWs attaches an upgraded connection to a session and blocks until it
// is gone.
func ServeWs(ctx context.Context, hub *Hub, session Session, conn *websocket.Conn, sessionID, identity string) {
	client := NewClient(conn, sessionID, identity, hub.logger)
	if err := session.Connect(ctx, client, identity); err != nil {
		hub.logger.Warn("Hub", "Session refused connection", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	hub.register(client)
	defer hub.unregister(client)

	go client.writePump()
	client.readPump(ctx, session) // Run readPump in current goroutine (handler)
}
