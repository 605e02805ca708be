package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsEventBuffer  = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents upgrades the connection and streams hub events as JSON
// frames. Delivery is at-least-once from the worker's point of view: a
// connection that falls behind is dropped by the hub and expected to
// reconnect; the worker's own status re-checks make replays and gaps
// harmless.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed: %v", err)
		return
	}
	connID := uuid.NewString()
	sub := s.hub.Subscribe(wsEventBuffer)
	s.logger.Info("server: event subscriber %s connected from %s", connID, c.ClientIP())

	done := make(chan struct{})
	// Reader exists only to observe the close handshake.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			sub.Close()
			_ = conn.Close()
			s.logger.Info("server: event subscriber %s disconnected", connID)
		}()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.C:
				if !ok {
					// Dropped by the hub for falling behind.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event buffer overflow"),
						time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
}
