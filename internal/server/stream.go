package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 512
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// streamEvents serves audience events as server-sent events with periodic heartbeats.
func (h *httpHandler) streamEvents(audience string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		stream, cleanup := h.realtime.Subscribe(ctx, audience)
		defer cleanup()

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		heartbeat := time.NewTicker(h.heartbeatInterval)
		defer heartbeat.Stop()

		c.SSEvent(realtimeEventHeartbeat, heartbeatEnvelope())
		c.Writer.Flush()

		c.Stream(func(io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case message, ok := <-stream:
				if !ok {
					return false
				}
				c.SSEvent(message.EventType, envelopeFor(message))
				return true
			case <-heartbeat.C:
				c.SSEvent(realtimeEventHeartbeat, heartbeatEnvelope())
				return true
			}
		})
	}
}

// handleEventsWebSocket pushes public events as JSON text frames. Client frames other than
// control frames are ignored.
func (h *httpHandler) handleEventsWebSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.realtime.Subscribe(ctx, AudiencePublic)
	defer cleanup()

	go h.readPump(ws, cancel)
	h.writePump(ctx, ws, stream)
}

func (h *httpHandler) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *httpHandler) writePump(ctx context.Context, ws *websocket.Conn, stream <-chan RealtimeMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-stream:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(envelopeFor(message)); err != nil {
				h.logger.Info("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func heartbeatEnvelope() realtimeEnvelope {
	return realtimeEnvelope{
		Event:     realtimeEventHeartbeat,
		Source:    realtimeSourceKiosk,
		Timestamp: time.Now().UTC(),
	}
}
