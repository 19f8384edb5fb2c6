package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests to websocket subscriptions.
// /ws/detections streams every camera, /ws/detections/{camera_id} just one.
type Handler struct {
	hub *DetectionHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *DetectionHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/detections")
	cameraID := strings.Trim(path, "/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.hub.logger.Info().Str("camera_id", cameraID).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	c := h.hub.register(cameraID)
	go h.writePump(c, conn)
	go h.readPump(c, conn)
}

// writePump is the only writer on conn
func (h *Handler) writePump(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}

// readPump detects disconnection; clients are not expected to send anything
func (h *Handler) readPump(c *client, conn *websocket.Conn) {
	defer h.hub.unregister(c)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug().Str("camera_id", c.cameraID).Err(err).Msg("websocket read error")
			}
			return
		}
	}
}
