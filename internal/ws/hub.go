package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"armguard/internal/notify"
	"armguard/internal/pipeline"
)

const sendBuffer = 32

// client is one websocket subscriber. An empty cameraID receives every camera.
type client struct {
	cameraID string
	send     chan []byte
}

// DetectionHub fans detection results and alerts out to websocket clients
type DetectionHub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub(logger zerolog.Logger) *DetectionHub {
	return &DetectionHub{
		clients: make(map[*client]struct{}),
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

func (h *DetectionHub) register(cameraID string) *client {
	c := &client{cameraID: cameraID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("camera_id", cameraID).Int("clients", n).Msg("client registered")
	return c
}

func (h *DetectionHub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the total number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues message for every client interested in cameraID and
// returns how many received it. Clients whose buffer is full are dropped.
func (h *DetectionHub) Broadcast(cameraID string, message []byte) int {
	var slow []*client
	delivered := 0

	h.mu.RLock()
	for c := range h.clients {
		if c.cameraID != "" && c.cameraID != cameraID {
			continue
		}
		select {
		case c.send <- message:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("camera_id", c.cameraID).Msg("dropping slow websocket client")
		h.unregister(c)
	}
	return delivered
}

// OnDetectionResult implements pipeline.DetectionResultHandler
func (h *DetectionHub) OnDetectionResult(o *pipeline.DetectionOutcome) {
	data, err := json.Marshal(NewDetectionMessage(o))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal detection message")
		return
	}
	h.Broadcast(o.CameraID, data)
}

// Notify implements pipeline.Notifier. It fails with notify.ErrNoRecipient
// when no client is listening for the camera.
func (h *DetectionHub) Notify(_ context.Context, audience pipeline.Audience, alert pipeline.Alert) error {
	data, err := json.Marshal(NewAlertMessage(audience, alert))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if h.Broadcast(alert.CameraID, data) == 0 {
		return fmt.Errorf("%w: no websocket clients", notify.ErrNoRecipient)
	}
	return nil
}

// Close disconnects every client
func (h *DetectionHub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var (
	_ pipeline.Notifier               = (*DetectionHub)(nil)
	_ pipeline.DetectionResultHandler = (*DetectionHub)(nil)
)
