// Package detection holds the clients for the weapon detection model server.
package detection

import (
	"errors"
	"time"
)

// ErrUnavailable is returned when the model server cannot be reached or
// rejects the request
var ErrUnavailable = errors.New("detection service unavailable")

// Health status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Health describes the model server's last observed state
type Health struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Info      map[string]any `json:"service_info,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Healthy reports whether the server answered its last health check
func (h Health) Healthy() bool {
	return h.Status == StatusOnline
}

const healthCacheTTL = 30 * time.Second
