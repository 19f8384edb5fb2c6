package orchestrator

import (
	"time"

	"armguard/internal/pipeline"
)

// Status of a camera worker
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ErrorInfo is the last stream error seen by a worker
type ErrorInfo struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CameraWorkerState is the live state of one monitored camera.
// Instances returned by the Manager are copies.
type CameraWorkerState struct {
	CameraID         string     `json:"camera_id"`
	Name             string     `json:"name"`
	Location         string     `json:"location,omitempty"`
	Status           Status     `json:"status"`
	FramesCaptured   uint64     `json:"frames_captured"`
	FramesDispatched uint64     `json:"frames_dispatched"`
	FramesDropped    uint64     `json:"frames_dropped"`
	LastDetectionAt  *time.Time `json:"last_detection_at"`
	RetryCount       int        `json:"retry_count"`
	LastError        *ErrorInfo `json:"last_error,omitempty"`
	QueueDepth       int        `json:"queue_depth"`
	StartedAt        time.Time  `json:"started_at"`
}

// FPS returns the average capture rate since the worker started
func (s CameraWorkerState) FPS(now time.Time) float64 {
	elapsed := now.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.FramesCaptured) / elapsed
}

func (s CameraWorkerState) clone() CameraWorkerState {
	c := s
	if s.LastDetectionAt != nil {
		t := *s.LastDetectionAt
		c.LastDetectionAt = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return c
}

// Observer receives worker events, e.g. to export metrics
type Observer interface {
	FrameCaptured(cameraID string, dispatched, dropped bool)
	StreamFailure(cameraID string, gaveUp bool)
	WorkersChanged(running int)
}

// FrameSink receives every captured frame, e.g. for the live view
type FrameSink interface {
	OnFrame(frame *pipeline.FrameData)
}

type nopObserver struct{}

func (nopObserver) FrameCaptured(string, bool, bool) {}
func (nopObserver) StreamFailure(string, bool)       {}
func (nopObserver) WorkersChanged(int)               {}
