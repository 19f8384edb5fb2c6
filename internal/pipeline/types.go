package pipeline

import (
	"time"
)

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string    // Camera identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// CameraInfo is a camera as seen by the registry
type CameraInfo struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Location  string `json:"location" yaml:"location"`
	StreamURL string `json:"stream_url" yaml:"stream_url"`
	OwnerID   string `json:"owner_id" yaml:"owner_id"`
	Active    bool   `json:"active" yaml:"active"`
	Reachable bool   `json:"reachable" yaml:"reachable"`
}

// Eligible reports whether the camera should be monitored
func (c CameraInfo) Eligible() bool {
	return c.Active && c.Reachable
}

// Verdict is the inference result for a single frame
type Verdict struct {
	WeaponDetected  bool    `json:"weapon_detected"`
	Confidence      float32 `json:"confidence"`
	WeaponType      string  `json:"weapon_type,omitempty"`
	InferenceTimeMs float32 `json:"inference_time_ms,omitempty"`
}

// SamplingParams are the live sampling parameters read by every gate
type SamplingParams struct {
	FrameSkip         int           `json:"frame_skip"`
	DetectionInterval time.Duration `json:"detection_interval"`
}

// Priority of an automatically created report
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// AutoReport is the payload handed to the report-creation collaborator
type AutoReport struct {
	CameraID    string
	Confidence  float32
	WeaponType  string
	EvidenceRef string
	Priority    Priority
	DetectedAt  time.Time
}

// Audience selects who receives a notification
type Audience string

const (
	AudienceCameraOwner Audience = "camera_owner"
	AudienceAdmins      Audience = "admins"
)

// Alert is the notification payload for a positive detection
type Alert struct {
	CameraID    string    `json:"camera_id"`
	CameraName  string    `json:"camera_name,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	ReportID    string    `json:"report_id"`
	WeaponType  string    `json:"weapon_type"`
	Confidence  float32   `json:"confidence"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	Forced      bool      `json:"forced,omitempty"`
	Image       []byte    `json:"-"` // JPEG thumbnail, if available
}

// DetectionOutcome is the result of dispatching one frame
type DetectionOutcome struct {
	CameraID       string    `json:"camera_id"`
	FrameSeq       uint64    `json:"frame_seq"`
	Timestamp      time.Time `json:"timestamp"`
	Verdict        Verdict   `json:"verdict"`
	AboveThreshold bool      `json:"above_threshold"`
	ReportCreated  bool      `json:"report_created"`
	ReportID       string    `json:"report_id,omitempty"`
	EvidenceRef    string    `json:"evidence_ref,omitempty"`
	Notified       int       `json:"notified"`
	Forced         bool      `json:"forced,omitempty"`
}
