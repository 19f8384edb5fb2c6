package ws

import (
	"time"

	"armguard/internal/pipeline"
)

// DetectionMessage is broadcast for every processed frame with a weapon verdict
type DetectionMessage struct {
	Type            string    `json:"type"` // "detection"
	CameraID        string    `json:"camera_id"`
	FrameSeq        uint64    `json:"frame_seq"`
	Timestamp       time.Time `json:"timestamp"`
	WeaponDetected  bool      `json:"weapon_detected"`
	Confidence      float32   `json:"confidence"`
	WeaponType      string    `json:"weapon_type,omitempty"`
	InferenceTimeMs float32   `json:"inference_time_ms"`
	AboveThreshold  bool      `json:"above_threshold"`
	ReportID        string    `json:"report_id,omitempty"`
	Forced          bool      `json:"forced,omitempty"`
}

// AlertMessage is broadcast when a report is raised
type AlertMessage struct {
	Type        string            `json:"type"` // "alert"
	Audience    pipeline.Audience `json:"audience"`
	CameraID    string            `json:"camera_id"`
	CameraName  string            `json:"camera_name"`
	OwnerID     string            `json:"owner_id,omitempty"`
	ReportID    string            `json:"report_id"`
	WeaponType  string            `json:"weapon_type"`
	Confidence  float32           `json:"confidence"`
	EvidenceRef string            `json:"evidence_ref,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// NewDetectionMessage converts a dispatcher outcome
func NewDetectionMessage(o *pipeline.DetectionOutcome) *DetectionMessage {
	return &DetectionMessage{
		Type:            "detection",
		CameraID:        o.CameraID,
		FrameSeq:        o.FrameSeq,
		Timestamp:       o.Timestamp,
		WeaponDetected:  o.Verdict.WeaponDetected,
		Confidence:      o.Verdict.Confidence,
		WeaponType:      o.Verdict.WeaponType,
		InferenceTimeMs: o.Verdict.InferenceTimeMs,
		AboveThreshold:  o.AboveThreshold,
		ReportID:        o.ReportID,
		Forced:          o.Forced,
	}
}

// NewAlertMessage converts an alert for the given audience
func NewAlertMessage(audience pipeline.Audience, a pipeline.Alert) *AlertMessage {
	return &AlertMessage{
		Type:        "alert",
		Audience:    audience,
		CameraID:    a.CameraID,
		CameraName:  a.CameraName,
		OwnerID:     a.OwnerID,
		ReportID:    a.ReportID,
		WeaponType:  a.WeaponType,
		Confidence:  a.Confidence,
		EvidenceRef: a.EvidenceRef,
		DetectedAt:  a.DetectedAt,
	}
}
