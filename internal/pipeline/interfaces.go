package pipeline

import (
	"context"
)

// FrameSource produces a continuous sequence of frames for one camera.
// Read blocks until a frame is available and returns an error when the
// stream ends or fails. A source is used by a single goroutine.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*FrameData, error)
	Close() error
}

// FrameSourceFactory builds a source for a camera
type FrameSourceFactory func(cam CameraInfo) FrameSource

// CameraRegistry lists the cameras known to the system
type CameraRegistry interface {
	// ListEligibleCameras returns cameras that are active and reachable
	ListEligibleCameras(ctx context.Context) ([]CameraInfo, error)
	// GetCamera looks up a single camera regardless of eligibility
	GetCamera(ctx context.Context, id string) (*CameraInfo, error)
}

// Inferencer runs the weapon-detection model against a frame.
// Implementations must be safe for concurrent use.
type Inferencer interface {
	Infer(ctx context.Context, frame *FrameData) (*Verdict, error)
}

// ReportCreator persists an automatically generated report
type ReportCreator interface {
	CreateAutoReport(ctx context.Context, report AutoReport) (string, error)
}

// DetectionRecorder keeps a log of every weapon verdict
type DetectionRecorder interface {
	RecordDetection(ctx context.Context, cameraID string, verdict Verdict, reportID string) error
}

// Notifier delivers alerts to an audience
type Notifier interface {
	Notify(ctx context.Context, audience Audience, alert Alert) error
}

// EvidenceStore persists the frame that triggered a detection and returns a reference to it
type EvidenceStore interface {
	Put(ctx context.Context, frame *FrameData) (string, error)
}

// ParamSource exposes the current sampling parameters
type ParamSource interface {
	SamplingParams() SamplingParams
}

// DetectionResultHandler receives dispatched outcomes from the EventBus
type DetectionResultHandler interface {
	OnDetectionResult(outcome *DetectionOutcome)
}

// StaticParams is a ParamSource with fixed values
type StaticParams SamplingParams

func (p StaticParams) SamplingParams() SamplingParams {
	return SamplingParams(p)
}
