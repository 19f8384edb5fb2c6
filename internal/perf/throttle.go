package perf

import (
	"sync/atomic"
	"time"

	"armguard/internal/pipeline"
)

// Throttle is one immutable view of the sampling parameters
type Throttle struct {
	FrameSkip         int           `json:"frame_skip"`
	DetectionInterval time.Duration `json:"detection_interval"`
	ThrottledUntil    time.Time     `json:"throttled_until,omitempty"`
}

// Throttled reports whether the throttle multipliers are in effect
func (t Throttle) Throttled() bool {
	return !t.ThrottledUntil.IsZero()
}

// Limits bound how far throttling may push the parameters
type Limits struct {
	FrameSkipFactor      int
	IntervalFactor       float64
	MaxFrameSkip         int
	MaxDetectionInterval time.Duration
}

// DefaultLimits doubles the frame skip up to 8 and scales the interval by 1.5 up to 10s
func DefaultLimits() Limits {
	return Limits{
		FrameSkipFactor:      2,
		IntervalFactor:       1.5,
		MaxFrameSkip:         8,
		MaxDetectionInterval: 10 * time.Second,
	}
}

// ThrottleState holds the process-wide sampling parameters. There is one
// writer (the Monitor) and many readers (every sampling gate); readers always
// get a whole snapshot.
type ThrottleState struct {
	baseline pipeline.SamplingParams
	limits   Limits
	current  atomic.Pointer[Throttle]
}

// NewThrottleState starts at baseline
func NewThrottleState(baseline pipeline.SamplingParams, limits Limits) *ThrottleState {
	if baseline.FrameSkip < 1 {
		baseline.FrameSkip = 1
	}
	if baseline.DetectionInterval < 0 {
		baseline.DetectionInterval = 0
	}
	s := &ThrottleState{baseline: baseline, limits: limits}
	s.current.Store(s.baselineThrottle())
	return s
}

// SamplingParams implements pipeline.ParamSource
func (s *ThrottleState) SamplingParams() pipeline.SamplingParams {
	t := s.current.Load()
	return pipeline.SamplingParams{FrameSkip: t.FrameSkip, DetectionInterval: t.DetectionInterval}
}

// Snapshot returns the current throttle
func (s *ThrottleState) Snapshot() Throttle {
	return *s.current.Load()
}

// Baseline returns the configured parameters
func (s *ThrottleState) Baseline() pipeline.SamplingParams {
	return s.baseline
}

// Throttled returns the parameters applied while throttling
func (s *ThrottleState) Throttled() pipeline.SamplingParams {
	skip := s.baseline.FrameSkip * max(s.limits.FrameSkipFactor, 1)
	if s.limits.MaxFrameSkip > 0 {
		skip = min(skip, max(s.limits.MaxFrameSkip, s.baseline.FrameSkip))
	}

	factor := s.limits.IntervalFactor
	if factor < 1 {
		factor = 1
	}
	interval := time.Duration(float64(s.baseline.DetectionInterval) * factor)
	if s.limits.MaxDetectionInterval > 0 {
		interval = min(interval, max(s.limits.MaxDetectionInterval, s.baseline.DetectionInterval))
	}
	return pipeline.SamplingParams{FrameSkip: skip, DetectionInterval: interval}
}

// throttle switches to the throttled parameters until the given time.
// Calling it while already throttled only moves the deadline.
func (s *ThrottleState) throttle(until time.Time) Throttle {
	p := s.Throttled()
	t := &Throttle{FrameSkip: p.FrameSkip, DetectionInterval: p.DetectionInterval, ThrottledUntil: until}
	s.current.Store(t)
	return *t
}

// restore switches back to baseline
func (s *ThrottleState) restore() {
	s.current.Store(s.baselineThrottle())
}

func (s *ThrottleState) baselineThrottle() *Throttle {
	return &Throttle{FrameSkip: s.baseline.FrameSkip, DetectionInterval: s.baseline.DetectionInterval}
}

var _ pipeline.ParamSource = (*ThrottleState)(nil)
