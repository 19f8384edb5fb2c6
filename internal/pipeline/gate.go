package pipeline

import (
	"context"
	"time"
)

// SamplingGate decides which captured frames are dispatched for inference.
// It combines a frame-skip counter with a minimum interval since the last
// dispatch. Parameters are read from the ParamSource on every frame so a
// throttle change applies on the next capture cycle.
//
// A gate belongs to one capture goroutine and is not safe for concurrent use.
type SamplingGate struct {
	params       ParamSource
	counter      uint64
	lastDispatch time.Time
}

// NewSamplingGate creates a gate reading from params
func NewSamplingGate(params ParamSource) *SamplingGate {
	return &SamplingGate{params: params}
}

// Admit counts a captured frame and reports whether it should be dispatched
func (g *SamplingGate) Admit(now time.Time) bool {
	g.counter++

	p := g.params.SamplingParams()
	skip := uint64(p.FrameSkip)
	if skip < 1 {
		skip = 1
	}
	if g.counter%skip != 0 {
		return false
	}

	if !g.lastDispatch.IsZero() && now.Sub(g.lastDispatch) < p.DetectionInterval {
		return false
	}
	return true
}

// MarkDispatched records that a frame admitted at t was accepted by the queue
func (g *SamplingGate) MarkDispatched(t time.Time) {
	g.lastDispatch = t
}

// Counter returns the number of frames seen by the gate
func (g *SamplingGate) Counter() uint64 {
	return g.counter
}

// LastDispatch returns the time of the last accepted dispatch
func (g *SamplingGate) LastDispatch() time.Time {
	return g.lastDispatch
}

// SampledSource pairs a frame source with a sampling gate
type SampledSource struct {
	source FrameSource
	gate   *SamplingGate
}

// NewSampledSource wraps source with gate
func NewSampledSource(source FrameSource, gate *SamplingGate) *SampledSource {
	return &SampledSource{source: source, gate: gate}
}

// Next reads the next frame and reports whether it should be dispatched.
// Read failures are returned as is; the caller decides about recovery.
func (s *SampledSource) Next(ctx context.Context) (*FrameData, bool, error) {
	frame, err := s.source.Read(ctx)
	if err != nil {
		return nil, false, err
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
		frame.Timestamp = ts
	}
	return frame, s.gate.Admit(ts), nil
}

// Dispatched marks frame as accepted by the detection queue
func (s *SampledSource) Dispatched(frame *FrameData) {
	s.gate.MarkDispatched(frame.Timestamp)
}
