// Package fakes provides in-memory implementations of the pipeline
// collaborators. They back the package tests and the --simulate mode.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"armguard/internal/pipeline"
)

// ErrStreamEnded is returned by a Source once its script is exhausted
var ErrStreamEnded = errors.New("stream ended")

// Inferencer returns scripted verdicts
type Inferencer struct {
	mu       sync.Mutex
	verdicts map[string]pipeline.Verdict
	fallback pipeline.Verdict
	err      error
	calls    int
	delay    time.Duration
}

// NewInferencer returns an inferencer answering fallback for every camera
func NewInferencer(fallback pipeline.Verdict) *Inferencer {
	return &Inferencer{
		verdicts: make(map[string]pipeline.Verdict),
		fallback: fallback,
	}
}

// SetVerdict scripts the verdict for one camera
func (f *Inferencer) SetVerdict(cameraID string, v pipeline.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[cameraID] = v
}

// SetError makes every call fail with err (nil clears it)
func (f *Inferencer) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay makes every call take at least d
func (f *Inferencer) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the number of Infer calls
func (f *Inferencer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Inferencer) Infer(ctx context.Context, frame *pipeline.FrameData) (*pipeline.Verdict, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	v, ok := f.verdicts[frame.CameraID]
	if !ok {
		v = f.fallback
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RandomInferencer flags a weapon on a small share of frames. Used by --simulate.
type RandomInferencer struct {
	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

// NewRandomInferencer creates an inferencer that reports a weapon with probability rate
func NewRandomInferencer(rate float64) *RandomInferencer {
	return &RandomInferencer{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		rate: rate,
	}
}

var weaponTypes = []string{"pistol", "rifle", "knife"}

func (r *RandomInferencer) Infer(_ context.Context, _ *pipeline.FrameData) (*pipeline.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rng.Float64() >= r.rate {
		return &pipeline.Verdict{Confidence: r.rng.Float32() * 0.3}, nil
	}
	return &pipeline.Verdict{
		WeaponDetected:  true,
		Confidence:      0.5 + r.rng.Float32()*0.5,
		WeaponType:      weaponTypes[r.rng.Intn(len(weaponTypes))],
		InferenceTimeMs: 20 + r.rng.Float32()*30,
	}, nil
}

// Reports records created reports and detection logs
type Reports struct {
	mu         sync.Mutex
	reports    []pipeline.AutoReport
	detections []pipeline.Verdict
	err        error
}

// NewReports creates an empty report store
func NewReports() *Reports {
	return &Reports{}
}

// SetError makes CreateAutoReport fail with err
func (r *Reports) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Reports) CreateAutoReport(_ context.Context, report pipeline.AutoReport) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reports = append(r.reports, report)
	return fmt.Sprintf("report-%d", len(r.reports)), nil
}

func (r *Reports) RecordDetection(_ context.Context, _ string, verdict pipeline.Verdict, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, verdict)
	return nil
}

// Reports returns a copy of the created reports
func (r *Reports) Reports() []pipeline.AutoReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.AutoReport(nil), r.reports...)
}

// Detections returns a copy of the recorded verdicts
func (r *Reports) Detections() []pipeline.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Verdict(nil), r.detections...)
}

// Notification is one recorded Notify call
type Notification struct {
	Audience pipeline.Audience
	Alert    pipeline.Alert
}

// Notifier records notifications
type Notifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

// NewNotifier creates a recording notifier
func NewNotifier() *Notifier {
	return &Notifier{}
}

// SetError makes every Notify call fail with err
func (n *Notifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *Notifier) Notify(_ context.Context, audience pipeline.Audience, alert pipeline.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Audience: audience, Alert: alert})
	return n.err
}

// Sent returns a copy of all recorded notifications
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Evidence keeps frames in memory
type Evidence struct {
	mu     sync.Mutex
	frames map[string][]byte
}

// NewEvidence creates an in-memory evidence store
func NewEvidence() *Evidence {
	return &Evidence{frames: make(map[string][]byte)}
}

func (e *Evidence) Put(_ context.Context, frame *pipeline.FrameData) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := fmt.Sprintf("mem://%s/%d", frame.CameraID, frame.Seq)
	e.frames[ref] = frame.Data
	return ref, nil
}

// Len returns the number of stored frames
func (e *Evidence) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// Registry is an in-memory camera registry
type Registry struct {
	mu      sync.Mutex
	cameras map[string]pipeline.CameraInfo
	err     error
}

// NewRegistry creates a registry holding cams
func NewRegistry(cams ...pipeline.CameraInfo) *Registry {
	r := &Registry{cameras: make(map[string]pipeline.CameraInfo)}
	for _, c := range cams {
		r.cameras[c.ID] = c
	}
	return r
}

// Put adds or replaces a camera
func (r *Registry) Put(cam pipeline.CameraInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[cam.ID] = cam
}

// Remove deletes a camera
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cameras, id)
}

// SetError makes ListEligibleCameras fail with err
func (r *Registry) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Registry) ListEligibleCameras(_ context.Context) ([]pipeline.CameraInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []pipeline.CameraInfo
	for _, c := range r.cameras {
		if c.Eligible() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) GetCamera(_ context.Context, id string) (*pipeline.CameraInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cameras[id]
	if !ok {
		return nil, fmt.Errorf("camera %s not found", id)
	}
	return &c, nil
}

var (
	_ pipeline.Inferencer        = (*Inferencer)(nil)
	_ pipeline.Inferencer        = (*RandomInferencer)(nil)
	_ pipeline.ReportCreator     = (*Reports)(nil)
	_ pipeline.DetectionRecorder = (*Reports)(nil)
	_ pipeline.Notifier          = (*Notifier)(nil)
	_ pipeline.EvidenceStore     = (*Evidence)(nil)
	_ pipeline.CameraRegistry    = (*Registry)(nil)
)
