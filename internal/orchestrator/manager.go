// Package orchestrator runs one capture pipeline per monitored camera and
// keeps the set of running pipelines in line with the camera registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/cooldown"
	"armguard/internal/pipeline"
)

// ErrUnknownCamera is returned when a camera id is not in the registry
var ErrUnknownCamera = errors.New("unknown camera")

// Config holds lifecycle settings
type Config struct {
	ReconcileInterval time.Duration
	QueueCapacity     int
	StopTimeout       time.Duration
	MaxCameras        int // 0 means unlimited
	LogCameraStatus   bool
}

// Deps are the collaborators of the Manager. Observer and Frames may be nil.
type Deps struct {
	Registry   pipeline.CameraRegistry
	Sources    pipeline.FrameSourceFactory
	Dispatcher *pipeline.Dispatcher
	Tracker    *cooldown.Tracker
	Params     pipeline.ParamSource
	Observer   Observer
	Frames     FrameSink
}

type worker struct {
	cam    pipeline.CameraInfo
	state  CameraWorkerState // guarded by Manager.mu
	queue  *pipeline.DetectionQueue
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every camera worker. All worker state is mutated under mu,
// which is never held across I/O.
type Manager struct {
	cfg        Config
	registry   pipeline.CameraRegistry
	sources    pipeline.FrameSourceFactory
	dispatcher *pipeline.Dispatcher
	tracker    *cooldown.Tracker
	params     pipeline.ParamSource
	observer   Observer
	frames     FrameSink
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker

	detections *detectionLog
	startTime  time.Time
}

// New creates a Manager. Workers run until Shutdown or until Run returns.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Manager, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: camera registry is required")
	case deps.Sources == nil:
		return nil, errors.New("orchestrator: frame source factory is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case deps.Tracker == nil:
		return nil, errors.New("orchestrator: cooldown tracker is required")
	case deps.Params == nil:
		return nil, errors.New("orchestrator: sampling parameters are required")
	}

	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		registry:   deps.Registry,
		sources:    deps.Sources,
		dispatcher: deps.Dispatcher,
		tracker:    deps.Tracker,
		params:     deps.Params,
		observer:   observer,
		frames:     deps.Frames,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
		detections: newDetectionLog(24 * time.Hour),
		startTime:  time.Now(),
	}, nil
}

// Run reconciles immediately and then every ReconcileInterval until ctx is
// done, after which all workers are stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.cfg.ReconcileInterval).Msg("camera monitor started")
	defer m.Shutdown()

	if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Msg("reconciliation failed")
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("camera monitor stopping")
			return nil
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("reconciliation failed, retrying next interval")
			}
		}
	}
}

// Reconcile starts workers for eligible cameras that are not running and not
// cooling down, and stops workers for cameras that are no longer eligible.
func (m *Manager) Reconcile(ctx context.Context) error {
	eligible, err := m.registry.ListEligibleCameras(ctx)
	if err != nil {
		return fmt.Errorf("failed to list eligible cameras: %w", err)
	}

	want := make(map[string]pipeline.CameraInfo, len(eligible))
	for _, cam := range eligible {
		if cam.Eligible() {
			want[cam.ID] = cam
		}
	}

	m.mu.Lock()
	var toStop []string
	for id := range m.workers {
		if _, ok := want[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	var toStart []pipeline.CameraInfo
	now := m.tracker.Now()
	for id, cam := range want {
		if _, running := m.workers[id]; running {
			continue
		}
		if m.tracker.IsInCooldown(id, now) {
			continue
		}
		toStart = append(toStart, cam)
	}
	m.mu.Unlock()

	sort.Strings(toStop)
	sort.Slice(toStart, func(i, j int) bool { return toStart[i].ID < toStart[j].ID })

	var wg sync.WaitGroup
	for _, id := range toStop {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopCamera(id)
		}(id)
	}
	wg.Wait()

	started := 0
	for _, cam := range toStart {
		if m.start(cam) {
			started++
		}
	}

	if m.cfg.LogCameraStatus || started > 0 || len(toStop) > 0 {
		m.logger.Info().Int("eligible", len(want)).Int("started", started).
			Int("stopped", len(toStop)).Int("running", m.runningCount()).
			Msg("reconciliation complete")
	}
	return nil
}

// StartCamera starts monitoring a camera. It returns false when the camera is
// already running, cooling down, unknown, or the admission cap is reached.
func (m *Manager) StartCamera(ctx context.Context, id string) bool {
	if m.tracker.IsInCooldown(id, m.tracker.Now()) {
		m.logger.Info().Str("camera_id", id).Msg("camera in cooldown, not starting")
		return false
	}

	m.mu.Lock()
	_, running := m.workers[id]
	m.mu.Unlock()
	if running {
		return false
	}

	cam, err := m.registry.GetCamera(ctx, id)
	if err != nil {
		m.logger.Warn().Str("camera_id", id).Err(err).Msg("cannot start camera")
		return false
	}
	return m.start(*cam)
}

func (m *Manager) start(cam pipeline.CameraInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	if _, exists := m.workers[cam.ID]; exists {
		return false
	}
	if m.cfg.MaxCameras > 0 && len(m.workers) >= m.cfg.MaxCameras {
		m.logger.Warn().Str("camera_id", cam.ID).Int("max_cameras", m.cfg.MaxCameras).
			Msg("camera limit reached, not starting")
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	w := &worker{
		cam: cam,
		state: CameraWorkerState{
			CameraID:  cam.ID,
			Name:      cam.Name,
			Location:  cam.Location,
			Status:    StatusStarting,
			StartedAt: time.Now(),
		},
		queue:  pipeline.NewDetectionQueue(m.cfg.QueueCapacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.workers[cam.ID] = w
	m.observer.WorkersChanged(len(m.workers))

	m.wg.Add(1)
	go m.runWorker(ctx, w)

	m.logger.Info().Str("camera_id", cam.ID).Str("name", cam.Name).Msg("started camera monitoring")
	return true
}

// StopCamera cancels a camera worker and waits, up to StopTimeout, for it to
// exit. It returns false when the camera is not running.
func (m *Manager) StopCamera(id string) bool {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok || w.state.Status == StatusStopping || w.state.Status == StatusStopped {
		m.mu.Unlock()
		return false
	}
	w.state.Status = StatusStopping
	m.mu.Unlock()

	w.cancel()

	select {
	case <-w.done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn().Str("camera_id", id).Dur("timeout", m.cfg.StopTimeout).
			Msg("worker did not acknowledge stop in time")
	}

	m.remove(w)
	m.logger.Info().Str("camera_id", id).Msg("stopped camera monitoring")
	return true
}

// RestartCamera stops and starts a camera. It is rejected while the camera is cooling down.
func (m *Manager) RestartCamera(ctx context.Context, id string) bool {
	if m.tracker.IsInCooldown(id, m.tracker.Now()) {
		m.logger.Info().Str("camera_id", id).Msg("camera in cooldown, not restarting")
		return false
	}
	m.StopCamera(id)
	return m.StartCamera(ctx, id)
}

// ForceDetection runs a supplied frame through inference and the report path,
// bypassing the camera's queue.
func (m *Manager) ForceDetection(ctx context.Context, id string, data []byte) (*pipeline.DetectionOutcome, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}

	m.mu.Lock()
	w, running := m.workers[id]
	var cam pipeline.CameraInfo
	if running {
		cam = w.cam
	}
	m.mu.Unlock()

	if !running {
		info, err := m.registry.GetCamera(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
		}
		cam = *info
	}

	frame := &pipeline.FrameData{
		CameraID:  id,
		Data:      data,
		Timestamp: time.Now(),
	}
	outcome, err := m.dispatcher.Process(ctx, cam, frame, true)
	if err != nil {
		return nil, err
	}
	m.onOutcome(id, outcome)
	return outcome, nil
}

// Status returns a snapshot of every worker keyed by camera id
func (m *Manager) Status() map[string]CameraWorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CameraWorkerState, len(m.workers))
	for id, w := range m.workers {
		s := w.state.clone()
		s.QueueDepth = w.queue.Len()
		out[id] = s
	}
	return out
}

// CameraStatus returns the snapshot of one worker
func (m *Manager) CameraStatus(id string) (CameraWorkerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return CameraWorkerState{}, false
	}
	s := w.state.clone()
	s.QueueDepth = w.queue.Len()
	return s, true
}

// Cooldowns returns the failure history of every camera that has failed
func (m *Manager) Cooldowns() []cooldown.Record {
	return m.tracker.Records()
}

// Shutdown stops every worker and waits up to StopTimeout for them to exit.
// The Manager cannot be restarted.
func (m *Manager) Shutdown() {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn().Msg("some camera workers did not stop in time")
	}

	m.mu.Lock()
	n := len(m.workers)
	m.workers = make(map[string]*worker)
	m.mu.Unlock()
	m.observer.WorkersChanged(0)

	if n > 0 {
		m.logger.Info().Int("workers", n).Msg("all camera workers stopped")
	}
}

func (m *Manager) remove(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.workers[w.cam.ID]; ok && cur == w {
		delete(m.workers, w.cam.ID)
		m.observer.WorkersChanged(len(m.workers))
	}
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) onOutcome(cameraID string, outcome *pipeline.DetectionOutcome) {
	if outcome == nil || !outcome.AboveThreshold {
		return
	}

	at := outcome.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	m.mu.Lock()
	if w, ok := m.workers[cameraID]; ok {
		w.state.LastDetectionAt = &at
	}
	m.mu.Unlock()

	if outcome.ReportCreated {
		m.detections.add(at)
	}
}
