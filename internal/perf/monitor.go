// Package perf samples resource usage and throttles detection system-wide
// when the process runs hot.
package perf

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Load describes the orchestrator workload at sampling time
type Load struct {
	ActiveCameras      int     `json:"active_cameras"`
	QueueDepth         int     `json:"queue_depth"`
	QueueCapacity      int     `json:"queue_capacity"`
	FramesPerSecond    float64 `json:"frames_per_second"`
	DetectionsLastHour int     `json:"detections_last_hour"`
	ErrorsLastHour     int     `json:"errors_last_hour"`
}

// LoadReporter supplies the current workload
type LoadReporter interface {
	Load() Load
}

// Sample is one entry of the metrics history
type Sample struct {
	Time     time.Time `json:"time"`
	Usage    Usage     `json:"usage"`
	Load     Load      `json:"load"`
	Throttle Throttle  `json:"throttle"`
	Alerts   []string  `json:"alerts,omitempty"`
}

// Observer receives every sample, e.g. to export metrics
type Observer interface {
	ObservePerformance(s Sample)
}

// Config holds monitor settings
type Config struct {
	Interval              time.Duration
	MaxCPUPercent         float64
	MaxMemoryMB           float64
	MemoryAlertPercent    float64
	QueueAlertRatio       float64
	ThrottleWindow        time.Duration
	HistorySize           int
	LogPerformanceMetrics bool
}

// Monitor periodically samples usage and drives the ThrottleState between
// baseline and throttled. Restoring is a single step once the window passes.
type Monitor struct {
	cfg      Config
	sampler  Sampler
	state    *ThrottleState
	load     LoadReporter
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.RWMutex
	history []Sample
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithLoadReporter attaches the workload source
func WithLoadReporter(l LoadReporter) MonitorOption {
	return func(m *Monitor) { m.load = l }
}

// WithObserver attaches a sample observer
func WithObserver(o Observer) MonitorOption {
	return func(m *Monitor) { m.observer = o }
}

// NewMonitor creates a monitor driving state
func NewMonitor(cfg Config, sampler Sampler, state *ThrottleState, logger zerolog.Logger, opts ...MonitorOption) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.MemoryAlertPercent <= 0 {
		cfg.MemoryAlertPercent = 90
	}
	if cfg.QueueAlertRatio <= 0 {
		cfg.QueueAlertRatio = 0.8
	}
	m := &Monitor{
		cfg:     cfg,
		sampler: sampler,
		state:   state,
		now:     time.Now,
		logger:  logger.With().Str("component", "perf").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the throttle state driven by the monitor
func (m *Monitor) State() *ThrottleState {
	return m.state
}

// Run samples every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("performance monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("performance monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.SampleAndAdjust(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("resource sampling failed")
			}
		}
	}
}

// SampleAndAdjust takes one sample and updates the throttle state
func (m *Monitor) SampleAndAdjust(ctx context.Context) (Sample, error) {
	now := m.now()

	if cur := m.state.Snapshot(); cur.Throttled() && now.After(cur.ThrottledUntil) {
		m.state.restore()
		m.logger.Info().Int("frame_skip", m.state.Baseline().FrameSkip).
			Dur("detection_interval", m.state.Baseline().DetectionInterval).
			Msg("throttle window elapsed, restored baseline")
	}

	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, err
	}

	if m.overThreshold(usage) {
		wasThrottled := m.state.Snapshot().Throttled()
		t := m.state.throttle(now.Add(m.cfg.ThrottleWindow))
		ev := m.logger.Info()
		if !wasThrottled {
			ev = m.logger.Warn()
		}
		ev.Float64("cpu_percent", usage.SystemCPUPercent).
			Float64("rss_mb", usage.ProcessRSSMB).
			Int("frame_skip", t.FrameSkip).
			Dur("detection_interval", t.DetectionInterval).
			Time("throttled_until", t.ThrottledUntil).
			Msg("resource usage over threshold, throttling detection")
	}

	s := Sample{Time: now, Usage: usage, Throttle: m.state.Snapshot()}
	if m.load != nil {
		s.Load = m.load.Load()
	}
	s.Alerts = m.alerts(s)
	for _, a := range s.Alerts {
		m.logger.Warn().Str("alert", a).Msg("performance alert")
	}

	if m.cfg.LogPerformanceMetrics {
		m.logger.Info().
			Float64("cpu_percent", usage.SystemCPUPercent).
			Float64("memory_percent", usage.SystemMemoryPercent).
			Float64("rss_mb", usage.ProcessRSSMB).
			Int("active_cameras", s.Load.ActiveCameras).
			Int("queue_depth", s.Load.QueueDepth).
			Float64("fps", s.Load.FramesPerSecond).
			Bool("throttled", s.Throttle.Throttled()).
			Msg("performance metrics")
	}

	m.mu.Lock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Sample(nil), m.history[over:]...)
	}
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ObservePerformance(s)
	}
	return s, nil
}

func (m *Monitor) overThreshold(u Usage) bool {
	if m.cfg.MaxCPUPercent > 0 && u.SystemCPUPercent > m.cfg.MaxCPUPercent {
		return true
	}
	return m.cfg.MaxMemoryMB > 0 && u.ProcessRSSMB > m.cfg.MaxMemoryMB
}

func (m *Monitor) alerts(s Sample) []string {
	var alerts []string
	if m.cfg.MaxCPUPercent > 0 && s.Usage.SystemCPUPercent > m.cfg.MaxCPUPercent {
		alerts = append(alerts, "high_cpu")
	}
	if s.Usage.SystemMemoryPercent > m.cfg.MemoryAlertPercent {
		alerts = append(alerts, "high_memory")
	}
	if s.Load.QueueCapacity > 0 && float64(s.Load.QueueDepth) > float64(s.Load.QueueCapacity)*m.cfg.QueueAlertRatio {
		alerts = append(alerts, "queue_backlog")
	}
	return alerts
}

// History returns a copy of the retained samples, oldest first
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.history...)
}

// Latest returns the most recent sample
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}
