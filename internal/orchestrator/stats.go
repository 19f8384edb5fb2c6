package orchestrator

import (
	"sort"
	"sync"
	"time"

	"armguard/internal/perf"
)

// detectionLog keeps the times of reported detections for a bounded period
type detectionLog struct {
	mu     sync.Mutex
	retain time.Duration
	times  []time.Time
	total  uint64
}

func newDetectionLog(retain time.Duration) *detectionLog {
	return &detectionLog{retain: retain}
}

func (l *detectionLog) add(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	// frames from different cameras and forced detections arrive out of order
	i := sort.Search(len(l.times), func(i int) bool { return l.times[i].After(t) })
	l.times = append(l.times, time.Time{})
	copy(l.times[i+1:], l.times[i:])
	l.times[i] = t
	l.pruneLocked(time.Now())
}

func (l *detectionLog) since(t time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(time.Now())
	n := 0
	for _, at := range l.times {
		if !at.Before(t) {
			n++
		}
	}
	return n
}

func (l *detectionLog) count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// pruneLocked drops entries older than retain; times is kept sorted by add
func (l *detectionLog) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.retain)
	i := 0
	for i < len(l.times) && l.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

// Statistics is the process-wide summary of the orchestrator
type Statistics struct {
	TotalCameras          int                          `json:"total_cameras"`
	ActiveCameras         int                          `json:"active_cameras"`
	AverageFPS            float64                      `json:"average_fps"`
	TotalFramesCaptured   uint64                       `json:"total_frames_captured"`
	TotalFramesDispatched uint64                       `json:"total_frames_dispatched"`
	TotalFramesDropped    uint64                       `json:"total_frames_dropped"`
	Window                time.Duration                `json:"window"`
	DetectionsInWindow    int                          `json:"detections_in_window"`
	TotalDetections       uint64                       `json:"total_detections"`
	CoolingDown           []string                     `json:"cooling_down"`
	Uptime                time.Duration                `json:"uptime"`
	Cameras               map[string]CameraWorkerState `json:"cameras"`
}

// Statistics summarizes all workers. Detections are counted over the last window
// (at most 24h are retained).
func (m *Manager) Statistics(window time.Duration) Statistics {
	now := time.Now()
	cameras := m.Status()

	s := Statistics{
		TotalCameras: len(cameras),
		Window:       window,
		Uptime:       now.Sub(m.startTime),
		Cameras:      cameras,
		CoolingDown:  m.tracker.CoolingDown(m.tracker.Now()),
	}

	var fpsSum float64
	for _, c := range cameras {
		s.TotalFramesCaptured += c.FramesCaptured
		s.TotalFramesDispatched += c.FramesDispatched
		s.TotalFramesDropped += c.FramesDropped
		if c.FramesCaptured > 0 {
			s.ActiveCameras++
			fpsSum += c.FPS(now)
		}
	}
	if s.ActiveCameras > 0 {
		s.AverageFPS = fpsSum / float64(s.ActiveCameras)
	}

	s.DetectionsInWindow = m.detections.since(now.Add(-window))
	s.TotalDetections = m.detections.count()

	return s
}

// ActiveCameraIDs returns the ids of running workers, sorted
func (m *Manager) ActiveCameraIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id, w := range m.workers {
		if w.state.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Load implements perf.LoadReporter
func (m *Manager) Load() perf.Load {
	now := time.Now()
	var l perf.Load

	m.mu.Lock()
	for _, w := range m.workers {
		l.QueueDepth += w.queue.Len()
		l.QueueCapacity += w.queue.Cap()
		if w.state.FramesCaptured > 0 {
			l.ActiveCameras++
			l.FramesPerSecond += w.state.FPS(now)
		}
	}
	m.mu.Unlock()

	l.DetectionsLastHour = m.detections.since(now.Add(-time.Hour))
	l.ErrorsLastHour = m.tracker.FailingSince(now.Add(-time.Hour))
	return l
}

var _ perf.LoadReporter = (*Manager)(nil)
