package perf_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/perf"
	"armguard/internal/pipeline"
)

type scriptedSampler struct {
	mu    sync.Mutex
	usage perf.Usage
	err   error
}

func (s *scriptedSampler) set(u perf.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = u
}

func (s *scriptedSampler) Sample(context.Context) (perf.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.err
}

type steppedClock struct {
	now time.Time
}

func (c *steppedClock) Now() time.Time { return c.now }

var (
	t0       = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	baseline = pipeline.SamplingParams{FrameSkip: 3, DetectionInterval: 2 * time.Second}
	cool     = perf.Usage{SystemCPUPercent: 20, ProcessRSSMB: 300, SystemMemoryPercent: 40}
	hot      = perf.Usage{SystemCPUPercent: 95, ProcessRSSMB: 300, SystemMemoryPercent: 40}
)

func newMonitor(sampler perf.Sampler, clock *steppedClock, opts ...perf.MonitorOption) *perf.Monitor {
	state := perf.NewThrottleState(baseline, perf.DefaultLimits())
	cfg := perf.Config{
		Interval:       time.Second,
		MaxCPUPercent:  80,
		MaxMemoryMB:    2048,
		ThrottleWindow: 60 * time.Second,
		HistorySize:    3,
	}
	opts = append(opts, perf.WithClock(clock.Now))
	return perf.NewMonitor(cfg, sampler, state, zerolog.Nop(), opts...)
}

func TestThrottleStateStartsAtBaseline(t *testing.T) {
	s := perf.NewThrottleState(baseline, perf.DefaultLimits())
	assert.Equal(t, baseline, s.SamplingParams())
	assert.False(t, s.Snapshot().Throttled())
}

func TestThrottledParamsAreCapped(t *testing.T) {
	s := perf.NewThrottleState(pipeline.SamplingParams{FrameSkip: 6, DetectionInterval: 8 * time.Second}, perf.DefaultLimits())
	p := s.Throttled()
	assert.Equal(t, 8, p.FrameSkip)
	assert.Equal(t, 10*time.Second, p.DetectionInterval)
}

func TestThrottledParamsNeverBelowBaseline(t *testing.T) {
	s := perf.NewThrottleState(pipeline.SamplingParams{FrameSkip: 12, DetectionInterval: 20 * time.Second}, perf.DefaultLimits())
	p := s.Throttled()
	assert.Equal(t, 12, p.FrameSkip)
	assert.Equal(t, 20*time.Second, p.DetectionInterval)
}

func TestMonitorThrottlesAndRestores(t *testing.T) {
	sampler := &scriptedSampler{usage: hot}
	clock := &steppedClock{now: t0}
	m := newMonitor(sampler, clock)

	_, err := m.SampleAndAdjust(context.Background())
	require.NoError(t, err)

	snap := m.State().Snapshot()
	assert.True(t, snap.Throttled())
	assert.Equal(t, 6, snap.FrameSkip)
	assert.Equal(t, 3*time.Second, snap.DetectionInterval)
	assert.Equal(t, t0.Add(60*time.Second), snap.ThrottledUntil)

	sampler.set(cool)

	// at the deadline the window has not passed yet
	clock.now = t0.Add(60 * time.Second)
	_, err = m.SampleAndAdjust(context.Background())
	require.NoError(t, err)
	assert.True(t, m.State().Snapshot().Throttled())

	clock.now = t0.Add(60*time.Second + time.Millisecond)
	_, err = m.SampleAndAdjust(context.Background())
	require.NoError(t, err)
	snap = m.State().Snapshot()
	assert.False(t, snap.Throttled())
	assert.Equal(t, baseline, m.State().SamplingParams())
}

func TestMonitorRepeatedBreachDoesNotCompound(t *testing.T) {
	sampler := &scriptedSampler{usage: hot}
	clock := &steppedClock{now: t0}
	m := newMonitor(sampler, clock)

	for i := 0; i < 3; i++ {
		clock.now = t0.Add(time.Duration(i) * 30 * time.Second)
		_, err := m.SampleAndAdjust(context.Background())
		require.NoError(t, err)
	}

	snap := m.State().Snapshot()
	assert.Equal(t, 6, snap.FrameSkip)
	assert.Equal(t, 3*time.Second, snap.DetectionInterval)
	assert.Equal(t, t0.Add(120*time.Second), snap.ThrottledUntil)
}

func TestMonitorMemoryThreshold(t *testing.T) {
	sampler := &scriptedSampler{usage: perf.Usage{SystemCPUPercent: 10, ProcessRSSMB: 4096}}
	m := newMonitor(sampler, &steppedClock{now: t0})

	_, err := m.SampleAndAdjust(context.Background())
	require.NoError(t, err)
	assert.True(t, m.State().Snapshot().Throttled())
}

func TestMonitorSnapshotsAreConsistent(t *testing.T) {
	sampler := &scriptedSampler{usage: hot}
	clock := &steppedClock{now: t0}
	m := newMonitor(sampler, clock)
	throttled := m.State().Throttled()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	torn := make(chan pipeline.SamplingParams, 1)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				p := m.State().SamplingParams()
				if p != baseline && p != throttled {
					select {
					case torn <- p:
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			sampler.set(hot)
			clock.now = t0
		} else {
			sampler.set(cool)
			clock.now = t0.Add(2 * time.Minute)
		}
		_, err := m.SampleAndAdjust(context.Background())
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()

	select {
	case p := <-torn:
		t.Fatalf("observed partial throttle state %+v", p)
	default:
	}
}

type fixedLoad perf.Load

func (f fixedLoad) Load() perf.Load { return perf.Load(f) }

type recordingObserver struct {
	samples []perf.Sample
}

func (r *recordingObserver) ObservePerformance(s perf.Sample) {
	r.samples = append(r.samples, s)
}

func TestMonitorHistoryAndAlerts(t *testing.T) {
	sampler := &scriptedSampler{usage: perf.Usage{SystemCPUPercent: 10, SystemMemoryPercent: 95}}
	obs := &recordingObserver{}
	m := newMonitor(sampler, &steppedClock{now: t0},
		perf.WithLoadReporter(fixedLoad{ActiveCameras: 2, QueueDepth: 17, QueueCapacity: 20}),
		perf.WithObserver(obs))

	for i := 0; i < 5; i++ {
		_, err := m.SampleAndAdjust(context.Background())
		require.NoError(t, err)
	}

	history := m.History()
	assert.Len(t, history, 3)
	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 2, latest.Load.ActiveCameras)
	assert.ElementsMatch(t, []string{"high_memory", "queue_backlog"}, latest.Alerts)
	assert.Len(t, obs.samples, 5)
}

func TestMonitorSamplerError(t *testing.T) {
	sampler := &scriptedSampler{err: errors.New("procfs unavailable")}
	m := newMonitor(sampler, &steppedClock{now: t0})

	_, err := m.SampleAndAdjust(context.Background())
	assert.Error(t, err)
	assert.Empty(t, m.History())
}
