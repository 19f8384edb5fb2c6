package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/fakes"
	"armguard/internal/pipeline"
)

type liveParams struct {
	p atomic.Pointer[pipeline.SamplingParams]
}

func (l *liveParams) set(skip int, interval time.Duration) {
	l.p.Store(&pipeline.SamplingParams{FrameSkip: skip, DetectionInterval: interval})
}

func (l *liveParams) SamplingParams() pipeline.SamplingParams {
	return *l.p.Load()
}

func TestSamplingGateFrameSkip(t *testing.T) {
	gate := pipeline.NewSamplingGate(pipeline.StaticParams{FrameSkip: 3})
	now := time.Now()

	var admitted []int
	for i := 1; i <= 9; i++ {
		if gate.Admit(now) {
			admitted = append(admitted, i)
			gate.MarkDispatched(now)
		}
	}
	assert.Equal(t, []int{3, 6, 9}, admitted)
}

func TestSamplingGateInterval(t *testing.T) {
	gate := pipeline.NewSamplingGate(pipeline.StaticParams{FrameSkip: 1, DetectionInterval: 2 * time.Second})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, gate.Admit(t0))
	gate.MarkDispatched(t0)

	assert.False(t, gate.Admit(t0.Add(time.Second)))
	assert.False(t, gate.Admit(t0.Add(1999*time.Millisecond)))
	assert.True(t, gate.Admit(t0.Add(2*time.Second)))
}

func TestSamplingGateNotMarkedKeepsAdmitting(t *testing.T) {
	gate := pipeline.NewSamplingGate(pipeline.StaticParams{FrameSkip: 1, DetectionInterval: time.Hour})
	now := time.Now()

	// a dropped enqueue does not consume the interval
	assert.True(t, gate.Admit(now))
	assert.True(t, gate.Admit(now))
	assert.True(t, gate.LastDispatch().IsZero())
}

func TestSamplingGateReadsParamsLive(t *testing.T) {
	params := &liveParams{}
	params.set(1, 0)
	gate := pipeline.NewSamplingGate(params)
	now := time.Now()

	assert.True(t, gate.Admit(now))
	assert.True(t, gate.Admit(now))

	params.set(4, 0)
	// counter is at 2, next multiple of 4 is the fourth frame
	assert.False(t, gate.Admit(now))
	assert.True(t, gate.Admit(now))
	assert.Equal(t, uint64(4), gate.Counter())
}

func TestSampledSourceNext(t *testing.T) {
	sources := fakes.NewSources(fakes.Behavior{Frames: 4})
	src := sources.Factory()(pipeline.CameraInfo{ID: "cam-1"})
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	ss := pipeline.NewSampledSource(src, pipeline.NewSamplingGate(pipeline.StaticParams{FrameSkip: 2}))

	var dispatch []bool
	for i := 0; i < 4; i++ {
		frame, ok, err := ss.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cam-1", frame.CameraID)
		dispatch = append(dispatch, ok)
		if ok {
			ss.Dispatched(frame)
		}
	}
	assert.Equal(t, []bool{false, true, false, true}, dispatch)

	_, _, err := ss.Next(ctx)
	assert.ErrorIs(t, err, fakes.ErrStreamEnded)
}
