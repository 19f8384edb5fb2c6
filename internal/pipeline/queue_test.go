package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/pipeline"
)

func TestDetectionQueueDropsWhenFull(t *testing.T) {
	q := pipeline.NewDetectionQueue(10)

	kept := 0
	for i := 1; i <= 15; i++ {
		if q.TryEnqueue(&pipeline.FrameData{CameraID: "cam", Seq: uint64(i)}) {
			kept++
		}
		assert.LessOrEqual(t, q.Len(), 10)
	}

	assert.Equal(t, 10, kept)
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, uint64(10), q.Enqueued())
	assert.Equal(t, uint64(5), q.Dropped())
}

func TestDetectionQueueNeverBlocksProducer(t *testing.T) {
	q := pipeline.NewDetectionQueue(1)
	require.True(t, q.TryEnqueue(&pipeline.FrameData{Seq: 1}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.TryEnqueue(&pipeline.FrameData{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryEnqueue blocked on a full queue")
	}
	assert.Equal(t, 1, q.Len())
}

func TestDetectionQueueFIFO(t *testing.T) {
	q := pipeline.NewDetectionQueue(3)
	for i := 1; i <= 3; i++ {
		require.True(t, q.TryEnqueue(&pipeline.FrameData{Seq: uint64(i)}))
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		f, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestDetectionQueueDequeueCancelled(t *testing.T) {
	q := pipeline.NewDetectionQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, err := q.Dequeue(ctx)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, context.Canceled)
}
