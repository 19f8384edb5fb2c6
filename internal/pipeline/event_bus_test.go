package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/pipeline"
)

type recordingHandler struct {
	seen []string
}

func (h *recordingHandler) OnDetectionResult(o *pipeline.DetectionOutcome) {
	h.seen = append(h.seen, o.CameraID)
}

func TestEventBusHandlersAndFilteredChannels(t *testing.T) {
	bus := pipeline.NewEventBus()

	all := &recordingHandler{}
	unsubscribe := bus.Subscribe(all)
	lobby, stop := bus.SubscribeChannel("lobby", 4)
	defer stop()

	bus.Publish(&pipeline.DetectionOutcome{CameraID: "gate"})
	bus.Publish(&pipeline.DetectionOutcome{CameraID: "lobby"})
	bus.Publish(nil)

	assert.Equal(t, []string{"gate", "lobby"}, all.seen)
	require.Len(t, lobby, 1)
	assert.Equal(t, "lobby", (<-lobby).CameraID)

	unsubscribe()
	bus.Publish(&pipeline.DetectionOutcome{CameraID: "gate"})
	assert.Len(t, all.seen, 2)
}

func TestEventBusCloseClosesChannels(t *testing.T) {
	bus := pipeline.NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel("", 1)

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// unsubscribing after Close must not close the channel twice
	assert.NotPanics(t, unsubscribe)
}
