package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for detection outcomes
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan *DetectionOutcome
	handler      DetectionResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for outcomes from all cameras.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler DetectionResultHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeChannel returns a buffered channel receiving outcomes for cameraID
// (all cameras when empty) and an unsubscribe function that closes it
func (b *EventBus) SubscribeChannel(cameraID string, bufferSize int) (<-chan *DetectionOutcome, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *DetectionOutcome, bufferSize)
	sub := &eventSubscription{
		cameraFilter: cameraID,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an outcome to all subscribers.
// Handlers run synchronously on the publishing dispatcher so per-camera order is kept;
// channel subscribers that fall behind miss outcomes.
func (b *EventBus) Publish(outcome *DetectionOutcome) {
	if outcome == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != outcome.CameraID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnDetectionResult(outcome)
		} else if sub.channel != nil {
			select {
			case sub.channel <- outcome:
			default:
			}
		}
	}
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
