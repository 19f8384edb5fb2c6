package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"armguard/internal/cooldown"
	"armguard/internal/pipeline"
)

// runWorker owns one camera: a capture goroutine (this one) and a dispatcher
// goroutine draining the camera's queue. It returns when ctx is cancelled or
// the tracker gives up on the stream.
func (m *Manager) runWorker(ctx context.Context, w *worker) {
	defer m.wg.Done()
	defer close(w.done)

	log := m.logger.With().Str("camera_id", w.cam.ID).Logger()

	var dispatchers sync.WaitGroup
	dispatchers.Add(1)
	go func() {
		defer dispatchers.Done()
		m.dispatcher.Run(ctx, w.cam, w.queue, func(o *pipeline.DetectionOutcome) {
			m.onOutcome(w.cam.ID, o)
		})
	}()

	m.captureLoop(ctx, w)

	w.cancel()
	dispatchers.Wait()

	m.mu.Lock()
	w.state.Status = StatusStopped
	captured := w.state.FramesCaptured
	m.mu.Unlock()
	m.remove(w)

	log.Debug().Uint64("frames_captured", captured).Msg("worker exited")
}

// captureLoop runs capture attempts, routing every failure through the tracker
func (m *Manager) captureLoop(ctx context.Context, w *worker) {
	gate := pipeline.NewSamplingGate(m.params)

	for {
		err := m.captureAttempt(ctx, w, gate)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream closed")
		}

		decision := m.tracker.OnFailure(w.cam.ID, err)
		gaveUp := decision.Action == cooldown.GiveUp

		m.mu.Lock()
		w.state.LastError = &ErrorInfo{Message: err.Error(), At: time.Now()}
		if gaveUp {
			w.state.RetryCount = decision.Attempt - 1
		} else {
			w.state.RetryCount = decision.Attempt
		}
		if w.state.Status != StatusStopping {
			w.state.Status = StatusStarting
			if gaveUp {
				w.state.Status = StatusStopped
			}
		}
		m.mu.Unlock()
		m.observer.StreamFailure(w.cam.ID, gaveUp)

		if gaveUp {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(decision.Delay):
		}
	}
}

// captureAttempt opens the stream and feeds sampled frames into the queue
// until a read fails. Panics are turned into errors so a single camera
// cannot take the process down.
func (m *Manager) captureAttempt(ctx context.Context, w *worker, gate *pipeline.SamplingGate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("camera_id", w.cam.ID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("camera worker panicked")
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	src := m.sources(w.cam)
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer src.Close()

	sampled := pipeline.NewSampledSource(src, gate)

	m.mu.Lock()
	if w.state.Status == StatusStarting {
		w.state.Status = StatusRunning
	}
	m.mu.Unlock()

	// the tracker may carry failures from a previous worker for this camera
	recovering := true

	for {
		frame, dispatch, err := sampled.Next(ctx)
		if err != nil {
			return err
		}

		if recovering {
			m.tracker.OnSuccess(w.cam.ID)
			recovering = false
			m.mu.Lock()
			w.state.RetryCount = 0
			m.mu.Unlock()
		}

		accepted := false
		if dispatch {
			accepted = w.queue.TryEnqueue(frame)
			if accepted {
				sampled.Dispatched(frame)
			}
		}

		m.mu.Lock()
		w.state.FramesCaptured++
		if accepted {
			w.state.FramesDispatched++
		} else if dispatch {
			w.state.FramesDropped++
		}
		m.mu.Unlock()

		m.observer.FrameCaptured(w.cam.ID, accepted, dispatch && !accepted)
		if m.frames != nil {
			m.frames.OnFrame(frame)
		}
	}
}
