package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

// Backend is a named inference client
type Backend interface {
	pipeline.Inferencer
	Health(ctx context.Context) Health
}

// NamedBackend pairs a backend with the name used in logs and health reports
type NamedBackend struct {
	Name    string
	Backend Backend
}

// Failover tries backends in order, skipping those whose last health check
// failed. Only ErrUnavailable moves on to the next backend; other errors are
// returned as is.
type Failover struct {
	backends []NamedBackend
	logger   zerolog.Logger
}

// NewFailover creates a failover inferencer over at least one backend
func NewFailover(logger zerolog.Logger, backends ...NamedBackend) (*Failover, error) {
	if len(backends) == 0 {
		return nil, errors.New("failover: at least one backend is required")
	}
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if b.Backend == nil || b.Name == "" {
			return nil, errors.New("failover: backend and name are required")
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("failover: backend %q registered twice", b.Name)
		}
		seen[b.Name] = true
	}
	return &Failover{
		backends: backends,
		logger:   logger.With().Str("component", "inference").Logger(),
	}, nil
}

// Names returns the backend names in order
func (f *Failover) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name
	}
	return names
}

// Infer implements pipeline.Inferencer
func (f *Failover) Infer(ctx context.Context, frame *pipeline.FrameData) (*pipeline.Verdict, error) {
	var errs []error
	for i, b := range f.backends {
		last := i == len(f.backends)-1
		if !last && !b.Backend.Health(ctx).Healthy() {
			continue
		}

		v, err := b.Backend.Infer(ctx, frame)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug().Err(err).Str("backend", b.Name).Str("camera_id", frame.CameraID).
			Msg("inference backend unavailable, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return nil, errors.Join(errs...)
}

// Health is online when any backend is online. Info carries each backend's status.
func (f *Failover) Health(ctx context.Context) Health {
	h := Health{Status: StatusOffline, Info: map[string]any{}, CheckedAt: time.Now()}
	var msgs []string
	for _, b := range f.backends {
		bh := b.Backend.Health(ctx)
		h.Info[b.Name] = bh.Status
		if bh.Healthy() {
			h.Status = StatusOnline
		} else if bh.Message != "" {
			msgs = append(msgs, b.Name+": "+bh.Message)
		}
	}
	if h.Status != StatusOnline {
		h.Message = strings.Join(msgs, "; ")
	}
	return h
}

var _ Backend = (*Failover)(nil)
