// Package notify fans alerts out to every configured notification channel.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

var (
	// ErrNoRecipient means a channel has nobody to deliver this audience to
	ErrNoRecipient = errors.New("no recipient for audience")
	// ErrSuppressed means a channel dropped the alert on purpose, e.g. during
	// its own rate limit
	ErrSuppressed = errors.New("notification suppressed")
)

// Channel is a named notifier
type Channel struct {
	Name     string
	Notifier pipeline.Notifier
}

// Fanout delivers each alert to every channel. It succeeds when at least one
// channel delivered; skipped channels (ErrNoRecipient, ErrSuppressed) are not
// failures.
type Fanout struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewFanout creates a fanout over channels
func NewFanout(logger zerolog.Logger, channels ...Channel) *Fanout {
	return &Fanout{
		channels: channels,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Len returns the number of channels
func (f *Fanout) Len() int {
	return len(f.channels)
}

// Notify implements pipeline.Notifier
func (f *Fanout) Notify(ctx context.Context, audience pipeline.Audience, alert pipeline.Alert) error {
	var errs []error
	delivered, skipped := 0, 0

	for _, ch := range f.channels {
		err := ch.Notifier.Notify(ctx, audience, alert)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNoRecipient), errors.Is(err, ErrSuppressed):
			skipped++
			f.logger.Debug().Str("channel", ch.Name).Str("audience", string(audience)).
				Str("camera_id", alert.CameraID).Err(err).Msg("notification skipped")
		default:
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			f.logger.Warn().Str("channel", ch.Name).Str("audience", string(audience)).
				Str("camera_id", alert.CameraID).Err(err).Msg("notification failed")
		}
	}

	if delivered > 0 {
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if skipped > 0 {
		return ErrSuppressed
	}
	return ErrNoRecipient
}

var _ pipeline.Notifier = (*Fanout)(nil)
