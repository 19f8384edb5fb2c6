// Package cooldown tracks per-camera stream failures, decides between
// retrying and giving up, and keeps cameras that gave up out of rotation
// for a fixed cooldown period.
package cooldown

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Action is the outcome of a failure decision
type Action int

const (
	// Retry the stream after Delay
	Retry Action = iota
	// GiveUp stops the worker and opens the cooldown window
	GiveUp
)

func (a Action) String() string {
	if a == GiveUp {
		return "give_up"
	}
	return "retry"
}

// Decision tells the worker what to do after a failure
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int // consecutive failures including this one
}

// Record is the failure history of one camera
type Record struct {
	CameraID            string    `json:"camera_id"`
	ErrorCount          int       `json:"error_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorAt         time.Time `json:"last_error_at"`
	LastErrorMessage    string    `json:"last_error_message"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

// InCooldown reports whether the camera is still cooling down at now
func (r Record) InCooldown(now time.Time) bool {
	return now.Before(r.CooldownUntil)
}

// Config holds the retry policy
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Cooldown   time.Duration
}

// Tracker is safe for concurrent use. The mutex is held only for map access.
type Tracker struct {
	cfg     Config
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Tracker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	t := &Tracker{
		cfg:     cfg,
		records: make(map[string]*Record),
		now:     time.Now,
		logger:  logger.With().Str("component", "cooldown").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnFailure records a stream failure and decides what the worker does next.
// The first MaxRetries consecutive failures are retried after RetryDelay; the
// next one gives up and starts the cooldown window.
func (t *Tracker) OnFailure(cameraID string, err error) Decision {
	now := t.now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	t.mu.Lock()
	rec, ok := t.records[cameraID]
	if !ok {
		rec = &Record{CameraID: cameraID}
		t.records[cameraID] = rec
	}
	rec.ErrorCount++
	rec.ConsecutiveFailures++
	rec.LastErrorAt = now
	rec.LastErrorMessage = msg
	attempt := rec.ConsecutiveFailures

	var d Decision
	if attempt > t.cfg.MaxRetries {
		rec.CooldownUntil = now.Add(t.cfg.Cooldown)
		rec.ConsecutiveFailures = 0
		d = Decision{Action: GiveUp, Attempt: attempt}
	} else {
		d = Decision{Action: Retry, Delay: t.cfg.RetryDelay, Attempt: attempt}
	}
	until := rec.CooldownUntil
	t.mu.Unlock()

	if d.Action == GiveUp {
		t.logger.Warn().Str("camera_id", cameraID).Err(err).
			Int("failures", attempt).Time("cooldown_until", until).
			Msg("retries exhausted, camera cooling down")
	} else {
		t.logger.Info().Str("camera_id", cameraID).Err(err).
			Int("attempt", attempt).Int("max_retries", t.cfg.MaxRetries).
			Dur("delay", d.Delay).Msg("stream failure, retrying")
	}
	return d
}

// OnSuccess resets the consecutive failure count after a successful read
func (t *Tracker) OnSuccess(cameraID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[cameraID]; ok {
		rec.ConsecutiveFailures = 0
	}
}

// IsInCooldown reports whether cameraID must not be started at now
func (t *Tracker) IsInCooldown(cameraID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[cameraID]
	return ok && rec.InCooldown(now)
}

// CoolingDown returns the ids of cameras in cooldown at now
func (t *Tracker) CoolingDown(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.records {
		if rec.InCooldown(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Record returns a copy of the failure history for cameraID
func (t *Tracker) Record(cameraID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[cameraID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all failure histories ordered by camera id
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// FailingSince counts cameras whose last failure happened after since
func (t *Tracker) FailingSince(since time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.LastErrorAt.After(since) {
			n++
		}
	}
	return n
}

// Now returns the tracker clock
func (t *Tracker) Now() time.Time {
	return t.now()
}
