package camera

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/database"
)

// Prober checks whether a camera's stream endpoint answers. Results are
// cached for TTL so reconcile passes do not hammer unreachable cameras.
type Prober struct {
	timeout time.Duration
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]probeResult
}

type probeResult struct {
	ok bool
	at time.Time
}

// NewProber creates a prober with the given per-probe timeout and cache TTL
func NewProber(timeout, ttl time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		timeout: timeout,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
		cache:   make(map[string]probeResult),
	}
}

// Reachable reports whether the endpoint answered, using the cache when fresh
func (p *Prober) Reachable(ctx context.Context, streamURL string) bool {
	now := p.now()

	p.mu.Lock()
	res, ok := p.cache[streamURL]
	p.mu.Unlock()
	if ok && p.ttl > 0 && now.Sub(res.at) < p.ttl {
		return res.ok
	}

	reachable := p.Check(ctx, streamURL) == nil

	p.mu.Lock()
	p.cache[streamURL] = probeResult{ok: reachable, at: now}
	p.mu.Unlock()
	return reachable
}

// Check probes the endpoint without the cache
func (p *Prober) Check(ctx context.Context, streamURL string) error {
	switch {
	case strings.HasPrefix(streamURL, "http://"), strings.HasPrefix(streamURL, "https://"):
		return p.checkHTTP(ctx, streamURL)
	case strings.HasPrefix(streamURL, "rtsp://"), strings.HasPrefix(streamURL, "rtsps://"):
		return p.checkTCP(ctx, streamURL)
	default:
		return checkDevice(streamURL)
	}
}

func (p *Prober) checkHTTP(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("camera unreachable: %w", err)
	}
	resp.Body.Close()

	// Auth failures still mean the camera is there
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("camera returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) checkTCP(ctx context.Context, streamURL string) error {
	u, err := url.Parse(streamURL)
	if err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}

	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("camera unreachable: %w", err)
	}
	return conn.Close()
}

// checkDevice verifies a local capture device exists and can be opened
func checkDevice(device string) error {
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("device unavailable: %w", err)
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("device not readable: %w", err)
	}
	return file.Close()
}

// StatusStore is the part of the database the status monitor needs
type StatusStore interface {
	ListCameras(ctx context.Context) ([]*database.CameraRecord, error)
	UpdateCameraStatus(ctx context.Context, id, status string) error
}

// StatusMonitor periodically probes active cameras and records whether they
// are online, which is what makes them eligible for the database registry.
// Cameras in maintenance are left alone.
type StatusMonitor struct {
	store    StatusStore
	prober   *Prober
	interval time.Duration
	logger   zerolog.Logger
}

// NewStatusMonitor creates a monitor
func NewStatusMonitor(store StatusStore, prober *Prober, interval time.Duration, logger zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		store:    store,
		prober:   prober,
		interval: interval,
		logger:   logger.With().Str("component", "camera_monitor").Logger(),
	}
}

// Run checks immediately and then every interval until ctx is cancelled
func (m *StatusMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("camera status check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll probes every active camera once and returns how many are online
func (m *StatusMonitor) CheckAll(ctx context.Context) (int, error) {
	cams, err := m.store.ListCameras(ctx)
	if err != nil {
		return 0, err
	}

	online, active := 0, 0
	for _, c := range cams {
		if !c.Active || c.Status == database.CameraMaintenance {
			continue
		}
		active++

		status := database.CameraOffline
		if err := m.prober.Check(ctx, c.StreamURL); err == nil {
			status = database.CameraOnline
			online++
		} else {
			m.logger.Debug().Str("camera_id", c.ID).Err(err).Msg("camera probe failed")
		}

		if status == c.Status && status != database.CameraOnline {
			continue
		}
		if err := m.store.UpdateCameraStatus(ctx, c.ID, status); err != nil {
			m.logger.Warn().Str("camera_id", c.ID).Err(err).Msg("failed to update camera status")
		} else if status != c.Status {
			m.logger.Info().Str("camera_id", c.ID).Str("from", c.Status).Str("to", status).Msg("camera status changed")
		}
	}

	m.logger.Info().Int("online", online).Int("active", active).Msg("camera monitor")
	return online, nil
}
