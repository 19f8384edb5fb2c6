package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

const maxSnapshotSize = 16 * 1024 * 1024

// SnapshotSource polls an HTTP endpoint returning a single JPEG per request
type SnapshotSource struct {
	cam      pipeline.CameraInfo
	client   *http.Client
	interval time.Duration
	logger   zerolog.Logger

	ticker *time.Ticker
	seq    uint64
}

// NewSnapshotSource creates a polling source for cam
func NewSnapshotSource(cam pipeline.CameraInfo, cfg Config, logger zerolog.Logger) *SnapshotSource {
	cfg = cfg.withDefaults()
	interval := time.Second / time.Duration(cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &SnapshotSource{
		cam:      cam,
		client:   &http.Client{Timeout: cfg.SnapshotTimeout},
		interval: interval,
		logger:   logger.With().Str("component", "capture").Str("camera_id", cam.ID).Logger(),
	}
}

// Open fetches one snapshot to verify the endpoint, then starts the poll ticker
func (s *SnapshotSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return err
	}
	s.ticker = time.NewTicker(s.interval)
	s.logger.Debug().Str("device", redact(s.cam.StreamURL)).Dur("interval", s.interval).Msg("snapshot polling started")
	return nil
}

// Read waits for the next tick and fetches a snapshot
func (s *SnapshotSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if s.ticker == nil {
		return nil, errors.New("source not open")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.seq++
	w, h := frameSize(data)
	return &pipeline.FrameData{
		CameraID:  s.cam.ID,
		Data:      data,
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
	}, nil
}

// Close stops polling
func (s *SnapshotSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	return nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cam.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errors.New("snapshot is not a JPEG image")
	}
	return data, nil
}

var _ pipeline.FrameSource = (*SnapshotSource)(nil)
