// Package capture turns camera stream handles into frame sources.
// RTSP, HTTP video and V4L2 devices are decoded by ffmpeg; plain HTTP
// snapshot endpoints are polled at the capture rate.
package capture

import (
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

// Config holds capture settings shared by every camera
type Config struct {
	Width           int
	Height          int
	FPS             int
	FFmpegPath      string
	SnapshotTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
	return c
}

// NewFactory returns a pipeline.FrameSourceFactory picking the source type from the stream URL
func NewFactory(cfg Config, logger zerolog.Logger) pipeline.FrameSourceFactory {
	cfg = cfg.withDefaults()
	return func(cam pipeline.CameraInfo) pipeline.FrameSource {
		if isSnapshotEndpoint(cam.StreamURL) {
			return NewSnapshotSource(cam, cfg, logger)
		}
		return NewFFmpegSource(cam, cfg, logger)
	}
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isSnapshotEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	u, err := url.Parse(device)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".jpeg") || strings.Contains(p, "snapshot")
}

// redact strips credentials from a stream URL before logging it
func redact(device string) string {
	u, err := url.Parse(device)
	if err != nil || u.User == nil {
		return device
	}
	u.User = url.User("redacted")
	return u.String()
}
