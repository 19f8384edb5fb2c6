package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 3, cfg.FrameSkip)
	assert.Equal(t, 2*time.Second, cfg.DetectionInterval)
	assert.Equal(t, 10, cfg.MaxQueueSize)
	assert.InDelta(t, 0.70, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.ErrorCooldown)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 640, cfg.CameraWidth)
	assert.Equal(t, 480, cfg.CameraHeight)
	assert.Equal(t, 15, cfg.CameraFPS)
	assert.InDelta(t, 2048, cfg.MaxMemoryMB, 1e-9)
	assert.InDelta(t, 80, cfg.MaxCPUPercent, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.ThrottleWindow)
	assert.True(t, cfg.LogDetectionEvents)
	assert.True(t, cfg.LogPerformanceMetrics)
	assert.True(t, cfg.LogCameraStatus)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "http", cfg.InferenceBackend)
	assert.False(t, cfg.Simulate)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("MULTI_CAMERA_MAX_WORKERS", "4")
	t.Setenv("MULTI_CAMERA_FRAME_SKIP", "5")
	t.Setenv("MULTI_CAMERA_DETECTION_INTERVAL", "0.5")
	t.Setenv("CAMERA_RETRY_DELAY", "2")
	t.Setenv("ERROR_COOLDOWN_PERIOD", "120")
	t.Setenv("ML_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("LOG_DETECTION_EVENTS", "false")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 5, cfg.FrameSkip)
	assert.Equal(t, 500*time.Millisecond, cfg.DetectionInterval)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 2*time.Minute, cfg.ErrorCooldown)
	assert.InDelta(t, 0.85, cfg.ConfidenceThreshold, 1e-9)
	assert.False(t, cfg.LogDetectionEvents)
}

func TestLoadPrefixedEnvironment(t *testing.T) {
	t.Setenv("ARMGUARD_MAX_WORKERS", "2")
	t.Setenv("ARMGUARD_MAX_CAMERAS", "16")
	t.Setenv("ARMGUARD_RETRY_DELAY", "1m")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 16, cfg.MaxCameras)
	assert.Equal(t, time.Minute, cfg.RetryDelay)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armguard.yaml")
	content := `
max_workers: 6
detection_interval: 3
error_cooldown: 90s
inference_backend: grpc
grpc_endpoint: detector:50051
evidence_backend: none
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.MaxWorkers)
	assert.Equal(t, 3*time.Second, cfg.DetectionInterval)
	assert.Equal(t, 90*time.Second, cfg.ErrorCooldown)
	assert.Equal(t, "grpc", cfg.InferenceBackend)
	assert.Equal(t, "detector:50051", cfg.GRPCEndpoint)
	assert.Equal(t, "none", cfg.EvidenceBackend)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load([]string{"--log-level", "debug", "--simulate", "--http-addr", ":9000"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Simulate)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MULTI_CAMERA_MAX_WORKERS", "0")

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero frame skip", func(c *config.Config) { c.FrameSkip = 0 }},
		{"interval too short", func(c *config.Config) { c.DetectionInterval = 50 * time.Millisecond }},
		{"confidence too low", func(c *config.Config) { c.ConfidenceThreshold = 0.05 }},
		{"confidence too high", func(c *config.Config) { c.ConfidenceThreshold = 1.5 }},
		{"resolution too small", func(c *config.Config) { c.CameraWidth = 160 }},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }},
		{"unknown inference backend", func(c *config.Config) { c.InferenceBackend = "onnx" }},
		{"s3 without bucket", func(c *config.Config) { c.EvidenceBackend = "s3"; c.S3Bucket = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}

	assert.NoError(t, valid().Validate())
}
