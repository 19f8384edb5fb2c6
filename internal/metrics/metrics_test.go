package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/metrics"
	"armguard/internal/perf"
	"armguard/internal/pipeline"
)

func TestCollectorRecordsEvents(t *testing.T) {
	c := metrics.NewCollector()

	c.FrameCaptured("cam-1", true, false)
	c.FrameCaptured("cam-1", true, true)
	c.FrameCaptured("cam-1", false, false)
	c.StreamFailure("cam-1", false)
	c.StreamFailure("cam-1", true)
	c.WorkersChanged(3)
	c.ObserveInference("cam-1", 120*time.Millisecond, nil)
	c.ObserveInference("cam-1", 0, errors.New("boom"))
	c.OnDetectionResult(&pipeline.DetectionOutcome{
		CameraID:       "cam-1",
		Verdict:        pipeline.Verdict{WeaponDetected: true, Confidence: 0.9, WeaponType: "pistol"},
		AboveThreshold: true,
		ReportCreated:  true,
	})

	body := scrape(t, c)
	assert.Contains(t, body, `armguard_capture_frames_total{camera_id="cam-1"} 3`)
	assert.Contains(t, body, `armguard_capture_frames_dispatched_total{camera_id="cam-1"} 2`)
	assert.Contains(t, body, `armguard_capture_frames_dropped_total{camera_id="cam-1"} 1`)
	assert.Contains(t, body, `armguard_capture_stream_failures_total{camera_id="cam-1"} 2`)
	assert.Contains(t, body, `armguard_capture_cooldowns_total{camera_id="cam-1"} 1`)
	assert.Contains(t, body, `armguard_camera_workers_running 3`)
	assert.Contains(t, body, `armguard_inference_errors_total{camera_id="cam-1"} 1`)
	assert.Contains(t, body, `armguard_detections_total{camera_id="cam-1",weapon_type="pistol"} 1`)
	assert.Contains(t, body, `armguard_reports_total{camera_id="cam-1",forced="false"} 1`)
	assert.Contains(t, body, `armguard_inference_duration_seconds_count{camera_id="cam-1"} 1`)
}

func TestCollectorPerformance(t *testing.T) {
	c := metrics.NewCollector()

	c.ObservePerformance(perf.Sample{
		Usage: perf.Usage{SystemCPUPercent: 91, ProcessRSSMB: 300},
		Load:  perf.Load{QueueDepth: 7},
		Throttle: perf.Throttle{
			FrameSkip:         6,
			DetectionInterval: 3 * time.Second,
			ThrottledUntil:    time.Now().Add(time.Minute),
		},
		Alerts: []string{"high_cpu"},
	})

	body := scrape(t, c)
	assert.Contains(t, body, `armguard_resources_cpu_percent{scope="system"} 91`)
	assert.Contains(t, body, `armguard_resources_memory_mb{scope="process"} 300`)
	assert.Contains(t, body, `armguard_resources_queue_depth 7`)
	assert.Contains(t, body, `armguard_throttle_active 1`)
	assert.Contains(t, body, `armguard_throttle_frame_skip 6`)
	assert.Contains(t, body, `armguard_throttle_detection_interval_seconds 3`)
	assert.Contains(t, body, `armguard_resources_alerts_total{alert="high_cpu"} 1`)

	c.ObservePerformance(perf.Sample{Throttle: perf.Throttle{FrameSkip: 3, DetectionInterval: 2 * time.Second}})
	assert.Contains(t, scrape(t, c), `armguard_throttle_active 0`)
}

func TestCollectorSeriesPerCamera(t *testing.T) {
	c := metrics.NewCollector()
	c.FrameCaptured("cam-1", true, false)
	c.FrameCaptured("cam-2", true, false)
	c.FrameCaptured("cam-2", true, false)

	n, err := testutil.GatherAndCount(c.Registry(), "armguard_capture_frames_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
