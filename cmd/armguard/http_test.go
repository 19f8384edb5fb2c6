package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/cooldown"
	"armguard/internal/database"
	"armguard/internal/detection"
	"armguard/internal/fakes"
	"armguard/internal/orchestrator"
	"armguard/internal/pipeline"
)

type staticHealth struct{ h detection.Health }

func (s staticHealth) Health(context.Context) detection.Health { return s.h }

type apiFixture struct {
	inferencer *fakes.Inferencer
	reports    *fakes.Reports
	manager    *orchestrator.Manager
	handler    http.Handler
	server     *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		inferencer: fakes.NewInferencer(pipeline.Verdict{}),
		reports:    fakes.NewReports(),
	}
	registry := fakes.NewRegistry(
		pipeline.CameraInfo{ID: "cam-1", Name: "Gate", StreamURL: "rtsp://gate", Active: true, Reachable: true},
		pipeline.CameraInfo{ID: "cam-2", Name: "Lobby", StreamURL: "rtsp://lobby", Active: true, Reachable: true},
	)

	dispatcher, err := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		ConfidenceThreshold: 0.7,
		MaxWorkers:          2,
	}, pipeline.DispatcherDeps{
		Inferencer: f.inferencer,
		Reports:    f.reports,
		Notifier:   fakes.NewNotifier(),
	}, zerolog.Nop())
	require.NoError(t, err)

	f.manager, err = orchestrator.New(orchestrator.Config{StopTimeout: time.Second}, orchestrator.Deps{
		Registry:   registry,
		Sources:    fakes.NewSources(fakes.Behavior{Interval: 5 * time.Millisecond}).Factory(),
		Dispatcher: dispatcher,
		Tracker:    cooldown.New(cooldown.Config{MaxRetries: 1, RetryDelay: time.Millisecond, Cooldown: time.Minute}, zerolog.Nop()),
		Params:     pipeline.StaticParams{FrameSkip: 1},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(f.manager.Shutdown)

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	api := &apiServer{
		manager: f.manager,
		reports: db,
		health:  staticHealth{detection.Health{Status: detection.StatusOnline}},
		metrics: http.NotFoundHandler(),
		logger:  zerolog.Nop(),
	}
	f.handler = api.routes()
	f.server = httptest.NewServer(f.handler)
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCameraLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var result struct {
		CameraID string `json:"camera_id"`
		Success  bool   `json:"success"`
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cameras/cam-1/start", nil, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "cam-1", result.CameraID)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/cameras/cam-1/start", nil, &result))
	assert.False(t, result.Success)

	var status struct {
		Cameras map[string]orchestrator.CameraWorkerState `json:"cameras"`
		Total   int                                       `json:"total"`
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cameras/status", nil, &status))
	assert.Equal(t, 1, status.Total)
	assert.Contains(t, status.Cameras, "cam-1")

	var one orchestrator.CameraWorkerState
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cameras/cam-1/status", nil, &one))
	assert.Equal(t, "cam-1", one.CameraID)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/cameras/cam-2/status", nil, nil))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cameras/cam-1/restart", nil, &result))
	assert.True(t, result.Success)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cameras/cam-1/stop", nil, &result))
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/cameras/cam-1/stop", nil, &result))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/cameras/nope/start", nil, &result))
}

func TestDetectEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.inferencer.SetVerdict("cam-2", pipeline.Verdict{WeaponDetected: true, Confidence: 0.93, WeaponType: "rifle"})
	frame := fakes.SolidJPEG(64, 48, color.Black)

	var outcome pipeline.DetectionOutcome
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cameras/cam-2/detect", frame, &outcome))
	assert.True(t, outcome.AboveThreshold)
	assert.True(t, outcome.ReportCreated)
	assert.True(t, outcome.Forced)
	assert.Len(t, f.reports.Reports(), 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/cameras/missing/detect", frame, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/cameras/cam-2/detect", nil, nil))
}

func TestDetectRejectsOversizedFrame(t *testing.T) {
	f := newAPIFixture(t)
	body := bytes.Repeat([]byte{0xFF}, maxFrameBytes+1)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cameras/cam-2/detect", bytes.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.inferencer.Calls(), "a truncated frame must not reach inference")
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var stats map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/stats?window=30m", nil, &stats))
	assert.Contains(t, stats, "total_cameras")
	assert.Contains(t, stats, "detection_stats")
	assert.EqualValues(t, 0, stats["reports_today"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/stats?window=soon", nil, nil))
}

func TestPerformanceEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var perf performanceResponse
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/performance", nil, &perf))
	require.NotNil(t, perf.Inference)
	assert.True(t, perf.Inference.Healthy())
	assert.Empty(t, perf.History)
	assert.Nil(t, perf.Latest)
}

func TestReportsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var reports []database.ReportRecord
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/reports?camera_id=cam-1", nil, &reports))
	assert.Empty(t, reports)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/reports?limit=-3", nil, nil))
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}
