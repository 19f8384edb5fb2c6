package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"armguard/internal/database"
	"armguard/internal/detection"
	"armguard/internal/orchestrator"
	"armguard/internal/perf"
	"armguard/internal/stream"
)

const maxFrameBytes = 10 << 20

// healthChecker is implemented by the inference clients
type healthChecker interface {
	Health(ctx context.Context) detection.Health
}

// reportStore is the read side of the database used by the API
type reportStore interface {
	DetectionStats(ctx context.Context, since time.Time) (database.DetectionStats, error)
	CountAutoReportsSince(ctx context.Context, since time.Time) (int, error)
	ListReports(ctx context.Context, cameraID string, limit int) ([]*database.ReportRecord, error)
}

// apiServer serves the status and control endpoints. Everything but the
// manager may be nil.
type apiServer struct {
	manager   *orchestrator.Manager
	reports   reportStore
	monitor   *perf.Monitor
	health    healthChecker
	live      *stream.LiveView
	websocket http.Handler
	metrics   http.Handler
	logger    zerolog.Logger
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cameras/status", s.handleCamerasStatus)
	mux.HandleFunc("GET /api/cameras/{id}/status", s.handleCameraStatus)
	mux.HandleFunc("POST /api/cameras/{id}/start", s.handleCameraAction(func(r *http.Request, id string) bool {
		return s.manager.StartCamera(r.Context(), id)
	}))
	mux.HandleFunc("POST /api/cameras/{id}/stop", s.handleCameraAction(func(_ *http.Request, id string) bool {
		return s.manager.StopCamera(id)
	}))
	mux.HandleFunc("POST /api/cameras/{id}/restart", s.handleCameraAction(func(r *http.Request, id string) bool {
		return s.manager.RestartCamera(r.Context(), id)
	}))
	mux.HandleFunc("POST /api/cameras/{id}/detect", s.handleDetect)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/reports", s.handleReports)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.live != nil {
		mux.HandleFunc("GET /api/cameras/{id}/snapshot", s.live.ServeSnapshot)
		mux.HandleFunc("GET /stream/{id}", s.live.ServeMJPEG)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.websocket != nil {
		mux.Handle("/ws/detections", s.websocket)
		mux.Handle("/ws/detections/", s.websocket)
	}

	var h http.Handler = mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

func (s *apiServer) handleCamerasStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"cameras":   status,
		"total":     len(status),
		"running":   s.manager.ActiveCameraIDs(),
		"cooldowns": s.manager.Cooldowns(),
		"timestamp": time.Now(),
	})
}

func (s *apiServer) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, ok := s.manager.CameraStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "camera not running: "+id)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *apiServer) handleCameraAction(fn func(r *http.Request, id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ok := fn(r, id)
		status := http.StatusOK
		if !ok {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"camera_id": id, "success": ok})
	}
}

func (s *apiServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("frame exceeds %d bytes", tooLarge.Limit))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read frame: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be a JPEG frame")
		return
	}

	outcome, err := s.manager.ForceDetection(r.Context(), id, data)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCamera):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, detection.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type statsResponse struct {
	orchestrator.Statistics
	ReportsToday   *int                     `json:"reports_today,omitempty"`
	DetectionStats *database.DetectionStats `json:"detection_stats,omitempty"`
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window: "+v)
			return
		}
		window = d
	}

	resp := statsResponse{Statistics: s.manager.Statistics(window)}
	if s.reports != nil {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if n, err := s.reports.CountAutoReportsSince(r.Context(), midnight); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("failed to count reports")
		} else {
			resp.ReportsToday = &n
		}
		if ds, err := s.reports.DetectionStats(r.Context(), now.Add(-window)); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("failed to load detection stats")
		} else {
			resp.DetectionStats = &ds
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type performanceResponse struct {
	Latest    *perf.Sample      `json:"latest,omitempty"`
	History   []perf.Sample     `json:"history"`
	Load      perf.Load         `json:"load"`
	Inference *detection.Health `json:"inference,omitempty"`
}

func (s *apiServer) handlePerformance(w http.ResponseWriter, r *http.Request) {
	resp := performanceResponse{
		History: []perf.Sample{},
		Load:    s.manager.Load(),
	}
	if s.monitor != nil {
		resp.History = s.monitor.History()
		if latest, ok := s.monitor.Latest(); ok {
			resp.Latest = &latest
		}
	}
	if s.health != nil {
		h := s.health.Health(r.Context())
		resp.Inference = &h
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}
	reports, err := s.reports.ListReports(r.Context(), r.URL.Query().Get("camera_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []*database.ReportRecord{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHTTPServer starts the HTTP server on addr. It shuts the server down
// when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger zerolog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		go func() {
			logger.Info().Str("addr", addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info().Str("addr", addr).Msg("shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown HTTP server")
		}
	}()
}
