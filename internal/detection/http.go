package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

// HTTPInferencer sends frames to the model server's JSON API
type HTTPInferencer struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger

	healthMu sync.Mutex
	health   Health
}

// HTTPConfig holds configuration for the HTTP inferencer
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type detectRequest struct {
	Image    string `json:"image"`
	CameraID string `json:"camera_id"`
}

type detectResponse struct {
	WeaponDetected  bool    `json:"weapon_detected"`
	Confidence      float32 `json:"confidence"`
	WeaponType      string  `json:"weapon_type"`
	InferenceTimeMs float32 `json:"inference_time_ms"`
}

// NewHTTPInferencer creates a client for endpoint
func NewHTTPInferencer(cfg HTTPConfig, logger zerolog.Logger) *HTTPInferencer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPInferencer{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With().Str("component", "inference").Str("backend", "http").Logger(),
	}
}

// Infer implements pipeline.Inferencer
func (h *HTTPInferencer) Infer(ctx context.Context, frame *pipeline.FrameData) (*pipeline.Verdict, error) {
	body, err := json.Marshal(detectRequest{
		Image:    base64.StdEncoding.EncodeToString(frame.Data),
		CameraID: frame.CameraID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.markUnhealthy(err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	v := &pipeline.Verdict{
		WeaponDetected:  out.WeaponDetected,
		Confidence:      out.Confidence,
		WeaponType:      out.WeaponType,
		InferenceTimeMs: out.InferenceTimeMs,
	}
	if v.WeaponDetected && v.WeaponType == "" {
		v.WeaponType = "Unknown"
	}
	if v.InferenceTimeMs == 0 {
		v.InferenceTimeMs = float32(time.Since(start).Microseconds()) / 1000
	}
	return v, nil
}

// Health queries GET /status, caching a healthy answer for 30 seconds
func (h *HTTPInferencer) Health(ctx context.Context) Health {
	h.healthMu.Lock()
	cached := h.health
	h.healthMu.Unlock()
	if cached.Healthy() && time.Since(cached.CheckedAt) < healthCacheTTL {
		return cached
	}

	result := h.checkHealth(ctx)

	h.healthMu.Lock()
	h.health = result
	h.healthMu.Unlock()

	if !result.Healthy() {
		h.logger.Warn().Str("status", result.Status).Str("message", result.Message).Msg("detection service health check failed")
	}
	return result
}

func (h *HTTPInferencer) checkHealth(ctx context.Context) Health {
	now := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/status", nil)
	if err != nil {
		return Health{Status: StatusError, Message: err.Error(), CheckedAt: now}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Health{Status: StatusOffline, Message: err.Error(), CheckedAt: now}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{
			Status:    StatusError,
			Message:   fmt.Sprintf("detection service returned status code %d", resp.StatusCode),
			CheckedAt: now,
		}
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		info = nil
	}
	return Health{Status: StatusOnline, Message: "detection service is operational", Info: info, CheckedAt: now}
}

func (h *HTTPInferencer) markUnhealthy(msg string) {
	h.healthMu.Lock()
	h.health = Health{Status: StatusOffline, Message: msg, CheckedAt: time.Now()}
	h.healthMu.Unlock()
}

var _ pipeline.Inferencer = (*HTTPInferencer)(nil)
