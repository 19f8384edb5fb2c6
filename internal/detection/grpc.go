package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"armguard/internal/pipeline"
)

const (
	// ServiceName is the gRPC service the model server exposes
	ServiceName = "armguard.detection.v1.WeaponDetector"
	// DetectMethod takes and returns a google.protobuf.Struct
	DetectMethod = "/" + ServiceName + "/Detect"
)

// GRPCInferencer calls the model server over gRPC. Requests and responses are
// google.protobuf.Struct messages carrying the same fields as the JSON API.
type GRPCInferencer struct {
	endpoint string
	timeout  time.Duration
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   zerolog.Logger

	healthMu   sync.Mutex
	lastHealth Health
}

// GRPCConfig holds configuration for the gRPC inferencer
type GRPCConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewGRPCInferencer creates a client. The connection is established lazily.
func NewGRPCInferencer(cfg GRPCConfig, logger zerolog.Logger, opts ...grpc.DialOption) (*GRPCInferencer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	return &GRPCInferencer{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger.With().Str("component", "inference").Str("backend", "grpc").Logger(),
	}, nil
}

// Infer implements pipeline.Inferencer
func (g *GRPCInferencer) Infer(ctx context.Context, frame *pipeline.FrameData) (*pipeline.Verdict, error) {
	req, err := structpb.NewStruct(map[string]any{
		"image":        base64.StdEncoding.EncodeToString(frame.Data),
		"camera_id":    frame.CameraID,
		"frame_seq":    float64(frame.Seq),
		"timestamp_ns": float64(frame.Timestamp.UnixNano()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fields := resp.GetFields()
	v := &pipeline.Verdict{
		WeaponDetected:  fields["weapon_detected"].GetBoolValue(),
		Confidence:      float32(fields["confidence"].GetNumberValue()),
		WeaponType:      fields["weapon_type"].GetStringValue(),
		InferenceTimeMs: float32(fields["inference_time_ms"].GetNumberValue()),
	}
	if v.WeaponDetected && v.WeaponType == "" {
		v.WeaponType = "Unknown"
	}
	if v.InferenceTimeMs == 0 {
		v.InferenceTimeMs = float32(time.Since(start).Microseconds()) / 1000
	}
	return v, nil
}

// Health uses the standard gRPC health protocol, caching a healthy answer
// for 30 seconds
func (g *GRPCInferencer) Health(ctx context.Context) Health {
	g.healthMu.Lock()
	cached := g.lastHealth
	g.healthMu.Unlock()
	if cached.Healthy() && time.Since(cached.CheckedAt) < healthCacheTTL {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now()
	result := Health{CheckedAt: now}
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	switch {
	case err != nil:
		result.Status = StatusOffline
		result.Message = err.Error()
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		result.Status = StatusError
		result.Message = "detection service is " + resp.GetStatus().String()
	default:
		result.Status = StatusOnline
		result.Message = "detection service is operational"
		result.Info = map[string]any{"endpoint": g.endpoint}
	}

	g.healthMu.Lock()
	g.lastHealth = result
	g.healthMu.Unlock()

	if !result.Healthy() {
		g.logger.Warn().Str("status", result.Status).Str("message", result.Message).Msg("detection service health check failed")
	}
	return result
}

// Close shuts down the gRPC connection
func (g *GRPCInferencer) Close() error {
	return g.conn.Close()
}

var _ pipeline.Inferencer = (*GRPCInferencer)(nil)
