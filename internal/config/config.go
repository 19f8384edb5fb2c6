package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultLogLevel = "info"
	envPrefix       = "ARMGUARD"
)

// Config is the full process configuration
type Config struct {
	// Orchestrator
	MaxWorkers          int           `mapstructure:"max_workers"`
	MaxCameras          int           `mapstructure:"max_cameras"`
	FrameSkip           int           `mapstructure:"frame_skip"`
	DetectionInterval   time.Duration `mapstructure:"detection_interval"`
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`

	// Capture
	CameraWidth  int    `mapstructure:"camera_width"`
	CameraHeight int    `mapstructure:"camera_height"`
	CameraFPS    int    `mapstructure:"camera_fps"`
	FFmpegPath   string `mapstructure:"ffmpeg_path"`

	// Error handling
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	ErrorCooldown time.Duration `mapstructure:"error_cooldown"`

	// Resources
	PerformanceInterval  time.Duration `mapstructure:"performance_interval"`
	MaxMemoryMB          float64       `mapstructure:"max_memory_mb"`
	MaxCPUPercent        float64       `mapstructure:"max_cpu_percent"`
	ThrottleWindow       time.Duration `mapstructure:"throttle_window"`
	MaxFrameSkip         int           `mapstructure:"max_frame_skip"`
	MaxDetectionInterval time.Duration `mapstructure:"max_detection_interval"`

	// Logging
	LogLevel              string `mapstructure:"log_level"`
	LogPretty             bool   `mapstructure:"log_pretty"`
	LogDetectionEvents    bool   `mapstructure:"log_detection_events"`
	LogPerformanceMetrics bool   `mapstructure:"log_performance_metrics"`
	LogCameraStatus       bool   `mapstructure:"log_camera_status"`

	// Storage
	DatabasePath string `mapstructure:"database_path"`
	CamerasFile  string `mapstructure:"cameras_file"`

	// Inference
	InferenceBackend string        `mapstructure:"inference_backend"` // http, grpc, failover or simulated
	MLServiceURL     string        `mapstructure:"ml_service_url"`
	MLAPIKey         string        `mapstructure:"ml_api_key"`
	MLTimeout        time.Duration `mapstructure:"ml_timeout"`
	GRPCEndpoint     string        `mapstructure:"grpc_endpoint"`

	// Evidence
	EvidenceBackend  string `mapstructure:"evidence_backend"` // s3, file or none
	EvidenceDir      string `mapstructure:"evidence_dir"`
	S3Bucket         string `mapstructure:"s3_bucket"`
	S3Region         string `mapstructure:"s3_region"`
	S3Endpoint       string `mapstructure:"s3_endpoint"`
	S3Prefix         string `mapstructure:"s3_prefix"`
	S3ForcePathStyle bool   `mapstructure:"s3_force_path_style"`
	S3AccessKeyID    string `mapstructure:"s3_access_key_id"`
	S3SecretKey      string `mapstructure:"s3_secret_access_key"`

	// Notifications
	TelegramBotToken   string        `mapstructure:"telegram_bot_token"`
	TelegramChatID     string        `mapstructure:"telegram_chat_id"`
	TelegramOwnerChats string        `mapstructure:"telegram_owner_chats"` // owner_id=chat_id,...
	TelegramCommands   bool          `mapstructure:"telegram_commands"`
	TelegramCooldown   time.Duration `mapstructure:"telegram_cooldown"`

	// Control surface
	HTTPAddr string `mapstructure:"http_addr"`
	Simulate bool   `mapstructure:"simulate"`
}

// defaults mirror the values the detection service has always shipped with
var defaults = map[string]any{
	"max_workers":             8,
	"max_cameras":             0,
	"frame_skip":              3,
	"detection_interval":      "2s",
	"max_queue_size":          10,
	"confidence_threshold":    0.70,
	"monitor_interval":        "30s",
	"stop_timeout":            "5s",
	"camera_width":            640,
	"camera_height":           480,
	"camera_fps":              15,
	"ffmpeg_path":             "ffmpeg",
	"max_retries":             3,
	"retry_delay":             "5s",
	"error_cooldown":          "60s",
	"performance_interval":    "30s",
	"max_memory_mb":           2048,
	"max_cpu_percent":         80,
	"throttle_window":         "60s",
	"max_frame_skip":          8,
	"max_detection_interval":  "10s",
	"log_level":               DefaultLogLevel,
	"log_pretty":              false,
	"log_detection_events":    true,
	"log_performance_metrics": true,
	"log_camera_status":       true,
	"database_path":           "armguard.db",
	"cameras_file":            "",
	"inference_backend":       "http",
	"ml_service_url":          "http://localhost:8000",
	"ml_api_key":              "",
	"ml_timeout":              "30s",
	"grpc_endpoint":           "localhost:50051",
	"evidence_backend":        "file",
	"evidence_dir":            "evidence",
	"s3_bucket":               "",
	"s3_region":               "us-east-1",
	"s3_endpoint":             "",
	"s3_prefix":               "detections",
	"s3_force_path_style":     false,
	"s3_access_key_id":        "",
	"s3_secret_access_key":    "",
	"telegram_bot_token":      "",
	"telegram_chat_id":        "",
	"telegram_cooldown":       "30s",
	"telegram_owner_chats":    "",
	"telegram_commands":       false,
	"http_addr":               ":8080",
	"simulate":                false,
}

// legacyEnv maps keys to the environment variables used by existing deployments.
// ARMGUARD_<KEY> is accepted for every key as well.
var legacyEnv = map[string][]string{
	"max_workers":             {"MULTI_CAMERA_MAX_WORKERS"},
	"frame_skip":              {"MULTI_CAMERA_FRAME_SKIP"},
	"detection_interval":      {"MULTI_CAMERA_DETECTION_INTERVAL"},
	"max_queue_size":          {"MULTI_CAMERA_MAX_QUEUE_SIZE"},
	"camera_width":            {"CAMERA_WIDTH"},
	"camera_height":           {"CAMERA_HEIGHT"},
	"camera_fps":              {"CAMERA_FPS"},
	"monitor_interval":        {"CAMERA_MONITOR_INTERVAL"},
	"confidence_threshold":    {"ML_CONFIDENCE_THRESHOLD"},
	"max_retries":             {"MAX_CAMERA_RETRIES"},
	"retry_delay":             {"CAMERA_RETRY_DELAY"},
	"error_cooldown":          {"ERROR_COOLDOWN_PERIOD"},
	"max_memory_mb":           {"MAX_MEMORY_USAGE_MB"},
	"max_cpu_percent":         {"MAX_CPU_USAGE_PERCENT"},
	"log_detection_events":    {"LOG_DETECTION_EVENTS"},
	"log_performance_metrics": {"LOG_PERFORMANCE_METRICS"},
	"log_camera_status":       {"LOG_CAMERA_STATUS"},
	"log_level":               {"LOG_LEVEL"},
	"database_path":           {"DATABASE_PATH"},
	"ml_service_url":          {"ML_SERVICE_URL"},
	"ml_api_key":              {"ML_API_KEY"},
	"telegram_bot_token":      {"TELEGRAM_BOT_TOKEN"},
	"telegram_chat_id":        {"TELEGRAM_CHAT_ID"},
}

// Load reads configuration from defaults, an optional config file, the
// environment and command line flags, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("armguard", pflag.ContinueOnError)
	configFile := flags.String("config", "", "Path to a configuration file (yaml, toml or json)")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "Human readable console logs")
	flags.String("http-addr", ":8080", "Control surface listen address")
	flags.String("database", "armguard.db", "SQLite database path")
	flags.String("cameras", "", "YAML camera registry file (used instead of the database registry)")
	flags.String("inference", "http", "Inference backend: http, grpc or simulated")
	flags.Bool("simulate", false, "Use simulated cameras and inference")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		bind := append([]string{key, envPrefix + "_" + strings.ToUpper(key)}, names...)
		if err := v.BindEnv(bind...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	for key, flag := range map[string]string{
		"log_level":         "log-level",
		"log_pretty":        "log-pretty",
		"http_addr":         "http-addr",
		"database_path":     "database",
		"cameras_file":      "cameras",
		"inference_backend": "inference",
		"simulate":          "simulate",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if err := readConfigFile(v, *configFile); err != nil {
		return nil, err
	}

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		secondsOrDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("armguard")
		v.AddConfigPath("/etc/armguard")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// secondsOrDurationHook decodes durations given either as Go duration strings
// ("2s", "1m30s") or as plain numbers of seconds ("2", "0.5", 60).
func secondsOrDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch d := data.(type) {
		case string:
			s := strings.TrimSpace(d)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		}
		return data, nil
	}
}

// Validate checks the configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.MaxWorkers >= 1, "max_workers must be at least 1")
	check(c.MaxCameras >= 0, "max_cameras must not be negative")
	check(c.FrameSkip >= 1, "frame_skip must be at least 1")
	check(c.DetectionInterval >= 100*time.Millisecond, "detection_interval must be at least 0.1 seconds")
	check(c.MaxQueueSize >= 1, "max_queue_size must be at least 1")
	check(c.ConfidenceThreshold >= 0.1 && c.ConfidenceThreshold <= 1.0, "confidence_threshold must be between 0.1 and 1.0")
	check(c.CameraWidth >= 320 && c.CameraHeight >= 240, "minimum camera resolution is 320x240")
	check(c.CameraFPS >= 1, "camera_fps must be at least 1")
	check(c.MaxRetries >= 0, "max_retries must not be negative")
	check(c.RetryDelay > 0, "retry_delay must be positive")
	check(c.ErrorCooldown > 0, "error_cooldown must be positive")
	check(c.MonitorInterval > 0, "monitor_interval must be positive")
	check(c.PerformanceInterval > 0, "performance_interval must be positive")
	check(c.MaxMemoryMB > 0, "max_memory_mb must be positive")
	check(c.MaxCPUPercent > 0 && c.MaxCPUPercent <= 100, "max_cpu_percent must be in (0, 100]")
	check(c.MaxFrameSkip >= 1, "max_frame_skip must be at least 1")

	switch c.InferenceBackend {
	case "http":
		check(c.MLServiceURL != "", "ml_service_url is required for the http inference backend")
	case "grpc":
		check(c.GRPCEndpoint != "", "grpc_endpoint is required for the grpc inference backend")
	case "failover":
		check(c.GRPCEndpoint != "" && c.MLServiceURL != "", "grpc_endpoint and ml_service_url are required for the failover inference backend")
	case "simulated":
	default:
		check(false, "unknown inference_backend %q", c.InferenceBackend)
	}

	switch c.EvidenceBackend {
	case "s3":
		check(c.S3Bucket != "", "s3_bucket is required for the s3 evidence backend")
	case "file":
		check(c.EvidenceDir != "", "evidence_dir is required for the file evidence backend")
	case "none":
	default:
		check(false, "unknown evidence_backend %q", c.EvidenceBackend)
	}

	return errors.Join(errs...)
}
