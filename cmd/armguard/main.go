package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"armguard/internal/camera"
	"armguard/internal/capture"
	"armguard/internal/config"
	"armguard/internal/cooldown"
	"armguard/internal/database"
	"armguard/internal/detection"
	"armguard/internal/evidence"
	"armguard/internal/fakes"
	"armguard/internal/logger"
	"armguard/internal/metrics"
	"armguard/internal/notify"
	"armguard/internal/orchestrator"
	"armguard/internal/perf"
	"armguard/internal/pipeline"
	"armguard/internal/stream"
	"armguard/internal/telegram"
	"armguard/internal/ws"
)

const (
	detectionLogRetention = 30 * 24 * time.Hour
	simulatedWeaponRate   = 0.02
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "armguard: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "armguard: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("armguard failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	registry, statusMonitor, err := openRegistry(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	inferencer, health, closeInferencer, err := newInferencer(cfg, log)
	if err != nil {
		return err
	}
	defer closeInferencer()

	evidenceStore, err := newEvidenceStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	live := stream.NewLiveView(10*time.Second, log)
	hub := ws.NewDetectionHub(log)
	defer hub.Close()

	channels := []notify.Channel{{Name: "websocket", Notifier: hub}}
	var bot *telegram.TelegramBot
	if cfg.TelegramBotToken != "" {
		owners, err := telegram.ParseChatMap(cfg.TelegramOwnerChats)
		if err != nil {
			return fmt.Errorf("invalid telegram_owner_chats: %w", err)
		}
		bot = telegram.NewTelegramBot(telegram.Config{
			BotToken:    cfg.TelegramBotToken,
			AdminChatID: cfg.TelegramChatID,
			OwnerChats:  owners,
			Cooldown:    cfg.TelegramCooldown,
		}, log)
		channels = append(channels, notify.Channel{Name: "telegram", Notifier: bot})
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()
	bus.Subscribe(hub)
	bus.Subscribe(collector)

	deps := pipeline.DispatcherDeps{
		Inferencer: inferencer,
		Reports:    db,
		Recorder:   db,
		Notifier:   notify.NewFanout(log, channels...),
		Observer:   collector,
		Evidence:   evidenceStore,
		Bus:        bus,
	}
	dispatcher, err := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		ConfidenceThreshold: float32(cfg.ConfidenceThreshold),
		MaxWorkers:          cfg.MaxWorkers,
		LogDetectionEvents:  cfg.LogDetectionEvents,
	}, deps, log)
	if err != nil {
		return err
	}

	throttle := perf.NewThrottleState(pipeline.SamplingParams{
		FrameSkip:         cfg.FrameSkip,
		DetectionInterval: cfg.DetectionInterval,
	}, perf.Limits{
		FrameSkipFactor:      2,
		IntervalFactor:       1.5,
		MaxFrameSkip:         cfg.MaxFrameSkip,
		MaxDetectionInterval: cfg.MaxDetectionInterval,
	})

	tracker := cooldown.New(cooldown.Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Cooldown:   cfg.ErrorCooldown,
	}, log)

	var sources pipeline.FrameSourceFactory
	if cfg.Simulate {
		fps := max(cfg.CameraFPS, 1)
		sources = fakes.NewSources(fakes.Behavior{Interval: time.Second / time.Duration(fps)}).Factory()
	} else {
		sources = capture.NewFactory(capture.Config{
			Width:      cfg.CameraWidth,
			Height:     cfg.CameraHeight,
			FPS:        cfg.CameraFPS,
			FFmpegPath: cfg.FFmpegPath,
		}, log)
	}

	manager, err := orchestrator.New(orchestrator.Config{
		ReconcileInterval: cfg.MonitorInterval,
		QueueCapacity:     cfg.MaxQueueSize,
		StopTimeout:       cfg.StopTimeout,
		MaxCameras:        cfg.MaxCameras,
		LogCameraStatus:   cfg.LogCameraStatus,
	}, orchestrator.Deps{
		Registry:   registry,
		Sources:    sources,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Params:     throttle,
		Observer:   collector,
		Frames:     live,
	}, log)
	if err != nil {
		return err
	}

	sampler, err := perf.NewSystemSampler(ctx)
	if err != nil {
		return fmt.Errorf("failed to create resource sampler: %w", err)
	}
	monitor := perf.NewMonitor(perf.Config{
		Interval:              cfg.PerformanceInterval,
		MaxCPUPercent:         cfg.MaxCPUPercent,
		MaxMemoryMB:           cfg.MaxMemoryMB,
		ThrottleWindow:        cfg.ThrottleWindow,
		LogPerformanceMetrics: cfg.LogPerformanceMetrics,
	}, sampler, throttle, log, perf.WithLoadReporter(manager), perf.WithObserver(collector))

	api := &apiServer{
		manager:   manager,
		reports:   db,
		monitor:   monitor,
		health:    health,
		live:      live,
		websocket: ws.NewHandler(hub),
		metrics:   collector.Handler(),
		logger:    log.With().Str("component", "http").Logger(),
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { manager.Run(ctx) })
	spawn(func() { monitor.Run(ctx) })
	spawn(func() { pruneDetectionLogs(ctx, db, log) })
	if statusMonitor != nil {
		spawn(func() { statusMonitor.Run(ctx) })
	}
	if bot != nil && cfg.TelegramCommands {
		commands := telegram.NewCommandHandler(bot, manager)
		spawn(func() {
			if err := commands.StartPolling(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("telegram command polling stopped")
			}
		})
	}
	handleHTTPServer(ctx, cfg.HTTPAddr, api.routes(), &wg, errc, log)

	log.Info().
		Int("max_workers", cfg.MaxWorkers).
		Int("frame_skip", cfg.FrameSkip).
		Dur("detection_interval", cfg.DetectionInterval).
		Float64("confidence_threshold", cfg.ConfidenceThreshold).
		Bool("simulate", cfg.Simulate).
		Msg("armguard started")

	// Wait for signal.
	log.Info().Msgf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Info().Msg("exited")
	return nil
}

// openRegistry returns the YAML file registry when a cameras file is
// configured and the database registry otherwise. The status monitor is only
// returned for the database registry.
func openRegistry(ctx context.Context, cfg *config.Config, db *database.Database, log zerolog.Logger) (pipeline.CameraRegistry, *camera.StatusMonitor, error) {
	prober := camera.NewProber(5*time.Second, 30*time.Second)

	if cfg.CamerasFile != "" {
		if cfg.Simulate {
			prober = nil
		}
		r, err := camera.NewFileRegistry(cfg.CamerasFile, prober, log)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	}

	if cfg.Simulate {
		if err := seedSimulatedCameras(ctx, db); err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}
	return db, camera.NewStatusMonitor(db, prober, cfg.MonitorInterval, log), nil
}

func seedSimulatedCameras(ctx context.Context, db *database.Database) error {
	existing, err := db.ListCameras(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i, location := range []string{"Main entrance", "Parking lot", "Lobby"} {
		id := fmt.Sprintf("sim-%d", i+1)
		rec := &database.CameraRecord{
			CameraInfo: pipeline.CameraInfo{
				ID:        id,
				Name:      "Simulated " + location,
				Location:  location,
				StreamURL: "sim://" + id,
				Active:    true,
				Reachable: true,
			},
			Status: database.CameraOnline,
		}
		if err := db.SaveCamera(ctx, rec); err != nil {
			return fmt.Errorf("failed to seed camera %s: %w", id, err)
		}
	}
	return nil
}

func newInferencer(cfg *config.Config, log zerolog.Logger) (pipeline.Inferencer, healthChecker, func(), error) {
	backend := cfg.InferenceBackend
	if cfg.Simulate {
		backend = "simulated"
	}

	switch backend {
	case "simulated":
		return fakes.NewRandomInferencer(simulatedWeaponRate), nil, func() {}, nil
	case "grpc":
		g, err := newGRPCInferencer(cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return g, g, func() { g.Close() }, nil
	case "failover":
		g, err := newGRPCInferencer(cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		f, err := detection.NewFailover(log,
			detection.NamedBackend{Name: "grpc", Backend: g},
			detection.NamedBackend{Name: "http", Backend: newHTTPInferencer(cfg, log)},
		)
		if err != nil {
			g.Close()
			return nil, nil, nil, err
		}
		return f, f, func() { g.Close() }, nil
	default:
		h := newHTTPInferencer(cfg, log)
		return h, h, func() {}, nil
	}
}

func newHTTPInferencer(cfg *config.Config, log zerolog.Logger) *detection.HTTPInferencer {
	return detection.NewHTTPInferencer(detection.HTTPConfig{
		Endpoint: cfg.MLServiceURL,
		APIKey:   cfg.MLAPIKey,
		Timeout:  cfg.MLTimeout,
	}, log)
}

func newGRPCInferencer(cfg *config.Config, log zerolog.Logger) (*detection.GRPCInferencer, error) {
	return detection.NewGRPCInferencer(detection.GRPCConfig{
		Endpoint: cfg.GRPCEndpoint,
		Timeout:  cfg.MLTimeout,
	}, log)
}

func newEvidenceStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (pipeline.EvidenceStore, error) {
	switch cfg.EvidenceBackend {
	case "s3":
		return evidence.NewS3Store(ctx, evidence.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
		}, log)
	case "file":
		return evidence.NewFileStore(cfg.EvidenceDir)
	default:
		return nil, nil
	}
}

func pruneDetectionLogs(ctx context.Context, db *database.Database, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.DeleteDetectionLogsBefore(ctx, time.Now().Add(-detectionLogRetention))
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to prune detection logs")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("pruned detection logs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
