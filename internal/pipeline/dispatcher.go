package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// InferenceObserver is notified about every inference call
type InferenceObserver interface {
	ObserveInference(cameraID string, took time.Duration, err error)
}

// DispatcherConfig holds dispatcher settings
type DispatcherConfig struct {
	ConfidenceThreshold float32
	MaxWorkers          int  // concurrent dispatches across all cameras
	LogDetectionEvents  bool // log every positive verdict
}

// ErrNoVerdict is returned when an inferencer reports neither a verdict nor an error
var ErrNoVerdict = errors.New("inferencer returned no verdict")

// Dispatcher drains detection queues, runs inference and handles positive
// verdicts. A single Dispatcher is shared by all cameras; the number of
// frames being processed at once is bounded by MaxWorkers.
type Dispatcher struct {
	inferencer Inferencer
	reports    ReportCreator
	recorder   DetectionRecorder
	notifier   Notifier
	evidence   EvidenceStore
	observer   InferenceObserver
	bus        *EventBus
	pool       *semaphore.Weighted
	threshold  float32
	logEvents  bool
	logger     zerolog.Logger
}

// DispatcherDeps are the collaborators used by the dispatcher.
// Inferencer and Reports are required; the rest may be nil.
type DispatcherDeps struct {
	Inferencer Inferencer
	Reports    ReportCreator
	Recorder   DetectionRecorder
	Notifier   Notifier
	Evidence   EvidenceStore
	Observer   InferenceObserver
	Bus        *EventBus
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps, logger zerolog.Logger) (*Dispatcher, error) {
	if deps.Inferencer == nil {
		return nil, errors.New("dispatcher: inferencer is required")
	}
	if deps.Reports == nil {
		return nil, errors.New("dispatcher: report creator is required")
	}
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	bus := deps.Bus
	if bus == nil {
		bus = NewEventBus()
	}

	return &Dispatcher{
		inferencer: deps.Inferencer,
		reports:    deps.Reports,
		recorder:   deps.Recorder,
		notifier:   deps.Notifier,
		evidence:   deps.Evidence,
		observer:   deps.Observer,
		bus:        bus,
		pool:       semaphore.NewWeighted(int64(workers)),
		threshold:  cfg.ConfidenceThreshold,
		logEvents:  cfg.LogDetectionEvents,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Bus returns the event bus outcomes are published on
func (d *Dispatcher) Bus() *EventBus {
	return d.bus
}

// Threshold returns the confidence threshold for reports
func (d *Dispatcher) Threshold() float32 {
	return d.threshold
}

// Run drains queue until ctx is done, calling onOutcome for every processed frame
func (d *Dispatcher) Run(ctx context.Context, cam CameraInfo, queue *DetectionQueue, onOutcome func(*DetectionOutcome)) {
	for {
		outcome, err := d.ProcessOne(ctx, cam, queue)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// soft failure, the camera keeps running
			continue
		}
		if onOutcome != nil && outcome != nil {
			onOutcome(outcome)
		}
	}
}

// ProcessOne dequeues a single frame and processes it
func (d *Dispatcher) ProcessOne(ctx context.Context, cam CameraInfo, queue *DetectionQueue) (*DetectionOutcome, error) {
	frame, err := queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return d.Process(ctx, cam, frame, false)
}

// Process runs inference on frame and, for a verdict at or above the
// threshold, stores evidence, creates a report and notifies. Inference
// errors are returned; report, evidence and notification errors are logged.
// A panic in any collaborator is recovered and returned as an error.
func (d *Dispatcher) Process(ctx context.Context, cam CameraInfo, frame *FrameData, forced bool) (outcome *DetectionOutcome, err error) {
	if err := d.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.pool.Release(1)

	log := d.logger.With().Str("camera_id", cam.ID).Uint64("frame_seq", frame.Seq).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("detection dispatch panicked")
			outcome = nil
			err = fmt.Errorf("dispatch for camera %s panicked: %v", cam.ID, r)
		}
	}()

	start := time.Now()
	verdict, err := d.inferencer.Infer(ctx, frame)
	if d.observer != nil {
		d.observer.ObserveInference(cam.ID, time.Since(start), err)
	}
	if err == nil && verdict == nil {
		err = ErrNoVerdict
	}
	if err != nil {
		log.Warn().Err(err).Msg("inference failed")
		return nil, fmt.Errorf("inference for camera %s: %w", cam.ID, err)
	}

	outcome = &DetectionOutcome{
		CameraID:  cam.ID,
		FrameSeq:  frame.Seq,
		Timestamp: frame.Timestamp,
		Verdict:   *verdict,
		Forced:    forced,
	}

	if !verdict.WeaponDetected {
		d.bus.Publish(outcome)
		return outcome, nil
	}

	outcome.AboveThreshold = verdict.Confidence >= d.threshold
	if !outcome.AboveThreshold {
		d.record(ctx, log, cam.ID, *verdict, "")
		if d.logEvents {
			log.Info().Str("weapon_type", verdict.WeaponType).
				Float32("confidence", verdict.Confidence).
				Msg("weapon below confidence threshold")
		}
		d.bus.Publish(outcome)
		return outcome, nil
	}

	if d.evidence != nil {
		ref, err := d.evidence.Put(ctx, frame)
		if err != nil {
			log.Error().Err(err).Msg("failed to store evidence")
		} else {
			outcome.EvidenceRef = ref
		}
	}

	reportID, err := d.reports.CreateAutoReport(ctx, AutoReport{
		CameraID:    cam.ID,
		Confidence:  verdict.Confidence,
		WeaponType:  verdict.WeaponType,
		EvidenceRef: outcome.EvidenceRef,
		Priority:    PriorityCritical,
		DetectedAt:  frame.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create report")
		d.record(ctx, log, cam.ID, *verdict, "")
		d.bus.Publish(outcome)
		return outcome, nil
	}
	outcome.ReportCreated = true
	outcome.ReportID = reportID
	d.record(ctx, log, cam.ID, *verdict, reportID)

	if d.logEvents {
		log.Warn().Str("weapon_type", verdict.WeaponType).
			Float32("confidence", verdict.Confidence).
			Str("report_id", reportID).
			Bool("forced", forced).
			Msg("weapon detected")
	}

	outcome.Notified = d.notify(ctx, log, cam, frame, outcome)
	d.bus.Publish(outcome)
	return outcome, nil
}

func (d *Dispatcher) record(ctx context.Context, log zerolog.Logger, cameraID string, verdict Verdict, reportID string) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDetection(ctx, cameraID, verdict, reportID); err != nil {
		log.Error().Err(err).Msg("failed to record detection")
	}
}

func (d *Dispatcher) notify(ctx context.Context, log zerolog.Logger, cam CameraInfo, frame *FrameData, outcome *DetectionOutcome) int {
	if d.notifier == nil {
		return 0
	}

	alert := Alert{
		CameraID:    cam.ID,
		CameraName:  cam.Name,
		OwnerID:     cam.OwnerID,
		ReportID:    outcome.ReportID,
		WeaponType:  outcome.Verdict.WeaponType,
		Confidence:  outcome.Verdict.Confidence,
		EvidenceRef: outcome.EvidenceRef,
		DetectedAt:  outcome.Timestamp,
		Forced:      outcome.Forced,
		Image:       frame.Data,
	}

	sent := 0
	for _, audience := range []Audience{AudienceCameraOwner, AudienceAdmins} {
		if err := d.notifier.Notify(ctx, audience, alert); err != nil {
			log.Error().Err(err).Str("audience", string(audience)).Msg("notification failed")
			continue
		}
		sent++
	}
	return sent
}
