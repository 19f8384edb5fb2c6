// Package metrics exports orchestrator, dispatcher and resource metrics in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"armguard/internal/orchestrator"
	"armguard/internal/perf"
	"armguard/internal/pipeline"
)

const namespace = "armguard"

// Collector holds the registry and every exported metric
type Collector struct {
	registry *prometheus.Registry

	framesCaptured   *prometheus.CounterVec
	framesDispatched *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	streamFailures   *prometheus.CounterVec
	cooldowns        *prometheus.CounterVec
	runningWorkers   prometheus.Gauge

	inferenceDuration *prometheus.HistogramVec
	inferenceErrors   *prometheus.CounterVec
	detections        *prometheus.CounterVec
	reports           *prometheus.CounterVec

	cpuPercent    *prometheus.GaugeVec
	memoryMB      *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	throttled     prometheus.Gauge
	frameSkip     prometheus.Gauge
	intervalSecs  prometheus.Gauge
	resourceAlert *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them on a private registry
func NewCollector() *Collector {
	cameraLabel := []string{"camera_id"}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_total",
			Help: "Frames read from camera streams.",
		}, cameraLabel),
		framesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_dispatched_total",
			Help: "Frames that passed sampling and were queued for inference.",
		}, cameraLabel),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_dropped_total",
			Help: "Sampled frames dropped because the camera queue was full.",
		}, cameraLabel),
		streamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "stream_failures_total",
			Help: "Stream open or read failures.",
		}, cameraLabel),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "cooldowns_total",
			Help: "Times a camera exhausted its retries and entered cooldown.",
		}, cameraLabel),
		runningWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "camera_workers_running",
			Help: "Camera workers currently running.",
		}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "inference", Name: "duration_seconds",
			Help:    "Inference call latency.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, cameraLabel),
		inferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inference", Name: "errors_total",
			Help: "Failed inference calls.",
		}, cameraLabel),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "Positive verdicts above the confidence threshold.",
		}, []string{"camera_id", "weapon_type"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reports_total",
			Help: "Automatic reports created.",
		}, []string{"camera_id", "forced"}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resources", Name: "cpu_percent",
			Help: "CPU usage by scope.",
		}, []string{"scope"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resources", Name: "memory_mb",
			Help: "Memory usage in megabytes by scope.",
		}, []string{"scope"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resources", Name: "queue_depth",
			Help: "Frames waiting in all camera queues.",
		}),
		throttled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "throttle", Name: "active",
			Help: "1 while detection is throttled.",
		}),
		frameSkip: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "throttle", Name: "frame_skip",
			Help: "Effective frame skip.",
		}),
		intervalSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "throttle", Name: "detection_interval_seconds",
			Help: "Effective minimum interval between detections per camera.",
		}),
		resourceAlert: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resources", Name: "alerts_total",
			Help: "Resource alerts raised by the performance monitor.",
		}, []string{"alert"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.framesCaptured, c.framesDispatched, c.framesDropped, c.streamFailures, c.cooldowns,
		c.runningWorkers, c.inferenceDuration, c.inferenceErrors, c.detections, c.reports,
		c.cpuPercent, c.memoryMB, c.queueDepth, c.throttled, c.frameSkip, c.intervalSecs,
		c.resourceAlert,
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// FrameCaptured implements orchestrator.Observer
func (c *Collector) FrameCaptured(cameraID string, dispatched, dropped bool) {
	c.framesCaptured.WithLabelValues(cameraID).Inc()
	if dispatched {
		c.framesDispatched.WithLabelValues(cameraID).Inc()
	}
	if dropped {
		c.framesDropped.WithLabelValues(cameraID).Inc()
	}
}

// StreamFailure implements orchestrator.Observer
func (c *Collector) StreamFailure(cameraID string, gaveUp bool) {
	c.streamFailures.WithLabelValues(cameraID).Inc()
	if gaveUp {
		c.cooldowns.WithLabelValues(cameraID).Inc()
	}
}

// WorkersChanged implements orchestrator.Observer
func (c *Collector) WorkersChanged(running int) {
	c.runningWorkers.Set(float64(running))
}

// ObserveInference implements pipeline.InferenceObserver
func (c *Collector) ObserveInference(cameraID string, took time.Duration, err error) {
	if err != nil {
		c.inferenceErrors.WithLabelValues(cameraID).Inc()
		return
	}
	c.inferenceDuration.WithLabelValues(cameraID).Observe(took.Seconds())
}

// OnDetectionResult implements pipeline.DetectionResultHandler
func (c *Collector) OnDetectionResult(o *pipeline.DetectionOutcome) {
	if o.AboveThreshold {
		c.detections.WithLabelValues(o.CameraID, o.Verdict.WeaponType).Inc()
	}
	if o.ReportCreated {
		forced := "false"
		if o.Forced {
			forced = "true"
		}
		c.reports.WithLabelValues(o.CameraID, forced).Inc()
	}
}

// ObservePerformance implements perf.Observer
func (c *Collector) ObservePerformance(s perf.Sample) {
	c.cpuPercent.WithLabelValues("system").Set(s.Usage.SystemCPUPercent)
	c.cpuPercent.WithLabelValues("process").Set(s.Usage.ProcessCPUPercent)
	c.memoryMB.WithLabelValues("system").Set(s.Usage.SystemMemoryUsedMB)
	c.memoryMB.WithLabelValues("process").Set(s.Usage.ProcessRSSMB)
	c.queueDepth.Set(float64(s.Load.QueueDepth))

	if s.Throttle.Throttled() {
		c.throttled.Set(1)
	} else {
		c.throttled.Set(0)
	}
	c.frameSkip.Set(float64(s.Throttle.FrameSkip))
	c.intervalSecs.Set(s.Throttle.DetectionInterval.Seconds())

	for _, a := range s.Alerts {
		c.resourceAlert.WithLabelValues(a).Inc()
	}
}

var (
	_ orchestrator.Observer           = (*Collector)(nil)
	_ pipeline.InferenceObserver      = (*Collector)(nil)
	_ pipeline.DetectionResultHandler = (*Collector)(nil)
	_ perf.Observer                   = (*Collector)(nil)
)
