package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagecapture/internal/progress"
)

// PrometheusSink exports job lifecycle metrics. It owns collectors for jobs
// queued, started and finished, jobs in flight, and per-strategy attempts.
type PrometheusSink struct {
	jobsQueued    prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobsExpired   prometheus.Counter
	jobRuntime    *prometheus.HistogramVec
	artifactBytes *prometheus.CounterVec

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_progress_jobs_queued_total",
			Help: "Jobs accepted into the queue.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_progress_jobs_started_total",
			Help: "Jobs admitted to processing.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_progress_jobs_finished_total",
			Help: "Jobs leaving the queue partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_progress_jobs_running",
			Help: "Jobs currently processing, derived from lifecycle events.",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_progress_jobs_expired_total",
			Help: "Job records removed by the expiry sweep.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_progress_job_runtime_seconds",
			Help:    "Processing time per finished job.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		artifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_progress_artifact_bytes_total",
			Help: "Artifact bytes produced per strategy.",
		}, []string{"strategy"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_progress_strategy_attempts_total",
			Help: "Strategy attempts partitioned by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_progress_strategy_attempt_seconds",
			Help:    "Strategy attempt latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"strategy"}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsQueued,
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobsExpired,
		s.jobRuntime,
		s.artifactBytes,
		s.attempts,
		s.attemptDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobQueued:
		s.jobsQueued.Inc()
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		s.jobsRunning.Inc()
	case progress.StageJobDone:
		result := "success"
		if evt.Degraded {
			result = "degraded"
		}
		s.finish(evt, result)
		if evt.Bytes > 0 {
			s.artifactBytes.WithLabelValues(evt.Strategy).Add(float64(evt.Bytes))
		}
	case progress.StageJobError:
		s.finish(evt, "error")
	case progress.StageJobExpired:
		s.jobsExpired.Inc()
	case progress.StageStrategyAttempt:
		s.attempts.WithLabelValues(evt.Strategy, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.attemptDuration.WithLabelValues(evt.Strategy).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	s.jobsRunning.Dec()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
