package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ozank/scholarharvest/internal/progress"
)

// PrometheusSink exports harvest progress metrics via Prometheus. It owns the
// collectors for run lifecycle, per-host unit counters, and flush totals.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runRuntime    *prometheus.HistogramVec

	targetsDone  prometheus.Counter
	unitsDone    *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec

	recordsSaved   prometheus.Counter
	flushes        prometheus.Counter
	artifactBytes  prometheus.Counter
	recordsPerSave prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		targetsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_targets_completed_total",
			Help: "Total targets fully processed.",
		}),
		unitsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_units_total",
			Help: "Work unit completions partitioned by host and outcome.",
		}, []string{"host", "outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_unit_duration_seconds",
			Help:    "Work unit duration partitioned by host.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		recordsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_records_saved_total",
			Help: "Total records persisted across flushes.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_flushes_total",
			Help: "Total batch flushes written to artifact storage.",
		}),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_artifact_bytes_total",
			Help: "Bytes of artifact data written.",
		}),
		recordsPerSave: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_flush_records",
			Help:    "Record count per flush.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.targetsDone,
		s.unitsDone,
		s.unitDuration,
		s.recordsSaved,
		s.flushes,
		s.artifactBytes,
		s.recordsPerSave,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	case progress.StageTargetDone:
		s.targetsDone.Inc()
	case progress.StageUnitDone:
		s.handleUnitEvent(evt)
	case progress.StageFlushDone:
		s.flushes.Inc()
		if evt.Records > 0 {
			s.recordsSaved.Add(float64(evt.Records))
			s.recordsPerSave.Observe(float64(evt.Records))
		}
		if evt.Bytes > 0 {
			s.artifactBytes.Add(float64(evt.Bytes))
		}
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleUnitEvent(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = string(progress.OutcomeFailed)
	}
	s.unitsDone.WithLabelValues(host, outcome).Inc()
	if evt.Dur > 0 {
		s.unitDuration.WithLabelValues(host).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
