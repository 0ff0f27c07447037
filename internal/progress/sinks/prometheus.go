package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/story-harvester/internal/metrics"
	"github.com/JakeFAU/story-harvester/internal/progress"
)

// PrometheusSink exports run and per-source progress.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	sourcesRunning prometheus.Gauge
	sourceDuration *prometheus.HistogramVec
	sourceSaved    *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg. Collectors that are
// already registered are reused, so one process may build the sink twice.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Acquisition runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Acquisition runs finished, partitioned by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per acquisition run.",
			Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"status"}),
		sourcesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sources_running",
			Help: "Sources currently being crawled.",
		}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_source_duration_seconds",
			Help:    "Wall time per source, partitioned by final status.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		sourceSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_source_saved_total",
			Help: "Items persisted, partitioned by source.",
		}, []string{"source"}),
	}
	var err error
	if s.runsStarted, err = register(reg, s.runsStarted); err != nil {
		return nil, err
	}
	if s.runsCompleted, err = register(reg, s.runsCompleted); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, s.runDuration); err != nil {
		return nil, err
	}
	if s.sourcesRunning, err = register(reg, s.sourcesRunning); err != nil {
		return nil, err
	}
	if s.sourceDuration, err = register(reg, s.sourceDuration); err != nil {
		return nil, err
	}
	if s.sourceSaved, err = register(reg, s.sourceSaved); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.runsCompleted.WithLabelValues(evt.Status).Inc()
			s.runDuration.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
		case progress.StageSourceStart:
			s.sourcesRunning.Inc()
		case progress.StageSourceDone:
			s.sourcesRunning.Dec()
			s.sourceDuration.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			if evt.Saved > 0 {
				s.sourceSaved.WithLabelValues(metrics.SanitizeSource(evt.Source)).Add(float64(evt.Saved))
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
