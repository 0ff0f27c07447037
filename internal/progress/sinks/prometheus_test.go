package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/story-harvester/internal/progress"
)

func runID() [16]byte {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

func TestPrometheusSinkRecordsRun(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := runID()
	now := time.Now()
	batch := []progress.Event{
		{RunID: id, TS: now, Stage: progress.StageRunStart, Quota: 3},
		{RunID: id, TS: now, Stage: progress.StageSourceStart, Source: "TIFU", Quota: 3},
		{RunID: id, TS: now, Stage: progress.StageSourceDone, Source: "TIFU", Saved: 3, Status: "completed", Dur: time.Minute},
		{RunID: id, TS: now, Stage: progress.StageRunDone, Saved: 3, Status: progress.RunCompleted, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues(progress.RunCompleted)), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.sourcesRunning), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.sourceSaved.WithLabelValues("tifu")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.sourceDuration, "harvester_source_duration_seconds"))
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := runID()
	require.NoError(t, second.Consume(context.Background(), []progress.Event{
		{RunID: id, TS: time.Now(), Stage: progress.StageRunStart},
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(first.runsStarted), 1e-9)
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	id := runID()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: id, TS: time.Now(), Stage: progress.StageSourceDone, Source: "tifu", Saved: 2, Status: "completed"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "tifu", fields["source"])
	require.EqualValues(t, 2, fields["saved"])
	require.Equal(t, uuid.UUID(id).String(), fields["run_id"])
}
