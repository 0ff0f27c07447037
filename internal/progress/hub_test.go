package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, zap.NewNop(), sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, nil, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.NotZero(t, hub.lastDrop.Load())
	require.EqualValues(t, 1, hub.dropped.Load())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, nil, sink)
	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, nil, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: sampleEvent(StageRunStart).RunID, TS: time.Now(), Stage: StageSourceDone, Source: "tifu"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestReporterStampsEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, nil, sink)
	id := uuid.New()
	rep := NewReporter(hub, id)
	require.Equal(t, id, rep.RunID())

	rep.RunStarted([]string{"tifu", "aita"}, 3)
	rep.SourceStarted("tifu", 3)
	rep.SourceFinished("tifu", 2, "completed", time.Second)
	rep.RunFinished(2, true, 2*time.Second)
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	events := batches[0]
	require.Len(t, events, 4)
	require.Equal(t, "tifu,aita", events[0].Note)
	require.Equal(t, StageSourceDone, events[2].Stage)
	require.Equal(t, 2, events[2].Saved)
	require.Equal(t, RunCanceled, events[3].Status)
	for _, evt := range events {
		require.Equal(t, id, evt.RunUUID())
		require.False(t, evt.TS.IsZero())
	}

	var nilRep *Reporter
	nilRep.RunStarted(nil, 1)
	require.Equal(t, uuid.Nil, nilRep.RunID())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := sampleEvent(StageRunStart)
	cases := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "run start", mutate: func(*Event) {}},
		{name: "missing id", mutate: func(e *Event) { e.RunID = [16]byte{} }, wantErr: true},
		{name: "missing ts", mutate: func(e *Event) { e.TS = time.Time{} }, wantErr: true},
		{name: "source start without source", mutate: func(e *Event) { e.Stage = StageSourceStart }, wantErr: true},
		{name: "source done", mutate: func(e *Event) { e.Stage = StageSourceDone; e.Source = "tifu"; e.Status = "completed" }},
		{name: "run done without status", mutate: func(e *Event) { e.Stage = StageRunDone }, wantErr: true},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -time.Second }, wantErr: true},
		{name: "unknown stage", mutate: func(e *Event) { e.Stage = "NOPE" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evt := base
			tc.mutate(&evt)
			if tc.wantErr {
				require.Error(t, evt.Validate())
				return
			}
			require.NoError(t, evt.Validate())
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return Event{RunID: id, TS: time.Now(), Stage: stage}
}
