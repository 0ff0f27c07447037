package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/api"
	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
	"github.com/JakeFAU/story-harvester/internal/progress"
	"github.com/JakeFAU/story-harvester/internal/progress/sinks"
)

// Run states reported by RunManager.
const (
	RunRunning   = "running"
	RunCompleted = progress.RunCompleted
	RunCanceled  = progress.RunCanceled
	RunFailed    = "failed"
)

const recentEvents = 512

// Crawler runs one acquisition pass.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest, token *cancel.Token) (orchestrator.Report, error)
}

// RunManager starts at most one background crawl at a time.
type RunManager struct {
	crawler Crawler
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *runState
}

type runState struct {
	status api.RunStatus
	token  *cancel.Token
	recent *sinks.RecentSink
	done   chan struct{}
}

var _ api.RunController = (*RunManager)(nil)

// NewRunManager builds a RunManager over crawler.
func NewRunManager(crawler Crawler, logger *zap.Logger) *RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunManager{
		crawler: crawler,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches a run in the background. The run outlives ctx; it stops
// only through Cancel or Stop.
func (m *RunManager) Start(ctx context.Context, req api.RunRequest) (api.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.status.State == RunRunning {
		return api.RunStatus{}, api.ErrRunInProgress
	}

	id, err := uuid.NewV7()
	if err != nil {
		return api.RunStatus{}, fmt.Errorf("generate run id: %w", err)
	}
	run := &runState{
		status: api.RunStatus{
			ID:      id.String(),
			State:   RunRunning,
			Target:  req.Count,
			Sources: append([]string(nil), req.Sources...),
			Started: m.now(),
		},
		token:  cancel.New(),
		recent: sinks.NewRecentSink(recentEvents),
		done:   make(chan struct{}),
	}
	m.current = run

	runCtx := context.WithoutCancel(ctx)
	go m.execute(runCtx, run, CrawlRequest{
		Count:   req.Count,
		Sources: req.Sources,
		RunID:   id,
		TopUp:   req.TopUp,
		Sinks:   []progress.Sink{run.recent},
	})
	m.logger.Info("run started", zap.String("run_id", run.status.ID), zap.Int("count", req.Count))
	return run.status, nil
}

func (m *RunManager) execute(ctx context.Context, run *runState, req CrawlRequest) {
	defer close(run.done)
	report, err := m.crawler.Crawl(ctx, req, run.token)

	m.mu.Lock()
	defer m.mu.Unlock()
	finished := m.now()
	run.status.Finished = &finished
	switch {
	case err != nil:
		run.status.State = RunFailed
		m.logger.Error("run failed", zap.String("run_id", run.status.ID), zap.Error(err))
	case report.Canceled:
		run.status.State = RunCanceled
		run.status.Report = &report
	default:
		run.status.State = RunCompleted
		run.status.Report = &report
	}
	m.logger.Info("run finished",
		zap.String("run_id", run.status.ID),
		zap.String("state", run.status.State),
		zap.Int("saved", report.Saved),
	)
}

// Current returns the active or most recent run with its retained events.
func (m *RunManager) Current() (api.RunStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return api.RunStatus{}, false
	}
	st := m.current.status
	st.Sources = append([]string(nil), st.Sources...)
	st.Events = m.current.recent.Snapshot()
	return st, true
}

// Cancel signals the active run. It reports false when nothing is running.
func (m *RunManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.status.State != RunRunning {
		return false
	}
	m.current.token.Signal()
	return true
}

// Stop cancels the active run and waits for it to wind down or for ctx.
func (m *RunManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	run := m.current
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	run.token.Signal()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
