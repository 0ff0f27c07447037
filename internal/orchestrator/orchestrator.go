// Package orchestrator spreads an item target across sources and runs a
// worker per source, sequentially or through a bounded pool.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/pace"
	"github.com/JakeFAU/story-harvester/internal/progress"
	"github.com/JakeFAU/story-harvester/internal/worker"
)

// Config controls how sources are scheduled.
type Config struct {
	// Concurrency is the number of sources crawled at once. 1 runs them in order.
	Concurrency int `mapstructure:"concurrency"`
	// Pause separates consecutive sources in sequential mode.
	Pause pace.Window `mapstructure:"pause"`
	// Stagger precedes every pool launch after the first.
	Stagger pace.Window `mapstructure:"stagger"`
}

// DefaultConfig returns sequential scheduling with a 3-6 s pause.
func DefaultConfig() Config {
	return Config{
		Concurrency: 1,
		Pause:       pace.Window{Min: 3 * time.Second, Max: 6 * time.Second},
		Stagger:     pace.Window{Min: 3 * time.Second, Max: 6 * time.Second},
	}
}

// Validate checks the scheduling settings.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("orchestrator.concurrency must be >= 1")
	}
	for name, w := range map[string]pace.Window{"pause": c.Pause, "stagger": c.Stagger} {
		if w.Min < 0 || w.Max < w.Min {
			return fmt.Errorf("orchestrator.%s must satisfy 0 <= min <= max", name)
		}
	}
	return nil
}

// SourceRunner crawls a single source. *worker.Worker satisfies it.
type SourceRunner interface {
	Execute(ctx context.Context, src harvest.Source, quota int, token *cancel.Token) worker.Result
}

// Report summarizes a run. UnusedBefore and TopUpSkipped are only filled by
// top-up runs, which crawl nothing when enough unused items are on hand.
type Report struct {
	Planned        []string        `json:"planned"`
	PerSourceQuota int             `json:"per_source_quota"`
	Saved          int             `json:"saved"`
	Results        []worker.Result `json:"results"`
	Canceled       bool            `json:"canceled"`
	UnusedBefore   int             `json:"unused_before,omitempty"`
	TopUpSkipped   bool            `json:"top_up_skipped,omitempty"`
}

// Plan splits total across n sources. The per-source quota is at least one
// and only as many sources as the quota needs are used.
func Plan(n, total int) (perSourceQuota, sourcesNeeded int) {
	if n <= 0 || total <= 0 {
		return 0, 0
	}
	perSourceQuota = max(1, total/n)
	sourcesNeeded = min(n, (total+perSourceQuota-1)/perSourceQuota)
	return perSourceQuota, sourcesNeeded
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper replaces the pause timer.
func WithSleeper(s pace.Sleeper) Option {
	return func(o *Orchestrator) { o.sleeper = s }
}

// WithReporter streams run milestones to rep.
func WithReporter(rep *progress.Reporter) Option {
	return func(o *Orchestrator) { o.reporter = rep }
}

// WithShuffle replaces the source shuffle.
func WithShuffle(fn func([]harvest.Source)) Option {
	return func(o *Orchestrator) { o.shuffle = fn }
}

// Orchestrator schedules sources for one or more runs.
type Orchestrator struct {
	runner   SourceRunner
	cfg      Config
	logger   *zap.Logger
	sleeper  pace.Sleeper
	reporter *progress.Reporter
	shuffle  func([]harvest.Source)
}

// New constructs an Orchestrator.
func New(runner SourceRunner, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	o := &Orchestrator{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		sleeper: pace.TimerSleeper{},
		shuffle: pace.Shuffle[harvest.Source],
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAll harvests up to total new items across sources. A failing source
// never stops the others. Setting token stops launching sources and lets the
// running ones finish their current item.
func (o *Orchestrator) RunAll(ctx context.Context, sources []harvest.Source, total int, token *cancel.Token) Report {
	start := time.Now()
	quota, needed := Plan(len(sources), total)
	picked := append([]harvest.Source(nil), sources...)
	o.shuffle(picked)
	picked = picked[:needed]

	report := Report{PerSourceQuota: quota, Planned: make([]string, 0, len(picked))}
	for _, src := range picked {
		report.Planned = append(report.Planned, src.Name)
	}
	o.logger.Info("acquisition planned",
		zap.Strings("sources", report.Planned),
		zap.Int("per_source_quota", quota),
		zap.Int("target", total),
		zap.Int("concurrency", o.cfg.Concurrency),
	)
	o.reporter.RunStarted(report.Planned, quota)

	var saved atomic.Int64
	var mu sync.Mutex
	record := func(res worker.Result) {
		mu.Lock()
		report.Results = append(report.Results, res)
		mu.Unlock()
		running := saved.Add(int64(res.Saved))
		o.logger.Info("source finished",
			zap.String("source", res.Source),
			zap.Int("saved", res.Saved),
			zap.String("status", res.Status),
			zap.Int64("running_total", running),
		)
	}

	if o.cfg.Concurrency == 1 || len(picked) <= 1 {
		o.runSequential(ctx, picked, quota, token, record)
	} else {
		o.runPool(ctx, picked, quota, token, record)
	}

	report.Saved = int(saved.Load())
	report.Canceled = token.IsSignaled() || ctx.Err() != nil
	o.reporter.RunFinished(report.Saved, report.Canceled, time.Since(start))
	o.logger.Info("acquisition finished",
		zap.Int("saved", report.Saved),
		zap.Int("target", total),
		zap.Bool("canceled", report.Canceled),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report
}

func (o *Orchestrator) runSequential(ctx context.Context, sources []harvest.Source, quota int, token *cancel.Token, record func(worker.Result)) {
	for i, src := range sources {
		if token.IsSignaled() || ctx.Err() != nil {
			o.logger.Info("stop requested; skipping remaining sources", zap.Int("remaining", len(sources)-i))
			return
		}
		record(o.runOne(ctx, src, quota, token))
		if i < len(sources)-1 && !token.IsSignaled() {
			o.sleeper.Sleep(ctx, o.cfg.Pause.Pick())
		}
	}
}

func (o *Orchestrator) runPool(ctx context.Context, sources []harvest.Source, quota int, token *cancel.Token, record func(worker.Result)) {
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, src := range sources {
		if i > 0 {
			o.sleeper.Sleep(ctx, o.cfg.Stagger.Pick())
		}
		if token.IsSignaled() || ctx.Err() != nil {
			o.logger.Info("stop requested; not launching remaining sources", zap.Int("remaining", len(sources)-i))
			break
		}
		g.Go(func() error {
			if token.IsSignaled() {
				return nil
			}
			record(o.runOne(ctx, src, quota, token))
			return nil
		})
	}
	_ = g.Wait()
}

// runOne shields the run from a panicking runner so one source cannot take
// down its siblings.
func (o *Orchestrator) runOne(ctx context.Context, src harvest.Source, quota int, token *cancel.Token) (res worker.Result) {
	start := time.Now()
	o.reporter.SourceStarted(src.Name, quota)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("source runner panicked", zap.String("source", src.Name), zap.Any("panic", r))
			res = worker.Result{Source: src.Name, Status: worker.StatusPanicked}
		}
		res.Duration = time.Since(start)
		o.reporter.SourceFinished(src.Name, res.Saved, res.Status, res.Duration)
	}()
	return o.runner.Execute(ctx, src, quota, token)
}
