// Package worker drives one source from listing to persisted items.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/metrics"
	"github.com/JakeFAU/story-harvester/internal/pace"
)

// Final states of a source run.
const (
	StatusCompleted  = "completed"
	StatusCanceled   = "canceled"
	StatusInitFailed = "init_failed"
	StatusReopenFail = "reopen_failed"
	StatusPanicked   = "panicked"
)

// Config controls Worker behavior.
type Config struct {
	BatchSize    int         `mapstructure:"batch_size"`
	Backoff      pace.Window `mapstructure:"backoff"`
	PublishSaved bool        `mapstructure:"publish_saved"`
}

// DefaultConfig returns the batch size and skip backoff used in production.
func DefaultConfig() Config {
	return Config{
		BatchSize: 5,
		Backoff:   pace.Window{Min: 10 * time.Second, Max: 25 * time.Second},
	}
}

// Validate checks the worker settings.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Backoff.Min < 0 || c.Backoff.Max < c.Backoff.Min {
		return fmt.Errorf("worker.backoff must satisfy 0 <= min <= max")
	}
	return nil
}

// Result summarizes one source run.
type Result struct {
	Source   string        `json:"source"`
	Saved    int           `json:"saved"`
	Fetched  int           `json:"fetched"`
	Skipped  int           `json:"skipped"`
	Blocked  int           `json:"blocked"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Option customizes a Worker.
type Option func(*Worker)

// WithSleeper replaces the backoff timer.
func WithSleeper(s pace.Sleeper) Option {
	return func(w *Worker) { w.sleeper = s }
}

// WithPublisher announces every newly written item.
func WithPublisher(p harvest.Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

// Worker runs sources one at a time. It holds no per-run state, so one
// Worker may serve several concurrent runs.
type Worker struct {
	sessions  harvest.SessionFactory
	scorer    harvest.Scorer
	store     harvest.ItemStore
	publisher harvest.Publisher
	sleeper   pace.Sleeper
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(sessions harvest.SessionFactory, scorer harvest.Scorer, store harvest.ItemStore, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	w := &Worker{
		sessions: sessions,
		scorer:   scorer,
		store:    store,
		sleeper:  pace.TimerSleeper{},
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run harvests up to quota new items from src and returns how many were
// persisted. It never panics and never returns an error; problems are
// logged.
func (w *Worker) Run(ctx context.Context, src harvest.Source, quota int, token *cancel.Token) int {
	return w.Execute(ctx, src, quota, token).Saved
}

// Execute is Run with a full summary of the outcome.
func (w *Worker) Execute(ctx context.Context, src harvest.Source, quota int, token *cancel.Token) (res Result) {
	res = Result{Source: src.Name, Status: StatusCompleted}
	logger := w.logger.With(zap.String("source", src.Name))
	started := time.Now()

	var (
		sess  harvest.CrawlSession
		batch []harvest.Item
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			res.Status = StatusPanicked
		}
		res.Saved += w.safeFlush(ctx, src, batch, logger)
		w.dispose(sess)
		res.Duration = time.Since(started)
		metrics.ObserveSource(res.Status)
		logger.Info("source finished",
			zap.String("status", res.Status),
			zap.Int("saved", res.Saved),
			zap.Int("fetched", res.Fetched),
			zap.Int("skipped", res.Skipped),
			zap.Int("blocked", res.Blocked),
			zap.Duration("duration", res.Duration),
		)
	}()

	if quota <= 0 {
		return res
	}
	if token.IsSignaled() {
		res.Status = StatusCanceled
		return res
	}

	var err error
	sess, err = w.open(ctx, src)
	if err != nil {
		logger.Error("session init failed", zap.Error(err))
		res.Status = StatusInitFailed
		return res
	}

	links, err := sess.Listing(ctx, token, src, quota)
	if err != nil {
		logger.Warn("listing ended with error", zap.Error(err), zap.Int("links", len(links)))
		if errors.Is(err, harvest.ErrBlocked) {
			res.Blocked++
			metrics.ObserveItem(src.Name, metrics.OutcomeBlocked)
			// A blocked session refuses further work; the fetch loop reopens lazily.
			w.dispose(sess)
			sess = nil
			if len(links) > 0 {
				w.sleeper.Sleep(ctx, w.cfg.Backoff.Pick())
			}
		}
	}
	if len(links) > quota {
		links = links[:quota]
	}
	pace.Shuffle(links)
	logger.Info("listing collected", zap.Int("links", len(links)), zap.Int("quota", quota))

	for _, link := range links {
		if token.IsSignaled() || ctx.Err() != nil {
			res.Status = StatusCanceled
			break
		}
		if sess == nil {
			sess, err = w.open(ctx, src)
			if err != nil {
				logger.Error("session reopen failed", zap.Error(err))
				res.Status = StatusReopenFail
				break
			}
		}

		item, err := sess.FetchItem(ctx, link)
		switch {
		case err == nil:
			res.Fetched++
			metrics.ObserveItem(src.Name, metrics.OutcomeFetched)
			batch = append(batch, item)
			if len(batch) >= w.cfg.BatchSize {
				res.Saved += w.flush(ctx, src, batch, logger)
				batch = nil
			}
		case errors.Is(err, harvest.ErrBlocked):
			res.Blocked++
			metrics.ObserveItem(src.Name, metrics.OutcomeBlocked)
			logger.Warn("blocked, rotating session", zap.String("url", link))
			w.dispose(sess)
			sess = nil
			w.sleeper.Sleep(ctx, w.cfg.Backoff.Pick())
		default:
			res.Skipped++
			outcome := metrics.OutcomeError
			if errors.Is(err, harvest.ErrExtractionTimeout) {
				outcome = metrics.OutcomeTimeout
			}
			metrics.ObserveItem(src.Name, outcome)
			logger.Info("item skipped", zap.String("url", link), zap.Error(err))
			w.sleeper.Sleep(ctx, w.cfg.Backoff.Pick())
		}
	}
	if res.Status == StatusCompleted && (token.IsSignaled() || ctx.Err() != nil) {
		res.Status = StatusCanceled
	}
	return res
}

func (w *Worker) open(ctx context.Context, src harvest.Source) (harvest.CrawlSession, error) {
	sess, err := w.sessions.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: factory returned no session", harvest.ErrSessionInit)
	}
	metrics.IncActiveSessions()
	return sess, nil
}

func (w *Worker) dispose(sess harvest.CrawlSession) {
	if sess == nil {
		return
	}
	sess.Dispose()
	metrics.DecActiveSessions()
}

// safeFlush flushes from a deferred path, where a second panic must not
// escape.
func (w *Worker) safeFlush(ctx context.Context, src harvest.Source, batch []harvest.Item, logger *zap.Logger) (written int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("flush panic recovered", zap.Any("panic", r))
		}
	}()
	return w.flush(ctx, src, batch, logger)
}

// flush scores the batch and then persists each item, returning how many
// were newly written.
func (w *Worker) flush(ctx context.Context, src harvest.Source, batch []harvest.Item, logger *zap.Logger) int {
	if len(batch) == 0 {
		return 0
	}
	scored := batch
	if w.scorer != nil {
		scored = w.scorer.ScoreBatch(ctx, batch)
	}
	written := 0
	for _, it := range scored {
		ok, err := w.store.Save(ctx, it)
		if err != nil {
			metrics.ObserveItem(src.Name, metrics.OutcomeError)
			logger.Error("save failed", zap.String("url", it.URL), zap.Error(err))
			continue
		}
		if !ok {
			metrics.ObserveItem(src.Name, metrics.OutcomeDuplicate)
			continue
		}
		written++
		metrics.ObserveItem(src.Name, metrics.OutcomeSaved)
		w.announce(ctx, it, logger)
	}
	logger.Debug("batch flushed", zap.Int("size", len(batch)), zap.Int("written", written))
	return written
}

func (w *Worker) announce(ctx context.Context, it harvest.Item, logger *zap.Logger) {
	if w.publisher == nil || !w.cfg.PublishSaved {
		return
	}
	event := harvest.SavedEvent{
		Type:       harvest.EventItemSaved,
		URL:        it.URL,
		SourceName: it.SourceName,
		Title:      it.Title,
		Scores:     it.Scores,
	}
	if _, err := w.publisher.Publish(ctx, harvest.EventItemSaved, event); err != nil {
		logger.Warn("publish saved event failed", zap.String("url", it.URL), zap.Error(err))
	}
}
