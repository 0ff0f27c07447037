// Package scoring rates harvested items with an LLM quality oracle.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/metrics"
)

// Scoring outcomes used for metrics.
const (
	outcomeOK          = "ok"
	outcomeFloor       = "floor"
	outcomeFailed      = "failed"
	outcomeMalformed   = "malformed"
	outcomeBreakerOpen = "breaker_open"
)

// Gate assigns quality scores. Oracle failures never drop an item; the item
// is left unscored instead.
type Gate struct {
	oracle  Oracle
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ harvest.Scorer = (*Gate)(nil)

// NewGate wires the oracle behind a rate limiter and circuit breaker.
func NewGate(oracle Oracle, cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		oracle: oracle,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	threshold := cfg.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultConfig().Breaker.ConsecutiveFailures
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quality-oracle",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about the oracle's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return g
}

// ScoreBatch returns items with Scores populated where scoring succeeded.
// The input slice is not modified.
func (g *Gate) ScoreBatch(ctx context.Context, items []harvest.Item) []harvest.Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]harvest.Item, len(items))
	copy(out, items)
	for i := range out {
		score, err := g.Score(ctx, out[i])
		if err != nil {
			g.logger.Warn("item left unscored", zap.String("url", out[i].URL), zap.Error(err))
			continue
		}
		out[i].Scores = &score
	}
	return out
}

// Score rates one item. Bodies shorter than the minimum get the floor score
// without consulting the oracle. Every oracle problem is reported as
// ErrScoringUnavailable.
func (g *Gate) Score(ctx context.Context, item harvest.Item) (harvest.QualityScore, error) {
	if utf8.RuneCountInString(item.Body) < g.cfg.MinBodyChars {
		metrics.ObserveScoring(outcomeFloor, 0)
		return harvest.FloorScore(), nil
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return harvest.QualityScore{}, fmt.Errorf("%w: wait for oracle slot: %v", harvest.ErrScoringUnavailable, err)
		}
	}

	prompt := BuildPrompt(item.Title, item.Body, g.cfg.MaxPromptChars)
	start := time.Now()
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.oracle.Generate(ctx, prompt)
	})
	elapsed := time.Since(start)
	if err != nil {
		outcome := outcomeFailed
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = outcomeBreakerOpen
		}
		metrics.ObserveScoring(outcome, elapsed)
		return harvest.QualityScore{}, fmt.Errorf("%w: %v", harvest.ErrScoringUnavailable, err)
	}

	raw, _ := res.(string)
	score, err := ParseScore(raw)
	if err != nil {
		metrics.ObserveScoring(outcomeMalformed, elapsed)
		return harvest.QualityScore{}, fmt.Errorf("%w: %w", harvest.ErrScoringUnavailable, err)
	}
	metrics.ObserveScoring(outcomeOK, elapsed)
	return score, nil
}
