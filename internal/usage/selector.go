package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/pace"
)

// ErrNoEligibleItems means every admitted item was used or none passed the
// thresholds.
var ErrNoEligibleItems = errors.New("no eligible unused items")

// Loader lists stored items.
type Loader interface {
	LoadAll(ctx context.Context) ([]harvest.Item, error)
}

// Recorder is a usage history that can also be written.
type Recorder interface {
	harvest.UsageHistory
	Record(ctx context.Context, url string) error
	Count(ctx context.Context) (int, error)
}

// Stats summarizes the stored pool from a renderer's point of view. Used
// counts every recorded pick, including items no longer stored.
type Stats struct {
	Total    int `json:"total"`
	Scored   int `json:"scored"`
	Eligible int `json:"eligible"`
	Unused   int `json:"unused"`
	Used     int `json:"used"`
}

// Selector hands out eligible items one at a time and records each pick.
// Concurrent Next calls never return the same item.
type Selector struct {
	mu      sync.Mutex
	items   Loader
	history Recorder
	rules   harvest.Selection
	pick    func([]harvest.Item) harvest.Item
	logger  *zap.Logger
}

// NewSelector wires the store, history and admission rules.
func NewSelector(items Loader, history Recorder, rules harvest.Selection, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		items:   items,
		history: history,
		rules:   rules,
		pick:    func(in []harvest.Item) harvest.Item { return pace.PickN(in, 1)[0] },
		logger:  logger,
	}
}

// Candidates returns the eligible items not yet used.
func (s *Selector) Candidates(ctx context.Context) ([]harvest.Item, error) {
	all, err := s.items.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	return harvest.SelectEligible(ctx, all, s.rules, s.history)
}

// Next picks a random candidate and records it as used before returning it.
func (s *Selector) Next(ctx context.Context) (harvest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates, err := s.Candidates(ctx)
	if err != nil {
		return harvest.Item{}, err
	}
	if len(candidates) == 0 {
		return harvest.Item{}, ErrNoEligibleItems
	}
	item := s.pick(candidates)
	if err := s.history.Record(ctx, item.URL); err != nil {
		return harvest.Item{}, err
	}
	s.logger.Info("item selected",
		zap.String("url", item.URL),
		zap.String("source", item.SourceName),
		zap.Int("remaining", len(candidates)-1),
	)
	return item, nil
}

// Stats counts the stored pool.
func (s *Selector) Stats(ctx context.Context) (Stats, error) {
	all, err := s.items.LoadAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load items: %w", err)
	}
	st := Stats{Total: len(all)}
	for _, it := range all {
		if it.Scores != nil {
			st.Scored++
		}
	}
	eligible, err := harvest.SelectEligible(ctx, all, s.rules, nil)
	if err != nil {
		return Stats{}, err
	}
	st.Eligible = len(eligible)
	unused, err := harvest.SelectEligible(ctx, eligible, s.rules, s.history)
	if err != nil {
		return Stats{}, err
	}
	st.Unused = len(unused)
	if st.Used, err = s.history.Count(ctx); err != nil {
		return Stats{}, err
	}
	return st, nil
}
