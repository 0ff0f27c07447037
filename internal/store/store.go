package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// Backend persists items. Insert must be an atomic create-if-absent keyed by
// item URL: it reports false, without error, when a record for the URL
// already exists.
type Backend interface {
	Exists(ctx context.Context, url string) (bool, error)
	Insert(ctx context.Context, item harvest.Item) (bool, error)
	LoadAll(ctx context.Context) ([]harvest.Item, error)
	Close() error
}

// Clock supplies save timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator supplies record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Store is the persistent item store used by the crawl pipeline.
type Store struct {
	backend Backend
	clock   Clock
	ids     IDGenerator
	logger  *zap.Logger
}

var _ harvest.ItemStore = (*Store)(nil)

// New builds a Store over backend.
func New(backend Backend, clock Clock, ids IDGenerator, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("store backend is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("store clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("store id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, clock: clock, ids: ids, logger: logger}, nil
}

// Exists reports whether an item with url is stored.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	ok, err := s.backend.Exists(ctx, strings.TrimSpace(url))
	if err != nil {
		return false, fmt.Errorf("check existing item: %w", err)
	}
	return ok, nil
}

// Save writes item unless its URL is already stored. Title and body are
// sanitised here and nowhere else. It returns false for a duplicate.
func (s *Store) Save(ctx context.Context, item harvest.Item) (bool, error) {
	item.URL = strings.TrimSpace(item.URL)
	if item.URL == "" {
		return false, fmt.Errorf("%w: url", harvest.ErrMissingField)
	}
	exists, err := s.Exists(ctx, item.URL)
	if err != nil {
		return false, err
	}
	if exists {
		s.logger.Debug("duplicate skipped", zap.String("url", item.URL))
		return false, nil
	}

	item.Title = harvest.SanitizeText(item.Title)
	item.Body = harvest.SanitizeText(item.Body)
	if item.SourceName == "" {
		item.SourceName = harvest.SourceNameFromURL(item.URL)
	}
	if item.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return false, fmt.Errorf("assign item id: %w", err)
		}
		item.ID = id
	}
	item.ScrapedAt = s.clock.Now().UTC()

	written, err := s.backend.Insert(ctx, item)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	if !written {
		s.logger.Debug("duplicate skipped on insert", zap.String("url", item.URL))
		return false, nil
	}
	s.logger.Info("item saved",
		zap.String("id", item.ID),
		zap.String("source", item.SourceName),
		zap.String("url", item.URL),
	)
	return true, nil
}

// LoadAll returns every stored item exactly as written.
func (s *Store) LoadAll(ctx context.Context) ([]harvest.Item, error) {
	items, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	return items, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
