package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// Launcher starts a fresh, isolated browser page.
type Launcher func(ctx context.Context) (Page, error)

// Factory opens warmed-up sessions, each on its own browser.
type Factory struct {
	launch   Launcher
	index    DedupIndex
	detector BlockDetector
	cfg      Config
	logger   *zap.Logger
	opts     []Option
}

// NewFactory builds a Factory. Options are applied to every session it opens.
func NewFactory(launch Launcher, index DedupIndex, detector BlockDetector, cfg Config, logger *zap.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		launch:   launch,
		index:    index,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		opts:     opts,
	}
}

var _ harvest.SessionFactory = (*Factory)(nil)

// Open launches a browser and runs the warmup visits. Launch failures are
// reported as ErrSessionInit.
func (f *Factory) Open(ctx context.Context, src harvest.Source) (harvest.CrawlSession, error) {
	page, err := f.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", harvest.ErrSessionInit, err)
	}
	sess := New(page, f.index, f.detector, f.cfg, f.logger.With(zap.String("source", src.Name)), f.opts...)
	sess.Warmup(ctx)
	return sess, nil
}
