package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/pace"
)

// Page is the slice of browser automation a session needs.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	ScrollToBottom(ctx context.Context) (int64, error)
	Close() error
}

// BlockDetector flags pages carrying block or CAPTCHA signatures.
type BlockDetector interface {
	IsBlocked(page string) bool
}

// Locator is implemented by pages that can report where a navigation landed.
type Locator interface {
	Location(ctx context.Context) (string, error)
}

// loginPaths are where challenged sessions get redirected.
var loginPaths = []string{"/login", "/account/login", "/register"}

// NavigationGate paces navigations across sessions.
type NavigationGate interface {
	Wait(ctx context.Context, url string) error
}

// DedupIndex answers whether an item URL is already stored.
type DedupIndex interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// Option customizes a Session.
type Option func(*Session)

// WithSleeper replaces the timer-based pauses.
func WithSleeper(s pace.Sleeper) Option {
	return func(sess *Session) { sess.sleeper = s }
}

// WithNavigationGate makes every navigation wait on gate first.
func WithNavigationGate(gate NavigationGate) Option {
	return func(sess *Session) { sess.gate = gate }
}

// WithClock replaces time.Now for the extraction deadline.
func WithClock(now func() time.Time) Option {
	return func(sess *Session) { sess.now = now }
}

// Session is a crawl session bound to one Page. It is not safe for use by
// more than one goroutine at a time apart from State and Dispose.
type Session struct {
	cfg      Config
	page     Page
	index    DedupIndex
	detector BlockDetector
	sleeper  pace.Sleeper
	gate     NavigationGate
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

var _ harvest.CrawlSession = (*Session)(nil)

// New wraps page in a session in the Init state.
func New(page Page, index DedupIndex, detector BlockDetector, cfg Config, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:      cfg,
		page:     page,
		index:    index,
		detector: detector,
		sleeper:  pace.TimerSleeper{},
		now:      time.Now,
		logger:   logger,
		state:    StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) navigate(ctx context.Context, url string) error {
	if s.gate != nil {
		if err := s.gate.Wait(ctx, url); err != nil {
			return err
		}
	}
	return s.page.Navigate(ctx, url)
}

// checkLanding marks the session Blocked when the navigation to requested was
// redirected to a login wall. Pages without a Locator are not checked.
func (s *Session) checkLanding(ctx context.Context, requested string) error {
	loc, ok := s.page.(Locator)
	if !ok {
		return nil
	}
	landed, err := loc.Location(ctx)
	if err != nil {
		s.logger.Debug("read page location failed", zap.String("url", requested), zap.Error(err))
		return nil
	}
	if !isLoginWall(landed) {
		return nil
	}
	s.logger.Info("navigation redirected to login", zap.String("url", requested), zap.String("landed", landed))
	return s.markBlocked(requested)
}

func isLoginWall(landed string) bool {
	u, err := url.Parse(landed)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, prefix := range loginPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) enter(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateBlocked:
		return harvest.ErrBlocked
	case StateClosed:
		return harvest.ErrSessionClosed
	}
	s.state = next
	return nil
}

func (s *Session) markBlocked(url string) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateBlocked
	}
	s.mu.Unlock()
	s.logger.Warn("block signature detected", zap.String("url", url))
	return fmt.Errorf("%s: %w", url, harvest.ErrBlocked)
}

// Warmup visits one or two low-risk pages before the target source. It
// produces no data and only logs navigation failures.
func (s *Session) Warmup(ctx context.Context) {
	if err := s.enter(StateWarmup); err != nil {
		return
	}
	for _, u := range pace.PickN(s.cfg.WarmupURLs, s.cfg.WarmupVisits) {
		if ctx.Err() != nil {
			return
		}
		if err := s.navigate(ctx, u); err != nil {
			s.logger.Debug("warmup navigation failed", zap.String("url", u), zap.Error(err))
		}
		s.sleeper.Sleep(ctx, s.cfg.WarmupPause.Pick())
	}
}

// Listing collects up to max item links from the source's listing page,
// skipping links already in the store. It stops when max is reached, when the
// page stops making progress, or when there is no next page. A signaled token
// ends the scan early and returns what was collected without an error.
func (s *Session) Listing(ctx context.Context, token *cancel.Token, src harvest.Source, max int) ([]string, error) {
	if err := s.enter(StateListing); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	logger := s.logger.With(zap.String("source", src.Name))
	if err := s.navigate(ctx, src.ListingURL); err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	if err := s.checkLanding(ctx, src.ListingURL); err != nil {
		return nil, err
	}
	s.sleeper.Sleep(ctx, s.cfg.ListingSettle.Pick())

	links := newLinkCollector(s.index, max, logger)
	current := src.ListingURL
	doc, err := s.snapshot(ctx, current)
	if err != nil {
		return nil, err
	}
	links.collect(ctx, doc, current)

	var lastHeight int64 = -1
	stalls := 0
	for attempt := 0; attempt < s.cfg.MaxScrolls && !links.full(); attempt++ {
		if token.IsSignaled() {
			logger.Info("stop requested during listing", zap.Int("collected", links.len()))
			return links.result(), nil
		}
		if ctx.Err() != nil {
			return links.result(), fmt.Errorf("listing: %w", ctx.Err())
		}

		height, err := s.page.ScrollToBottom(ctx)
		if err != nil {
			return links.result(), fmt.Errorf("scroll listing: %w", err)
		}
		s.sleeper.Sleep(ctx, s.cfg.ScrollPause.Pick())
		doc, err := s.snapshot(ctx, current)
		if err != nil {
			return links.result(), err
		}
		progressed := links.collect(ctx, doc, current) > 0
		if links.full() {
			break
		}

		if height != lastHeight {
			lastHeight = height
			progressed = true
		} else {
			next := nextPageURL(doc, current)
			if next == "" {
				logger.Debug("listing has no next page", zap.Int("collected", links.len()))
				break
			}
			if next != current {
				if err := s.navigate(ctx, next); err != nil {
					return links.result(), fmt.Errorf("open next listing page: %w", err)
				}
				if err := s.checkLanding(ctx, next); err != nil {
					return links.result(), err
				}
				s.sleeper.Sleep(ctx, s.cfg.ListingSettle.Pick())
				current = next
				lastHeight = -1
				progressed = true
			}
		}

		if progressed {
			stalls = 0
			continue
		}
		stalls++
		if stalls >= s.cfg.NoProgressLimit {
			logger.Debug("listing stopped making progress", zap.Int("collected", links.len()))
			break
		}
	}
	logger.Info("listing complete", zap.Int("collected", links.len()))
	return links.result(), nil
}

// snapshot reads the rendered page and checks it for block signatures.
func (s *Session) snapshot(ctx context.Context, pageURL string) (*goquery.Document, error) {
	html, err := s.page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	if s.detector != nil && s.detector.IsBlocked(html) {
		return nil, s.markBlocked(pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// FetchItem opens an item page and polls it until author, title, body and
// image are all present or the item timeout passes. On timeout the partial
// item is returned together with ErrExtractionTimeout. A block signature
// returns ErrBlocked at once and leaves the session Blocked.
func (s *Session) FetchItem(ctx context.Context, rawURL string) (harvest.Item, error) {
	if err := s.enter(StateItemFetch); err != nil {
		return harvest.Item{}, err
	}
	target, err := harvest.LegacyURL(rawURL)
	if err != nil {
		return harvest.Item{}, err
	}
	if err := s.navigate(ctx, target); err != nil {
		return harvest.Item{URL: target}, fmt.Errorf("open item: %w", err)
	}
	if err := s.checkLanding(ctx, target); err != nil {
		return harvest.Item{URL: target}, err
	}
	s.sleeper.Sleep(ctx, s.cfg.ItemSettle.Pick())

	var got fields
	deadline := s.now().Add(s.cfg.ItemTimeout)
	for {
		doc, err := s.snapshot(ctx, target)
		switch {
		case errors.Is(err, harvest.ErrBlocked):
			return harvest.Item{URL: target}, err
		case err != nil:
			s.logger.Debug("item snapshot failed", zap.String("url", target), zap.Error(err))
		default:
			got.fill(doc, target)
		}
		if got.complete() {
			return harvest.NewItem(harvest.SourceNameFromURL(target), got.author, got.title, got.body, target, got.image)
		}
		if ctx.Err() != nil {
			return partialItem(target, got), fmt.Errorf("fetch item: %w", ctx.Err())
		}
		if !s.now().Before(deadline) {
			break
		}
		s.sleeper.Sleep(ctx, s.cfg.PollInterval)
	}
	item := partialItem(target, got)
	return item, fmt.Errorf("%s: %w after %s (missing %s)",
		target, harvest.ErrExtractionTimeout, s.cfg.ItemTimeout, strings.Join(item.MissingFields(), ","))
}

func partialItem(url string, f fields) harvest.Item {
	return harvest.Item{
		SourceName: harvest.SourceNameFromURL(url),
		Author:     f.author,
		Title:      f.title,
		Body:       f.body,
		URL:        url,
		ImageURL:   f.image,
	}
}

// Dispose closes the underlying page. It is idempotent and never fails;
// cleanup errors are logged.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	if s.page == nil {
		return
	}
	if err := s.page.Close(); err != nil {
		s.logger.Warn("session cleanup failed", zap.Error(err))
	}
}

// linkCollector gathers new item links and consults the store at most once
// per distinct link.
type linkCollector struct {
	index   DedupIndex
	max     int
	logger  *zap.Logger
	seen    map[string]struct{}
	links   []string
	skipped int
}

func newLinkCollector(index DedupIndex, max int, logger *zap.Logger) *linkCollector {
	return &linkCollector{
		index:  index,
		max:    max,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

func (c *linkCollector) collect(ctx context.Context, doc *goquery.Document, pageURL string) int {
	added := 0
	for _, link := range itemLinks(doc, pageURL) {
		if c.full() {
			break
		}
		if _, ok := c.seen[link]; ok {
			continue
		}
		c.seen[link] = struct{}{}
		if c.index != nil {
			exists, err := c.index.Exists(ctx, link)
			if err != nil {
				// The store re-checks on save, so an unknown link is kept.
				c.logger.Warn("dedup lookup failed", zap.String("url", link), zap.Error(err))
			} else if exists {
				c.skipped++
				continue
			}
		}
		c.links = append(c.links, link)
		added++
	}
	return added
}

func (c *linkCollector) full() bool { return len(c.links) >= c.max }

func (c *linkCollector) len() int { return len(c.links) }

func (c *linkCollector) result() []string {
	return append([]string(nil), c.links...)
}
