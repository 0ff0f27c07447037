package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/publisher/memory"
)

type noSleep struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *noSleep) Sleep(_ context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
}

func (s *noSleep) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slept)
}

// fakeSession serves a fixed link list; fetch decides each link's outcome.
type fakeSession struct {
	links    []string
	listErr  error
	fetch    func(url string) (harvest.Item, error)
	disposed int
	mu       sync.Mutex
}

func (s *fakeSession) Listing(_ context.Context, _ *cancel.Token, _ harvest.Source, max int) ([]string, error) {
	return append([]string(nil), s.links[:min(max, len(s.links))]...), s.listErr
}

func (s *fakeSession) FetchItem(_ context.Context, url string) (harvest.Item, error) {
	return s.fetch(url)
}

func (s *fakeSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	opened   int
	failFrom int // Open fails once opened reaches this count; 0 never fails.
}

func (f *fakeFactory) Open(context.Context, harvest.Source) (harvest.CrawlSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && f.opened >= f.failFrom {
		return nil, fmt.Errorf("%w: chrome missing", harvest.ErrSessionInit)
	}
	s := f.sessions[min(f.opened, len(f.sessions)-1)]
	f.opened++
	return s, nil
}

type recordingScorer struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recordingScorer) ScoreBatch(_ context.Context, items []harvest.Item) []harvest.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var urls []string
	out := make([]harvest.Item, len(items))
	for i, it := range items {
		urls = append(urls, it.URL)
		s := harvest.QualityScore{Engagement: 8, Sentiment: 5, RepostQuality: 8, Authenticity: 8, NarrativeCuriosity: 8}
		it.Scores = &s
		out[i] = it
	}
	r.batches = append(r.batches, urls)
	return out
}

type mapStore struct {
	mu    sync.Mutex
	items map[string]harvest.Item
	order []string
}

func newMapStore(urls ...string) *mapStore {
	m := &mapStore{items: map[string]harvest.Item{}}
	for _, u := range urls {
		m.items[u] = harvest.Item{URL: u}
	}
	return m
}

func (m *mapStore) Exists(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[url]
	return ok, nil
}

func (m *mapStore) Save(_ context.Context, it harvest.Item) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.URL]; ok {
		return false, nil
	}
	m.items[it.URL] = it
	m.order = append(m.order, it.URL)
	return true, nil
}

func (m *mapStore) LoadAll(context.Context) ([]harvest.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]harvest.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out, nil
}

func links(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://old.reddit.com/r/tifu/comments/p%d/x/", i)
	}
	return out
}

func okFetch(url string) (harvest.Item, error) {
	return harvest.Item{URL: url, SourceName: "tifu", Author: "a", Title: "t", Body: "b", ImageURL: "i"}, nil
}

var src = harvest.Source{Name: "tifu", ListingURL: "https://old.reddit.com/r/tifu/"}

func TestRunFlushesInBatches(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{links: links(7), fetch: okFetch}
	scorer := &recordingScorer{}
	store := newMapStore()
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, scorer, store, DefaultConfig(), zap.NewNop(), WithSleeper(&noSleep{}))

	saved := w.Run(context.Background(), src, 7, cancel.New())
	assert.Equal(t, 7, saved)
	require.Len(t, scorer.batches, 2)
	assert.Len(t, scorer.batches[0], 5)
	assert.Len(t, scorer.batches[1], 2)
	assert.Equal(t, 1, sess.disposed)
	for _, u := range store.order {
		assert.NotNil(t, store.items[u].Scores, "items are scored before saving")
	}
}

func TestRunFlushesPartialBatchOnStop(t *testing.T) {
	t.Parallel()
	token := cancel.New()
	fetched := 0
	sess := &fakeSession{links: links(5)}
	sess.fetch = func(url string) (harvest.Item, error) {
		fetched++
		if fetched == 3 {
			token.Signal()
		}
		return okFetch(url)
	}
	scorer := &recordingScorer{}
	store := newMapStore()
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, scorer, store, DefaultConfig(), zap.NewNop(), WithSleeper(&noSleep{}))

	res := w.Execute(context.Background(), src, 5, token)
	assert.Equal(t, 3, res.Saved)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, StatusCanceled, res.Status)
	require.Len(t, scorer.batches, 1)
	assert.Len(t, scorer.batches[0], 3)
	assert.Len(t, store.order, 3)
	assert.Equal(t, 1, sess.disposed)
}

func TestRunRotatesSessionWhenBlocked(t *testing.T) {
	t.Parallel()
	all := links(4)
	first := &fakeSession{links: all}
	// Links are shuffled, so block on whichever comes first.
	blockedOnce := false
	first.fetch = func(url string) (harvest.Item, error) {
		if !blockedOnce {
			blockedOnce = true
			return harvest.Item{}, fmt.Errorf("x: %w", harvest.ErrBlocked)
		}
		return okFetch(url)
	}
	second := &fakeSession{links: all, fetch: okFetch}
	factory := &fakeFactory{sessions: []*fakeSession{first, second}}
	sleeper := &noSleep{}
	w := New(factory, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop(), WithSleeper(sleeper))

	res := w.Execute(context.Background(), src, 4, cancel.New())
	assert.Equal(t, 2, factory.opened)
	assert.Equal(t, 1, first.disposed)
	assert.Equal(t, 1, second.disposed)
	assert.Equal(t, 1, res.Blocked)
	assert.Equal(t, 3, res.Saved)
	assert.Equal(t, 1, sleeper.count())
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestRunReopensAfterBlockDuringListing(t *testing.T) {
	t.Parallel()
	all := links(3)
	first := &fakeSession{
		links:   all,
		listErr: fmt.Errorf("next page: %w", harvest.ErrBlocked),
		fetch: func(string) (harvest.Item, error) {
			return harvest.Item{}, harvest.ErrBlocked
		},
	}
	var (
		mu        sync.Mutex
		attempted []string
	)
	second := &fakeSession{fetch: func(url string) (harvest.Item, error) {
		mu.Lock()
		attempted = append(attempted, url)
		mu.Unlock()
		return okFetch(url)
	}}
	factory := &fakeFactory{sessions: []*fakeSession{first, second}}
	sleeper := &noSleep{}
	w := New(factory, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop(), WithSleeper(sleeper))

	res := w.Execute(context.Background(), src, 3, cancel.New())
	assert.Equal(t, 1, res.Blocked)
	assert.Equal(t, 3, res.Saved)
	assert.Equal(t, 3, res.Fetched)
	assert.ElementsMatch(t, all, attempted)
	assert.Equal(t, 2, factory.opened)
	assert.Equal(t, 1, first.disposed)
	assert.Equal(t, 1, second.disposed)
	assert.Equal(t, 1, sleeper.count())
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestRunBlockedListingWithoutLinksDoesNotReopen(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{listErr: harvest.ErrBlocked, fetch: okFetch}
	factory := &fakeFactory{sessions: []*fakeSession{sess}}
	sleeper := &noSleep{}
	w := New(factory, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop(), WithSleeper(sleeper))

	res := w.Execute(context.Background(), src, 3, cancel.New())
	assert.Equal(t, 1, res.Blocked)
	assert.Zero(t, res.Saved)
	assert.Equal(t, 1, factory.opened)
	assert.Equal(t, 1, sess.disposed)
	assert.Zero(t, sleeper.count())
}

func TestRunStopsWhenReopenFails(t *testing.T) {
	t.Parallel()
	calls := 0
	sess := &fakeSession{links: links(4)}
	sess.fetch = func(url string) (harvest.Item, error) {
		calls++
		if calls == 2 {
			return harvest.Item{}, harvest.ErrBlocked
		}
		return okFetch(url)
	}
	factory := &fakeFactory{sessions: []*fakeSession{sess}, failFrom: 1}
	store := newMapStore()
	w := New(factory, &recordingScorer{}, store, DefaultConfig(), zap.NewNop(), WithSleeper(&noSleep{}))

	res := w.Execute(context.Background(), src, 4, cancel.New())
	assert.Equal(t, StatusReopenFail, res.Status)
	assert.Equal(t, 1, res.Saved, "item fetched before the block is still flushed")
	assert.Equal(t, 2, calls)
}

func TestRunInitFailureReturnsZero(t *testing.T) {
	t.Parallel()
	w := New(failingFactory{}, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop())
	res := w.Execute(context.Background(), src, 3, cancel.New())
	assert.Zero(t, res.Saved)
	assert.Equal(t, StatusInitFailed, res.Status)
}

type failingFactory struct{}

func (failingFactory) Open(context.Context, harvest.Source) (harvest.CrawlSession, error) {
	return nil, harvest.ErrSessionInit
}

func TestRunSkipsFailedFetchesWithBackoff(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{links: links(3)}
	sess.fetch = func(url string) (harvest.Item, error) {
		if strings.Contains(url, "p0") {
			return harvest.Item{URL: url}, fmt.Errorf("%s: %w", url, harvest.ErrExtractionTimeout)
		}
		if strings.Contains(url, "p1") {
			return harvest.Item{}, errors.New("navigation failed")
		}
		return okFetch(url)
	}
	sleeper := &noSleep{}
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop(), WithSleeper(sleeper))

	res := w.Execute(context.Background(), src, 3, cancel.New())
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, sleeper.count())
	for _, d := range sleeper.slept {
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 25*time.Second)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	t.Parallel()
	calls := 0
	sess := &fakeSession{links: links(3)}
	sess.fetch = func(url string) (harvest.Item, error) {
		calls++
		if calls == 2 {
			panic("extractor bug")
		}
		return okFetch(url)
	}
	store := newMapStore()
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, &recordingScorer{}, store, DefaultConfig(), zap.NewNop(), WithSleeper(&noSleep{}))

	var res Result
	require.NotPanics(t, func() { res = w.Execute(context.Background(), src, 3, cancel.New()) })
	assert.Equal(t, StatusPanicked, res.Status)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, sess.disposed)
}

func TestRunCountsDuplicatesAsNotWritten(t *testing.T) {
	t.Parallel()
	all := links(3)
	sess := &fakeSession{links: all, fetch: okFetch}
	store := newMapStore(all[0])
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, &recordingScorer{}, store, DefaultConfig(), zap.NewNop(), WithSleeper(&noSleep{}))
	assert.Equal(t, 2, w.Run(context.Background(), src, 3, cancel.New()))
}

func TestRunPublishesSavedEvents(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{links: links(2), fetch: okFetch}
	pub := memory.New()
	cfg := DefaultConfig()
	cfg.PublishSaved = true
	w := New(&fakeFactory{sessions: []*fakeSession{sess}}, &recordingScorer{}, newMapStore(), cfg, zap.NewNop(),
		WithSleeper(&noSleep{}), WithPublisher(pub))

	assert.Equal(t, 2, w.Run(context.Background(), src, 2, cancel.New()))
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	ev, ok := msgs[0].Payload.(harvest.SavedEvent)
	require.True(t, ok)
	assert.Equal(t, harvest.EventItemSaved, ev.Type)
	assert.NotNil(t, ev.Scores)
}

func TestRunWithSignaledTokenDoesNothing(t *testing.T) {
	t.Parallel()
	token := cancel.New()
	token.Signal()
	factory := &fakeFactory{sessions: []*fakeSession{{links: links(2), fetch: okFetch}}}
	w := New(factory, &recordingScorer{}, newMapStore(), DefaultConfig(), zap.NewNop())
	res := w.Execute(context.Background(), src, 2, token)
	assert.Zero(t, factory.opened)
	assert.Equal(t, StatusCanceled, res.Status)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Backoff.Max = time.Second
	require.Error(t, cfg.Validate())
}
