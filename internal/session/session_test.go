package session

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
	"github.com/JakeFAU/story-harvester/internal/detector"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/pace"
)

// fakePage serves canned HTML. Each URL maps to a series of snapshots; every
// scroll reveals the next one until the series is exhausted.
type fakePage struct {
	mu        sync.Mutex
	pages     map[string][]string
	current   string
	idx       int
	navigated []string
	scrolls   int
	closed    int
	navErr    error
	redirects map[string]string
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	if p.navErr != nil {
		return p.navErr
	}
	p.current = url
	if to, ok := p.redirects[url]; ok {
		p.current = to
	}
	p.idx = 0
	return nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snaps := p.pages[p.current]
	if len(snaps) == 0 {
		return "<html><body></body></html>", nil
	}
	return snaps[min(p.idx, len(snaps)-1)], nil
}

func (p *fakePage) ScrollToBottom(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	p.idx++
	snaps := p.pages[p.current]
	return int64(min(p.idx, max(len(snaps)-1, 0))), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// fakeClock advances only when the session sleeps.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type stubIndex struct {
	mu     sync.Mutex
	stored map[string]bool
	calls  map[string]int
	err    error
}

func newStubIndex(stored ...string) *stubIndex {
	idx := &stubIndex{stored: map[string]bool{}, calls: map[string]int{}}
	for _, s := range stored {
		idx.stored[s] = true
	}
	return idx
}

func (s *stubIndex) Exists(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	if s.err != nil {
		return false, s.err
	}
	return s.stored[url], nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupURLs = []string{"https://warm.example/a", "https://warm.example/b"}
	cfg.ScrollPause = pace.Window{Min: 100 * time.Millisecond, Max: 100 * time.Millisecond}
	cfg.ItemTimeout = time.Second
	cfg.PollInterval = 250 * time.Millisecond
	return cfg
}

func newTestSession(page *fakePage, idx DedupIndex, clock *fakeClock) *Session {
	return New(page, idx, detector.NewBlockHeuristic(detector.Config{}), testConfig(), zap.NewNop(),
		WithSleeper(clock), WithClock(clock.Now))
}

const listingURL = "https://old.reddit.com/r/tifu/"

func postURL(id string) string {
	return "https://old.reddit.com/r/tifu/comments/" + id + "/post_" + id + "/"
}

func listingHTML(next string, ids ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="siteTable">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="thing"><a class="title" href="/r/tifu/comments/%s/post_%s/">Post %s</a>`+
			`<a class="comments" href="https://www.reddit.com/r/tifu/comments/%s/post_%s/?ref=x">comments</a></div>`,
			id, id, id, id, id)
	}
	b.WriteString(`</div>`)
	if next != "" {
		fmt.Fprintf(&b, `<span class="next-button"><a href="%s">next</a></span>`, next)
	}
	b.WriteString(`<a href="/r/tifu/wiki/">wiki</a></body></html>`)
	return b.String()
}

const itemHTML = `<html><body>
<img class="icon" src="/static/tifu.png">
<div id="siteTable"><div class="thing">
<p class="title"><a class="title" href="/r/tifu/comments/abc123/post/">TIFU by   locking myself out</a></p>
<p class="tagline">submitted by <a class="author" href="/user/bob">bob</a></p>
<div class="expando"><div class="md"><p>First paragraph.</p><p>Second
paragraph.</p></div></div>
</div></div></body></html>`

func TestListingSkipsStoredLinks(t *testing.T) {
	t.Parallel()
	ids := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"}
	page := &fakePage{pages: map[string][]string{listingURL: {listingHTML("", ids...)}}}
	idx := newStubIndex(postURL("a2"), postURL("a5"))
	sess := newTestSession(page, idx, newFakeClock())

	src := harvest.Source{Name: "tifu", ListingURL: listingURL}
	links, err := sess.Listing(context.Background(), cancel.New(), src, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{postURL("a1"), postURL("a3"), postURL("a4"), postURL("a6"), postURL("a7")}, links)
	for _, id := range ids {
		assert.Equal(t, 1, idx.calls[postURL(id)], "store consulted once for %s", id)
	}
	assert.Equal(t, StateListing, sess.State())
}

func TestListingStopsAtMax(t *testing.T) {
	t.Parallel()
	page := &fakePage{pages: map[string][]string{listingURL: {listingHTML("", "a1", "a2", "a3", "a4")}}}
	idx := newStubIndex()
	sess := newTestSession(page, idx, newFakeClock())

	links, err := sess.Listing(context.Background(), nil, harvest.Source{Name: "tifu", ListingURL: listingURL}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{postURL("a1"), postURL("a2")}, links)
	assert.Zero(t, page.scrolls)
	assert.NotContains(t, idx.calls, postURL("a3"))
}

func TestListingFollowsPagination(t *testing.T) {
	t.Parallel()
	second := "https://old.reddit.com/r/tifu/?count=25&after=t3_a2"
	page := &fakePage{pages: map[string][]string{
		listingURL: {listingHTML(second, "a1", "a2")},
		second:     {listingHTML("", "a3", "a4")},
	}}
	sess := newTestSession(page, newStubIndex(), newFakeClock())

	links, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{postURL("a1"), postURL("a2"), postURL("a3"), postURL("a4")}, links)
	assert.Contains(t, page.navigated, second)
}

func TestListingGrowsWithScroll(t *testing.T) {
	t.Parallel()
	page := &fakePage{pages: map[string][]string{listingURL: {
		listingHTML("", "a1"),
		listingHTML("", "a1", "a2"),
		listingHTML("", "a1", "a2", "a3"),
	}}}
	sess := newTestSession(page, newStubIndex(), newFakeClock())

	links, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 10)
	require.NoError(t, err)
	assert.Len(t, links, 3)
}

func TestListingKeepsLinkWhenLookupFails(t *testing.T) {
	t.Parallel()
	page := &fakePage{pages: map[string][]string{listingURL: {listingHTML("", "a1", "a2")}}}
	idx := newStubIndex()
	idx.err = errors.New("db down")
	sess := newTestSession(page, idx, newFakeClock())

	links, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 10)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestListingReturnsPartialOnStopRequest(t *testing.T) {
	t.Parallel()
	snaps := make([]string, 0, 50)
	var ids []string
	for i := range 50 {
		ids = append(ids, fmt.Sprintf("p%d", i))
		snaps = append(snaps, listingHTML("", ids...))
	}
	page := &fakePage{pages: map[string][]string{listingURL: snaps}}
	clock := newFakeClock()
	token := cancel.New()
	scrollPause := testConfig().ScrollPause.Min
	clock.onSleep = func(d time.Duration) {
		if d == scrollPause {
			token.Signal()
		}
	}
	sess := newTestSession(page, newStubIndex(), clock)

	links, err := sess.Listing(context.Background(), token, harvest.Source{Name: "tifu", ListingURL: listingURL}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, page.scrolls, "stop must be observed within one iteration")
	assert.Len(t, links, 2)
}

func TestListingDetectsBlock(t *testing.T) {
	t.Parallel()
	blocked := `<html><body><h1>You've been blocked by network security.</h1></body></html>`
	page := &fakePage{pages: map[string][]string{listingURL: {blocked}}}
	sess := newTestSession(page, newStubIndex(), newFakeClock())

	_, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 10)
	require.ErrorIs(t, err, harvest.ErrBlocked)
	assert.Equal(t, StateBlocked, sess.State())

	_, err = sess.FetchItem(context.Background(), postURL("a1"))
	require.ErrorIs(t, err, harvest.ErrBlocked)
}

func TestListingStopsWhenNextPageRedirectsToLogin(t *testing.T) {
	t.Parallel()
	second := "https://old.reddit.com/r/tifu/?count=25&after=t3_a2"
	page := &fakePage{
		pages:     map[string][]string{listingURL: {listingHTML(second, "a1", "a2")}},
		redirects: map[string]string{second: "https://www.reddit.com/login/?dest=https%3A%2F%2Fold.reddit.com%2Fr%2Ftifu%2F"},
	}
	sess := newTestSession(page, newStubIndex(), newFakeClock())

	links, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 10)
	require.ErrorIs(t, err, harvest.ErrBlocked)
	assert.Equal(t, []string{postURL("a1"), postURL("a2")}, links)
	assert.Equal(t, StateBlocked, sess.State())
}

func TestFetchItemDetectsLoginRedirect(t *testing.T) {
	t.Parallel()
	page := &fakePage{
		pages:     map[string][]string{postURL("a1"): {itemHTML}},
		redirects: map[string]string{postURL("a1"): "https://old.reddit.com/account/login?dest=x"},
	}
	sess := newTestSession(page, newStubIndex(), newFakeClock())

	_, err := sess.FetchItem(context.Background(), postURL("a1"))
	require.ErrorIs(t, err, harvest.ErrBlocked)
	assert.Equal(t, StateBlocked, sess.State())
}

func TestIsLoginWall(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoginWall("https://www.reddit.com/login/?dest=x"))
	assert.True(t, isLoginWall("https://old.reddit.com/Register"))
	assert.False(t, isLoginWall(listingURL))
	assert.False(t, isLoginWall(postURL("login")))
	assert.False(t, isLoginWall("::not a url"))
}

func TestFetchItemExtractsAllFields(t *testing.T) {
	t.Parallel()
	target := "https://old.reddit.com/r/tifu/comments/abc123/post/"
	page := &fakePage{pages: map[string][]string{target: {itemHTML}}}
	sess := newTestSession(page, nil, newFakeClock())

	item, err := sess.FetchItem(context.Background(), "https://www.reddit.com/r/tifu/comments/abc123/post/?utm=1")
	require.NoError(t, err)
	assert.Equal(t, target, item.URL)
	assert.Equal(t, "tifu", item.SourceName)
	assert.Equal(t, "bob", item.Author)
	assert.Equal(t, "TIFU by locking myself out", item.Title)
	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", item.Body)
	assert.Equal(t, "https://old.reddit.com/static/tifu.png", item.ImageURL)
	assert.Equal(t, StateItemFetch, sess.State())
}

func TestFetchItemTimesOutWithPartialItem(t *testing.T) {
	t.Parallel()
	target := postURL("abc123")
	noImage := strings.Replace(itemHTML, `<img class="icon" src="/static/tifu.png">`, "", 1)
	page := &fakePage{pages: map[string][]string{target: {noImage}}}
	clock := newFakeClock()
	sess := newTestSession(page, nil, clock)

	start := clock.Now()
	item, err := sess.FetchItem(context.Background(), target)
	require.ErrorIs(t, err, harvest.ErrExtractionTimeout)
	assert.Equal(t, "bob", item.Author)
	assert.Empty(t, item.ImageURL)
	assert.Equal(t, []string{"image_url"}, item.MissingFields())
	assert.GreaterOrEqual(t, clock.Now().Sub(start), testConfig().ItemTimeout)
}

func TestFetchItemAccumulatesFieldsAcrossPolls(t *testing.T) {
	t.Parallel()
	target := postURL("abc123")
	noBody := strings.Replace(itemHTML, `<div class="expando">`, `<div class="loading">`, 1)
	page := &fakePage{pages: map[string][]string{target: {noBody}}}
	clock := newFakeClock()
	clock.onSleep = func(d time.Duration) {
		if d == testConfig().PollInterval {
			page.mu.Lock()
			page.pages[target] = []string{strings.Replace(itemHTML, `<img class="icon" src="/static/tifu.png">`, "", 1)}
			page.mu.Unlock()
		}
	}
	sess := newTestSession(page, nil, clock)

	item, err := sess.FetchItem(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, item.Body)
	assert.Equal(t, "https://old.reddit.com/static/tifu.png", item.ImageURL)
}

func TestDisposeIsIdempotent(t *testing.T) {
	t.Parallel()
	page := &fakePage{}
	sess := newTestSession(page, nil, newFakeClock())

	sess.Dispose()
	sess.Dispose()
	assert.Equal(t, 1, page.closed)
	assert.Equal(t, StateClosed, sess.State())

	_, err := sess.Listing(context.Background(), nil, harvest.Source{Name: "tifu", ListingURL: listingURL}, 1)
	require.ErrorIs(t, err, harvest.ErrSessionClosed)
}

func TestFactoryOpenWarmsUp(t *testing.T) {
	t.Parallel()
	page := &fakePage{navErr: nil}
	clock := newFakeClock()
	f := NewFactory(func(context.Context) (Page, error) { return page, nil },
		nil, nil, testConfig(), zap.NewNop(), WithSleeper(clock), WithClock(clock.Now))

	sess, err := f.Open(context.Background(), harvest.Source{Name: "tifu", ListingURL: listingURL})
	require.NoError(t, err)
	defer sess.Dispose()
	assert.ElementsMatch(t, testConfig().WarmupURLs, page.navigated)
}

func TestFactoryOpenWrapsLaunchFailure(t *testing.T) {
	t.Parallel()
	f := NewFactory(func(context.Context) (Page, error) { return nil, errors.New("no chrome") },
		nil, nil, testConfig(), zap.NewNop())

	sess, err := f.Open(context.Background(), harvest.Source{Name: "tifu"})
	require.ErrorIs(t, err, harvest.ErrSessionInit)
	assert.Nil(t, sess)
}

func TestWarmupIgnoresNavigationErrors(t *testing.T) {
	t.Parallel()
	page := &fakePage{navErr: errors.New("offline")}
	sess := newTestSession(page, nil, newFakeClock())
	sess.Warmup(context.Background())
	assert.Len(t, page.navigated, 2)
	assert.Equal(t, StateWarmup, sess.State())
}

type recordingGate struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (g *recordingGate) Wait(_ context.Context, url string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, url)
	return g.err
}

func TestNavigationGateSeesEveryNavigation(t *testing.T) {
	t.Parallel()
	page := &fakePage{pages: map[string][]string{
		listingURL:    {listingHTML("", "a1")},
		postURL("a1"): {itemHTML},
	}}
	gate := &recordingGate{}
	clock := newFakeClock()
	sess := New(page, newStubIndex(), detector.NewBlockHeuristic(detector.Config{}), testConfig(), zap.NewNop(),
		WithSleeper(clock), WithClock(clock.Now), WithNavigationGate(gate))

	links, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{postURL("a1")}, links)
	_, err = sess.FetchItem(context.Background(), links[0])
	require.NoError(t, err)

	assert.Equal(t, page.navigated, gate.urls)
}

func TestNavigationGateErrorAbortsListing(t *testing.T) {
	t.Parallel()
	page := &fakePage{}
	gate := &recordingGate{err: context.DeadlineExceeded}
	sess := New(page, newStubIndex(), detector.NewBlockHeuristic(detector.Config{}), testConfig(), zap.NewNop(),
		WithSleeper(newFakeClock()), WithNavigationGate(gate))

	_, err := sess.Listing(context.Background(), cancel.New(), harvest.Source{Name: "tifu", ListingURL: listingURL}, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, page.navigated)
}
