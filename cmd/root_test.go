package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/api"
	"github.com/JakeFAU/story-harvester/internal/app"
	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/config"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
	"github.com/JakeFAU/story-harvester/internal/usage"
)

type fakeItems struct{ items []harvest.Item }

func (f *fakeItems) Exists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeItems) Save(context.Context, harvest.Item) (bool, error) {
	return true, nil
}
func (f *fakeItems) LoadAll(context.Context) ([]harvest.Item, error) { return f.items, nil }

type fakeSelector struct {
	next harvest.Item
	err  error
}

func (f *fakeSelector) Candidates(context.Context) ([]harvest.Item, error) {
	return []harvest.Item{f.next}, nil
}
func (f *fakeSelector) Next(context.Context) (harvest.Item, error) { return f.next, f.err }
func (f *fakeSelector) Stats(context.Context) (usage.Stats, error) { return usage.Stats{}, nil }

type fakeApp struct {
	cfg      config.Config
	items    *fakeItems
	selector *fakeSelector
	crawlReq app.CrawlRequest
	report   orchestrator.Report
	served   bool
	closed   bool
}

func (f *fakeApp) Close() error                  { f.closed = true; return nil }
func (f *fakeApp) Logger() *zap.Logger           { return zap.NewNop() }
func (f *fakeApp) Config() config.Config         { return f.cfg }
func (f *fakeApp) Store() harvest.ItemStore      { return f.items }
func (f *fakeApp) Selector() api.Selector        { return f.selector }
func (f *fakeApp) Serve(context.Context) error   { f.served = true; return nil }
func (f *fakeApp) Crawl(_ context.Context, req app.CrawlRequest, _ *cancel.Token) (orchestrator.Report, error) {
	f.crawlReq = req
	return f.report, nil
}

func scored(url string, body int) harvest.Item {
	return harvest.Item{
		URL:        url,
		SourceName: "tifu",
		Title:      "t",
		Author:     "a",
		ImageURL:   "i",
		Body:       strings.Repeat("x", body),
		Scores: &harvest.QualityScore{
			Engagement: 8, Sentiment: 5, RepostQuality: 8, Authenticity: 5, NarrativeCuriosity: 8,
		},
	}
}

// withFakeApp swaps the factory for the duration of a test. Tests using it
// must not run in parallel.
func withFakeApp(t *testing.T, fake *fakeApp) *rootFlags {
	t.Helper()
	var got rootFlags
	orig := newApp
	newApp = func(_ context.Context, flags rootFlags) (App, error) {
		got = flags
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &got
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommandPassesFlags(t *testing.T) {
	fake := &fakeApp{report: orchestrator.Report{Planned: []string{"tifu"}, Saved: 2}}
	flags := withFakeApp(t, fake)

	out, err := execute("crawl", "--count", "4", "--source", "tifu,confessions", "--top-up", "--config", "cfg.yaml", "--log-dev")
	require.NoError(t, err)

	assert.Equal(t, 4, fake.crawlReq.Count)
	assert.True(t, fake.crawlReq.TopUp)
	assert.Equal(t, []string{"tifu", "confessions"}, fake.crawlReq.Sources)
	assert.Equal(t, "cfg.yaml", flags.configPath)
	assert.True(t, flags.logDev)
	assert.True(t, fake.closed)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Saved)
}

func TestCrawlCommandRejectsNegativeCount(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	_, err := execute("crawl", "--count", "-1")
	require.Error(t, err)
}

func TestItemsCommandFilters(t *testing.T) {
	cfg := config.Default()
	fake := &fakeApp{
		cfg:   cfg,
		items: &fakeItems{items: []harvest.Item{scored("u1", 800), scored("u2", 50)}},
	}
	withFakeApp(t, fake)

	out, err := execute("items")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = execute("items", "--eligible")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"url":"u1"`)
}

func TestSelectCommand(t *testing.T) {
	fake := &fakeApp{selector: &fakeSelector{next: scored("u1", 700)}}
	withFakeApp(t, fake)

	out, err := execute("select")
	require.NoError(t, err)
	var item harvest.Item
	require.NoError(t, json.Unmarshal([]byte(out), &item))
	assert.Equal(t, "u1", item.URL)

	fake.selector.err = usage.ErrNoEligibleItems
	_, err = execute("select")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to select")
}

func TestServeCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	_, err := execute("serve")
	require.NoError(t, err)
	assert.True(t, fake.served)
}

func TestFactoryErrorAborts(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, rootFlags) (App, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = orig })

	_, err := execute("items")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
}
