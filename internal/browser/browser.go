// Package browser launches isolated, fingerprint-hardened Chrome instances and
// exposes them as the page surface crawl sessions drive.
package browser

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// Browser is one Chrome process with its own profile directory and a single tab.
type Browser struct {
	cfg        Config
	logger     *zap.Logger
	profileDir string
	userAgent  string
	viewport   Viewport

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	closeOnce sync.Once
}

// Launch starts Chrome with a throwaway profile, a random user agent and
// viewport from the configured pools, and the stealth script installed.
// Every failure is reported as ErrSessionInit and leaves nothing running.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", harvest.ErrSessionInit, err)
	}
	profileDir, err := os.MkdirTemp(cfg.ProfileRoot, "harvester-profile-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create profile dir: %v", harvest.ErrSessionInit, err)
	}

	b := &Browser{
		cfg:        cfg,
		logger:     logger.With(zap.String("profile", profileDir)),
		profileDir: profileDir,
		userAgent:  cfg.UserAgents[rand.IntN(len(cfg.UserAgents))],
		viewport:   cfg.Viewports[rand.IntN(len(cfg.Viewports))],
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, profileDir, b.userAgent, b.viewport)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel

	// The first Run allocates the browser, so it must not carry a timeout.
	stopForward := forwardCancel(ctx, browserCancel)
	err = chromedp.Run(browserCtx, b.setupActions())
	stopForward()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: start chrome: %v", harvest.ErrSessionInit, err)
	}
	b.logger.Debug("browser launched",
		zap.String("user_agent", b.userAgent),
		zap.Int64("viewport_width", b.viewport.Width),
		zap.Int64("viewport_height", b.viewport.Height),
	)
	return b, nil
}

// stealthFlags are Chrome command-line switches, passed as --name[=value].
var stealthFlags = []struct {
	name  string
	value any
}{
	{"disable-blink-features", "AutomationControlled"},
	{"enable-automation", false},
	{"disable-infobars", true},
	{"disable-dev-shm-usage", true},
	{"disable-background-networking", true},
	{"disable-popup-blocking", true},
	{"hide-scrollbars", true},
	{"mute-audio", true},
}

func allocatorOptions(cfg Config, profileDir, userAgent string, vp Viewport) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserDataDir(profileDir),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(int(vp.Width), int(vp.Height)),
	}
	for _, f := range stealthFlags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"), chromedp.Flag("disable-gpu", true))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func (b *Browser) setupActions() chromedp.Action {
	return chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(b.userAgent).WithAcceptLanguage("en-US,en;q=0.9"),
		chromedp.EmulateViewport(b.viewport.Width, b.viewport.Height),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript(b.viewport)).Do(ctx)
			return err
		}),
	}
}

// run executes actions on the tab under the navigation timeout, aborting
// early when ctx ends.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancelTask := context.WithTimeout(b.browserCtx, b.cfg.NavigationTimeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the document body.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// HTML returns the current outer HTML of the document.
func (b *Browser) HTML(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// ScrollToBottom scrolls the window to the end of the document and returns
// the document height afterwards.
func (b *Browser) ScrollToBottom(ctx context.Context) (int64, error) {
	var height int64
	err := b.run(ctx, chromedp.Evaluate(
		`window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`, &height))
	if err != nil {
		return 0, err
	}
	return height, nil
}

// Location returns the current page URL, after any redirects.
func (b *Browser) Location(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Close shuts Chrome down gracefully, kills anything still holding the
// profile, and removes the profile directory. It is idempotent. Failures are
// logged and never block teardown of the remaining steps.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.browserCtx != nil {
			ctx, cancel := context.WithTimeout(b.browserCtx, 5*time.Second)
			if err := chromedp.Cancel(ctx); err != nil {
				b.logger.Debug("graceful browser shutdown failed", zap.Error(err))
			}
			cancel()
			b.browserCancel()
		}
		if b.allocCancel != nil {
			b.allocCancel()
		}
		if n := killOrphans(b.profileDir, b.logger); n > 0 {
			b.logger.Warn("killed orphaned browser processes", zap.Int("count", n))
		}
		if err := os.RemoveAll(b.profileDir); err != nil {
			b.logger.Warn("remove browser profile", zap.Error(err))
		}
	})
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
