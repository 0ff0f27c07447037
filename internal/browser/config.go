package browser

import (
	"fmt"
	"time"
)

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int64 `mapstructure:"width"`
	Height int64 `mapstructure:"height"`
}

// Config controls how browsers are launched.
type Config struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	ProfileRoot       string        `mapstructure:"profile_root"`
	UserAgents        []string      `mapstructure:"user_agents"`
	Viewports         []Viewport    `mapstructure:"viewports"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
}

// DefaultConfig returns desktop Chrome fingerprints common enough to blend in.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36 Edg/122.0.0.0",
		},
		Viewports: []Viewport{
			{Width: 1920, Height: 1080},
			{Width: 1536, Height: 864},
			{Width: 1440, Height: 900},
			{Width: 1366, Height: 768},
		},
		NavigationTimeout: 45 * time.Second,
	}
}

// Validate checks the launch settings.
func (c Config) Validate() error {
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("browser.user_agents must not be empty")
	}
	if len(c.Viewports) == 0 {
		return fmt.Errorf("browser.viewports must not be empty")
	}
	for _, v := range c.Viewports {
		if v.Width <= 0 || v.Height <= 0 {
			return fmt.Errorf("browser.viewports entries must be positive, got %dx%d", v.Width, v.Height)
		}
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be > 0")
	}
	return nil
}
