package session

import (
	"fmt"
	"time"

	"github.com/JakeFAU/story-harvester/internal/pace"
)

// Config controls pacing and limits of a crawl session.
type Config struct {
	WarmupURLs      []string      `mapstructure:"warmup_urls"`
	WarmupVisits    int           `mapstructure:"warmup_visits"`
	WarmupPause     pace.Window   `mapstructure:"warmup_pause"`
	ListingSettle   pace.Window   `mapstructure:"listing_settle"`
	ScrollPause     pace.Window   `mapstructure:"scroll_pause"`
	MaxScrolls      int           `mapstructure:"max_scrolls"`
	NoProgressLimit int           `mapstructure:"no_progress_limit"`
	ItemSettle      pace.Window   `mapstructure:"item_settle"`
	ItemTimeout     time.Duration `mapstructure:"item_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig mirrors the pacing that kept the target sources quiet.
func DefaultConfig() Config {
	return Config{
		WarmupURLs:      []string{"https://old.reddit.com/", "https://www.google.com/"},
		WarmupVisits:    2,
		WarmupPause:     pace.Window{Min: 2 * time.Second, Max: 7 * time.Second},
		ListingSettle:   pace.Window{Min: 3 * time.Second, Max: 7 * time.Second},
		ScrollPause:     pace.Window{Min: 300 * time.Millisecond, Max: 700 * time.Millisecond},
		MaxScrolls:      200,
		NoProgressLimit: 2,
		ItemSettle:      pace.Window{Min: 4 * time.Second, Max: 8 * time.Second},
		ItemTimeout:     10 * time.Second,
		PollInterval:    250 * time.Millisecond,
	}
}

// Validate rejects limits that would stall or spin a session.
func (c Config) Validate() error {
	if c.MaxScrolls <= 0 {
		return fmt.Errorf("session.max_scrolls must be > 0")
	}
	if c.NoProgressLimit <= 0 {
		return fmt.Errorf("session.no_progress_limit must be > 0")
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("session.item_timeout must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be > 0")
	}
	if c.WarmupVisits < 0 || c.WarmupVisits > 2 {
		return fmt.Errorf("session.warmup_visits must be between 0 and 2")
	}
	return nil
}
