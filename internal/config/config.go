// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/story-harvester/internal/browser"
	"github.com/JakeFAU/story-harvester/internal/detector"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/logging"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
	"github.com/JakeFAU/story-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/story-harvester/internal/progress"
	"github.com/JakeFAU/story-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/story-harvester/internal/scoring"
	"github.com/JakeFAU/story-harvester/internal/session"
	"github.com/JakeFAU/story-harvester/internal/storage"
	"github.com/JakeFAU/story-harvester/internal/storage/local"
	"github.com/JakeFAU/story-harvester/internal/usage"
	"github.com/JakeFAU/story-harvester/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_SCORING_MODEL.
const EnvPrefix = "HARVESTER"

// Config captures every harvester knob.
type Config struct {
	Logging      logging.Config     `mapstructure:"logging"`
	Sources      []string           `mapstructure:"sources"`
	Browser      browser.Config     `mapstructure:"browser"`
	Session      session.Config     `mapstructure:"session"`
	Detector     detector.Config    `mapstructure:"detector"`
	Navigation   ratelimit.Config   `mapstructure:"navigation"`
	Worker       worker.Config      `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Progress     progress.Config    `mapstructure:"progress"`
	Scoring      scoring.Config     `mapstructure:"scoring"`
	Admission    harvest.Thresholds `mapstructure:"admission"`
	Selection    SelectionConfig    `mapstructure:"selection"`
	Storage      storage.Config     `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Usage        usage.Config       `mapstructure:"usage"`
	Server       ServerConfig       `mapstructure:"server"`
}

// OrchestratorConfig adds the default run target to the scheduling settings.
// A top-up crawl runs only while fewer than MinUnused eligible items remain
// unused; zero disables the check.
type OrchestratorConfig struct {
	orchestrator.Config `mapstructure:",squash"`
	Target              int `mapstructure:"target"`
	MinUnused           int `mapstructure:"min_unused"`
}

// SelectionConfig is the body-length window a renderer can use.
type SelectionConfig struct {
	MinBodyChars int `mapstructure:"min_body_chars"`
	MaxBodyChars int `mapstructure:"max_body_chars"`
}

// PubSubConfig enables saved-item announcements.
type PubSubConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	pubsub.Config `mapstructure:",squash"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SelectionRules combines the admission thresholds with the body window.
func (c Config) SelectionRules() harvest.Selection {
	return harvest.Selection{
		Thresholds:   c.Admission,
		MinBodyChars: c.Selection.MinBodyChars,
		MaxBodyChars: c.Selection.MaxBodyChars,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Sources: []string{
			"tifu",
			"AmItheAsshole",
			"TrueOffMyChest",
			"relationship_advice",
			"confessions",
			"pettyrevenge",
		},
		Browser:  browser.DefaultConfig(),
		Session:  session.DefaultConfig(),
		Detector: detector.DefaultConfig(),
		Navigation: ratelimit.Config{
			RequestsPerSecond: 0.5,
			Burst:             2,
		},
		Worker: worker.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			Config:    orchestrator.DefaultConfig(),
			Target:    15,
			MinUnused: 10,
		},
		Scoring: scoring.DefaultConfig(),
		Admission: harvest.Thresholds{
			MinEngagement:         5,
			MinRepostQuality:      6,
			MinNarrativeCuriosity: 5,
		},
		Selection: SelectionConfig{MinBodyChars: 600, MaxBodyChars: 2000},
		Storage: storage.Config{
			Backend: storage.BackendLocal,
			Local:   local.Config{BaseDir: "data/items", LockRetry: 50 * time.Millisecond},
		},
		Usage:  usage.Config{Path: "data/usage.db"},
		Server: ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
	}
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	// Lists set in the file replace the built-in ones instead of merging
	// element by element.
	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	})); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
// Lists keep their defaults from Default().
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("sources", d.Sources)

	v.SetDefault("browser.exec_path", d.Browser.ExecPath)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.profile_root", d.Browser.ProfileRoot)
	v.SetDefault("browser.navigation_timeout", d.Browser.NavigationTimeout)
	v.SetDefault("browser.no_sandbox", d.Browser.NoSandbox)

	v.SetDefault("session.warmup_visits", d.Session.WarmupVisits)
	v.SetDefault("session.max_scrolls", d.Session.MaxScrolls)
	v.SetDefault("session.no_progress_limit", d.Session.NoProgressLimit)
	v.SetDefault("session.item_timeout", d.Session.ItemTimeout)
	v.SetDefault("session.poll_interval", d.Session.PollInterval)
	setWindow(v, "session.warmup_pause", d.Session.WarmupPause.Min, d.Session.WarmupPause.Max)
	setWindow(v, "session.listing_settle", d.Session.ListingSettle.Min, d.Session.ListingSettle.Max)
	setWindow(v, "session.scroll_pause", d.Session.ScrollPause.Min, d.Session.ScrollPause.Max)
	setWindow(v, "session.item_settle", d.Session.ItemSettle.Min, d.Session.ItemSettle.Max)

	v.SetDefault("navigation.requests_per_second", d.Navigation.RequestsPerSecond)
	v.SetDefault("navigation.burst", d.Navigation.Burst)

	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.publish_saved", d.Worker.PublishSaved)
	setWindow(v, "worker.backoff", d.Worker.Backoff.Min, d.Worker.Backoff.Max)

	v.SetDefault("orchestrator.concurrency", d.Orchestrator.Concurrency)
	v.SetDefault("orchestrator.target", d.Orchestrator.Target)
	v.SetDefault("orchestrator.min_unused", d.Orchestrator.MinUnused)
	setWindow(v, "orchestrator.pause", d.Orchestrator.Pause.Min, d.Orchestrator.Pause.Max)
	setWindow(v, "orchestrator.stagger", d.Orchestrator.Stagger.Min, d.Orchestrator.Stagger.Max)

	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)

	v.SetDefault("scoring.endpoint", d.Scoring.Endpoint)
	v.SetDefault("scoring.model", d.Scoring.Model)
	v.SetDefault("scoring.timeout", d.Scoring.Timeout)
	v.SetDefault("scoring.num_gpu", d.Scoring.NumGPU)
	v.SetDefault("scoring.min_body_chars", d.Scoring.MinBodyChars)
	v.SetDefault("scoring.max_prompt_chars", d.Scoring.MaxPromptChars)
	v.SetDefault("scoring.requests_per_second", d.Scoring.RequestsPerSecond)
	v.SetDefault("scoring.breaker.consecutive_failures", d.Scoring.Breaker.ConsecutiveFailures)
	v.SetDefault("scoring.breaker.open_timeout", d.Scoring.Breaker.OpenTimeout)

	v.SetDefault("admission.min_engagement", d.Admission.MinEngagement)
	v.SetDefault("admission.min_repost_quality", d.Admission.MinRepostQuality)
	v.SetDefault("admission.min_narrative_curiosity", d.Admission.MinNarrativeCuriosity)
	v.SetDefault("selection.min_body_chars", d.Selection.MinBodyChars)
	v.SetDefault("selection.max_body_chars", d.Selection.MaxBodyChars)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.local.base_dir", d.Storage.Local.BaseDir)
	v.SetDefault("storage.local.lock_retry", d.Storage.Local.LockRetry)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "items")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "harvester")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")

	v.SetDefault("usage.path", d.Usage.Path)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}

func setWindow(v *viper.Viper, key string, lo, hi time.Duration) {
	v.SetDefault(key+".min", lo)
	v.SetDefault(key+".max", hi)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources must not be empty")
	}
	if _, err := harvest.ParseSources(c.Sources); err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	if c.Orchestrator.Target <= 0 {
		return fmt.Errorf("orchestrator.target must be > 0")
	}
	if c.Orchestrator.MinUnused < 0 {
		return fmt.Errorf("orchestrator.min_unused must be >= 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Selection.MaxBodyChars > 0 && c.Selection.MaxBodyChars < c.Selection.MinBodyChars {
		return fmt.Errorf("selection.max_body_chars must be >= selection.min_body_chars")
	}
	if c.Navigation.RequestsPerSecond < 0 {
		return fmt.Errorf("navigation.requests_per_second must be >= 0")
	}
	if c.Usage.Path == "" {
		return fmt.Errorf("usage.path is required")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id are required when pubsub is enabled")
	}
	return errors.Join(
		c.Browser.Validate(),
		c.Session.Validate(),
		c.Worker.Validate(),
		c.Orchestrator.Validate(),
		c.Scoring.Validate(),
		c.Storage.Validate(),
	)
}
