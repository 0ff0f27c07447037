package scoring

import (
	"fmt"
	"time"
)

// BreakerConfig controls the circuit breaker around the oracle.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// Config holds the quality gate settings.
type Config struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	NumGPU            int           `mapstructure:"num_gpu"`
	MinBodyChars      int           `mapstructure:"min_body_chars"`
	MaxPromptChars    int           `mapstructure:"max_prompt_chars"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

// DefaultConfig targets a local Ollama instance running on CPU.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://localhost:11434/api/generate",
		Model:          "gemma2:9b",
		Timeout:        300 * time.Second,
		MinBodyChars:   100,
		MaxPromptChars: 1500,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         time.Minute,
		},
	}
}

// Validate checks the scoring settings.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("scoring.endpoint is required")
	}
	if c.Model == "" {
		return fmt.Errorf("scoring.model is required")
	}
	if c.Timeout <= 0 || c.Timeout > 300*time.Second {
		return fmt.Errorf("scoring.timeout must be in (0s, 300s]")
	}
	if c.MinBodyChars < 0 {
		return fmt.Errorf("scoring.min_body_chars must be >= 0")
	}
	if c.MaxPromptChars <= 0 {
		return fmt.Errorf("scoring.max_prompt_chars must be > 0")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("scoring.requests_per_second must be >= 0")
	}
	return nil
}
