// Package detector flags rendered pages that carry anti-bot block or CAPTCHA
// signatures.
package detector

import (
	"bytes"
	"strings"
)

// PhrasePair fires only when both phrases appear on the page. A lone
// "captcha" shows up in plenty of ordinary form markup.
type PhrasePair struct {
	First  string `mapstructure:"first"`
	Second string `mapstructure:"second"`
}

// Config lists the signatures to look for. Matching is case-insensitive.
type Config struct {
	Phrases []string     `mapstructure:"phrases"`
	Pairs   []PhrasePair `mapstructure:"pairs"`
}

// DefaultConfig holds the signatures seen on the target sources so far.
func DefaultConfig() Config {
	return Config{
		Phrases: []string{
			"you have been blocked",
			"you've been blocked by network security",
			"access denied",
		},
		Pairs: []PhrasePair{{First: "challenge", Second: "captcha"}},
	}
}

// BlockHeuristic scans page text for known block signatures. It is a
// heuristic: pages it misses surface later as empty extractions.
type BlockHeuristic struct {
	phrases [][]byte
	pairs   [][2][]byte
}

// NewBlockHeuristic normalizes cfg into lower-cased byte needles. An empty
// config falls back to DefaultConfig.
func NewBlockHeuristic(cfg Config) *BlockHeuristic {
	if len(cfg.Phrases) == 0 && len(cfg.Pairs) == 0 {
		cfg = DefaultConfig()
	}
	h := &BlockHeuristic{}
	for _, p := range cfg.Phrases {
		if needle := lowerNeedle(p); needle != nil {
			h.phrases = append(h.phrases, needle)
		}
	}
	for _, pair := range cfg.Pairs {
		a, b := lowerNeedle(pair.First), lowerNeedle(pair.Second)
		if a == nil || b == nil {
			continue
		}
		h.pairs = append(h.pairs, [2][]byte{a, b})
	}
	return h
}

// IsBlocked reports whether page matches any configured signature.
func (h *BlockHeuristic) IsBlocked(page string) bool {
	if h == nil || page == "" {
		return false
	}
	lower := bytes.ToLower([]byte(page))
	for _, p := range h.phrases {
		if bytes.Contains(lower, p) {
			return true
		}
	}
	for _, pair := range h.pairs {
		if bytes.Contains(lower, pair[0]) && bytes.Contains(lower, pair[1]) {
			return true
		}
	}
	return false
}

func lowerNeedle(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return []byte(strings.ToLower(s))
}
