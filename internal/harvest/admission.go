package harvest

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Thresholds are the minimum scores an item needs to be handed to a renderer.
type Thresholds struct {
	MinEngagement         int `mapstructure:"min_engagement"`
	MinRepostQuality      int `mapstructure:"min_repost_quality"`
	MinNarrativeCuriosity int `mapstructure:"min_narrative_curiosity"`
}

// Eligible applies the admission gate. Unscored items are never eligible.
func Eligible(item Item, t Thresholds) bool {
	if item.Scores == nil {
		return false
	}
	s := item.Scores
	return s.Engagement >= t.MinEngagement &&
		s.RepostQuality >= t.MinRepostQuality &&
		s.NarrativeCuriosity >= t.MinNarrativeCuriosity
}

// Selection narrows eligible items to what a renderer can use.
type Selection struct {
	Thresholds   Thresholds `mapstructure:"thresholds"`
	MinBodyChars int        `mapstructure:"min_body_chars"`
	MaxBodyChars int        `mapstructure:"max_body_chars"`
}

func (s Selection) bodyFits(body string) bool {
	n := utf8.RuneCountInString(body)
	if s.MinBodyChars > 0 && n < s.MinBodyChars {
		return false
	}
	if s.MaxBodyChars > 0 && n > s.MaxBodyChars {
		return false
	}
	return true
}

// SelectEligible returns the admitted items that fit the body window and have
// not been consumed yet according to history. A nil history skips that check.
func SelectEligible(ctx context.Context, items []Item, sel Selection, history UsageHistory) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if !Eligible(item, sel.Thresholds) || !sel.bodyFits(item.Body) {
			continue
		}
		if history != nil {
			used, err := history.Has(ctx, item.URL)
			if err != nil {
				return nil, fmt.Errorf("usage history lookup: %w", err)
			}
			if used {
				continue
			}
		}
		out = append(out, item)
	}
	return out, nil
}
