package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// defaultField is used when the oracle omits a dimension.
const defaultField = 5

// ErrMalformed marks an oracle reply that cannot be read as a rating.
var ErrMalformed = errors.New("malformed rating")

// ParseScore decodes the oracle's JSON rating. Numbers may arrive as
// integers, floats, or numeric strings and are truncated; missing fields take
// the midpoint. The result is clamped to the score bounds.
func ParseScore(raw string) (harvest.QualityScore, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return harvest.QualityScore{}, fmt.Errorf("%w: empty reply", ErrMalformed)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return harvest.QualityScore{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return harvest.QualityScore{}, fmt.Errorf("%w: reply is not a JSON object", ErrMalformed)
	}
	var score harvest.QualityScore
	targets := []struct {
		key string
		dst *int
	}{
		{"engagement", &score.Engagement},
		{"sentiment", &score.Sentiment},
		{"repost_quality", &score.RepostQuality},
		{"authenticity", &score.Authenticity},
		{"narrative_curiosity", &score.NarrativeCuriosity},
	}
	for _, t := range targets {
		v, err := fieldValue(fields, t.key)
		if err != nil {
			return harvest.QualityScore{}, err
		}
		*t.dst = v
	}
	return score.Clamp(), nil
}

func fieldValue(fields map[string]any, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return defaultField, nil
	}
	switch n := v.(type) {
	case float64:
		return truncate(n, key)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %s: %q is not a number", ErrMalformed, key, n)
		}
		return truncate(f, key)
	default:
		return 0, fmt.Errorf("%w: field %s: unexpected type %T", ErrMalformed, key, v)
	}
}

func truncate(f float64, key string) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: field %s: not finite", ErrMalformed, key)
	}
	// Clamp before converting so huge values cannot overflow.
	f = math.Max(math.Min(f, harvest.ScoreCeiling+1), harvest.ScoreFloor-1)
	return int(f), nil
}
