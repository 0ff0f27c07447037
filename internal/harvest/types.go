package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/story-harvester/internal/cancel"
)

// Item is one harvested post. It is created by a crawl session once every
// required field has been extracted and is not modified afterwards except for
// Scores, which the quality gate attaches before persistence.
type Item struct {
	ID         string        `json:"id"`
	SourceName string        `json:"source_name"`
	Author     string        `json:"author"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	URL        string        `json:"url"`
	ImageURL   string        `json:"image_url"`
	ScrapedAt  time.Time     `json:"scraped_at"`
	Scores     *QualityScore `json:"scores,omitempty"`
}

// NewItem validates the extracted fields and builds an Item.
func NewItem(sourceName, author, title, body, url, imageURL string) (Item, error) {
	item := Item{
		SourceName: strings.TrimSpace(sourceName),
		Author:     strings.TrimSpace(author),
		Title:      strings.TrimSpace(title),
		Body:       strings.TrimSpace(body),
		URL:        strings.TrimSpace(url),
		ImageURL:   strings.TrimSpace(imageURL),
	}
	missing := item.MissingFields()
	if item.URL == "" {
		missing = append([]string{"url"}, missing...)
	}
	if len(missing) > 0 {
		return item, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ","))
	}
	if item.SourceName == "" {
		item.SourceName = SourceNameFromURL(item.URL)
	}
	return item, nil
}

// MissingFields lists the extracted fields that are still empty.
func (i Item) MissingFields() []string {
	var missing []string
	if i.Author == "" {
		missing = append(missing, "author")
	}
	if i.Title == "" {
		missing = append(missing, "title")
	}
	if i.Body == "" {
		missing = append(missing, "body")
	}
	if i.ImageURL == "" {
		missing = append(missing, "image_url")
	}
	return missing
}

// QualityScore holds the five oracle rating dimensions, each in [1,10].
type QualityScore struct {
	Engagement         int `json:"engagement"`
	Sentiment          int `json:"sentiment"`
	RepostQuality      int `json:"repost_quality"`
	Authenticity       int `json:"authenticity"`
	NarrativeCuriosity int `json:"narrative_curiosity"`
}

// Score bounds.
const (
	ScoreFloor   = 1
	ScoreCeiling = 10
)

// FloorScore is assigned to items too short to be worth an oracle call.
func FloorScore() QualityScore {
	return QualityScore{
		Engagement:         ScoreFloor,
		Sentiment:          ScoreFloor,
		RepostQuality:      ScoreFloor,
		Authenticity:       ScoreFloor,
		NarrativeCuriosity: ScoreFloor,
	}
}

// Clamp returns a copy with every dimension forced into [ScoreFloor, ScoreCeiling].
func (s QualityScore) Clamp() QualityScore {
	return QualityScore{
		Engagement:         ClampScore(s.Engagement),
		Sentiment:          ClampScore(s.Sentiment),
		RepostQuality:      ClampScore(s.RepostQuality),
		Authenticity:       ClampScore(s.Authenticity),
		NarrativeCuriosity: ClampScore(s.NarrativeCuriosity),
	}
}

// ClampScore forces v into [ScoreFloor, ScoreCeiling].
func ClampScore(v int) int {
	return max(ScoreFloor, min(ScoreCeiling, v))
}

// ItemStore is the persistent, URL-deduplicated item store.
type ItemStore interface {
	Exists(ctx context.Context, url string) (bool, error)
	Save(ctx context.Context, item Item) (bool, error)
	LoadAll(ctx context.Context) ([]Item, error)
}

// Scorer attaches quality scores to a batch of items.
type Scorer interface {
	ScoreBatch(ctx context.Context, items []Item) []Item
}

// EventItemSaved is published once per newly written item.
const EventItemSaved = "item.saved"

// SavedEvent is the payload announcing a newly written item.
type SavedEvent struct {
	Type       string        `json:"type"`
	URL        string        `json:"url"`
	SourceName string        `json:"source_name"`
	Title      string        `json:"title"`
	Scores     *QualityScore `json:"scores,omitempty"`
}

// Publisher announces newly persisted items to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// UsageHistory reports whether a downstream renderer already consumed a URL.
type UsageHistory interface {
	Has(ctx context.Context, url string) (bool, error)
}

// CrawlSession is one browser-backed scraping context bound to a source.
type CrawlSession interface {
	Listing(ctx context.Context, token *cancel.Token, src Source, max int) ([]string, error)
	FetchItem(ctx context.Context, url string) (Item, error)
	Dispose()
}

// SessionFactory opens warmed-up crawl sessions.
type SessionFactory interface {
	Open(ctx context.Context, src Source) (CrawlSession, error)
}
