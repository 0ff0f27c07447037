package session

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// fieldStrategy reads a field from the first node matching selector, either
// its text (attr == "") or one of its attributes. Strategies are tried in
// order until one yields a value, which covers both page layouts the sources
// serve.
type fieldStrategy struct {
	selector string
	attr     string
}

var (
	authorStrategies = []fieldStrategy{
		{selector: "#siteTable p.tagline a.author"},
		{selector: "a.author"},
		{selector: "a.author-name"},
		{selector: "shreddit-post", attr: "author"},
	}
	titleStrategies = []fieldStrategy{
		{selector: "#siteTable a.title"},
		{selector: "a.title"},
		{selector: "h1[id^='post-title-']"},
		{selector: "shreddit-post", attr: "post-title"},
		{selector: "meta[property='og:title']", attr: "content"},
	}
	bodyStrategies = []fieldStrategy{
		{selector: "div.expando div.md"},
		{selector: "div[slot='text-body'] div.md"},
		{selector: "shreddit-post div.md"},
	}
	imageStrategies = []fieldStrategy{
		{selector: "img.icon", attr: "src"},
		{selector: "img.shreddit-subreddit-icon__icon", attr: "src"},
		{selector: "#header-img", attr: "src"},
		{selector: "meta[property='og:image']", attr: "content"},
	}
)

// fields accumulates extraction results across polls; a field, once found,
// is kept.
type fields struct {
	author, title, body, image string
}

func (f *fields) complete() bool {
	return f.author != "" && f.title != "" && f.body != "" && f.image != ""
}

func (f *fields) fill(doc *goquery.Document, pageURL string) {
	if f.author == "" {
		f.author = firstValue(doc, authorStrategies, textOf)
	}
	if f.title == "" {
		f.title = firstValue(doc, titleStrategies, textOf)
	}
	if f.body == "" {
		f.body = firstValue(doc, bodyStrategies, blockText)
	}
	if f.image == "" {
		f.image = absoluteURL(pageURL, firstValue(doc, imageStrategies, textOf))
	}
}

func firstValue(doc *goquery.Document, strategies []fieldStrategy, text func(*goquery.Selection) string) string {
	for _, st := range strategies {
		sel := doc.Find(st.selector).First()
		if sel.Length() == 0 {
			continue
		}
		var v string
		if st.attr == "" {
			v = text(sel)
		} else {
			v, _ = sel.Attr(st.attr)
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func textOf(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// blockText keeps paragraph breaks, which the narration step relies on.
func blockText(sel *goquery.Selection) string {
	blocks := sel.Find("p, pre")
	if blocks.Length() == 0 {
		return strings.TrimSpace(sel.Text())
	}
	parts := make([]string, 0, blocks.Length())
	blocks.Each(func(_ int, b *goquery.Selection) {
		if t := textOf(b); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

var itemPath = regexp.MustCompile(`^/r/[^/]+/comments/[A-Za-z0-9]+(/|$)`)

// itemLinks returns canonical item URLs found on a listing page, in page order
// and without duplicates.
func itemLinks(doc *goquery.Document, pageURL string) []string {
	var out []string
	seen := make(map[string]struct{})
	doc.Find("a.title, a.comments, a[href*='/comments/']").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		link, ok := canonicalItemURL(pageURL, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

func canonicalItemURL(pageURL, href string) (string, bool) {
	abs := absoluteURL(pageURL, href)
	u, err := url.Parse(abs)
	if err != nil || !strings.HasSuffix(strings.ToLower(u.Hostname()), "reddit.com") {
		return "", false
	}
	if !itemPath.MatchString(u.Path) {
		return "", false
	}
	legacy, err := harvest.LegacyURL(abs)
	if err != nil {
		return "", false
	}
	return legacy, true
}

// nextPageURL returns the target of the pagination control, or "" when the
// page has none.
func nextPageURL(doc *goquery.Document, pageURL string) string {
	for _, sel := range []string{"span.next-button a", "a[rel~='next']"} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return absoluteURL(pageURL, href)
		}
	}
	return ""
}

func absoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
