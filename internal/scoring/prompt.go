package scoring

import "strings"

const rubric = `Score this Reddit post for YouTube Shorts reposting potential.
Output a JSON object with exactly these five integer fields (1-10 each):

- "engagement": How controversial, dramatic, or attention-grabbing is this post? (1=boring/mundane, 10=extremely dramatic/spicy/hot-take)
- "sentiment": How emotionally charged is the writing? (1=calm/neutral/measured, 10=outraged/furious/explosive)
- "repost_quality": How much substantive first-person content is there to narrate in a video?
  1-3: no real content (link-only, podcast promo, one-liner, health tip, TV recommendation, or pure spam)
  4-5: very brief or vague personal content, or entirely second-hand/abstract
  6-7: decent first-person content with personal details and some situation described
  8-9: rich first-person narrative with detailed personal situation, conflict or drama, and emotional weight
  10: exceptional story - detailed, dramatic, emotionally compelling, with clear stakes
- "authenticity": Does this read like genuine personal experience or like templated/administrative/marketing copy? (1=obvious ad/mod post/survey/self-promo/recruiting, 5=generic but real, 10=clearly genuine raw personal experience)
- "narrative_curiosity": How much does this make you want to hear what happens next? (1=no story arc at all like announcements/ads/rules, 5=mild interest, 10=impossible to stop reading)

Output ONLY valid JSON, nothing else.
`

// BuildPrompt renders the rating request for one post. The body is cut to
// maxChars runes.
func BuildPrompt(title, body string, maxChars int) string {
	var b strings.Builder
	b.WriteString(rubric)
	b.WriteString("\nReddit post title: ")
	b.WriteString(title)
	b.WriteString("\nReddit post content: ")
	b.WriteString(truncateRunes(body, maxChars))
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
