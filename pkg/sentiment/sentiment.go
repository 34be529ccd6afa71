// Package sentiment builds the brand-mention analysis prompt sent to a
// sentiment-capable llmprovider.Provider and parses its reply into a
// store.SentimentAnalysis, falling back to a neutral default structure on
// any parse failure (spec.md §4.4's analysis prompt contract).
//
// Grounded on the teacher's prompt-template + JSON-extraction style used
// throughout pkg/agent (building an instruction string, then parsing a
// JSON block out of the model's free-text reply) — generalized from
// runbook/alert-analysis prompts to the brand-mention contract.
package sentiment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brandsignal/batchworks/pkg/store"
)

// BuildAnalysisPrompt renders the bounded instruction the processor sends
// to the sentiment-capable provider: it enumerates the exact brand list
// and their own/competitor types, forbids expansions or synonyms, and
// specifies the required JSON reply shape (spec.md §4.4).
func BuildAnalysisPrompt(answerText string, brands []store.Brand) string {
	var b strings.Builder
	b.WriteString("You are a brand-mention sentiment analyst. You will be given an AI-generated answer and a fixed list of brands to check for mentions.\n\n")
	b.WriteString("Brands to evaluate (use these exact strings verbatim — do not expand, abbreviate, translate, or substitute synonyms):\n")
	for _, brand := range brands {
		role := "competitor"
		if brand.OwnBrand {
			role = "own"
		}
		fmt.Fprintf(&b, "- %q (type: %s)\n", brand.Name, role)
	}

	b.WriteString("\nAnswer text to analyze:\n---\n")
	b.WriteString(answerText)
	b.WriteString("\n---\n\n")

	b.WriteString("Respond with a single JSON object and nothing else — no preamble, no explanation, no markdown fencing. ")
	b.WriteString("The object must contain one entry in \"brands\" for every brand listed above, in the exact brandKeywords string given, ")
	b.WriteString("whether mentioned or not, plus an overall sentiment verdict. Shape:\n")
	b.WriteString(`{"brands":[{"brandKeywords":"<exact brand string>","type":"own|competitor","mentioned":true|false,"sentiment":"positive|negative|not-determined"}],"overallSentiment":"positive|negative|not-determined"}`)
	return b.String()
}

type rawBrandVerdict struct {
	BrandKeywords string `json:"brandKeywords"`
	Type          string `json:"type"`
	Mentioned     bool   `json:"mentioned"`
	Sentiment     string `json:"sentiment"`
}

type rawVerdict struct {
	Brands           []rawBrandVerdict `json:"brands"`
	OverallSentiment string            `json:"overallSentiment"`
}

// ParseReply decodes a sentiment-provider reply into a SentimentAnalysis.
// Any reply that does not contain a parseable top-level JSON object falls
// back to DefaultAnalysis — the processor never fails a job over a
// malformed sentiment reply (spec.md §7). Verdicts naming a brand string
// not in the configured list are dropped, and every configured brand the
// reply omits gets a not-mentioned, not-determined entry; the reply's
// overall verdict is kept either way.
func ParseReply(reply, answerText string, brands []store.Brand, analyzedBy string) store.SentimentAnalysis {
	block, ok := extractJSONObject(reply)
	if !ok {
		return DefaultAnalysis(brands, analyzedBy)
	}

	var raw rawVerdict
	if err := json.Unmarshal(block, &raw); err != nil {
		return DefaultAnalysis(brands, analyzedBy)
	}

	byName := make(map[string]store.Brand, len(brands))
	for _, b := range brands {
		byName[b.Name] = b
	}

	seen := make(map[string]bool, len(brands))
	result := make([]store.BrandMention, 0, len(brands))
	for _, rb := range raw.Brands {
		cfg, ok := byName[rb.BrandKeywords]
		if !ok || seen[rb.BrandKeywords] {
			// The exact-string constraint means any brand string the model
			// invents (expansion, synonym, typo) simply isn't one of ours.
			continue
		}
		seen[rb.BrandKeywords] = true
		result = append(result, store.BrandMention{
			BrandKeywords: cfg.Name,
			Type:          mentionType(cfg),
			Mentioned:     rb.Mentioned,
			Sentiment:     normalizeSentiment(rb.Sentiment),
		})
	}
	// Every configured brand gets an entry even if the model's reply
	// omitted it.
	for _, b := range brands {
		if seen[b.Name] {
			continue
		}
		result = append(result, store.BrandMention{
			BrandKeywords: b.Name,
			Type:          mentionType(b),
			Mentioned:     false,
			Sentiment:     store.SentimentNotDetermined,
		})
	}

	assignPositions(answerText, result)

	return store.SentimentAnalysis{
		Brands:           result,
		OverallSentiment: normalizeSentiment(raw.OverallSentiment),
		AnalyzedAt:       time.Now(),
		AnalyzedBy:       analyzedBy,
	}
}

// DefaultAnalysis synthesizes the neutral fallback structure: every brand
// mentioned=false, sentiment=not-determined (spec.md §4.4).
func DefaultAnalysis(brands []store.Brand, analyzedBy string) store.SentimentAnalysis {
	out := make([]store.BrandMention, len(brands))
	for i, b := range brands {
		out[i] = store.BrandMention{
			BrandKeywords: b.Name,
			Type:          mentionType(b),
			Mentioned:     false,
			Sentiment:     store.SentimentNotDetermined,
		}
	}
	return store.SentimentAnalysis{
		Brands:           out,
		OverallSentiment: store.SentimentNotDetermined,
		AnalyzedAt:       time.Now(),
		AnalyzedBy:       analyzedBy,
	}
}

func mentionType(b store.Brand) store.BrandMentionType {
	if b.OwnBrand {
		return store.BrandMentionOwn
	}
	return store.BrandMentionCompetitor
}

func normalizeSentiment(s string) store.SentimentVerdict {
	switch store.SentimentVerdict(s) {
	case store.SentimentPositive:
		return store.SentimentPositive
	case store.SentimentNegative:
		return store.SentimentNegative
	default:
		return store.SentimentNotDetermined
	}
}

// assignPositions implements the deterministic position-assignment rule
// (SPEC_FULL Open Question #3): mentioned brands get monotonically
// increasing positions starting at 1 in the order their keyword string
// first appears in the analyzed answer text; unmentioned brands stay nil.
// Brands the model marked mentioned but that this text never actually
// contains are ordered last, by declaration order, rather than dropped.
func assignPositions(answerText string, brands []store.BrandMention) {
	lower := strings.ToLower(answerText)

	type candidate struct {
		index int
		at    int
	}
	var mentioned []candidate
	for i, b := range brands {
		if !b.Mentioned {
			continue
		}
		at := strings.Index(lower, strings.ToLower(b.BrandKeywords))
		if at < 0 {
			at = len(lower) + i // push not-actually-found mentions to the end, stably
		}
		mentioned = append(mentioned, candidate{index: i, at: at})
	}
	sort.SliceStable(mentioned, func(i, j int) bool { return mentioned[i].at < mentioned[j].at })
	for rank, c := range mentioned {
		pos := rank + 1
		brands[c.index].Position = &pos
	}
}

// extractJSONObject returns the first balanced top-level {...} block in s,
// tolerating surrounding commentary (e.g. "Sure! Here is the data: {...}")
// but treating braces inside string literals as non-structural.
func extractJSONObject(s string) (json.RawMessage, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.RawMessage(s[start : i+1]), true
			}
		}
	}
	return nil, false
}
