// Package queryparse turns free-text patient descriptions into structured
// queries. The primary path goes through a completion service; a
// deterministic regex fallback keeps retrieval available when the service is
// down or returns garbage.
package queryparse

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// Parser turns patient free text into a structured query. Implementations
// never fail the request over parse quality: the worst outcome is a degraded
// query carrying only the raw intent text.
type Parser interface {
	Parse(ctx context.Context, text string) (domain.StructuredQuery, error)
}

var (
	// "65 y/o", "65 yo", "65-year-old", "65 year old", "age 65", "aged 65"
	agePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:y/o|yo)\b`),
		regexp.MustCompile(`(?i)\b(\d{1,3})[\s-]*years?[\s-]*old\b`),
		regexp.MustCompile(`(?i)\baged?\s+(\d{1,3})\b`),
	}

	maleWords   = regexp.MustCompile(`(?i)\b(?:male|man|gentleman|boy)\b`)
	femaleWords = regexp.MustCompile(`(?i)\b(?:female|woman|lady|girl)\b`)
)

// FallbackParser extracts age and sex with fixed regexes and keeps the raw
// text as the intent. It is the degraded path and sets Degraded accordingly.
type FallbackParser struct{}

// Parse never fails.
func (FallbackParser) Parse(_ context.Context, text string) (domain.StructuredQuery, error) {
	q := domain.StructuredQuery{
		Intent:   strings.TrimSpace(text),
		Degraded: true,
	}
	q.Age = extractAge(text)
	q.Sex = extractSex(text)
	return q, nil
}

func extractAge(text string) *int {
	for _, re := range agePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || n > 120 {
			continue
		}
		return &n
	}
	return nil
}

// extractSex returns a sex only when the text mentions exactly one. A text
// mentioning both ("male partner of a pregnant woman") stays unfiltered.
func extractSex(text string) domain.Sex {
	male := maleWords.MatchString(text)
	female := femaleWords.MatchString(text)
	switch {
	case male && !female:
		return domain.SexMale
	case female && !male:
		return domain.SexFemale
	default:
		return ""
	}
}
