package retrieval

import (
	"strings"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// stopwords excluded from term-overlap matching. Clinical filler plus common
// English function words.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "any": true, "are": true, "as": true,
	"at": true, "be": true, "been": true, "by": true, "currently": true,
	"for": true, "from": true, "has": true, "have": true, "history": true,
	"in": true, "is": true, "known": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "other": true, "patient": true, "patients": true,
	"prior": true, "taking": true, "the": true, "to": true, "use": true,
	"with": true, "within": true, "without": true, "year": true, "years": true,
	"old": true, "male": true, "female": true, "man": true, "woman": true,
}

// minTermOverlap is how many distinct stemmed content terms a bullet must
// share with the patient terms before it counts as a conflict.
const minTermOverlap = 2

// matchedExclusions returns the exclusion bullets of a trial that conflict
// with the parsed query, in document order. A bullet conflicts when it
// contains a parsed condition or medication phrase verbatim, or when it
// shares at least minTermOverlap stemmed content terms with the patient text.
func matchedExclusions(q *domain.StructuredQuery, trial *domain.TrialRecord) []string {
	if len(trial.Exclusion) == 0 {
		return nil
	}

	phrases := patientPhrases(q)
	terms := patientTerms(q)
	if len(phrases) == 0 && len(terms) == 0 {
		return nil
	}

	var matched []string
	for _, bullet := range trial.Exclusion {
		if bulletConflicts(bullet, phrases, terms) {
			matched = append(matched, bullet)
		}
	}
	return matched
}

func bulletConflicts(bullet string, phrases []string, terms map[string]bool) bool {
	lower := strings.ToLower(bullet)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}

	overlap := 0
	seen := map[string]bool{}
	for _, w := range strings.Fields(lower) {
		t := stem(trimWord(w))
		if t == "" || seen[t] || !terms[t] {
			continue
		}
		seen[t] = true
		overlap++
		if overlap >= minTermOverlap {
			return true
		}
	}
	return false
}

// patientPhrases returns the lowercase parsed condition and medication
// phrases for verbatim matching.
func patientPhrases(q *domain.StructuredQuery) []string {
	var out []string
	for _, list := range [][]string{q.Conditions, q.Medications} {
		for _, item := range list {
			p := strings.ToLower(strings.TrimSpace(item))
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// patientTerms returns the stemmed content terms of the query: parsed
// phrases plus the raw intent text, minus stopwords.
func patientTerms(q *domain.StructuredQuery) map[string]bool {
	terms := map[string]bool{}
	add := func(text string) {
		for _, w := range strings.Fields(strings.ToLower(text)) {
			if t := stem(trimWord(w)); t != "" {
				terms[t] = true
			}
		}
	}
	for _, c := range q.Conditions {
		add(c)
	}
	for _, m := range q.Medications {
		add(m)
	}
	add(q.Intent)
	return terms
}

func trimWord(w string) string {
	return strings.Trim(w, ".,;:()[]\"'!?")
}

// stem cuts common English suffixes, two passes, so inflected forms collapse
// to a shared base: "treated"/"treatments" both reach "treat". Stopwords and
// very short words are dropped. The cuts are crude but applied identically
// to both sides of the comparison.
func stem(w string) string {
	if len(w) < 3 || stopwords[w] {
		return ""
	}
	for pass := 0; pass < 2; pass++ {
		trimmed := false
		for _, suf := range []string{"ies", "ment", "ing", "ers", "ed", "er", "es", "s"} {
			if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 3 {
				w = w[:len(w)-len(suf)]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return w
}
