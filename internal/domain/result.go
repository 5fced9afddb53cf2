package domain

// Match is one retrieval candidate: the trial, its similarity score, and any
// exclusion bullets that conflict with the patient description. Conflicting
// trials are demoted and flagged, never dropped, so a downstream judge or UI
// can show why.
type Match struct {
	Trial TrialRecord `json:"trial"`
	Score float64     `json:"score"`

	Excluded bool `json:"excluded"`
	// MatchedExclusions holds the exclusion bullets that triggered the flag,
	// verbatim and in document order.
	MatchedExclusions []string `json:"matched_exclusions,omitempty"`
}

// RetrievalResult is the ordered candidate list for one request: not-excluded
// first, then similarity descending, ties broken by NCT id.
type RetrievalResult struct {
	Query   StructuredQuery `json:"query"`
	Matches []Match         `json:"matches"`
}
