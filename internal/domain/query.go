package domain

// LocationHint is an optional patient location constraint.
type LocationHint struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// StructuredQuery is the parsed form of a patient description: hard constraints
// (age, sex, location) plus free-text intent components. One per request.
type StructuredQuery struct {
	Age         *int          `json:"age"`
	Sex         Sex           `json:"sex,omitempty"` // empty = unspecified, no filter
	Conditions  []string      `json:"conditions"`
	Medications []string      `json:"medications"`
	ExtraTerms  []string      `json:"extra_terms"`
	Location    *LocationHint `json:"location,omitempty"`

	// Intent is the raw patient text, retained for vector ranking and for the
	// degraded path when structured parsing is unavailable.
	Intent string `json:"intent"`

	// Degraded marks a fallback parse: hard constraints may be missing but
	// retrieval still proceeds vector-only. Recorded for observability, not an error.
	Degraded bool `json:"degraded,omitempty"`
}

// HasHardConstraints reports whether the query carries any metadata filter.
func (q *StructuredQuery) HasHardConstraints() bool {
	return q.Age != nil || q.Sex != "" || (q.Location != nil && q.Location.Country != "")
}
