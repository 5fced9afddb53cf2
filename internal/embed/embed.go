// Package embed turns trials and parsed queries into fixed-dimension vectors.
// The text builders are deterministic: the same record always produces the
// same text, which is what makes snapshot replay reproduce the same vectors.
package embed

import (
	"context"
	"strings"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// Embedder produces one vector per input text, order preserved, output length
// equal to input length.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// topFields is how many conditions and interventions go into the trial text.
// The cut keeps the text focused on the primary indications.
const topFields = 3

// TrialText builds the embedding text of one trial: title, then top
// conditions, then top interventions, joined by blank lines. Field order and
// separators are fixed.
func TrialText(rec domain.TrialRecord) string {
	var parts []string
	if title := strings.TrimSpace(rec.Title); title != "" {
		parts = append(parts, title)
	}
	if conds := topNonEmpty(rec.Conditions); len(conds) > 0 {
		parts = append(parts, "conditions: "+strings.Join(conds, ", "))
	}
	if itvs := topNonEmpty(rec.Interventions); len(itvs) > 0 {
		parts = append(parts, "interventions: "+strings.Join(itvs, ", "))
	}
	return strings.Join(parts, "\n\n")
}

func topNonEmpty(items []string) []string {
	var out []string
	for _, it := range items {
		if it == "" {
			continue
		}
		out = append(out, it)
		if len(out) == topFields {
			break
		}
	}
	return out
}

// Component is one weighted semantic part of a query. The retrieval engine
// embeds components separately and blends the vectors by weight, so the
// primary condition dominates over medications and context terms.
type Component struct {
	Name   string
	Text   string
	Weight float64
}

// Component weights. Sex and hard constraints carry no semantic weight; they
// are filter-only.
const (
	weightConditions  = 0.50
	weightMedications = 0.25
	weightExtraTerms  = 0.25
)

// QueryComponents returns the weighted semantic components of a query in
// fixed order. Empty components are omitted.
func QueryComponents(q domain.StructuredQuery) []Component {
	var out []Component
	if len(q.Conditions) > 0 {
		out = append(out, Component{
			Name:   "conditions",
			Text:   "conditions:" + strings.Join(q.Conditions, ", "),
			Weight: weightConditions,
		})
	}
	if len(q.Medications) > 0 {
		out = append(out, Component{
			Name:   "medications",
			Text:   "meds:" + strings.Join(q.Medications, ", "),
			Weight: weightMedications,
		})
	}
	if len(q.ExtraTerms) > 0 {
		out = append(out, Component{
			Name:   "extra_terms",
			Text:   "context:" + strings.Join(q.ExtraTerms, ", "),
			Weight: weightExtraTerms,
		})
	}
	return out
}

// QueryText flattens the query components into a single deterministic string.
// Used when there are no weighted components worth blending, and as the
// degraded-path query text.
func QueryText(q domain.StructuredQuery) string {
	comps := QueryComponents(q)
	if len(comps) == 0 {
		return strings.TrimSpace(q.Intent)
	}
	parts := make([]string, 0, len(comps))
	for _, c := range comps {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " ")
}
