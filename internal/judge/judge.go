// Package judge defines the downstream eligibility-judgment contract.
// Retrieval produces ranked candidates with their conflicting exclusion
// bullets attached; a judge turns those into per-trial verdicts. This
// service ships the contract only, implementations live with their
// consumers.
package judge

import (
	"context"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// Label is the judgment outcome for one trial.
type Label string

const (
	// LabelPossiblyEligible means nothing in the candidate rules the
	// patient out; human review still required.
	LabelPossiblyEligible Label = "POSSIBLY_ELIGIBLE"
	// LabelIneligible means at least one criterion definitively excludes
	// the patient.
	LabelIneligible Label = "INELIGIBLE"
)

// Verdict is the judgment for a single trial.
type Verdict struct {
	NCTID       string `json:"nct_id"`
	Label       Label  `json:"label"`
	Explanation string `json:"explanation,omitempty"`
}

// Judge assesses retrieval candidates against the original patient
// description. Implementations must return one verdict per match, in the
// same order.
type Judge interface {
	Judge(ctx context.Context, patientText string, matches []domain.Match) ([]Verdict, error)
}
