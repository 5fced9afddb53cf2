package domain

// Sex is the eligibility sex constraint of a trial.
type Sex string

// Sex values as reported by the registry.
const (
	SexAll    Sex = "ALL"
	SexMale   Sex = "MALE"
	SexFemale Sex = "FEMALE"
)

// Location is one study site of a trial.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// TrialRecord is the canonical form of one clinical study.
// NCTID is globally unique within a snapshot. Inclusion and Exclusion hold the
// eligibility bullets in document order, exactly as split from the registry
// markdown — never merged or reordered.
type TrialRecord struct {
	NCTID         string     `json:"nct_id"`
	Title         string     `json:"trial_title"`
	Status        string     `json:"overall_status"`
	Phase         string     `json:"phase,omitempty"`
	StudyType     string     `json:"study_type,omitempty"`
	Conditions    []string   `json:"conditions"`
	Interventions []string   `json:"interventions"`
	MeshTerms     []string   `json:"mesh_terms,omitempty"`
	Sex           Sex        `json:"sex"`
	MinAge        *int       `json:"min_age"`
	MaxAge        *int       `json:"max_age"`
	Locations     []Location `json:"locations"`
	Inclusion     []string   `json:"inclusion_criteria"`
	Exclusion     []string   `json:"exclusion_criteria"`
	URL           string     `json:"url,omitempty"`
	LastUpdated   string     `json:"last_updated,omitempty"`
}

// AgeMatches reports whether a patient age satisfies the trial's inclusive age
// range. A missing bound is always satisfied.
func (t *TrialRecord) AgeMatches(age int) bool {
	if t.MinAge != nil && age < *t.MinAge {
		return false
	}
	if t.MaxAge != nil && age > *t.MaxAge {
		return false
	}
	return true
}

// SexMatches reports whether a patient sex is compatible with the trial.
// Trials open to all sexes match any patient.
func (t *TrialRecord) SexMatches(s Sex) bool {
	return t.Sex == SexAll || s == "" || t.Sex == s
}
