// Package normalize maps raw registry studies onto the flat trial record the
// rest of the pipeline works with.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/registry"
)

// Study maps one raw registry study onto a TrialRecord. A study without an
// NCT id is unusable and reported as an error so the caller can count it as a
// partial failure.
func Study(raw registry.RawStudy) (domain.TrialRecord, error) {
	ps := raw.ProtocolSection
	nctID := strings.TrimSpace(ps.Identification.NCTID)
	if nctID == "" {
		return domain.TrialRecord{}, fmt.Errorf("study without nctId")
	}

	title := ps.Identification.OfficialTitle
	if title == "" {
		title = ps.Identification.BriefTitle
	}

	var phase string
	if len(ps.Design.Phases) > 0 {
		phase = ps.Design.Phases[0]
	}

	var interventions []string
	for _, itv := range ps.ArmsInterventions.Interventions {
		if itv.Name != "" {
			interventions = append(interventions, itv.Name)
		}
	}

	var meshTerms []string
	for _, m := range raw.DerivedSection.ConditionBrowse.Meshes {
		if m.Term != "" {
			meshTerms = append(meshTerms, m.Term)
		}
	}

	var locations []domain.Location
	for _, loc := range ps.ContactsLocations.Locations {
		locations = append(locations, domain.Location{
			City:    loc.City,
			State:   loc.State,
			Country: loc.Country,
		})
	}

	inclusion, exclusion := SplitEligibility(ps.Eligibility.EligibilityCriteria)

	return domain.TrialRecord{
		NCTID:         nctID,
		Title:         title,
		Status:        ps.Status.OverallStatus,
		Phase:         phase,
		StudyType:     ps.Design.StudyType,
		Conditions:    ps.Conditions.Conditions,
		Interventions: interventions,
		MeshTerms:     meshTerms,
		Sex:           ParseSex(ps.Eligibility.Sex),
		MinAge:        AgeToYears(ps.Eligibility.MinimumAge),
		MaxAge:        AgeToYears(ps.Eligibility.MaximumAge),
		Locations:     locations,
		Inclusion:     inclusion,
		Exclusion:     exclusion,
		URL:           "https://clinicaltrials.gov/study/" + nctID,
		LastUpdated:   ps.Status.LastUpdatePostDate.Date,
	}, nil
}

// ParseSex maps the registry sex value onto the match vocabulary. Anything
// unrecognized is treated as open to all, never as a silent filter.
func ParseSex(s string) domain.Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MALE":
		return domain.SexMale
	case "FEMALE":
		return domain.SexFemale
	default:
		return domain.SexAll
	}
}

// AgeToYears converts registry age strings like "65 Years" or "6 Months" to
// whole years. "N/A", empty and unparsable values yield nil.
func AgeToYears(value string) *int {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "N/A") {
		return nil
	}
	parts := strings.Fields(value)
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}
	unit := "years"
	if len(parts) > 1 {
		unit = strings.ToLower(parts[1])
	}
	var years int
	switch {
	case strings.HasPrefix(unit, "year"):
		years = num
	case strings.HasPrefix(unit, "month"):
		years = roundDiv(num, 12)
	case strings.HasPrefix(unit, "week"):
		years = roundDiv(num, 52)
	case strings.HasPrefix(unit, "day"):
		years = roundDiv(num, 365)
	default:
		return nil
	}
	if years < 0 {
		years = 0
	}
	return &years
}

func roundDiv(n, d int) int {
	return int(float64(n)/float64(d) + 0.5)
}

var (
	exclusionHeader = regexp.MustCompile(`(?i)\n\s*exclusion criteria\s*:?\s*\n`)
	inclusionHeader = regexp.MustCompile(`(?i)\n\s*inclusion criteria\s*:?\s*\n`)
	bulletLine      = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+\.|\([a-zA-Z]\))\s+(.+)$`)
)

// SplitEligibility splits an eligibility criteria markdown block into
// inclusion and exclusion bullet lists. The splitter is deterministic: the
// same text always yields the same bullets in the same order. Text before an
// "Inclusion Criteria" header is dropped; with no recognizable headers the
// whole block is read as inclusion criteria.
func SplitEligibility(md string) (inclusion, exclusion []string) {
	if md == "" {
		return nil, nil
	}
	text := strings.ReplaceAll(md, "\r", "")

	var incBlock, excBlock string
	if m := exclusionHeader.Split(text, 2); len(m) == 2 {
		incBlock, excBlock = m[0], m[1]
	} else if m := inclusionHeader.Split(text, 2); len(m) == 2 {
		incBlock = m[1]
		if sub := exclusionHeader.Split(incBlock, 2); len(sub) == 2 {
			incBlock, excBlock = sub[0], sub[1]
		}
	} else {
		incBlock = text
	}

	return bullets(incBlock), bullets(excBlock)
}

func bullets(block string) []string {
	var out []string
	for _, m := range bulletLine.FindAllStringSubmatch(block, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}
