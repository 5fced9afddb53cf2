// Raw record types mirroring the ClinicalTrials.gov v2 /studies response.
// Only the modules the normalizer consumes are declared; everything else in
// the payload is dropped at decode time.
package registry

// RawStudy is one study as returned by the registry, opaque beyond carrying a
// unique NCT identifier inside its identification module.
type RawStudy struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
	DerivedSection  DerivedSection  `json:"derivedSection"`
}

// ProtocolSection groups the protocol modules of a study.
type ProtocolSection struct {
	Identification    IdentificationModule    `json:"identificationModule"`
	Status            StatusModule            `json:"statusModule"`
	Conditions        ConditionsModule        `json:"conditionsModule"`
	Design            DesignModule            `json:"designModule"`
	ArmsInterventions ArmsInterventionsModule `json:"armsInterventionsModule"`
	Eligibility       EligibilityModule       `json:"eligibilityModule"`
	ContactsLocations ContactsLocationsModule `json:"contactsLocationsModule"`
}

// IdentificationModule holds study identifiers and titles.
type IdentificationModule struct {
	NCTID         string `json:"nctId"`
	OfficialTitle string `json:"officialTitle"`
	BriefTitle    string `json:"briefTitle"`
}

// StatusModule holds the overall status and update dates.
type StatusModule struct {
	OverallStatus      string     `json:"overallStatus"`
	LastUpdatePostDate DateStruct `json:"lastUpdatePostDateStruct"`
}

// DateStruct is the registry's wrapped date value.
type DateStruct struct {
	Date string `json:"date"`
}

// ConditionsModule lists the studied conditions.
type ConditionsModule struct {
	Conditions []string `json:"conditions"`
}

// DesignModule holds phases and study type.
type DesignModule struct {
	Phases    []string `json:"phases"`
	StudyType string   `json:"studyType"`
}

// ArmsInterventionsModule lists interventions.
type ArmsInterventionsModule struct {
	Interventions []Intervention `json:"interventions"`
}

// Intervention is one named intervention.
type Intervention struct {
	Name string `json:"name"`
}

// EligibilityModule holds the eligibility criteria block and demographics.
type EligibilityModule struct {
	EligibilityCriteria string `json:"eligibilityCriteria"`
	Sex                 string `json:"sex"`
	MinimumAge          string `json:"minimumAge"`
	MaximumAge          string `json:"maximumAge"`
}

// ContactsLocationsModule lists study sites.
type ContactsLocationsModule struct {
	Locations []RawLocation `json:"locations"`
}

// RawLocation is one study site.
type RawLocation struct {
	Facility string `json:"facility"`
	City     string `json:"city"`
	State    string `json:"state"`
	Country  string `json:"country"`
}

// DerivedSection carries registry-derived metadata.
type DerivedSection struct {
	ConditionBrowse ConditionBrowseModule `json:"conditionBrowseModule"`
}

// ConditionBrowseModule lists MeSH terms for the studied conditions.
type ConditionBrowseModule struct {
	Meshes []MeshTerm `json:"meshes"`
}

// MeshTerm is one MeSH vocabulary entry.
type MeshTerm struct {
	Term string `json:"term"`
}

// Page is one fetched page of raw studies. Token is the page token that
// produced this page (empty for the first page); NextToken is empty on the
// last page.
type Page struct {
	Number    int
	Token     string
	NextToken string
	Studies   []RawStudy
}
