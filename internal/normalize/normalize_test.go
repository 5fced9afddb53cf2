package normalize

import (
	"reflect"
	"testing"

	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/registry"
)

func TestAgeToYears(t *testing.T) {
	intp := func(v int) *int { return &v }
	tests := []struct {
		in   string
		want *int
	}{
		{"65 Years", intp(65)},
		{"18 Years", intp(18)},
		{"6 Months", intp(1)},
		{"4 Months", intp(0)},
		{"30 Weeks", intp(1)},
		{"100 Days", intp(0)},
		{"N/A", nil},
		{"n/a", nil},
		{"", nil},
		{"threescore Years", nil},
		{"12 Fortnights", nil},
	}
	for _, tt := range tests {
		got := AgeToYears(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("AgeToYears(%q) = %d, want nil", tt.in, *got)
		case tt.want != nil && got == nil:
			t.Errorf("AgeToYears(%q) = nil, want %d", tt.in, *tt.want)
		case tt.want != nil && got != nil && *got != *tt.want:
			t.Errorf("AgeToYears(%q) = %d, want %d", tt.in, *got, *tt.want)
		}
	}
}

func TestParseSex(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Sex
	}{
		{"MALE", domain.SexMale},
		{"male", domain.SexMale},
		{"FEMALE", domain.SexFemale},
		{"ALL", domain.SexAll},
		{"", domain.SexAll},
		{"UNKNOWN", domain.SexAll},
	}
	for _, tt := range tests {
		if got := ParseSex(tt.in); got != tt.want {
			t.Errorf("ParseSex(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitEligibility(t *testing.T) {
	md := "Inclusion Criteria:\n\n" +
		"* Adults 18 years or older\n" +
		"* Histologically confirmed NSCLC\n" +
		"* ECOG performance status 0-1\n\n" +
		"Exclusion Criteria:\n\n" +
		"* Prior immunotherapy\n" +
		"* Active autoimmune disease\n"

	inc, exc := SplitEligibility(md)
	wantInc := []string{
		"Adults 18 years or older",
		"Histologically confirmed NSCLC",
		"ECOG performance status 0-1",
	}
	wantExc := []string{
		"Prior immunotherapy",
		"Active autoimmune disease",
	}
	if !reflect.DeepEqual(inc, wantInc) {
		t.Errorf("inclusion = %v, want %v", inc, wantInc)
	}
	if !reflect.DeepEqual(exc, wantExc) {
		t.Errorf("exclusion = %v, want %v", exc, wantExc)
	}

	// determinism
	inc2, exc2 := SplitEligibility(md)
	if !reflect.DeepEqual(inc, inc2) || !reflect.DeepEqual(exc, exc2) {
		t.Error("SplitEligibility is not deterministic")
	}
}

func TestSplitEligibilityBulletStyles(t *testing.T) {
	md := "Inclusion Criteria:\n" +
		"- dash bullet\n" +
		"1. numbered bullet\n" +
		"(a) lettered bullet\n" +
		"• unicode bullet\n" +
		"not a bullet line\n"

	inc, exc := SplitEligibility(md)
	want := []string{"dash bullet", "numbered bullet", "lettered bullet", "unicode bullet"}
	if !reflect.DeepEqual(inc, want) {
		t.Errorf("inclusion = %v, want %v", inc, want)
	}
	if len(exc) != 0 {
		t.Errorf("exclusion = %v, want empty", exc)
	}
}

func TestSplitEligibilityNoHeaders(t *testing.T) {
	md := "* Age over 18\n* Signed informed consent\n"
	inc, exc := SplitEligibility(md)
	if len(inc) != 2 {
		t.Errorf("inclusion = %v, want 2 bullets", inc)
	}
	if len(exc) != 0 {
		t.Errorf("exclusion = %v, want empty", exc)
	}
}

func TestStudy(t *testing.T) {
	raw := registry.RawStudy{}
	raw.ProtocolSection.Identification.NCTID = "NCT01234567"
	raw.ProtocolSection.Identification.BriefTitle = "Brief"
	raw.ProtocolSection.Status.OverallStatus = "RECRUITING"
	raw.ProtocolSection.Status.LastUpdatePostDate.Date = "2024-03-15"
	raw.ProtocolSection.Conditions.Conditions = []string{"Non-small Cell Lung Cancer"}
	raw.ProtocolSection.Design.Phases = []string{"PHASE2", "PHASE3"}
	raw.ProtocolSection.Design.StudyType = "INTERVENTIONAL"
	raw.ProtocolSection.ArmsInterventions.Interventions = []registry.Intervention{
		{Name: "Pembrolizumab"}, {Name: ""},
	}
	raw.ProtocolSection.Eligibility.Sex = "ALL"
	raw.ProtocolSection.Eligibility.MinimumAge = "18 Years"
	raw.ProtocolSection.Eligibility.MaximumAge = "N/A"
	raw.ProtocolSection.Eligibility.EligibilityCriteria =
		"Inclusion Criteria:\n* Confirmed diagnosis\nExclusion Criteria:\n* Pregnancy\n"
	raw.ProtocolSection.ContactsLocations.Locations = []registry.RawLocation{
		{City: "Boston", State: "Massachusetts", Country: "United States"},
	}
	raw.DerivedSection.ConditionBrowse.Meshes = []registry.MeshTerm{
		{Term: "Carcinoma, Non-Small-Cell Lung"},
	}

	rec, err := Study(raw)
	if err != nil {
		t.Fatalf("Study: %v", err)
	}
	if rec.NCTID != "NCT01234567" {
		t.Errorf("NCTID = %q", rec.NCTID)
	}
	if rec.Title != "Brief" {
		t.Errorf("Title = %q, want brief title fallback", rec.Title)
	}
	if rec.Phase != "PHASE2" {
		t.Errorf("Phase = %q, want first phase", rec.Phase)
	}
	if rec.MinAge == nil || *rec.MinAge != 18 {
		t.Errorf("MinAge = %v, want 18", rec.MinAge)
	}
	if rec.MaxAge != nil {
		t.Errorf("MaxAge = %v, want nil", rec.MaxAge)
	}
	if len(rec.Interventions) != 1 || rec.Interventions[0] != "Pembrolizumab" {
		t.Errorf("Interventions = %v", rec.Interventions)
	}
	if len(rec.MeshTerms) != 1 {
		t.Errorf("MeshTerms = %v", rec.MeshTerms)
	}
	if len(rec.Inclusion) != 1 || len(rec.Exclusion) != 1 {
		t.Errorf("eligibility split = %v / %v", rec.Inclusion, rec.Exclusion)
	}
	if rec.URL != "https://clinicaltrials.gov/study/NCT01234567" {
		t.Errorf("URL = %q", rec.URL)
	}
	if rec.LastUpdated != "2024-03-15" {
		t.Errorf("LastUpdated = %q", rec.LastUpdated)
	}
}

func TestStudyMissingID(t *testing.T) {
	if _, err := Study(registry.RawStudy{}); err == nil {
		t.Fatal("Study without nctId: want error")
	}
}
