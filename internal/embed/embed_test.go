package embed

import (
	"context"
	"testing"
	"time"

	"github.com/kailas-cloud/trialmatch/internal/db"
	"github.com/kailas-cloud/trialmatch/internal/domain"
)

func TestTrialText(t *testing.T) {
	rec := domain.TrialRecord{
		Title: "Pembrolizumab in Advanced NSCLC",
		Conditions: []string{
			"Non-small Cell Lung Cancer", "Lung Neoplasms",
			"Carcinoma", "Fourth Condition",
		},
		Interventions: []string{"Pembrolizumab", "Placebo"},
	}
	want := "Pembrolizumab in Advanced NSCLC\n\n" +
		"conditions: Non-small Cell Lung Cancer, Lung Neoplasms, Carcinoma\n\n" +
		"interventions: Pembrolizumab, Placebo"
	if got := TrialText(rec); got != want {
		t.Errorf("TrialText =\n%q\nwant\n%q", got, want)
	}

	// same input, same output
	if TrialText(rec) != TrialText(rec) {
		t.Error("TrialText is not deterministic")
	}
}

func TestTrialTextSparse(t *testing.T) {
	if got := TrialText(domain.TrialRecord{Title: "Only Title"}); got != "Only Title" {
		t.Errorf("TrialText = %q", got)
	}
	rec := domain.TrialRecord{Conditions: []string{"", "Diabetes"}}
	if got := TrialText(rec); got != "conditions: Diabetes" {
		t.Errorf("TrialText = %q", got)
	}
}

func TestQueryComponents(t *testing.T) {
	q := domain.StructuredQuery{
		Conditions:  []string{"type 2 diabetes"},
		Medications: []string{"metformin"},
		ExtraTerms:  []string{"well controlled"},
	}
	comps := QueryComponents(q)
	if len(comps) != 3 {
		t.Fatalf("got %d components, want 3", len(comps))
	}
	if comps[0].Name != "conditions" || comps[0].Text != "conditions:type 2 diabetes" {
		t.Errorf("conditions component = %+v", comps[0])
	}
	if comps[0].Weight <= comps[1].Weight {
		t.Error("conditions must outweigh medications")
	}
	if comps[1].Text != "meds:metformin" || comps[2].Text != "context:well controlled" {
		t.Errorf("components = %+v", comps)
	}
}

func TestQueryText(t *testing.T) {
	q := domain.StructuredQuery{
		Conditions:  []string{"nsclc"},
		Medications: []string{"pembrolizumab"},
	}
	want := "conditions:nsclc meds:pembrolizumab"
	if got := QueryText(q); got != want {
		t.Errorf("QueryText = %q, want %q", got, want)
	}

	empty := domain.StructuredQuery{Intent: "  65 year old smoker  "}
	if got := QueryText(empty); got != "65 year old smoker" {
		t.Errorf("QueryText fallback = %q", got)
	}
}

type stubEmbedder struct {
	model string
	calls [][]string
}

func (s *stubEmbedder) Model() string { return s.model }

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *memKV) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	stub := &stubEmbedder{model: "test-model"}
	kv := newMemKV()
	cached := NewCachedEmbedder(stub, kv, time.Hour, nil)
	ctx := context.Background()

	first, err := cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(stub.calls) != 1 || len(stub.calls[0]) != 2 {
		t.Fatalf("inner calls = %v, want one call with both texts", stub.calls)
	}

	// second round: alpha cached, gamma is a miss
	second, err := cached.EmbedBatch(ctx, []string{"alpha", "gamma"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("inner calls = %d, want 2", len(stub.calls))
	}
	if got := stub.calls[1]; len(got) != 1 || got[0] != "gamma" {
		t.Errorf("second inner call = %v, want only gamma", got)
	}
	if len(second[0]) != len(first[0]) || second[0][0] != first[0][0] {
		t.Errorf("cached vector differs: %v vs %v", second[0], first[0])
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, in, out)
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("decodeVector on odd length: want error")
	}
}
