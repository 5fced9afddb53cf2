package index

import (
	"context"
	"errors"
	"testing"

	"github.com/kailas-cloud/trialmatch/internal/db"
	"github.com/kailas-cloud/trialmatch/internal/domain"
)

type fakeStore struct {
	hashes      map[string]map[string]string
	indexes     map[string]*db.IndexDefinition
	hsetErr     map[string]error // per key
	multiErr    error
	searchTotal int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:  map[string]map[string]string{},
		indexes: map[string]*db.IndexDefinition{},
		hsetErr: map[string]error{},
	}
}

func (f *fakeStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if err := f.hsetErr[key]; err != nil {
		return err
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.hashes[key] = cp
	return nil
}

func (f *fakeStore) HSetMulti(ctx context.Context, items []db.HashSetItem) error {
	if f.multiErr != nil {
		return f.multiErr
	}
	for _, it := range items {
		if err := f.HSet(ctx, it.Key, it.Fields); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func (f *fakeStore) Del(_ context.Context, key string) error {
	delete(f.hashes, key)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.hashes[key]
	return ok, nil
}

func (f *fakeStore) CreateIndex(_ context.Context, def *db.IndexDefinition) error {
	if _, ok := f.indexes[def.Name]; ok {
		return db.ErrIndexExists
	}
	f.indexes[def.Name] = def
	return nil
}

func (f *fakeStore) DropIndex(_ context.Context, name string) error {
	if _, ok := f.indexes[name]; !ok {
		return db.ErrIndexNotFound
	}
	delete(f.indexes, name)
	return nil
}

func (f *fakeStore) IndexExists(_ context.Context, name string) (bool, error) {
	_, ok := f.indexes[name]
	return ok, nil
}

func (f *fakeStore) SearchKNN(_ context.Context, _ *db.KNNQuery) (*db.SearchResult, error) {
	return &db.SearchResult{}, nil
}

func (f *fakeStore) SearchCount(_ context.Context, _, _ string) (int, error) {
	return f.searchTotal, nil
}

func testWriter(store Store) *Writer {
	return NewWriter(store, Config{
		Collection:      "clinical_trials",
		EmbeddingModel:  "BAAI/bge-small-en-v1.5",
		VectorDim:       4,
		HNSWM:           32,
		HNSWEFConstruct: 400,
		MaxRetries:      1,
	}, nil)
}

func trialPoint(id string, minAge, maxAge *int) Point {
	return Point{
		Trial: domain.TrialRecord{
			NCTID:     id,
			Title:     "Trial " + id,
			Status:    "RECRUITING",
			Sex:       domain.SexAll,
			MinAge:    minAge,
			MaxAge:    maxAge,
			Exclusion: []string{"Pregnancy"},
			Locations: []domain.Location{
				{City: "Boston", Country: "United States"},
				{City: "Berlin", Country: "Germany"},
				{City: "Cambridge", Country: "United States"},
			},
		},
		Vector: []float32{0.1, 0.2, 0.3, 0.4},
	}
}

func TestEnsureCreatesMetaAndIndex(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if err := w.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	meta := store.hashes["trialmatch:meta:clinical_trials"]
	if meta == nil {
		t.Fatal("collection meta not written")
	}
	if meta["embedding_model"] != "BAAI/bge-small-en-v1.5" || meta["vector_dim"] != "4" {
		t.Errorf("meta = %v", meta)
	}

	def := store.indexes[w.IndexName()]
	if def == nil {
		t.Fatal("index not created")
	}
	if len(def.Prefixes) != 1 || def.Prefixes[0] != "trialmatch:clinical_trials:" {
		t.Errorf("prefixes = %v", def.Prefixes)
	}

	// second Ensure is a no-op, not an error
	if err := w.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
}

func TestEnsureRejectsModelMismatch(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()
	if err := w.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	other := NewWriter(store, Config{
		Collection:     "clinical_trials",
		EmbeddingModel: "some-other-model",
		VectorDim:      4,
	}, nil)
	if err := other.Ensure(ctx); !errors.Is(err, domain.ErrModelMismatch) {
		t.Fatalf("Ensure with other model = %v, want ErrModelMismatch", err)
	}

	otherDim := NewWriter(store, Config{
		Collection:     "clinical_trials",
		EmbeddingModel: "BAAI/bge-small-en-v1.5",
		VectorDim:      8,
	}, nil)
	if err := otherDim.Ensure(ctx); !errors.Is(err, domain.ErrModelMismatch) {
		t.Fatalf("Ensure with other dim = %v, want ErrModelMismatch", err)
	}
}

func TestDropRemovesCollection(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if err := w.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := w.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, ok := store.indexes[w.IndexName()]; ok {
		t.Error("index survived Drop")
	}
	if _, ok := store.hashes["trialmatch:meta:clinical_trials"]; ok {
		t.Error("collection meta survived Drop")
	}

	// dropping an absent collection is a no-op
	if err := w.Drop(ctx); err != nil {
		t.Fatalf("second Drop: %v", err)
	}

	// a Drop then Ensure accepts a new model
	other := NewWriter(store, Config{
		Collection:     "clinical_trials",
		EmbeddingModel: "some-other-model",
		VectorDim:      8,
	}, nil)
	if err := other.Ensure(ctx); err != nil {
		t.Fatalf("Ensure after Drop: %v", err)
	}
}

func TestUpsertBatchIdempotent(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	minAge := 18
	p := trialPoint("NCT00000001", &minAge, nil)
	res := w.UpsertBatch(ctx, []Point{p})
	if res.Written != 1 || len(res.Failed) != 0 {
		t.Fatalf("first upsert: %+v", res)
	}

	// overwrite with a changed title: still exactly one hash
	p.Trial.Title = "Updated"
	res = w.UpsertBatch(ctx, []Point{p})
	if res.Written != 1 {
		t.Fatalf("second upsert: %+v", res)
	}

	var pointKeys int
	for k := range store.hashes {
		if k != "trialmatch:meta:clinical_trials" {
			pointKeys++
		}
	}
	if pointKeys != 1 {
		t.Errorf("point hashes = %d, want 1", pointKeys)
	}
	if got := store.hashes[w.PointKey("NCT00000001")]["trial_title"]; got != "Updated" {
		t.Errorf("trial_title = %q, want overwrite", got)
	}
}

func TestUpsertBatchPayloadFields(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	minAge := 18
	res := w.UpsertBatch(ctx, []Point{trialPoint("NCT00000001", &minAge, nil)})
	if res.Written != 1 {
		t.Fatalf("upsert: %+v", res)
	}

	fields := store.hashes[w.PointKey("NCT00000001")]
	if fields["min_age"] != "18" {
		t.Errorf("min_age = %q", fields["min_age"])
	}
	if fields["max_age"] != "200" {
		t.Errorf("max_age = %q, want unbounded sentinel", fields["max_age"])
	}
	if fields["countries"] != "germany,united states" {
		t.Errorf("countries = %q", fields["countries"])
	}
	if fields["sex"] != "ALL" {
		t.Errorf("sex = %q", fields["sex"])
	}
	if fields["exclusion_criteria"] != `["Pregnancy"]` {
		t.Errorf("exclusion_criteria = %q", fields["exclusion_criteria"])
	}
	if len(fields[VectorField]) != 16 {
		t.Errorf("vector blob = %d bytes, want 16", len(fields[VectorField]))
	}
}

func TestUpsertBatchPartialFailure(t *testing.T) {
	store := newFakeStore()
	store.multiErr = errors.New("pipeline broken")
	w := testWriter(store)
	store.hsetErr[w.PointKey("NCT00000002")] = errors.New("write refused")
	ctx := context.Background()

	res := w.UpsertBatch(ctx, []Point{
		trialPoint("NCT00000001", nil, nil),
		trialPoint("NCT00000002", nil, nil),
		trialPoint("NCT00000003", nil, nil),
	})
	if res.Written != 2 {
		t.Errorf("Written = %d, want 2", res.Written)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "NCT00000002" {
		t.Errorf("Failed = %v, want [NCT00000002]", res.Failed)
	}
}

func TestCountryTags(t *testing.T) {
	locs := []domain.Location{
		{Country: "United States"},
		{Country: " united states "},
		{Country: "Germany"},
		{Country: ""},
	}
	got := countryTags(locs)
	if len(got) != 2 || got[0] != "germany" || got[1] != "united states" {
		t.Errorf("countryTags = %v", got)
	}
}
