package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/index"
	"github.com/kailas-cloud/trialmatch/internal/registry"
	"github.com/kailas-cloud/trialmatch/internal/snapshot"
)

type fakeFetcher struct {
	pages   []registry.Page
	failAt  map[int]error // page number -> error
	fetches int
}

func (f *fakeFetcher) FetchPage(_ context.Context, token string, number int) (*registry.Page, error) {
	f.fetches++
	if err, ok := f.failAt[number]; ok {
		return nil, err
	}
	for i := range f.pages {
		if f.pages[i].Token == token {
			p := f.pages[i]
			p.Number = number
			return &p, nil
		}
	}
	return nil, fmt.Errorf("no page for token %q", token)
}

func (f *fakeFetcher) FiltersKey() string { return "testkey" }

type fakeEmbedder struct {
	model   string
	failIDs map[string]bool
	mu      sync.Mutex
	calls   int
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		for id := range e.failIDs {
			if len(text) >= len(id) && text[:len(id)] == id {
				return nil, errors.New("embedding backend down")
			}
		}
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (e *fakeEmbedder) Model() string { return e.model }

type fakeUpserter struct {
	mu       sync.Mutex
	points   map[string][]float32
	ensured  int
	ensErr   error
	failNCTs map[string]bool
}

func newFakeUpserter() *fakeUpserter {
	return &fakeUpserter{points: map[string][]float32{}}
}

func (u *fakeUpserter) Ensure(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ensured++
	return u.ensErr
}

func (u *fakeUpserter) UpsertBatch(_ context.Context, points []index.Point) index.BatchResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	var res index.BatchResult
	for i := range points {
		id := points[i].Trial.NCTID
		if u.failNCTs[id] {
			res.Failed = append(res.Failed, id)
			continue
		}
		u.points[id] = points[i].Vector
		res.Written++
	}
	return res
}

func (u *fakeUpserter) Count(context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.points), nil
}

func rawStudy(id, status string) registry.RawStudy {
	var s registry.RawStudy
	s.ProtocolSection.Identification.NCTID = id
	s.ProtocolSection.Identification.BriefTitle = "Study " + id
	s.ProtocolSection.Status.OverallStatus = status
	s.ProtocolSection.Conditions.Conditions = []string{"Type 2 Diabetes"}
	s.ProtocolSection.Eligibility.Sex = "ALL"
	s.ProtocolSection.Eligibility.EligibilityCriteria =
		"Inclusion Criteria:\n- Adults\n\nExclusion Criteria:\n- Pregnancy\n"
	return s
}

func newCursor(t *testing.T) *registry.CursorTracker {
	t.Helper()
	ct, err := registry.NewCursorTracker(t.TempDir())
	if err != nil {
		t.Fatalf("cursor tracker: %v", err)
	}
	return ct
}

func twoPages() []registry.Page {
	return []registry.Page{
		{
			Token:     "",
			NextToken: "tok2",
			Studies: []registry.RawStudy{
				rawStudy("NCT00000001", "RECRUITING"),
				rawStudy("NCT00000002", "RECRUITING"),
				rawStudy("", "RECRUITING"), // malformed, no id
			},
		},
		{
			Token:     "tok2",
			NextToken: "",
			Studies: []registry.RawStudy{
				rawStudy("NCT00000003", "RECRUITING"),
				rawStudy("NCT00000004", "COMPLETED"), // filtered out
			},
		},
	}
}

func TestRunFullIngestion(t *testing.T) {
	fetcher := &fakeFetcher{pages: twoPages()}
	upserter := newFakeUpserter()
	cursor := newCursor(t)
	p := New(fetcher, cursor, &fakeEmbedder{model: "test-model"}, upserter, nil, Options{
		BatchSize: 2,
		Parallel:  2,
		Statuses:  []string{"RECRUITING"},
	}, nil)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Pages != 2 || sum.Fetched != 5 {
		t.Errorf("pages=%d fetched=%d, want 2/5", sum.Pages, sum.Fetched)
	}
	if sum.Normalized != 3 || sum.Written != 3 || sum.Embedded != 3 {
		t.Errorf("normalized=%d embedded=%d written=%d, want 3/3/3",
			sum.Normalized, sum.Embedded, sum.Written)
	}
	if sum.Skipped["malformed"] != 1 || sum.Skipped["status"] != 1 {
		t.Errorf("skipped = %v, want malformed:1 status:1", sum.Skipped)
	}
	if len(upserter.points) != 3 {
		t.Errorf("indexed %d points, want 3", len(upserter.points))
	}
	for _, id := range []string{"NCT00000001", "NCT00000002", "NCT00000003"} {
		if _, ok := upserter.points[id]; !ok {
			t.Errorf("point %s missing from index", id)
		}
	}
	if cur := cursor.Get(); cur.Stage != "done" {
		t.Errorf("cursor stage = %q, want done", cur.Stage)
	}
	if sum.IndexCount != 3 {
		t.Errorf("IndexCount = %d, want 3", sum.IndexCount)
	}
}

func TestRunInterruptedThenResumed(t *testing.T) {
	dataDir := t.TempDir()
	cursor, err := registry.NewCursorTracker(dataDir)
	if err != nil {
		t.Fatalf("cursor tracker: %v", err)
	}

	fetcher := &fakeFetcher{
		pages:  twoPages(),
		failAt: map[int]error{2: fmt.Errorf("page 2: %w", domain.ErrFetchFailed)},
	}
	upserter := newFakeUpserter()
	opts := Options{BatchSize: 10, Parallel: 1, Statuses: []string{"RECRUITING"}}

	p := New(fetcher, cursor, &fakeEmbedder{model: "test-model"}, upserter, nil, opts, nil)
	if _, err := p.Run(context.Background()); !errors.Is(err, domain.ErrFetchFailed) {
		t.Fatalf("first run err = %v, want ErrFetchFailed", err)
	}
	cur := cursor.Get()
	if cur.Page != 1 || cur.PageToken != "tok2" {
		t.Fatalf("cursor after interrupt = page %d token %q, want 1/tok2", cur.Page, cur.PageToken)
	}

	// Reload the cursor from disk, as a fresh process would.
	cursor2, err := registry.NewCursorTracker(dataDir)
	if err != nil {
		t.Fatalf("reload cursor: %v", err)
	}
	fetcher2 := &fakeFetcher{pages: twoPages()}
	opts.Resume = true
	p2 := New(fetcher2, cursor2, &fakeEmbedder{model: "test-model"}, upserter, nil, opts, nil)
	sum, err := p2.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if sum.Pages != 1 {
		t.Errorf("resumed run fetched %d pages, want 1", sum.Pages)
	}
	if len(upserter.points) != 3 {
		t.Errorf("indexed %d points after resume, want 3", len(upserter.points))
	}
	if fetcher2.fetches != 1 {
		t.Errorf("resumed run made %d fetches, want 1", fetcher2.fetches)
	}
}

func TestRunEmbedFailureContinues(t *testing.T) {
	fetcher := &fakeFetcher{pages: twoPages()}
	upserter := newFakeUpserter()
	emb := &fakeEmbedder{model: "test-model", failIDs: map[string]bool{"Study NCT00000003": true}}
	p := New(fetcher, newCursor(t), emb, upserter, nil, Options{
		BatchSize: 1,
		Parallel:  1,
		Statuses:  []string{"RECRUITING"},
	}, nil)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Written != 2 {
		t.Errorf("written = %d, want 2", sum.Written)
	}
	if len(sum.FailedIDs) != 1 || sum.FailedIDs[0] != "NCT00000003" {
		t.Errorf("FailedIDs = %v, want [NCT00000003]", sum.FailedIDs)
	}
}

func TestRunDemoLimit(t *testing.T) {
	fetcher := &fakeFetcher{pages: twoPages()}
	upserter := newFakeUpserter()
	p := New(fetcher, newCursor(t), &fakeEmbedder{model: "test-model"}, upserter, nil, Options{
		BatchSize: 10,
		Parallel:  1,
		Statuses:  []string{"RECRUITING"},
		DemoLimit: 2,
	}, nil)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Pages != 1 {
		t.Errorf("fetched %d pages, want 1 (demo cap)", sum.Pages)
	}
	if fetcher.fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetcher.fetches)
	}
}

func TestPrepareOnlyWritesSnapshotWithoutUpserts(t *testing.T) {
	root := t.TempDir()
	fetcher := &fakeFetcher{pages: twoPages()}
	upserter := newFakeUpserter()
	p := New(fetcher, newCursor(t), &fakeEmbedder{model: "test-model"}, upserter, nil, Options{
		BatchSize:     10,
		Parallel:      1,
		Statuses:      []string{"RECRUITING"},
		PrepareOnly:   true,
		WriteSnapshot: true,
		SnapshotRoot:  root,
		Collection:    "trials",
	}, nil)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.SnapshotDir == "" {
		t.Fatal("no snapshot directory recorded")
	}
	if len(upserter.points) != 0 {
		t.Errorf("prepare-only run upserted %d points", len(upserter.points))
	}
	if upserter.ensured != 0 {
		t.Errorf("prepare-only run touched the collection %d times", upserter.ensured)
	}

	r, err := snapshot.Open(sum.SnapshotDir)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer r.Close()
	if got := r.Manifest().TrialCount; got != 3 {
		t.Errorf("snapshot trial count = %d, want 3", got)
	}
}

func TestRunFromSnapshot(t *testing.T) {
	root := t.TempDir()
	w, err := snapshot.NewWriter(root, "trials", "test-model", "", "")
	if err != nil {
		t.Fatalf("snapshot writer: %v", err)
	}
	for _, id := range []string{"NCT00000001", "NCT00000002", "NCT00000003"} {
		rec := domain.TrialRecord{NCTID: id, Title: "Study " + id, Status: "RECRUITING", Sex: domain.SexAll}
		if err := w.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	upserter := newFakeUpserter()
	p := New(nil, nil, &fakeEmbedder{model: "test-model"}, upserter, nil, Options{
		BatchSize: 2,
		Parallel:  2,
	}, nil)

	sum, err := p.RunFromSnapshot(context.Background(), w.Dir())
	if err != nil {
		t.Fatalf("RunFromSnapshot: %v", err)
	}
	if sum.Written != 3 || len(upserter.points) != 3 {
		t.Errorf("written = %d, points = %d, want 3/3", sum.Written, len(upserter.points))
	}
	if upserter.ensured != 1 {
		t.Errorf("Ensure called %d times, want 1", upserter.ensured)
	}
}

func TestRunFromSnapshotModelMismatch(t *testing.T) {
	root := t.TempDir()
	w, err := snapshot.NewWriter(root, "trials", "old-model", "", "")
	if err != nil {
		t.Fatalf("snapshot writer: %v", err)
	}
	if err := w.Append(domain.TrialRecord{NCTID: "NCT00000001", Sex: domain.SexAll}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	upserter := newFakeUpserter()
	p := New(nil, nil, &fakeEmbedder{model: "new-model"}, upserter, nil, Options{}, nil)
	if _, err := p.RunFromSnapshot(context.Background(), w.Dir()); !errors.Is(err, domain.ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}
	if len(upserter.points) != 0 {
		t.Error("points were upserted despite model mismatch")
	}
}

func TestRunFromSnapshotCorruptWritesNothing(t *testing.T) {
	root := t.TempDir()
	w, err := snapshot.NewWriter(root, "trials", "test-model", "", "")
	if err != nil {
		t.Fatalf("snapshot writer: %v", err)
	}
	for _, id := range []string{"NCT00000001", "NCT00000002", "NCT00000003"} {
		rec := domain.TrialRecord{NCTID: id, Title: "Study " + id, Status: "RECRUITING", Sex: domain.SexAll}
		if err := w.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Alter one record in place, keeping the line valid JSON of the same
	// length so only the checksum can catch it.
	path := filepath.Join(w.Dir(), "trials.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	data = bytes.ReplaceAll(data, []byte("NCT00000002"), []byte("NCT00009999"))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	upserter := newFakeUpserter()
	p := New(nil, nil, &fakeEmbedder{model: "test-model"}, upserter, nil, Options{
		BatchSize: 1,
		Parallel:  1,
	}, nil)

	if _, err := p.RunFromSnapshot(context.Background(), w.Dir()); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Fatalf("err = %v, want ErrSnapshotCorrupt", err)
	}
	if len(upserter.points) != 0 {
		t.Errorf("%d points upserted from a corrupt snapshot, want 0", len(upserter.points))
	}
	if upserter.ensured != 0 {
		t.Errorf("collection touched %d times before the snapshot was rejected", upserter.ensured)
	}
}

func TestCommitterOrdersPages(t *testing.T) {
	dataDir := t.TempDir()
	cursor, err := registry.NewCursorTracker(dataDir)
	if err != nil {
		t.Fatalf("cursor tracker: %v", err)
	}
	c := newCommitter(cursor, "k", 1, nil, nil)

	c.pageFetched(1, "tok2", 3, 0, 2)
	c.pageFetched(2, "tok3", 2, 1, 1)

	// Page 2 finishes first; nothing may commit yet.
	c.batchDone(2)
	if cur := cursor.Get(); cur.Page != 0 {
		t.Fatalf("cursor advanced to page %d before page 1 finished", cur.Page)
	}

	c.batchDone(1)
	c.batchDone(1)
	cur := cursor.Get()
	if cur.Page != 2 || cur.PageToken != "tok3" {
		t.Errorf("cursor = page %d token %q, want 2/tok3", cur.Page, cur.PageToken)
	}
	if cur.TotalFetched != 5 || cur.TotalFailed != 1 {
		t.Errorf("totals = %d/%d, want 5/1", cur.TotalFetched, cur.TotalFailed)
	}
}

type failingAdvancer struct {
	calls []int
	fail  map[int]error
}

func (a *failingAdvancer) Advance(_ string, page, _, _ int, _ string) error {
	a.calls = append(a.calls, page)
	return a.fail[page]
}

func TestCommitterContinuesWhenCursorWriteFails(t *testing.T) {
	adv := &failingAdvancer{fail: map[int]error{1: errors.New("disk full")}}
	c := newCommitter(adv, "k", 1, nil, nil)

	c.pageFetched(1, "tok2", 3, 0, 0)
	c.pageFetched(2, "tok3", 2, 0, 0)
	c.flush()

	if len(adv.calls) != 2 || adv.calls[0] != 1 || adv.calls[1] != 2 {
		t.Errorf("Advance calls = %v, want [1 2]", adv.calls)
	}
}
