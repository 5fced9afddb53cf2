package snapshot

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

func sampleTrial(id, title string) domain.TrialRecord {
	minAge := 18
	return domain.TrialRecord{
		NCTID:      id,
		Title:      title,
		Status:     "RECRUITING",
		Conditions: []string{"Non-small Cell Lung Cancer"},
		Sex:        domain.SexAll,
		MinAge:     &minAge,
		Inclusion:  []string{"Confirmed diagnosis"},
		Exclusion:  []string{"Pregnancy"},
	}
}

func writeSnapshot(t *testing.T, root string, trials ...domain.TrialRecord) (string, Manifest) {
	t.Helper()
	w, err := NewWriter(root, "clinical_trials", "BAAI/bge-small-en-v1.5", "2024-01-01", "")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, tr := range trials {
		if err := w.Append(tr); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	m, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return w.Dir(), m
}

func TestWriteAndReadBack(t *testing.T) {
	root := t.TempDir()
	trials := []domain.TrialRecord{
		sampleTrial("NCT00000001", "First"),
		sampleTrial("NCT00000002", "Second"),
	}
	dir, m := writeSnapshot(t, root, trials...)

	if m.TrialCount != 2 {
		t.Errorf("TrialCount = %d, want 2", m.TrialCount)
	}
	if m.Checksum == "" {
		t.Error("manifest has no checksum")
	}
	if m.EmbeddingModel != "BAAI/bge-small-en-v1.5" {
		t.Errorf("EmbeddingModel = %q", m.EmbeddingModel)
	}

	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	var got []domain.TrialRecord
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2", len(got))
	}
	if got[0].NCTID != "NCT00000001" || got[1].NCTID != "NCT00000002" {
		t.Errorf("records out of order: %s, %s", got[0].NCTID, got[1].NCTID)
	}
	if got[0].MinAge == nil || *got[0].MinAge != 18 {
		t.Errorf("MinAge not round-tripped: %v", got[0].MinAge)
	}
}

func TestTruncatedSnapshotIsCorrupt(t *testing.T) {
	root := t.TempDir()
	dir, _ := writeSnapshot(t, root,
		sampleTrial("NCT00000001", "First"),
		sampleTrial("NCT00000002", "Second"),
		sampleTrial("NCT00000003", "Third"))

	// drop the last line
	path := filepath.Join(dir, "trials.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	lines := 0
	cut := 0
	for i, b := range data {
		if b == '\n' {
			lines++
			if lines == 2 {
				cut = i + 1
			}
		}
	}
	if err := os.WriteFile(path, data[:cut], 0o600); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(dir); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Fatalf("Open = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestTamperedSnapshotIsCorrupt(t *testing.T) {
	root := t.TempDir()
	dir, _ := writeSnapshot(t, root, sampleTrial("NCT00000001", "First"))

	path := filepath.Join(dir, "trials.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	tampered := []byte(string(data[:len(data)-2]) + "X\n")
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := Open(dir); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Fatalf("Open = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestMissingManifestIsCorrupt(t *testing.T) {
	root := t.TempDir()
	dir, _ := writeSnapshot(t, root, sampleTrial("NCT00000001", "First"))
	if err := os.Remove(filepath.Join(dir, "manifest.json")); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}
	if _, err := Open(dir); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Fatalf("Open = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestLatest(t *testing.T) {
	root := t.TempDir()
	first, _ := writeSnapshot(t, root, sampleTrial("NCT00000001", "First"))
	second, _ := writeSnapshot(t, root, sampleTrial("NCT00000002", "Second"))

	// make modification times unambiguous
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(first, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err := Latest(root)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != second {
		t.Errorf("Latest = %q, want %q", got, second)
	}
}

func TestLatestEmptyRoot(t *testing.T) {
	if _, err := Latest(t.TempDir()); err == nil {
		t.Fatal("Latest on empty root: want error")
	}
}

func TestAbortRemovesDir(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "clinical_trials", "m", "", "")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(sampleTrial("NCT00000001", "First")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(w.Dir()); !os.IsNotExist(err) {
		t.Errorf("snapshot dir still exists after Abort")
	}
}
