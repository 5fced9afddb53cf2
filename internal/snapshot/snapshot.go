// Package snapshot persists normalized trial records as reusable on-disk
// artifacts: one JSONL file of records plus a manifest. A snapshot can be
// re-embedded and re-indexed later without touching the registry.
package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

const (
	trialsFile   = "trials.jsonl"
	manifestFile = "manifest.json"
)

// Manifest describes one snapshot. Checksum is the hex sha256 of the trials
// file contents; a mismatch on read means the artifact was truncated or
// edited and must not be indexed.
type Manifest struct {
	Snapshot       string `json:"snapshot"`
	Collection     string `json:"collection"`
	EmbeddingModel string `json:"embedding_model"`
	CreatedAt      string `json:"created_at"`
	WindowStart    string `json:"data_start_date,omitempty"`
	WindowEnd      string `json:"data_end_date,omitempty"`
	TrialCount     int    `json:"trial_count"`
	Checksum       string `json:"checksum_sha256"`
}

// Writer streams trial records into a new snapshot directory.
type Writer struct {
	dir      string
	manifest Manifest
	f        *os.File
	buf      *bufio.Writer
	hasher   hash.Hash
	count    int
}

// NewWriter creates the snapshot directory <timestamp>_<collection> under
// root and opens the trials file for appending records.
func NewWriter(root, collection, embeddingModel, windowStart, windowEnd string) (*Writer, error) {
	now := time.Now()
	base := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), collection)
	if err := os.MkdirAll(filepath.Clean(root), 0o750); err != nil {
		return nil, fmt.Errorf("create snapshots root: %w", err)
	}
	// two runs within one second get distinct directories
	name := base
	var dir string
	for i := 0; ; i++ {
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		dir = filepath.Join(filepath.Clean(root), name)
		if err := os.Mkdir(dir, 0o750); err == nil {
			break
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, trialsFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create trials file: %w", err)
	}

	return &Writer{
		dir: dir,
		manifest: Manifest{
			Snapshot:       name,
			Collection:     collection,
			EmbeddingModel: embeddingModel,
			CreatedAt:      now.UTC().Format(time.RFC3339),
			WindowStart:    windowStart,
			WindowEnd:      windowEnd,
		},
		f:      f,
		buf:    bufio.NewWriter(f),
		hasher: sha256.New(),
	}, nil
}

// Append writes one record as a JSONL line.
func (w *Writer) Append(rec domain.TrialRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trial %s: %w", rec.NCTID, err)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("write trial %s: %w", rec.NCTID, err)
	}
	_, _ = w.hasher.Write(line)
	w.count++
	return nil
}

// Dir returns the snapshot directory path.
func (w *Writer) Dir() string { return w.dir }

// Count returns the number of records appended so far.
func (w *Writer) Count() int { return w.count }

// Finalize flushes the trials file and writes the manifest. The writer is
// unusable afterwards.
func (w *Writer) Finalize() (Manifest, error) {
	if err := w.buf.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("flush trials file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return Manifest{}, fmt.Errorf("close trials file: %w", err)
	}

	w.manifest.TrialCount = w.count
	w.manifest.Checksum = hex.EncodeToString(w.hasher.Sum(nil))

	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(w.dir, manifestFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return w.manifest, nil
}

// Abort closes and removes a partially written snapshot.
func (w *Writer) Abort() error {
	_ = w.f.Close()
	return os.RemoveAll(w.dir)
}

// Reader streams records out of a snapshot directory. Open verifies the whole
// trials file against the manifest before the first record is handed out, so
// a corrupt snapshot never yields any records.
type Reader struct {
	manifest Manifest
	f        *os.File
	scanner  *bufio.Scanner
	hasher   hash.Hash
	count    int
}

// Open reads the manifest of a snapshot directory and verifies the trials
// file checksum and record count. A mismatch fails the load up front with
// ErrSnapshotCorrupt; nothing is streamed from a bad snapshot.
func Open(dir string) (*Reader, error) {
	dir = filepath.Clean(dir)

	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %v: %w", err, domain.ErrSnapshotCorrupt)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %v: %w", err, domain.ErrSnapshotCorrupt)
	}

	f, err := os.Open(filepath.Join(dir, trialsFile))
	if err != nil {
		return nil, fmt.Errorf("open trials file: %v: %w", err, domain.ErrSnapshotCorrupt)
	}
	if err := verifyTrialsFile(f, &m); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rewind trials file: %w", err)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)

	return &Reader{manifest: m, f: f, scanner: sc, hasher: sha256.New()}, nil
}

// verifyTrialsFile hashes the full file and counts records. The writer hashes
// each line including its newline, so the file-level digest matches the
// manifest checksum exactly.
func verifyTrialsFile(f *os.File, m *Manifest) error {
	h := sha256.New()
	records := 0
	buf := make([]byte, 64<<10)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
			records += bytes.Count(buf[:n], []byte{'\n'})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read trials file: %w", err)
		}
	}
	if records != m.TrialCount {
		return fmt.Errorf("trial count %d does not match manifest %d: %w",
			records, m.TrialCount, domain.ErrSnapshotCorrupt)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); m.Checksum != "" && sum != m.Checksum {
		return fmt.Errorf("checksum mismatch: %w", domain.ErrSnapshotCorrupt)
	}
	return nil
}

// Manifest returns the snapshot manifest.
func (r *Reader) Manifest() Manifest { return r.manifest }

// Next returns the next record. io.EOF signals a clean end of the snapshot.
// The checksum is re-checked at EOF as a guard against the file changing
// underneath an open reader.
func (r *Reader) Next() (domain.TrialRecord, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return domain.TrialRecord{}, fmt.Errorf("read trials file: %w", err)
		}
		if err := r.verify(); err != nil {
			return domain.TrialRecord{}, err
		}
		return domain.TrialRecord{}, io.EOF
	}

	line := r.scanner.Bytes()
	_, _ = r.hasher.Write(line)
	_, _ = r.hasher.Write([]byte{'\n'})
	r.count++

	var rec domain.TrialRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return domain.TrialRecord{}, fmt.Errorf("record %d: %v: %w", r.count, err, domain.ErrSnapshotCorrupt)
	}
	return rec, nil
}

func (r *Reader) verify() error {
	if r.count != r.manifest.TrialCount {
		return fmt.Errorf("trial count %d does not match manifest %d: %w",
			r.count, r.manifest.TrialCount, domain.ErrSnapshotCorrupt)
	}
	if sum := hex.EncodeToString(r.hasher.Sum(nil)); r.manifest.Checksum != "" && sum != r.manifest.Checksum {
		return fmt.Errorf("checksum mismatch: %w", domain.ErrSnapshotCorrupt)
	}
	return nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// Latest returns the most recently modified snapshot directory under root
// that contains a trials file.
func Latest(root string) (string, error) {
	entries, err := os.ReadDir(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("read snapshots root: %w", err)
	}

	var (
		best     string
		bestTime time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, trialsFile)); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = dir
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no snapshot found under %s", root)
	}
	return best, nil
}
