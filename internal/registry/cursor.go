package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cursor holds the resume position of an ingestion run. PageToken is the
// registry token that fetches the next unprocessed page; an empty token with
// Page > 0 means the run finished.
type Cursor struct {
	Stage        string    `json:"stage"`
	PageToken    string    `json:"page_token"`
	Page         int       `json:"page"`
	FiltersKey   string    `json:"filters_key"`
	TotalFetched int       `json:"total_fetched"`
	TotalFailed  int       `json:"total_failed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CursorTracker is a thread-safe progress tracker persisted as a JSON file.
// Every Advance writes through to disk so that a crash never replays more
// than the in-flight pages.
type CursorTracker struct {
	mu     sync.Mutex
	cursor Cursor
	path   string
	dirty  bool
}

// FiltersKey derives a stable fingerprint of the fetch parameters. A cursor
// saved under different parameters must not be resumed: the token sequence
// belongs to one specific query.
func FiltersKey(statuses []string, windowStart, windowEnd string) string {
	sorted := append([]string(nil), statuses...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "|") + "#" + windowStart + ".." + windowEnd))
	return hex.EncodeToString(h[:8])
}

// NewCursorTracker loads the cursor file from dataDir if it exists.
func NewCursorTracker(dataDir string) (*CursorTracker, error) {
	path := filepath.Join(filepath.Clean(dataDir), "cursor.json")
	ct := &CursorTracker{path: path}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &ct.cursor); err != nil {
			return nil, fmt.Errorf("parse cursor %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cursor %s: %w", path, err)
	}

	return ct, nil
}

// Get returns a copy of the current cursor.
func (ct *CursorTracker) Get() Cursor {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.cursor
}

// Resumable reports whether the saved cursor can continue a run with the
// given filters key.
func (ct *CursorTracker) Resumable(filtersKey string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.cursor.Page > 0 && ct.cursor.FiltersKey == filtersKey && ct.cursor.Stage != stageDone
}

// SetStage records the current pipeline stage and saves.
func (ct *CursorTracker) SetStage(stage string) error {
	ct.mu.Lock()
	ct.cursor.Stage = stage
	ct.cursor.UpdatedAt = time.Now().UTC()
	ct.dirty = true
	ct.mu.Unlock()
	return ct.forceSave()
}

// Advance records that the page fetched by the current token is fully
// processed and that nextToken resumes after it. The write is synchronous:
// once Advance returns nil the position is durable.
func (ct *CursorTracker) Advance(nextToken string, page, fetched, failed int, filtersKey string) error {
	ct.mu.Lock()
	ct.cursor.PageToken = nextToken
	ct.cursor.Page = page
	ct.cursor.FiltersKey = filtersKey
	ct.cursor.TotalFetched += fetched
	ct.cursor.TotalFailed += failed
	ct.cursor.UpdatedAt = time.Now().UTC()
	ct.dirty = true
	ct.mu.Unlock()
	return ct.forceSave()
}

const stageDone = "done"

// Done marks the run complete.
func (ct *CursorTracker) Done() error {
	return ct.SetStage(stageDone)
}

// Reset clears the cursor so the next run starts from the first page.
func (ct *CursorTracker) Reset() error {
	ct.mu.Lock()
	ct.cursor = Cursor{}
	ct.dirty = true
	ct.mu.Unlock()
	return ct.forceSave()
}

func (ct *CursorTracker) forceSave() error {
	ct.mu.Lock()
	if !ct.dirty {
		ct.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(ct.cursor, "", "  ")
	if err != nil {
		ct.mu.Unlock()
		return fmt.Errorf("marshal cursor: %w", err)
	}
	ct.dirty = false
	ct.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(ct.path), 0o750); err != nil {
		return ct.markDirty(fmt.Errorf("create cursor dir: %w", err))
	}
	tmp := ct.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return ct.markDirty(fmt.Errorf("write cursor: %w", err))
	}
	if err := os.Rename(tmp, ct.path); err != nil {
		return ct.markDirty(fmt.Errorf("rename cursor: %w", err))
	}
	return nil
}

func (ct *CursorTracker) markDirty(err error) error {
	ct.mu.Lock()
	ct.dirty = true
	ct.mu.Unlock()
	return err
}
