// Package index owns the vector collection: schema creation, collection
// metadata, and idempotent point upserts keyed by trial identifier.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/db"
	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// Age sentinels stored for unbounded sides so numeric range filters resolve
// entirely inside the index.
const (
	AgeUnboundedMin = 0
	AgeUnboundedMax = 200
)

// VectorField is the hash field holding the embedding blob.
const VectorField = "vector"

// Store is the slice of db operations the writer needs.
type Store interface {
	db.HashStore
	db.IndexManager
	db.Searcher
}

// Config describes the target collection.
type Config struct {
	Collection      string
	EmbeddingModel  string
	VectorDim       int
	HNSWM           int
	HNSWEFConstruct int
	MaxRetries      int
}

// Writer manages one vector collection.
type Writer struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// NewWriter creates a collection writer. A nil logger is replaced with a no-op.
func NewWriter(store Store, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Writer{store: store, cfg: cfg, logger: logger}
}

// IndexName returns the FT index name of the collection.
func (w *Writer) IndexName() string { return "trialmatch_" + w.cfg.Collection }

// KeyPrefix returns the hash key prefix of the collection's points.
func (w *Writer) KeyPrefix() string { return "trialmatch:" + w.cfg.Collection + ":" }

// metaKey lives outside KeyPrefix so the metadata hash is never picked up by
// the FT index.
func (w *Writer) metaKey() string { return "trialmatch:meta:" + w.cfg.Collection }

// PointKey returns the hash key of one trial's point.
func (w *Writer) PointKey(nctID string) string { return w.KeyPrefix() + nctID }

// Ensure makes the collection ready for writes: records collection metadata
// and creates the FT index if absent. Never destructive. A collection already
// declared for a different embedding model fails with ErrModelMismatch.
func (w *Writer) Ensure(ctx context.Context) error {
	meta, err := w.store.HGetAll(ctx, w.metaKey())
	if err != nil {
		return fmt.Errorf("read collection meta: %w", err)
	}
	if len(meta) > 0 {
		if got := meta["embedding_model"]; got != w.cfg.EmbeddingModel {
			return fmt.Errorf("collection %s declared for model %q, writer uses %q: %w",
				w.cfg.Collection, got, w.cfg.EmbeddingModel, domain.ErrModelMismatch)
		}
		if dim := meta["vector_dim"]; dim != strconv.Itoa(w.cfg.VectorDim) {
			return fmt.Errorf("collection %s declared with dim %s, writer uses %d: %w",
				w.cfg.Collection, dim, w.cfg.VectorDim, domain.ErrModelMismatch)
		}
	} else {
		err := w.store.HSet(ctx, w.metaKey(), map[string]string{
			"name":            w.cfg.Collection,
			"embedding_model": w.cfg.EmbeddingModel,
			"vector_dim":      strconv.Itoa(w.cfg.VectorDim),
			"created_at":      time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("write collection meta: %w", err)
		}
	}

	exists, err := w.store.IndexExists(ctx, w.IndexName())
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	if exists {
		return nil
	}

	def, err := db.NewIndex(w.IndexName()).
		Prefix(w.KeyPrefix()).
		Tag("sex").
		Tag("status").
		Tag("countries").
		Numeric("min_age").
		Numeric("max_age").
		VectorHNSW(VectorField, w.cfg.VectorDim, db.DistanceCosine, w.cfg.HNSWM, w.cfg.HNSWEFConstruct).
		Build()
	if err != nil {
		return fmt.Errorf("build index definition: %w", err)
	}
	if err := w.store.CreateIndex(ctx, def); err != nil && !errors.Is(err, db.ErrIndexExists) {
		return fmt.Errorf("create index: %v: %w", err, domain.ErrIndexWrite)
	}
	w.logger.Info("collection ready",
		zap.String("collection", w.cfg.Collection),
		zap.String("model", w.cfg.EmbeddingModel),
		zap.Int("dim", w.cfg.VectorDim))
	return nil
}

// Drop removes the collection entirely: the FT index with its point hashes
// and the metadata hash. A collection that does not exist is not an error.
// The next Ensure starts from a clean slate, so Drop is the escape hatch for
// switching a collection to a new embedding model or dimension.
func (w *Writer) Drop(ctx context.Context) error {
	if err := w.store.DropIndex(ctx, w.IndexName()); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
		return fmt.Errorf("drop index: %w", err)
	}
	exists, err := w.store.Exists(ctx, w.metaKey())
	if err != nil {
		return fmt.Errorf("check collection meta: %w", err)
	}
	if !exists {
		return nil
	}
	if err := w.store.Del(ctx, w.metaKey()); err != nil {
		return fmt.Errorf("delete collection meta: %w", err)
	}
	w.logger.Info("collection dropped", zap.String("collection", w.cfg.Collection))
	return nil
}

// Point is one trial ready for upsert.
type Point struct {
	Trial  domain.TrialRecord
	Vector []float32
}

// BatchResult reports the outcome of one UpsertBatch call. Failed holds the
// NCT ids that could not be written after retries.
type BatchResult struct {
	Written int
	Failed  []string
}

// UpsertBatch writes points in one pipelined call, overwriting any existing
// point with the same trial identifier. On a batch failure each point is
// retried individually; points that still fail are reported in the result
// and never abort the batch.
func (w *Writer) UpsertBatch(ctx context.Context, points []Point) BatchResult {
	if len(points) == 0 {
		return BatchResult{}
	}

	items := make([]db.HashSetItem, 0, len(points))
	for i := range points {
		items = append(items, db.HashSetItem{
			Key:    w.PointKey(points[i].Trial.NCTID),
			Fields: w.payload(&points[i]),
		})
	}

	err := w.store.HSetMulti(ctx, items)
	if err == nil {
		return BatchResult{Written: len(points)}
	}
	w.logger.Warn("batch upsert failed, retrying per point",
		zap.Int("batch", len(points)), zap.Error(err))

	var res BatchResult
	for i := range items {
		if err := w.upsertOne(ctx, &items[i]); err != nil {
			w.logger.Error("point upsert failed",
				zap.String("nct_id", points[i].Trial.NCTID), zap.Error(err))
			res.Failed = append(res.Failed, points[i].Trial.NCTID)
			continue
		}
		res.Written++
	}
	return res
}

func (w *Writer) upsertOne(ctx context.Context, item *db.HashSetItem) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond):
			}
		}
		if lastErr = w.store.HSet(ctx, item.Key, item.Fields); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%v: %w", lastErr, domain.ErrIndexWrite)
}

// Count returns the number of points in the collection.
func (w *Writer) Count(ctx context.Context) (int, error) {
	return w.store.SearchCount(ctx, w.IndexName(), "*")
}

// payload maps a trial onto hash fields: flat tag/numeric fields for
// filtering, JSON fields for display and judging, plus the vector blob.
func (w *Writer) payload(p *Point) map[string]string {
	t := &p.Trial

	minAge := AgeUnboundedMin
	if t.MinAge != nil {
		minAge = *t.MinAge
	}
	maxAge := AgeUnboundedMax
	if t.MaxAge != nil {
		maxAge = *t.MaxAge
	}

	fields := map[string]string{
		"nct_id":      t.NCTID,
		"trial_title": t.Title,
		"status":      t.Status,
		"sex":         string(t.Sex),
		"min_age":     strconv.Itoa(minAge),
		"max_age":     strconv.Itoa(maxAge),
		"countries":   strings.Join(countryTags(t.Locations), ","),
		"url":         t.URL,
		VectorField:   vectorBlob(p.Vector),
	}
	if t.Phase != "" {
		fields["phase"] = t.Phase
	}
	if t.StudyType != "" {
		fields["study_type"] = t.StudyType
	}
	if t.LastUpdated != "" {
		fields["last_updated"] = t.LastUpdated
	}

	putJSON(fields, "conditions", t.Conditions)
	putJSON(fields, "interventions", t.Interventions)
	putJSON(fields, "mesh_terms", t.MeshTerms)
	putJSON(fields, "locations", t.Locations)
	putJSON(fields, "inclusion_criteria", t.Inclusion)
	putJSON(fields, "exclusion_criteria", t.Exclusion)

	return fields
}

func putJSON(fields map[string]string, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fields[key] = string(data)
}

// countryTags returns the lowercase unique countries of the trial's sites,
// sorted for a stable payload.
func countryTags(locs []domain.Location) []string {
	seen := make(map[string]bool)
	var out []string
	for _, loc := range locs {
		c := strings.ToLower(strings.TrimSpace(loc.Country))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func vectorBlob(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return string(buf)
}
