// Package retrieval executes the hybrid search: metadata pre-filter inside
// the index, KNN vector ranking, then exclusion-aware re-ranking. Read-only
// and safe under concurrent callers.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/db"
	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/domain/filter"
	"github.com/kailas-cloud/trialmatch/internal/embed"
	"github.com/kailas-cloud/trialmatch/internal/index"
)

// DefaultTopK is the candidate count when the caller does not override it.
const DefaultTopK = 10

// MaxTopK bounds the candidate count a caller may request.
const MaxTopK = 100

// returnFields is every payload field the result carries back; the vector
// blob stays in the index.
var returnFields = []string{
	"nct_id", "trial_title", "status", "phase", "study_type", "sex",
	"min_age", "max_age", "countries", "url", "last_updated",
	"conditions", "interventions", "mesh_terms", "locations",
	"inclusion_criteria", "exclusion_criteria",
}

// Config holds retrieval settings.
type Config struct {
	IndexName string
	TopK      int
}

// Engine runs hybrid retrieval against one collection.
type Engine struct {
	store    db.Searcher
	embedder embed.Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine. A nil logger is replaced with a no-op.
func NewEngine(store db.Searcher, embedder embed.Embedder, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Engine{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// Retrieve executes the full hybrid search for one parsed query. topK of zero
// uses the configured default. An unreachable index wraps
// domain.ErrRetrievalUnavailable; a degraded query is not an error.
func (e *Engine) Retrieve(ctx context.Context, q domain.StructuredQuery, topK int) (domain.RetrievalResult, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	expr, err := buildFilter(&q)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("build filter: %w", err)
	}

	vec, err := e.queryVector(ctx, &q)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	res, err := e.store.SearchKNN(ctx, &db.KNNQuery{
		IndexName:    e.cfg.IndexName,
		Filters:      expr,
		Vector:       vec,
		K:            topK,
		ReturnFields: returnFields,
	})
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("knn search: %v: %w", err, domain.ErrRetrievalUnavailable)
	}

	matches := make([]domain.Match, 0, len(res.Entries))
	for i := range res.Entries {
		entry := &res.Entries[i]
		trial, err := entryToTrial(entry.Fields)
		if err != nil {
			e.logger.Warn("skipping undecodable hit",
				zap.String("key", entry.Key), zap.Error(err))
			continue
		}
		m := domain.Match{Trial: trial, Score: entry.Score}
		m.MatchedExclusions = matchedExclusions(&q, &m.Trial)
		m.Excluded = len(m.MatchedExclusions) > 0
		matches = append(matches, m)
	}

	orderMatches(matches)

	e.logger.Debug("retrieval complete",
		zap.Int("candidates", len(matches)),
		zap.Bool("degraded", q.Degraded),
		zap.Bool("filtered", q.HasHardConstraints()))

	return domain.RetrievalResult{Query: q, Matches: matches}, nil
}

// orderMatches applies the deterministic result order: non-excluded first,
// then similarity descending, ties by NCT id ascending.
func orderMatches(matches []domain.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Excluded != matches[j].Excluded {
			return !matches[i].Excluded
		}
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Trial.NCTID < matches[j].Trial.NCTID
	})
}

// buildFilter translates the query's hard constraints into an index
// pre-filter. Sex accepts the patient's sex or ALL; the age sentinels stored
// at ingest make both range clauses exact inside the index.
func buildFilter(q *domain.StructuredQuery) (filter.Expression, error) {
	var must []filter.Condition

	if q.Sex == domain.SexMale || q.Sex == domain.SexFemale {
		cond, err := filter.NewMatchAny("sex", string(q.Sex), string(domain.SexAll))
		if err != nil {
			return filter.Expression{}, err
		}
		must = append(must, cond)
	}

	if q.Age != nil {
		age := float64(*q.Age)
		minRange, err := filter.NewRangeBounds(nil, &age)
		if err != nil {
			return filter.Expression{}, err
		}
		minCond, err := filter.NewRange("min_age", minRange)
		if err != nil {
			return filter.Expression{}, err
		}
		maxRange, err := filter.NewRangeBounds(&age, nil)
		if err != nil {
			return filter.Expression{}, err
		}
		maxCond, err := filter.NewRange("max_age", maxRange)
		if err != nil {
			return filter.Expression{}, err
		}
		must = append(must, minCond, maxCond)
	}

	if q.Location != nil {
		if country := strings.ToLower(strings.TrimSpace(q.Location.Country)); country != "" {
			cond, err := filter.NewMatch("countries", country)
			if err != nil {
				return filter.Expression{}, err
			}
			must = append(must, cond)
		}
	}

	return filter.NewExpression(must, nil)
}

// queryVector embeds the query. Weighted components are embedded separately
// and blended so the primary condition dominates; a query with no structured
// components falls back to a single embedding of the intent text.
func (e *Engine) queryVector(ctx context.Context, q *domain.StructuredQuery) ([]float32, error) {
	comps := embed.QueryComponents(*q)
	if len(comps) == 0 {
		text := embed.QueryText(*q)
		if text == "" {
			text = " "
		}
		vecs, err := e.embedder.EmbedBatch(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}

	texts := make([]string, len(comps))
	total := 0.0
	for i, c := range comps {
		texts[i] = c.Text
		total += c.Weight
	}
	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	blended := make([]float32, len(vecs[0]))
	for i, c := range comps {
		w := float32(c.Weight / total)
		for j, v := range vecs[i] {
			blended[j] += w * v
		}
	}
	return blended, nil
}

// entryToTrial rebuilds a TrialRecord from the flat payload fields.
func entryToTrial(fields map[string]string) (domain.TrialRecord, error) {
	nctID := fields["nct_id"]
	if nctID == "" {
		return domain.TrialRecord{}, fmt.Errorf("hit without nct_id")
	}

	t := domain.TrialRecord{
		NCTID:       nctID,
		Title:       fields["trial_title"],
		Status:      fields["status"],
		Phase:       fields["phase"],
		StudyType:   fields["study_type"],
		Sex:         domain.Sex(fields["sex"]),
		URL:         fields["url"],
		LastUpdated: fields["last_updated"],
		MinAge:      parseAgeBound(fields["min_age"], index.AgeUnboundedMin),
		MaxAge:      parseAgeBound(fields["max_age"], index.AgeUnboundedMax),
	}

	getJSON(fields, "conditions", &t.Conditions)
	getJSON(fields, "interventions", &t.Interventions)
	getJSON(fields, "mesh_terms", &t.MeshTerms)
	getJSON(fields, "locations", &t.Locations)
	getJSON(fields, "inclusion_criteria", &t.Inclusion)
	getJSON(fields, "exclusion_criteria", &t.Exclusion)

	return t, nil
}

// parseAgeBound maps a stored age back to the record form: the sentinel for
// an unbounded side becomes nil.
func parseAgeBound(s string, sentinel int) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n == sentinel {
		return nil
	}
	return &n
}

func getJSON(fields map[string]string, key string, dst any) {
	if raw := fields[key]; raw != "" {
		_ = json.Unmarshal([]byte(raw), dst)
	}
}
