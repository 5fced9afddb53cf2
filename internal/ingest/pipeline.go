// Package ingest orchestrates the offline pipeline: fetch registry pages,
// normalize, optionally snapshot, embed and upsert. Page fetching is serial
// (the registry chains page tokens) while embed+upsert batches run on a
// worker pool; cursor advancement is serialized through a committer so the
// persisted cursor never runs ahead of an unfinished page.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/embed"
	"github.com/kailas-cloud/trialmatch/internal/index"
	"github.com/kailas-cloud/trialmatch/internal/metrics"
	"github.com/kailas-cloud/trialmatch/internal/normalize"
	"github.com/kailas-cloud/trialmatch/internal/registry"
	"github.com/kailas-cloud/trialmatch/internal/snapshot"
)

// Fetcher pages through the registry.
type Fetcher interface {
	FetchPage(ctx context.Context, token string, number int) (*registry.Page, error)
	FiltersKey() string
}

// Upserter writes points into the vector collection.
type Upserter interface {
	Ensure(ctx context.Context) error
	UpsertBatch(ctx context.Context, points []index.Point) index.BatchResult
	Count(ctx context.Context) (int, error)
}

// Options tune one ingestion run.
type Options struct {
	BatchSize     int
	Parallel      int
	Statuses      []string // client-side guard on top of the server filter
	WriteSnapshot bool
	PrepareOnly   bool
	SnapshotRoot  string
	Resume        bool
	DemoLimit     int // 0 = no cap
	Collection    string
	WindowStart   string
	WindowEnd     string
}

// RunSummary is the aggregated outcome of a run. Partial failures live here,
// not in the error return.
type RunSummary struct {
	Pages       int
	Fetched     int
	Normalized  int
	Skipped     map[string]int
	Embedded    int
	Written     int
	FailedIDs   []string
	SnapshotDir string
	IndexCount  int
	Duration    time.Duration
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	fetcher  Fetcher
	cursor   *registry.CursorTracker
	embedder embed.Embedder
	writer   Upserter
	metrics  *metrics.Ingest
	logger   *zap.Logger
	opts     Options

	mu      sync.Mutex
	summary RunSummary
}

// New creates a pipeline. metrics may be nil; a nil logger becomes a no-op.
func New(fetcher Fetcher, cursor *registry.CursorTracker, embedder embed.Embedder,
	writer Upserter, m *metrics.Ingest, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	return &Pipeline{
		fetcher:  fetcher,
		cursor:   cursor,
		embedder: embedder,
		writer:   writer,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
}

// Run executes a full ingestion from the registry. The returned summary is
// valid even when err is non-nil; err is reserved for fatal conditions
// (exhausted fetch retries, collection mismatch, snapshot write failure).
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	p.summary = RunSummary{Skipped: map[string]int{}}

	if !p.opts.PrepareOnly {
		if err := p.writer.Ensure(ctx); err != nil {
			return p.finish(start), fmt.Errorf("prepare collection: %w", err)
		}
	}

	var snap *snapshot.Writer
	if p.opts.WriteSnapshot {
		var err error
		snap, err = snapshot.NewWriter(p.opts.SnapshotRoot, p.opts.Collection,
			p.embedder.Model(), p.opts.WindowStart, p.opts.WindowEnd)
		if err != nil {
			return p.finish(start), fmt.Errorf("open snapshot: %w", err)
		}
	}

	token, page := p.resumePoint()

	jobs := make(chan batchJob, p.opts.Parallel*2)
	var wg sync.WaitGroup
	committer := newCommitter(p.cursor, p.fetcher.FiltersKey(), page, p.metrics, p.logger)
	for i := 0; i < p.opts.Parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.processBatch(ctx, job.records)
				committer.batchDone(job.page)
			}
		}()
	}

	fetchErr := p.fetchLoop(ctx, token, page, snap, jobs, committer)
	close(jobs)
	wg.Wait()
	committer.flush()

	if snap != nil {
		if fetchErr != nil {
			_ = snap.Abort()
		} else {
			manifest, err := snap.Finalize()
			if err != nil {
				return p.finish(start), fmt.Errorf("finalize snapshot: %w", err)
			}
			p.summary.SnapshotDir = snap.Dir()
			p.logger.Info("snapshot written",
				zap.String("dir", snap.Dir()),
				zap.Int("trials", manifest.TrialCount))
		}
	}

	if fetchErr != nil {
		return p.finish(start), fetchErr
	}
	if err := p.cursor.Done(); err != nil {
		p.logger.Warn("marking cursor done failed", zap.Error(err))
	}
	if !p.opts.PrepareOnly {
		if n, err := p.writer.Count(ctx); err == nil {
			p.summary.IndexCount = n
		}
	}
	return p.finish(start), nil
}

// RunFromSnapshot replays a snapshot through embed+upsert, skipping the
// registry entirely. The snapshot's declared embedding model must match the
// live embedder.
func (p *Pipeline) RunFromSnapshot(ctx context.Context, dir string) (RunSummary, error) {
	start := time.Now()
	p.summary = RunSummary{Skipped: map[string]int{}, SnapshotDir: dir}

	r, err := snapshot.Open(dir)
	if err != nil {
		return p.finish(start), err
	}
	defer func() { _ = r.Close() }()

	if m := r.Manifest().EmbeddingModel; m != p.embedder.Model() {
		return p.finish(start), fmt.Errorf("snapshot embedded for model %q, embedder uses %q: %w",
			m, p.embedder.Model(), domain.ErrModelMismatch)
	}

	if err := p.writer.Ensure(ctx); err != nil {
		return p.finish(start), fmt.Errorf("prepare collection: %w", err)
	}

	jobs := make(chan batchJob, p.opts.Parallel*2)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.processBatch(ctx, job.records)
			}
		}()
	}

	var batch []domain.TrialRecord
	var readErr error
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		p.count(func(s *RunSummary) {
			s.Fetched++
			s.Normalized++
		})
		batch = append(batch, rec)
		if len(batch) >= p.opts.BatchSize {
			jobs <- batchJob{records: batch}
			batch = nil
		}
	}
	if len(batch) > 0 && readErr == nil {
		jobs <- batchJob{records: batch}
	}
	close(jobs)
	wg.Wait()

	if readErr != nil {
		return p.finish(start), readErr
	}
	if n, err := p.writer.Count(ctx); err == nil {
		p.summary.IndexCount = n
	}
	return p.finish(start), nil
}

type batchJob struct {
	page    int
	records []domain.TrialRecord
}

// fetchLoop pulls pages serially and hands normalized batches to the pool.
// Returns the fatal error that stopped the loop, or nil on a clean end.
func (p *Pipeline) fetchLoop(ctx context.Context, token string, pageNum int,
	snap *snapshot.Writer, jobs chan<- batchJob, committer *committer) error {

	allowed := map[string]bool{}
	for _, s := range p.opts.Statuses {
		allowed[s] = true
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := p.fetcher.FetchPage(ctx, token, pageNum)
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.PagesFetched.Inc()
			p.metrics.TrialsFetched.Add(float64(len(page.Studies)))
		}
		p.count(func(s *RunSummary) {
			s.Pages++
			s.Fetched += len(page.Studies)
		})

		records := p.normalizePage(page, allowed)
		if snap != nil {
			for _, rec := range records {
				if err := snap.Append(rec); err != nil {
					return fmt.Errorf("append snapshot: %w", err)
				}
			}
		}

		batches := 0
		if !p.opts.PrepareOnly {
			for i := 0; i < len(records); i += p.opts.BatchSize {
				end := min(i+p.opts.BatchSize, len(records))
				batches++
				jobs <- batchJob{page: page.Number, records: records[i:end]}
			}
		}
		committer.pageFetched(page.Number, page.NextToken, len(page.Studies),
			len(page.Studies)-len(records), batches)

		p.logger.Info("page fetched",
			zap.Int("page", page.Number),
			zap.Int("studies", len(page.Studies)),
			zap.Int("normalized", len(records)))

		total += len(records)
		if p.opts.DemoLimit > 0 && total >= p.opts.DemoLimit {
			return nil
		}
		if page.NextToken == "" {
			return nil
		}
		token, pageNum = page.NextToken, page.Number+1
	}
}

func (p *Pipeline) normalizePage(page *registry.Page, allowed map[string]bool) []domain.TrialRecord {
	records := make([]domain.TrialRecord, 0, len(page.Studies))
	for i := range page.Studies {
		rec, err := normalize.Study(page.Studies[i])
		if err != nil {
			p.logger.Warn("skipping malformed study",
				zap.Int("page", page.Number), zap.Error(err))
			p.skip("malformed")
			continue
		}
		if len(allowed) > 0 && !allowed[rec.Status] {
			p.skip("status")
			continue
		}
		p.count(func(s *RunSummary) { s.Normalized++ })
		records = append(records, rec)
	}
	return records
}

// processBatch embeds one batch and upserts it. An embedding failure marks
// the whole batch failed and the run continues; upsert failures are already
// per-point inside the writer.
func (p *Pipeline) processBatch(ctx context.Context, records []domain.TrialRecord) {
	start := time.Now()

	texts := make([]string, len(records))
	for i := range records {
		texts[i] = embed.TrialText(records[i])
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Error("embedding batch failed",
			zap.Int("batch", len(records)), zap.Error(err))
		p.count(func(s *RunSummary) {
			for i := range records {
				s.FailedIDs = append(s.FailedIDs, records[i].NCTID)
			}
		})
		if p.metrics != nil {
			p.metrics.TrialsFailed.WithLabelValues("embed").Add(float64(len(records)))
		}
		return
	}
	if p.metrics != nil {
		p.metrics.TrialsEmbedded.Add(float64(len(records)))
		p.metrics.BatchDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	}
	p.count(func(s *RunSummary) { s.Embedded += len(records) })

	points := make([]index.Point, len(records))
	for i := range records {
		points[i] = index.Point{Trial: records[i], Vector: vectors[i]}
	}

	upsertStart := time.Now()
	res := p.writer.UpsertBatch(ctx, points)
	if p.metrics != nil {
		p.metrics.TrialsWritten.Add(float64(res.Written))
		p.metrics.TrialsFailed.WithLabelValues("upsert").Add(float64(len(res.Failed)))
		p.metrics.BatchDuration.WithLabelValues("upsert").Observe(time.Since(upsertStart).Seconds())
	}
	p.count(func(s *RunSummary) {
		s.Written += res.Written
		s.FailedIDs = append(s.FailedIDs, res.Failed...)
	})
}

func (p *Pipeline) resumePoint() (string, int) {
	key := p.fetcher.FiltersKey()
	if p.opts.Resume && p.cursor.Resumable(key) {
		cur := p.cursor.Get()
		p.logger.Info("resuming from cursor",
			zap.Int("page", cur.Page+1),
			zap.Int("fetched_before", cur.TotalFetched))
		return cur.PageToken, cur.Page + 1
	}
	if err := p.cursor.Reset(); err != nil {
		p.logger.Warn("cursor reset failed", zap.Error(err))
	}
	return "", 1
}

func (p *Pipeline) count(fn func(*RunSummary)) {
	p.mu.Lock()
	fn(&p.summary)
	p.mu.Unlock()
}

func (p *Pipeline) skip(reason string) {
	p.count(func(s *RunSummary) { s.Skipped[reason]++ })
	if p.metrics != nil {
		p.metrics.TrialsSkipped.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) finish(start time.Time) RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Duration = time.Since(start)
	return p.summary
}
