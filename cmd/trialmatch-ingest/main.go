// trialmatch-ingest runs the offline pipeline: fetch the trial registry,
// normalize, snapshot and index into the vector store. Partial failures are
// reported in the summary and exit 0; only fatal errors exit non-zero.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/config"
	dbRedis "github.com/kailas-cloud/trialmatch/internal/db/redis"
	"github.com/kailas-cloud/trialmatch/internal/embed"
	"github.com/kailas-cloud/trialmatch/internal/index"
	"github.com/kailas-cloud/trialmatch/internal/ingest"
	logpkg "github.com/kailas-cloud/trialmatch/internal/logger"
	"github.com/kailas-cloud/trialmatch/internal/metrics"
	"github.com/kailas-cloud/trialmatch/internal/registry"
	"github.com/kailas-cloud/trialmatch/internal/snapshot"
	"github.com/kailas-cloud/trialmatch/internal/version"
)

const demoLimit = 50

type flags struct {
	demo             bool
	snapshot         bool
	prepareOnly      bool
	upsertFromLatest bool
	upsertFrom       string
	resume           bool
	resetCursor      bool
	recreate         bool
	pageSize         int
	batchSize        int
	parallel         int
	metricsPort      int
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.demo, "demo", false, "fetch a small capped sample")
	flag.BoolVar(&f.snapshot, "snapshot", false, "write a snapshot of the normalized records")
	flag.BoolVar(&f.prepareOnly, "prepare-only", false, "fetch and snapshot without embedding or indexing")
	flag.BoolVar(&f.upsertFromLatest, "upsert-from-snapshot", false, "replay the latest snapshot instead of fetching")
	flag.StringVar(&f.upsertFrom, "upsert-from", "", "replay a specific snapshot directory")
	flag.BoolVar(&f.resume, "resume", false, "resume from the saved cursor")
	flag.BoolVar(&f.resetCursor, "reset-cursor", false, "clear the saved cursor and exit")
	flag.BoolVar(&f.recreate, "recreate", false, "drop the collection and its points before indexing")
	flag.IntVar(&f.pageSize, "page-size", 0, "registry page size (default from config)")
	flag.IntVar(&f.batchSize, "batch-size", 64, "embed/upsert batch size")
	flag.IntVar(&f.parallel, "parallel", 4, "parallel embed/upsert workers")
	flag.IntVar(&f.metricsPort, "metrics-port", 0, "serve ingestion metrics on this port (0 = off)")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if f.prepareOnly {
		f.snapshot = true
	}
	if f.pageSize > 0 {
		cfg.Registry.PageSize = f.pageSize
	}
	if f.demo {
		cfg.Registry.PageSize = demoLimit
	}

	logger.Info("Starting trialmatch ingestion",
		zap.String("version", version.Version),
		zap.String("env", env),
		zap.String("collection", cfg.Index.Collection),
		zap.Bool("demo", f.demo),
		zap.Bool("prepare_only", f.prepareOnly),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, f, cfg, logger))
}

// run returns the process exit code. Kept separate from main so deferred
// cleanup runs before os.Exit.
func run(ctx context.Context, f flags, cfg config.Config, logger *zap.Logger) int {
	cursor, err := registry.NewCursorTracker(cfg.Snapshot.Dir)
	if err != nil {
		logger.Error("Failed to load cursor", zap.Error(err))
		return 1
	}
	if f.resetCursor {
		if err := cursor.Reset(); err != nil {
			logger.Error("Failed to reset cursor", zap.Error(err))
			return 1
		}
		logger.Info("Cursor cleared")
		return 0
	}

	var writer ingest.Upserter
	if !f.prepareOnly {
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			logger.Error("Failed to create database store", zap.Error(err))
			return 1
		}
		defer store.Close()
		if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Error("Database not ready", zap.Error(err))
			return 1
		}
		w := index.NewWriter(store, index.Config{
			Collection:      cfg.Index.Collection,
			EmbeddingModel:  cfg.Embedding.Model,
			VectorDim:       cfg.Embedding.Dimensions,
			HNSWM:           cfg.Index.HNSWM,
			HNSWEFConstruct: cfg.Index.HNSWEFConstruct,
		}, logger)
		if f.recreate {
			if err := w.Drop(ctx); err != nil {
				logger.Error("Failed to drop collection", zap.Error(err))
				return 1
			}
		}
		writer = w
	}

	embedder := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dim:        cfg.Embedding.Dimensions,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger)

	ing := metrics.NewIngest()
	if f.metricsPort > 0 {
		ing.Serve(ctx, strconv.Itoa(f.metricsPort), logger)
	}

	fetcher := registry.NewClient(registry.Config{
		BaseURL:     cfg.Registry.BaseURL,
		PageSize:    cfg.Registry.PageSize,
		Statuses:    cfg.Registry.Statuses,
		WindowStart: cfg.Registry.WindowStart,
		WindowEnd:   cfg.Registry.WindowEnd,
		MaxRetries:  cfg.Registry.MaxRetries,
		Timeout:     time.Duration(cfg.Registry.TimeoutSec) * time.Second,
	}, logger)

	opts := ingest.Options{
		BatchSize:     f.batchSize,
		Parallel:      f.parallel,
		Statuses:      cfg.Registry.Statuses,
		WriteSnapshot: f.snapshot,
		PrepareOnly:   f.prepareOnly,
		SnapshotRoot:  cfg.Snapshot.Dir,
		Resume:        f.resume,
		Collection:    cfg.Index.Collection,
		WindowStart:   cfg.Registry.WindowStart,
		WindowEnd:     cfg.Registry.WindowEnd,
	}
	if f.demo {
		opts.DemoLimit = demoLimit
	}

	pipeline := ingest.New(fetcher, cursor, embedder, writer, ing, opts, logger)

	var sum ingest.RunSummary
	switch {
	case f.upsertFrom != "":
		sum, err = pipeline.RunFromSnapshot(ctx, f.upsertFrom)
	case f.upsertFromLatest:
		var dir string
		dir, err = snapshot.Latest(cfg.Snapshot.Dir)
		if err == nil {
			logger.Info("Replaying latest snapshot", zap.String("dir", dir))
			sum, err = pipeline.RunFromSnapshot(ctx, dir)
		}
	default:
		sum, err = pipeline.Run(ctx)
	}

	logSummary(logger, sum)

	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		logger.Warn("Ingestion interrupted, cursor saved for resume")
		return 0
	case registry.IsFatal(err):
		cur := cursor.Get()
		logger.Error("Ingestion halted, resume continues from the saved cursor",
			zap.Int("last_committed_page", cur.Page),
			zap.Error(err))
		return 1
	default:
		logger.Error("Ingestion failed", zap.Error(err))
		return 1
	}
}

func logSummary(logger *zap.Logger, sum ingest.RunSummary) {
	fields := []zap.Field{
		zap.Int("pages", sum.Pages),
		zap.Int("fetched", sum.Fetched),
		zap.Int("normalized", sum.Normalized),
		zap.Int("embedded", sum.Embedded),
		zap.Int("written", sum.Written),
		zap.Int("failed", len(sum.FailedIDs)),
		zap.Duration("duration", sum.Duration),
	}
	for reason, n := range sum.Skipped {
		fields = append(fields, zap.Int("skipped_"+reason, n))
	}
	if sum.SnapshotDir != "" {
		fields = append(fields, zap.String("snapshot", sum.SnapshotDir))
	}
	if sum.IndexCount > 0 {
		fields = append(fields, zap.Int("index_count", sum.IndexCount))
	}
	if len(sum.FailedIDs) > 0 {
		fields = append(fields, zap.Strings("failed_ids", sum.FailedIDs))
	}
	logger.Info("Ingestion summary", fields...)
}
