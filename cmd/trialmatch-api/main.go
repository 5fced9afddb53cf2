package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/config"
	dbRedis "github.com/kailas-cloud/trialmatch/internal/db/redis"
	"github.com/kailas-cloud/trialmatch/internal/embed"
	"github.com/kailas-cloud/trialmatch/internal/index"
	logpkg "github.com/kailas-cloud/trialmatch/internal/logger"
	"github.com/kailas-cloud/trialmatch/internal/queryparse"
	"github.com/kailas-cloud/trialmatch/internal/retrieval"
	chiTransport "github.com/kailas-cloud/trialmatch/internal/transport/chi"
	"github.com/kailas-cloud/trialmatch/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting trialmatch API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("collection", cfg.Index.Collection),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Query embedder: OpenAI-compatible transport behind a write-through
	// cache keyed by model+text.
	base := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dim:        cfg.Embedding.Dimensions,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger)
	var embedder embed.Embedder = base
	if ttl := cfg.Retrieval.CacheTTLSec; ttl > 0 {
		embedder = embed.NewCachedEmbedder(base, store, time.Duration(ttl)*time.Second, logger)
	}

	// Reject startup against a collection embedded under a different model.
	writer := index.NewWriter(store, index.Config{
		Collection:      cfg.Index.Collection,
		EmbeddingModel:  cfg.Embedding.Model,
		VectorDim:       cfg.Embedding.Dimensions,
		HNSWM:           cfg.Index.HNSWM,
		HNSWEFConstruct: cfg.Index.HNSWEFConstruct,
	}, logger)
	if err := writer.Ensure(ctx); err != nil {
		logger.Fatal("Collection check failed", zap.Error(err))
	}

	parser := buildParser(cfg, logger)

	engine := retrieval.NewEngine(store, embedder, retrieval.Config{
		IndexName: writer.IndexName(),
		TopK:      cfg.Retrieval.TopK,
	}, logger)

	server := chiTransport.NewServer(parser, engine, store, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(cfg.Auth.APIKeys),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildParser picks the LLM parser when credentials are configured, the
// deterministic fallback otherwise.
func buildParser(cfg config.Config, logger *zap.Logger) queryparse.Parser {
	apiKey := cfg.Parser.APIKey
	if apiKey == "" {
		apiKey = cfg.Embedding.APIKey
	}
	if apiKey == "" || cfg.Parser.Model == "" {
		logger.Warn("No parser credentials configured, structured parsing degrades to heuristics")
		return queryparse.FallbackParser{}
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.Parser.BaseURL != "" {
		clientCfg.BaseURL = cfg.Parser.BaseURL
	}
	return queryparse.NewLLMParser(openai.NewClientWithConfig(clientCfg), cfg.Parser.Model, logger)
}
