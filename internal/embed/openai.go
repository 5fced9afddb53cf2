package embed

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. It works
// against any provider that speaks the same wire format when BaseURL points
// elsewhere.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dim        int
	maxRetries int
	logger     *zap.Logger
}

// OpenAIConfig holds embedder settings. Dim, when non-zero, is verified
// against every response.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dim        int
	MaxRetries int
}

// NewOpenAIEmbedder creates an embedder for the configured model.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *zap.Logger) *OpenAIEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dim:        cfg.Dim,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// Model returns the embedding model identifier.
func (e *OpenAIEmbedder) Model() string { return e.model }

// EmbedBatch embeds texts in one request, retrying transient failures with
// backoff. Exhausted retries and malformed responses wrap
// domain.ErrEmbeddingFailed.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			e.logger.Warn("embedding retry",
				zap.Int("attempt", attempt),
				zap.Int("batch", len(texts)),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embed batch: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		vectors, err := e.embedOnce(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed batch: %w", ctx.Err())
		}
		lastErr = err
	}

	return nil, fmt.Errorf("embed batch of %d after %d retries: %v: %w",
		len(texts), e.maxRetries, lastErr, domain.ErrEmbeddingFailed)
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response: got %d vectors for %d texts",
			len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embeddings response: index %d out of range", d.Index)
		}
		if e.dim > 0 && len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("embeddings response: dimension %d, want %d",
				len(d.Embedding), e.dim)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embeddings response: missing vector for input %d", i)
		}
	}
	return vectors, nil
}
