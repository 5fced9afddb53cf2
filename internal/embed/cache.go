package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/db"
)

// CachedEmbedder wraps an Embedder with a Redis-backed vector cache. Used on
// the query path where the same patient text is embedded repeatedly; the
// ingest path streams fresh texts and bypasses it.
type CachedEmbedder struct {
	inner  Embedder
	kv     db.KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEmbedder decorates inner with a KV cache. ttl of zero stores
// entries without expiry.
func NewCachedEmbedder(inner Embedder, kv db.KVStore, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{inner: inner, kv: kv, ttl: ttl, logger: logger}
}

// Model returns the wrapped embedder's model identifier.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// EmbedBatch serves each text from the cache when possible and embeds only
// the misses. Cache failures degrade to a direct embed, never to a request
// failure.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.get(ctx, text); ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		vectors[i] = fresh[j]
		c.put(ctx, texts[i], fresh[j])
	}
	return vectors, nil
}

func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return "trialmatch:embcache:" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) get(ctx context.Context, text string) ([]float32, bool) {
	data, err := c.kv.Get(ctx, c.cacheKey(text))
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	vec, err := decodeVector(data)
	if err != nil {
		c.logger.Warn("embedding cache entry invalid", zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) put(ctx context.Context, text string, vec []float32) {
	var err error
	if c.ttl > 0 {
		err = c.kv.SetWithTTL(ctx, c.cacheKey(text), encodeVector(vec), c.ttl)
	} else {
		err = c.kv.Set(ctx, c.cacheKey(text), encodeVector(vec))
	}
	if err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
