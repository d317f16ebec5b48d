package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcus-whitfield/evidentia/config"
)

const embedKeyPrefix = "evidentia:embed:"

// EmbeddingCache keeps query embeddings in Redis so repeated retrievals for
// the same query skip the embedding instrument. A nil cache is a no-op.
type EmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEmbeddingCache connects to Redis; returns nil (cache disabled) when no
// host is configured.
func NewEmbeddingCache(ctx context.Context, cfg config.RedisConfig) (*EmbeddingCache, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &EmbeddingCache{client: client, ttl: ttl}, nil
}

func embedKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return embedKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached vector for (model, text), if any. Cache failures
// are treated as misses.
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, embedKey(model, text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores a vector best-effort.
func (c *EmbeddingCache) Put(ctx context.Context, model, text string, vec []float32) {
	if c == nil || len(vec) == 0 {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.client.Set(ctx, embedKey(model, text), data, c.ttl)
}
