package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of distinct chunk contents whose
// embedding is kept in memory.
const DefaultCacheSize = 2048

// Cached wraps an Embedder with an LRU cache keyed by content hash, so
// re-indexing a file whose chunks are unchanged never re-hits the
// embedding service — the chunk text is the cache key, independent of path
// or line numbers.
type Cached struct {
	inner Embedder
	model string
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU cache of size entries (DefaultCacheSize
// if size <= 0). model is folded into the cache key so swapping the
// embedder model invalidates stale entries instead of silently reusing
// vectors from a different model.
func NewCached(inner Embedder, model string, size int) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Cached{inner: inner, model: model, cache: cache}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}
