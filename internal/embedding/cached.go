package embedding

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"
)

// CachedProvider wraps a Provider with an LRU cache for text embeddings. Concurrent
// requests for the same text share one model call. Image encodes pass straight through.
type CachedProvider struct {
	Provider
	cache *EmbeddingCache
	group singleflight.Group
}

// NewCachedProvider wraps p with a text cache of the given capacity.
func NewCachedProvider(p Provider, capacity int) *CachedProvider {
	return &CachedProvider{Provider: p, cache: NewEmbeddingCache(capacity)}
}

// EncodeText returns the cached vector for text or computes it once. The shared model call
// is detached from any single caller's cancellation; each caller stops waiting when its own
// ctx is done.
func (c *CachedProvider) EncodeText(ctx context.Context, text string) ([]float32, error) {
	key := strings.TrimSpace(text)
	if vec, ok := c.cache.Get(key); ok {
		return copyVector(vec), nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		vec, err := c.Provider.EncodeText(shared, key)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, vec)
		return vec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyVector(res.Val.([]float32)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CacheLen returns the number of cached text embeddings.
func (c *CachedProvider) CacheLen() int {
	return c.cache.Len()
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
