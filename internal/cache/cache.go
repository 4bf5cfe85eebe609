// Package cache implements the triple embedding/reranking/retrieval cache,
// grounded on original_source/RAG/src/cache.rs. Each layer is an LRU bounded
// by max_size entries with a TTL, keyed by a stable 64-bit hash. Unlike the
// teacher's hand-rolled O(n) eviction scans (go-enhanced-rag-service's
// embedding_service.go EmbeddingCache.cleanup() and
// pkg/cache/pytorch_cache.go evictLRU()), each layer here is backed by
// hashicorp/golang-lru/v2's expirable LRU.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

// Stats tallies hits, misses, and evictions per layer plus the overall hit
// rate across all three layers.
type Stats struct {
	EmbeddingHits    int64
	EmbeddingMisses  int64
	RerankingHits    int64
	RerankingMisses  int64
	RetrievalHits    int64
	RetrievalMisses  int64
	Evictions        int64
}

// OverallHitRate is total_hits / (total_hits + total_misses) across every
// layer, or 0 when nothing has been looked up yet.
func (s Stats) OverallHitRate() float64 {
	hits := s.EmbeddingHits + s.RerankingHits + s.RetrievalHits
	misses := s.EmbeddingMisses + s.RerankingMisses + s.RetrievalMisses
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

type layer[T any] struct {
	cache *lru.LRU[uint64, T]
}

func newLayer[T any](enabled bool, maxSize int, ttl time.Duration) (*layer[T], error) {
	size := maxSize
	if !enabled || size <= 0 {
		size = 1
	}
	c := lru.NewLRU[uint64, T](size, nil, ttl)
	return &layer[T]{cache: c}, nil
}

// RagCache is the engine's embedding/reranking/retrieval cache, one LRU+TTL
// layer per kind, each independently enable-able.
type RagCache struct {
	mu sync.Mutex

	cfg config.Cache

	embeddings *layer[ragtypes.Embedding]
	reranking  *layer[[]float32]
	retrieval  *layer[[]*ragtypes.RetrievalResult]

	// redis mirrors the retrieval layer across ragserver replicas when
	// cfg.RedisURL is set; nil means every instance keeps its own LRU only.
	redis *redisMirror

	stats Stats
}

// New builds a RagCache from configuration. When cfg.Enabled is false every
// layer is collapsed to single-slot capacity and all gets miss, matching
// original_source/RAG/src/cache.rs's RagCache::new. When cfg.RedisURL is
// set, the retrieval layer is additionally mirrored to Redis so multiple
// replicas share a warm cache.
func New(cfg config.Cache) (*RagCache, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second

	emb, err := newLayer[ragtypes.Embedding](cfg.Enabled && cfg.CacheEmbeddings, cfg.MaxSize, ttl)
	if err != nil {
		return nil, ragerr.Cache("failed to build embedding cache layer", err)
	}
	rrk, err := newLayer[[]float32](cfg.Enabled && cfg.CacheReranking, cfg.MaxSize, ttl)
	if err != nil {
		return nil, ragerr.Cache("failed to build reranking cache layer", err)
	}
	ret, err := newLayer[[]*ragtypes.RetrievalResult](cfg.Enabled && cfg.CacheRetrieval, cfg.MaxSize, ttl)
	if err != nil {
		return nil, ragerr.Cache("failed to build retrieval cache layer", err)
	}

	rc := &RagCache{cfg: cfg, embeddings: emb, reranking: rrk, retrieval: ret}

	if cfg.Enabled && cfg.CacheRetrieval && cfg.RedisURL != "" {
		mirror, err := newRedisMirror(cfg.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		rc.redis = mirror
	}

	return rc, nil
}

func hashKey(parts ...string) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// GetEmbedding looks up a cached embedding for text.
func (c *RagCache) GetEmbedding(text string) (ragtypes.Embedding, bool) {
	if !c.cfg.Enabled || !c.cfg.CacheEmbeddings {
		c.recordMiss(&c.stats.EmbeddingMisses)
		return nil, false
	}
	v, ok := c.embeddings.cache.Get(hashKey(text))
	if !ok {
		c.recordMiss(&c.stats.EmbeddingMisses)
		return nil, false
	}
	c.recordMiss(&c.stats.EmbeddingHits)
	return v, true
}

// PutEmbedding stores an embedding for text.
func (c *RagCache) PutEmbedding(text string, embedding ragtypes.Embedding) {
	if !c.cfg.Enabled || !c.cfg.CacheEmbeddings {
		return
	}
	evicted := c.embeddings.cache.Add(hashKey(text), embedding)
	if evicted {
		c.recordMiss(&c.stats.Evictions)
	}
}

// GetReranking looks up cached reranking scores for query against documents
// (in order).
func (c *RagCache) GetReranking(query string, documents []string) ([]float32, bool) {
	if !c.cfg.Enabled || !c.cfg.CacheReranking {
		c.recordMiss(&c.stats.RerankingMisses)
		return nil, false
	}
	key := hashKey(append([]string{query}, documents...)...)
	v, ok := c.reranking.cache.Get(key)
	if !ok {
		c.recordMiss(&c.stats.RerankingMisses)
		return nil, false
	}
	c.recordMiss(&c.stats.RerankingHits)
	return v, true
}

// PutReranking stores reranking scores for query against documents.
func (c *RagCache) PutReranking(query string, documents []string, scores []float32) {
	if !c.cfg.Enabled || !c.cfg.CacheReranking {
		return
	}
	key := hashKey(append([]string{query}, documents...)...)
	if c.reranking.cache.Add(key, scores) {
		c.recordMiss(&c.stats.Evictions)
	}
}

// GetRetrieval looks up cached retrieval results for query, falling back to
// the Redis mirror (if configured) on a local miss so a cold replica can
// still serve what a warm one already computed.
func (c *RagCache) GetRetrieval(query string) ([]*ragtypes.RetrievalResult, bool) {
	if !c.cfg.Enabled || !c.cfg.CacheRetrieval {
		c.recordMiss(&c.stats.RetrievalMisses)
		return nil, false
	}
	key := hashKey(query)
	v, ok := c.retrieval.cache.Get(key)
	if ok {
		c.recordMiss(&c.stats.RetrievalHits)
		return v, true
	}

	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if v, ok := c.redis.get(ctx, key); ok {
			c.retrieval.cache.Add(key, v)
			c.recordMiss(&c.stats.RetrievalHits)
			return v, true
		}
	}

	c.recordMiss(&c.stats.RetrievalMisses)
	return nil, false
}

// PutRetrieval stores retrieval results for query, locally and in the
// Redis mirror when configured.
func (c *RagCache) PutRetrieval(query string, results []*ragtypes.RetrievalResult) {
	if !c.cfg.Enabled || !c.cfg.CacheRetrieval {
		return
	}
	key := hashKey(query)
	if c.retrieval.cache.Add(key, results) {
		c.recordMiss(&c.stats.Evictions)
	}

	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		c.redis.put(ctx, key, results)
	}
}

func (c *RagCache) recordMiss(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// GetStats returns a snapshot of cache statistics.
func (c *RagCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// GetSizes returns the current entry count of each layer.
func (c *RagCache) GetSizes() (embeddings, reranking, retrieval int) {
	return c.embeddings.cache.Len(), c.reranking.cache.Len(), c.retrieval.cache.Len()
}

// Close releases the Redis mirror connection, if one was configured. Safe
// to call on a cache with no mirror.
func (c *RagCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.client.Close()
}

// Clear empties every layer and resets statistics.
func (c *RagCache) Clear() {
	c.embeddings.cache.Purge()
	c.reranking.cache.Purge()
	c.retrieval.cache.Purge()
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}

// CleanupExpired proactively evicts TTL-expired entries from every layer
// and returns the number removed. The expirable LRU evicts lazily on
// access; Peek alone does not remove anything, so each layer's keys are
// walked and any key that has already expired (Peek reports it missing) is
// explicitly Remove'd rather than left for some future access to evict.
func (c *RagCache) CleanupExpired() int {
	removed := 0
	for _, k := range c.embeddings.cache.Keys() {
		if _, ok := c.embeddings.cache.Peek(k); !ok {
			if c.embeddings.cache.Remove(k) {
				removed++
			}
		}
	}
	for _, k := range c.reranking.cache.Keys() {
		if _, ok := c.reranking.cache.Peek(k); !ok {
			if c.reranking.cache.Remove(k) {
				removed++
			}
		}
	}
	for _, k := range c.retrieval.cache.Keys() {
		if _, ok := c.retrieval.cache.Peek(k); !ok {
			if c.retrieval.cache.Remove(k) {
				removed++
			}
		}
	}
	return removed
}
