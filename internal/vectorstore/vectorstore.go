// Package vectorstore implements the durable chunk store plus its in-memory
// "shadow" similarity index, grounded on
// original_source/RAG/src/vector_store.rs. Two backends share the same
// contract and shadow-maintenance discipline: Postgres (durable, pgx-backed)
// and InMemory (no persistence, for tests and small deployments).
package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Xerpend/Melanie/internal/cache"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

// Stats mirrors original_source/RAG/src/vector_store.rs's
// VectorStoreStats: counts, average search latency (EMA), and an estimate
// of the shadow index's memory footprint.
type Stats struct {
	ChunkCount       int
	EmbeddingCount   int
	AvgSearchTimeMs  float64
	ShadowIndexSizeMB float64
}

// VectorStore is the polymorphic contract both backends satisfy.
type VectorStore interface {
	StoreChunk(ctx context.Context, chunk *ragtypes.Chunk) error
	StoreChunks(ctx context.Context, chunks []*ragtypes.Chunk) error
	GetChunk(ctx context.Context, id ragtypes.ChunkID) (*ragtypes.Chunk, error)
	SearchSimilar(ctx context.Context, query ragtypes.Embedding, k int) ([]SimilarityMatch, error)
	SearchSimilarAdvanced(ctx context.Context, query ragtypes.Embedding, k int, minScore *float32, c *cache.RagCache) ([]*ragtypes.RetrievalResult, error)
	BatchSearchSimilar(ctx context.Context, queries []ragtypes.Embedding, k int) ([][]SimilarityMatch, error)
	DeleteChunk(ctx context.Context, id ragtypes.ChunkID) error
	DeleteChunks(ctx context.Context, ids []ragtypes.ChunkID) error
	Count(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	Optimize(ctx context.Context) error
}

// SimilarityMatch is a (chunk id, score) pair returned by the raw similarity
// search before chunk hydration.
type SimilarityMatch struct {
	ChunkID ragtypes.ChunkID
	Score   float32
}

// shadow is the in-memory similarity index shared by both backends. It is
// guarded by a RWMutex: searches take a read lock (and the parallel fan-out
// runs entirely under that held read lock), stores/deletes take a write
// lock, released before any stats bookkeeping happens.
type shadow struct {
	mu         sync.RWMutex
	embeddings map[ragtypes.ChunkID]ragtypes.Embedding
	dimension  int

	statsMu        sync.Mutex
	avgSearchTime  float64
	numWorkers     int
}

func newShadow(dimension, numWorkers int) *shadow {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &shadow{
		embeddings: make(map[ragtypes.ChunkID]ragtypes.Embedding),
		dimension:  dimension,
		numWorkers: numWorkers,
	}
}

func (s *shadow) put(id ragtypes.ChunkID, embedding ragtypes.Embedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if embedding != nil {
		s.embeddings[id] = embedding
	} else {
		delete(s.embeddings, id)
	}
}

func (s *shadow) delete(id ragtypes.ChunkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, id)
}

func (s *shadow) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings = make(map[ragtypes.ChunkID]ragtypes.Embedding)
}

func (s *shadow) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.embeddings)
}

// search runs the parallel cosine-similarity scan across the whole shadow
// index under a single held read lock, grounded on
// go-enhanced-rag-service/cuda_worker.go's ComputeVectorSimilarity
// buffered-channel worker pool, generalized here to golang.org/x/sync's
// errgroup.
func (s *shadow) search(ctx context.Context, query ragtypes.Embedding, k int, minScore *float32) ([]SimilarityMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ragtypes.ChunkID, 0, len(s.embeddings))
	vecs := make([]ragtypes.Embedding, 0, len(s.embeddings))
	for id, e := range s.embeddings {
		ids = append(ids, id)
		vecs = append(vecs, e)
	}

	if len(ids) == 0 || k <= 0 {
		return nil, nil
	}

	scores := make([]float32, len(ids))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.numWorkers)
	for i := range ids {
		i := i
		g.Go(func() error {
			scores[i] = cosineSimilarity(query, vecs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := make([]SimilarityMatch, 0, len(ids))
	for i, id := range ids {
		if minScore != nil && scores[i] < *minScore {
			continue
		}
		matches = append(matches, SimilarityMatch{ChunkID: id, Score: scores[i]})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *shadow) recordSearchTime(elapsed time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	ms := float64(elapsed.Microseconds()) / 1000.0
	if s.avgSearchTime == 0 {
		s.avgSearchTime = ms
		return
	}
	// Exponential moving average, factor 0.9, matching
	// original_source/RAG/src/vector_store.rs's update_search_stats.
	s.avgSearchTime = s.avgSearchTime*0.9 + ms*0.1
}

func (s *shadow) avgSearchTimeMs() float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.avgSearchTime
}

// cosineSimilarity is the mathematically correct formula -- dot product
// over the product of the (square-rooted) norms -- grounded on
// go-enhanced-rag-service/cuda_worker.go's cosineSimilarityCPU and
// original_source/RAG/src/vector_store.rs's cosine_similarity. The
// teacher's own go-enhanced-rag-service/vector_store.go divides by the
// un-rooted sum-of-squares instead; that version is not used as the
// grounding source because it disagrees with the rest of the teacher's own
// codebase and with spec.md's definition.
func cosineSimilarity(a, b ragtypes.Embedding) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func advancedSearchCacheKey(query ragtypes.Embedding, k int, minScore *float32) string {
	buf := make([]byte, 0, len(query)*4+16)
	for _, v := range query {
		bits := math.Float32bits(v)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	buf = append(buf, byte(k), byte(k>>8))
	if minScore != nil {
		bits := math.Float32bits(*minScore)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return string(buf)
}

func searchSimilarAdvanced(ctx context.Context, s *shadow, get func(context.Context, ragtypes.ChunkID) (*ragtypes.Chunk, error), query ragtypes.Embedding, k int, minScore *float32, c *cache.RagCache) ([]*ragtypes.RetrievalResult, error) {
	key := advancedSearchCacheKey(query, k, minScore)
	if c != nil {
		if cached, ok := c.GetRetrieval("vecsearch:" + key); ok {
			return cached, nil
		}
	}

	start := time.Now()
	matches, err := s.search(ctx, query, k, minScore)
	s.recordSearchTime(time.Since(start))
	if err != nil {
		return nil, ragerr.VectorStore("similarity search failed", err)
	}

	results := make([]*ragtypes.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		chunk, err := get(ctx, m.ChunkID)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		results = append(results, ragtypes.NewRetrievalResult(chunk, m.Score))
	}

	if c != nil {
		c.PutRetrieval("vecsearch:"+key, results)
	}

	return results, nil
}

func batchSearch(ctx context.Context, s *shadow, queries []ragtypes.Embedding, k int) ([][]SimilarityMatch, error) {
	results := make([][]SimilarityMatch, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.numWorkers)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			m, err := s.search(gctx, q, k, nil)
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ragerr.VectorStore("batch similarity search failed", err)
	}
	return results, nil
}

func shadowSizeMB(count, dimension int) float64 {
	return float64(count) * float64(dimension) * 4.0 / (1024.0 * 1024.0)
}
