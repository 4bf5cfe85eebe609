package vectorstore

import (
	"context"
	"sync"

	"github.com/Xerpend/Melanie/internal/cache"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

// InMemory is the no-persistence backend, analogous to
// original_source/RAG/src/vector_store.rs's FaissVectorStore: chunks live
// only in process memory, in a map of their own, and the embeddings of
// embedded chunks are also put into the separate shadow index used for
// search.
type InMemory struct {
	mu     sync.RWMutex
	chunks map[ragtypes.ChunkID]*ragtypes.Chunk
	shadow *shadow
}

// NewInMemory builds an in-memory vector store for the given embedding
// dimension and worker-pool width.
func NewInMemory(dimension, numWorkers int) *InMemory {
	return &InMemory{
		chunks: make(map[ragtypes.ChunkID]*ragtypes.Chunk),
		shadow: newShadow(dimension, numWorkers),
	}
}

func (s *InMemory) StoreChunk(ctx context.Context, chunk *ragtypes.Chunk) error {
	return s.StoreChunks(ctx, []*ragtypes.Chunk{chunk})
}

func (s *InMemory) StoreChunks(ctx context.Context, chunks []*ragtypes.Chunk) error {
	s.mu.Lock()
	for _, c := range chunks {
		s.chunks[c.ID] = c.Clone()
	}
	s.mu.Unlock()

	for _, c := range chunks {
		if c.HasEmbedding() {
			s.shadow.put(c.ID, c.Embedding)
		}
	}
	return nil
}

func (s *InMemory) GetChunk(ctx context.Context, id ragtypes.ChunkID) (*ragtypes.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *InMemory) SearchSimilar(ctx context.Context, query ragtypes.Embedding, k int) ([]SimilarityMatch, error) {
	return s.shadow.search(ctx, query, k, nil)
}

func (s *InMemory) SearchSimilarAdvanced(ctx context.Context, query ragtypes.Embedding, k int, minScore *float32, c *cache.RagCache) ([]*ragtypes.RetrievalResult, error) {
	return searchSimilarAdvanced(ctx, s.shadow, s.GetChunk, query, k, minScore, c)
}

func (s *InMemory) BatchSearchSimilar(ctx context.Context, queries []ragtypes.Embedding, k int) ([][]SimilarityMatch, error) {
	return batchSearch(ctx, s.shadow, queries, k)
}

func (s *InMemory) DeleteChunk(ctx context.Context, id ragtypes.ChunkID) error {
	s.mu.Lock()
	if _, ok := s.chunks[id]; !ok {
		s.mu.Unlock()
		return ragerr.ChunkNotFound(id.String())
	}
	delete(s.chunks, id)
	s.mu.Unlock()
	s.shadow.delete(id)
	return nil
}

func (s *InMemory) DeleteChunks(ctx context.Context, ids []ragtypes.ChunkID) error {
	for _, id := range ids {
		s.mu.Lock()
		delete(s.chunks, id)
		s.mu.Unlock()
		s.shadow.delete(id)
	}
	return nil
}

func (s *InMemory) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *InMemory) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	chunkCount := len(s.chunks)
	s.mu.RUnlock()

	embCount := s.shadow.count()
	return Stats{
		ChunkCount:        chunkCount,
		EmbeddingCount:    embCount,
		AvgSearchTimeMs:   s.shadow.avgSearchTimeMs(),
		ShadowIndexSizeMB: shadowSizeMB(embCount, s.shadow.dimension),
	}, nil
}

func (s *InMemory) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.chunks = make(map[ragtypes.ChunkID]*ragtypes.Chunk)
	s.mu.Unlock()
	s.shadow.clear()
	return nil
}

func (s *InMemory) Optimize(ctx context.Context) error {
	return nil
}
