package vectorstore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/Xerpend/Melanie/internal/ragtypes"
)

func TestInMemory_StoreAndGetChunkRoundTrip(t *testing.T) {
	s := NewInMemory(3, 2)
	ctx := context.Background()

	chunk := ragtypes.NewChunk(uuid.New(), "hello world", 0, 11, 2)
	chunk.SetEmbedding(ragtypes.Embedding{1, 0, 0})

	if err := s.StoreChunk(ctx, chunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Content != "hello world" || len(got.Embedding) != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInMemory_SearchSimilarRanksByCosine(t *testing.T) {
	s := NewInMemory(3, 2)
	ctx := context.Background()

	docID := uuid.New()
	a := ragtypes.NewChunk(docID, "a", 0, 1, 1)
	a.SetEmbedding(ragtypes.Embedding{1, 0, 0})
	b := ragtypes.NewChunk(docID, "b", 1, 2, 1)
	b.SetEmbedding(ragtypes.Embedding{0.8, 0.6, 0})
	c := ragtypes.NewChunk(docID, "c", 2, 3, 1)
	c.SetEmbedding(ragtypes.Embedding{0, 1, 0})

	if err := s.StoreChunks(ctx, []*ragtypes.Chunk{a, b, c}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := s.SearchSimilar(ctx, ragtypes.Embedding{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].ChunkID != a.ID {
		t.Fatalf("expected perfect match first, got %v", matches[0])
	}
	if matches[0].Score < matches[1].Score || matches[1].Score < matches[2].Score {
		t.Fatalf("expected descending scores, got %+v", matches)
	}
}

func TestInMemory_DeleteChunkRemovesFromShadow(t *testing.T) {
	s := NewInMemory(2, 2)
	ctx := context.Background()

	chunk := ragtypes.NewChunk(uuid.New(), "x", 0, 1, 1)
	chunk.SetEmbedding(ragtypes.Embedding{1, 1})
	if err := s.StoreChunk(ctx, chunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.DeleteChunk(ctx, chunk.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected chunk to be gone after delete")
	}

	matches, err := s.SearchSimilar(ctx, ragtypes.Embedding{1, 1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected empty shadow after delete, got %d matches", len(matches))
	}
}

func TestInMemory_BatchSearchPreservesQueryOrder(t *testing.T) {
	s := NewInMemory(2, 2)
	ctx := context.Background()

	docID := uuid.New()
	a := ragtypes.NewChunk(docID, "a", 0, 1, 1)
	a.SetEmbedding(ragtypes.Embedding{1, 0})
	b := ragtypes.NewChunk(docID, "b", 1, 2, 1)
	b.SetEmbedding(ragtypes.Embedding{0, 1})
	if err := s.StoreChunks(ctx, []*ragtypes.Chunk{a, b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	queries := []ragtypes.Embedding{{1, 0}, {0, 1}}
	results, err := s.BatchSearchSimilar(ctx, queries, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 result sets, got %d", len(results))
	}
	if results[0][0].ChunkID != a.ID {
		t.Fatalf("expected first query to match chunk a, got %+v", results[0])
	}
	if results[1][0].ChunkID != b.ID {
		t.Fatalf("expected second query to match chunk b, got %+v", results[1])
	}
}

func TestInMemory_EmptyStoreSearchReturnsEmptyNoError(t *testing.T) {
	s := NewInMemory(3, 2)
	matches, err := s.SearchSimilar(context.Background(), ragtypes.Embedding{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches against empty store, got %d", len(matches))
	}
}
