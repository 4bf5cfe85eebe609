package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

// wordTokenizer counts whitespace-separated words, matching the simple
// token model original_source/RAG/src/chunker.rs's own test suite assumes.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	return len(strings.Fields(text)), nil
}

func newTestChunker(chunkSize, overlap, minSize, maxSize int) *SmartChunker {
	cfg := config.Chunking{ChunkSize: chunkSize, Overlap: overlap, MinChunkSize: minSize, MaxChunkSize: maxSize}
	perf := config.Performance{ParallelChunking: true}
	return New(wordTokenizer{}, cfg, perf)
}

func TestChunkDocument_TwoParagraphsNoOverlap(t *testing.T) {
	c := newTestChunker(2, 0, 1, 10)
	docID := uuid.New()

	chunks, err := c.ChunkDocument(context.Background(), docID, "A.\n\nB.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "A." || chunks[0].StartOffset != 0 || chunks[0].EndOffset != 2 || chunks[0].TokenCount != 1 {
		t.Fatalf("chunk 0 mismatch: %+v", chunks[0])
	}
	if chunks[1].Content != "B." || chunks[1].StartOffset != 4 || chunks[1].EndOffset != 6 || chunks[1].TokenCount != 1 {
		t.Fatalf("chunk 1 mismatch: %+v", chunks[1])
	}
}

func TestChunkDocument_EmptyInput(t *testing.T) {
	c := newTestChunker(450, 50, 100, 600)
	chunks, err := c.ChunkDocument(context.Background(), uuid.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestChunkDocument_OffsetsMonotonic(t *testing.T) {
	c := newTestChunker(10, 2, 1, 20)
	var paras []string
	for i := 0; i < 30; i++ {
		paras = append(paras, strings.Repeat("word ", 5)+".")
	}
	text := strings.Join(paras, "\n\n")

	chunks, err := c.ChunkDocument(context.Background(), uuid.New(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartOffset < chunks[i-1].StartOffset {
			t.Fatalf("offsets not monotonic at index %d: %d < %d", i, chunks[i].StartOffset, chunks[i-1].StartOffset)
		}
	}
}

func TestCreateSubChunks_SmallParentIsSingleSubChunk(t *testing.T) {
	c := newTestChunker(450, 50, 100, 600)
	docID := uuid.New()
	chunks, err := c.ChunkDocument(context.Background(), docID, "short paragraph with few words.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subs, err := c.CreateSubChunks(chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != len(chunks) {
		t.Fatalf("expected one sub-chunk per small parent, got %d sub-chunks for %d chunks", len(subs), len(chunks))
	}
	if subs[0].Content != chunks[0].Content {
		t.Fatalf("sub-chunk content should equal parent content for small parents")
	}
}

func TestCreateSubChunks_LargeParentSplits(t *testing.T) {
	c := newTestChunker(1, 0, 1, 10000)
	docID := uuid.New()

	var words []string
	for i := 0; i < 400; i++ {
		words = append(words, "word.")
	}
	text := strings.Join(words, " ")

	chunk := ragtypes.NewChunk(docID, text, 0, len(text), 300)
	subs, err := c.CreateSubChunks([]*ragtypes.Chunk{chunk})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range subs {
		if s.TokenCount > 250 {
			t.Fatalf("sub-chunk exceeds max token target: %d", s.TokenCount)
		}
	}
	if len(subs) < 2 {
		t.Fatalf("expected large parent to split into multiple sub-chunks, got %d", len(subs))
	}
}
