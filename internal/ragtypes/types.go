// Package ragtypes holds the core data model shared by every RAG component:
// documents, chunks, sub-chunks, retrieval results, and retrieval modes.
package ragtypes

import (
	"time"

	"github.com/google/uuid"
)

// DocumentID identifies an ingested document.
type DocumentID = uuid.UUID

// ChunkID identifies a chunk produced from a document.
type ChunkID = uuid.UUID

// Embedding is a dense vector.
type Embedding []float32

// RetrievalMode controls candidate recall depth and output shaping.
type RetrievalMode int

const (
	General RetrievalMode = iota
	Research
)

// MaxCandidates is how many nearest neighbors the vector store searches
// before reranking.
func (m RetrievalMode) MaxCandidates() int {
	if m == Research {
		return 200
	}
	return 100
}

// MaxChunks is how many results are returned to the caller after reranking
// and diversity pruning.
func (m RetrievalMode) MaxChunks() int {
	if m == Research {
		return 100
	}
	return 20
}

// TokenEnvelope is the approximate token budget reserved for this mode's
// retrieved context, on top of the query itself.
func (m RetrievalMode) TokenEnvelope() int {
	if m == Research {
		return 20000
	}
	return 5000
}

func (m RetrievalMode) String() string {
	if m == Research {
		return "research"
	}
	return "general"
}

// Document is an ingested, immutable-content unit of text.
type Document struct {
	ID        DocumentID
	Content   string
	Metadata  map[string]string
	ChunkIDs  []ChunkID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDocument creates a document with a fresh ID and timestamps.
func NewDocument(content string, metadata map[string]string) *Document {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Document{
		ID:        uuid.New(),
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddChunk records a chunk produced from this document.
func (d *Document) AddChunk(id ChunkID) {
	d.ChunkIDs = append(d.ChunkIDs, id)
	d.UpdatedAt = time.Now().UTC()
}

// Chunk is a token-aware slice of a document, optionally embedded.
type Chunk struct {
	ID          ChunkID
	DocumentID  DocumentID
	Content     string
	Embedding   Embedding
	StartOffset int
	EndOffset   int
	TokenCount  int
	Metadata    map[string]string
	CreatedAt   time.Time
}

// NewChunk creates a chunk with a fresh ID.
func NewChunk(documentID DocumentID, content string, start, end, tokenCount int) *Chunk {
	return &Chunk{
		ID:          uuid.New(),
		DocumentID:  documentID,
		Content:     content,
		StartOffset: start,
		EndOffset:   end,
		TokenCount:  tokenCount,
		Metadata:    map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
}

// SetEmbedding attaches an embedding vector to the chunk.
func (c *Chunk) SetEmbedding(e Embedding) { c.Embedding = e }

// HasEmbedding reports whether the chunk carries a vector.
func (c *Chunk) HasEmbedding() bool { return c.Embedding != nil }

// Clone returns a deep-enough copy for safe concurrent reads.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	if c.Embedding != nil {
		cp.Embedding = append(Embedding(nil), c.Embedding...)
	}
	cp.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// SubChunk is a reranker-sized slice of a parent chunk (target 150-250
// tokens, or the entire parent when it is already small).
type SubChunk struct {
	ParentChunkID ChunkID
	Content       string
	StartOffset   int
	EndOffset     int
	TokenCount    int
}

// RetrievalResult pairs a chunk with its similarity and (optional) rerank
// score, plus the blended final score used for ranking and thresholding.
type RetrievalResult struct {
	Chunk           *Chunk
	SimilarityScore float32
	RerankScore     *float32
	FinalScore      float32
}

// NewRetrievalResult builds a result from a similarity-only match.
func NewRetrievalResult(chunk *Chunk, similarity float32) *RetrievalResult {
	return &RetrievalResult{
		Chunk:           chunk,
		SimilarityScore: similarity,
		FinalScore:      similarity,
	}
}

// SetRerankScore attaches a rerank score and recomputes the blended final
// score: 0.3*similarity + 0.7*rerank.
func (r *RetrievalResult) SetRerankScore(score float32) {
	r.RerankScore = &score
	r.FinalScore = r.SimilarityScore*0.3 + score*0.7
}

// MeetsThreshold reports whether the final score clears a minimum.
func (r *RetrievalResult) MeetsThreshold(threshold float32) bool {
	return r.FinalScore >= threshold
}

// Clone returns an independent copy so callers can mutate scores without
// racing on a shared candidate set.
func (r *RetrievalResult) Clone() *RetrievalResult {
	cp := *r
	cp.Chunk = r.Chunk.Clone()
	if r.RerankScore != nil {
		v := *r.RerankScore
		cp.RerankScore = &v
	}
	return &cp
}

// Stats summarizes the engine's current state.
type Stats struct {
	DocumentCount  int
	ChunkCount     int
	EmbeddingCount int
	AvgChunkSize   float32
	CacheHitRate   float32
	LastUpdated    time.Time
}
