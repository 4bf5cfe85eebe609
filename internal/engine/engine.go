// Package engine wires the chunker, embedder, reranker, vector store, and
// cache into the orchestrator applications actually call, grounded on
// original_source/RAG/src/engine.rs.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Xerpend/Melanie/internal/cache"
	"github.com/Xerpend/Melanie/internal/chunker"
	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/embedding"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
	"github.com/Xerpend/Melanie/internal/reranking"
	"github.com/Xerpend/Melanie/internal/tokenizer"
	"github.com/Xerpend/Melanie/internal/vectorstore"
)

const diversityThreshold = 0.8

// Engine orchestrates document ingestion and context retrieval across all
// RAG components, and owns the per-instance session token budget.
type Engine struct {
	chunker     *chunker.SmartChunker
	embedder    *embedding.Client
	reranker    *reranking.Client
	vectorStore vectorstore.VectorStore
	cache       *cache.RagCache
	cfg         config.Config
	log         *zap.Logger

	docsMu    sync.RWMutex
	documents map[ragtypes.DocumentID]*ragtypes.Document

	statsMu sync.Mutex
	stats   ragtypes.Stats

	budgetMu sync.Mutex
	sessions map[string]int
}

// New builds an engine from configuration, validating it first.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	log.Info("initializing RAG engine", zap.Int("chunk_size", cfg.Chunking.ChunkSize))

	tok, err := tokenizer.NewDefault()
	if err != nil {
		return nil, ragerr.Tokenization("engine", "failed to load tokenizer", err)
	}
	c := chunker.New(tok, cfg.Chunking, cfg.Performance)
	embedder := embedding.New(cfg.Embedding)
	reranker := reranking.New(cfg.Reranking)

	vs, err := vectorstore.New(ctx, cfg.VectorStore, cfg.Performance.NumThreads)
	if err != nil {
		return nil, err
	}

	rc, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	return &Engine{
		chunker:     c,
		embedder:    embedder,
		reranker:    reranker,
		vectorStore: vs,
		cache:       rc,
		cfg:         cfg,
		log:         log,
		documents:   make(map[ragtypes.DocumentID]*ragtypes.Document),
		sessions:    make(map[string]int),
	}, nil
}

// IngestDocument chunks, embeds, and stores a document, returning its ID.
// sessionID's token budget is pre-admitted for the document's estimated
// token count (len(content)/4) before any work begins; a failure after
// admission compensates the budget back, per spec.md §4.7.
func (e *Engine) IngestDocument(ctx context.Context, sessionID, content string, metadata map[string]string) (ragtypes.DocumentID, error) {
	if strings.TrimSpace(content) == "" {
		return ragtypes.DocumentID{}, ragerr.InvalidInput("engine", "document content cannot be empty")
	}

	estimatedTokens := approxTokens(content)
	if err := e.admitSessionTokens(sessionID, estimatedTokens); err != nil {
		return ragtypes.DocumentID{}, err
	}

	documentID, err := e.ingestAdmitted(ctx, content, metadata)
	if err != nil {
		e.ReleaseSessionTokens(sessionID, estimatedTokens)
		return ragtypes.DocumentID{}, err
	}
	return documentID, nil
}

// ingestAdmitted performs the actual chunk/embed/store work once the
// session budget has already admitted the document.
func (e *Engine) ingestAdmitted(ctx context.Context, content string, metadata map[string]string) (ragtypes.DocumentID, error) {
	e.log.Info("ingesting document", zap.Int("chars", len(content)))

	document := ragtypes.NewDocument(content, metadata)
	documentID := document.ID

	chunks, err := e.chunker.ChunkDocument(ctx, documentID, content)
	if err != nil {
		return ragtypes.DocumentID{}, err
	}
	if len(chunks) == 0 {
		e.log.Warn("no chunks generated for document", zap.String("document_id", documentID.String()))
		return documentID, nil
	}

	if err := e.embedChunksCached(ctx, chunks); err != nil {
		return ragtypes.DocumentID{}, err
	}

	if err := e.vectorStore.StoreChunks(ctx, chunks); err != nil {
		return ragtypes.DocumentID{}, err
	}

	for _, chunk := range chunks {
		document.AddChunk(chunk.ID)
	}

	e.docsMu.Lock()
	e.documents[documentID] = document
	e.docsMu.Unlock()

	e.recordIngestStats(chunks)

	e.log.Info("ingested document", zap.String("document_id", documentID.String()), zap.Int("chunks", len(chunks)))
	return documentID, nil
}

// embedChunksCached embeds only the chunks whose content isn't already in
// the embedding cache, attaches cache hits directly, and populates the
// cache with anything newly embedded.
func (e *Engine) embedChunksCached(ctx context.Context, chunks []*ragtypes.Chunk) error {
	var misses []*ragtypes.Chunk
	for _, chunk := range chunks {
		if cached, ok := e.cache.GetEmbedding(chunk.Content); ok {
			chunk.SetEmbedding(cached)
			continue
		}
		misses = append(misses, chunk)
	}
	if len(misses) == 0 {
		return nil
	}

	if err := e.embedder.EmbedChunks(ctx, misses); err != nil {
		return err
	}
	for _, chunk := range misses {
		e.cache.PutEmbedding(chunk.Content, chunk.Embedding)
	}
	return nil
}

// embedQueryCached embeds a query, consulting and populating the same
// embedding cache layer used for chunk content.
func (e *Engine) embedQueryCached(ctx context.Context, query string) (ragtypes.Embedding, error) {
	if cached, ok := e.cache.GetEmbedding(query); ok {
		return cached, nil
	}
	emb, err := e.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}
	e.cache.PutEmbedding(query, emb)
	return emb, nil
}

// rerankSubChunksCached scores subChunks against query, consulting the
// reranking cache (keyed on query plus the exact document set) before
// calling the remote cross-encoder, and populates it on a miss.
func (e *Engine) rerankSubChunksCached(ctx context.Context, query string, subChunks []*ragtypes.SubChunk) ([]reranking.ScoredSubChunk, error) {
	if len(subChunks) == 0 {
		return nil, nil
	}

	documents := make([]string, len(subChunks))
	for i, sc := range subChunks {
		documents[i] = sc.Content
	}

	scores, ok := e.cache.GetReranking(query, documents)
	if !ok {
		var err error
		scores, err = e.reranker.ScoreDocuments(ctx, query, documents)
		if err != nil {
			return nil, err
		}
		e.cache.PutReranking(query, documents, scores)
	}

	return reranking.BuildScoredSubChunks(subChunks, scores, e.cfg.Reranking.Threshold), nil
}

func countEmbedded(chunks []*ragtypes.Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.HasEmbedding() {
			n++
		}
	}
	return n
}

// recordIngestStats folds a new batch of chunks into the running average
// chunk size, the same weighted-average update original_source's engine.rs
// performs rather than recomputing the mean from scratch each time.
func (e *Engine) recordIngestStats(chunks []*ragtypes.Chunk) {
	totalTokens := 0
	for _, c := range chunks {
		totalTokens += c.TokenCount
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	priorChunkCount := e.stats.ChunkCount
	newChunkCount := priorChunkCount + len(chunks)

	if priorChunkCount == 0 {
		e.stats.AvgChunkSize = float32(totalTokens) / float32(len(chunks))
	} else {
		priorTotal := e.stats.AvgChunkSize * float32(priorChunkCount)
		e.stats.AvgChunkSize = (priorTotal + float32(totalTokens)) / float32(newChunkCount)
	}

	e.stats.DocumentCount++
	e.stats.ChunkCount = newChunkCount
	e.stats.EmbeddingCount += countEmbedded(chunks)
	e.stats.LastUpdated = time.Now().UTC()
}

// RetrieveContext runs the full retrieve pipeline: embed query, recall
// candidates, rerank, threshold-filter, sort, truncate, and diversify.
// sessionID's budget is checked (query tokens plus mode's token envelope)
// before any work begins; on success the budget is topped up with the
// query tokens plus the actual returned content's token count, not the
// envelope estimate, per spec.md §4.7.
func (e *Engine) RetrieveContext(ctx context.Context, sessionID, query string, mode ragtypes.RetrievalMode) ([]*ragtypes.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ragerr.InvalidInput("engine", "query cannot be empty")
	}

	queryTokens := approxTokens(query)
	if err := e.checkSessionBudget(sessionID, queryTokens+mode.TokenEnvelope()); err != nil {
		return nil, err
	}

	if cached, ok := e.cache.GetRetrieval(query); ok {
		e.log.Debug("retrieval cache hit", zap.String("query", query))
		e.addSessionTokens(sessionID, queryTokens+actualContentTokens(cached))
		return cached, nil
	}

	queryEmbedding, err := e.embedQueryCached(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := e.vectorStore.SearchSimilar(ctx, queryEmbedding, mode.MaxCandidates())
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	candidates := make([]*ragtypes.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		chunk, err := e.vectorStore.GetChunk(ctx, m.ChunkID)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		candidates = append(candidates, ragtypes.NewRetrievalResult(chunk, m.Score))
	}

	chunksForSubdivision := make([]*ragtypes.Chunk, len(candidates))
	for i, r := range candidates {
		chunksForSubdivision[i] = r.Chunk
	}
	subChunks, err := e.chunker.CreateSubChunks(chunksForSubdivision)
	if err != nil {
		return nil, err
	}

	reranked, err := e.rerankSubChunksCached(ctx, query, subChunks)
	if err != nil {
		return nil, err
	}

	byChunkID := make(map[ragtypes.ChunkID]*ragtypes.RetrievalResult, len(candidates))
	for _, r := range candidates {
		byChunkID[r.Chunk.ID] = r
	}

	seen := make(map[ragtypes.ChunkID]bool, len(reranked))
	var finalResults []*ragtypes.RetrievalResult
	for _, sc := range reranked {
		parent, ok := byChunkID[sc.SubChunk.ParentChunkID]
		if !ok || seen[parent.Chunk.ID] {
			continue
		}
		seen[parent.Chunk.ID] = true

		result := parent.Clone()
		result.SetRerankScore(sc.Score)
		if result.MeetsThreshold(e.cfg.Reranking.Threshold) {
			finalResults = append(finalResults, result)
		}
	}

	sortByFinalScoreDescending(finalResults)
	if max := mode.MaxChunks(); len(finalResults) > max {
		finalResults = finalResults[:max]
	}

	diverse := reranking.EnsureDiversity(finalResults, diversityThreshold)

	e.cache.PutRetrieval(query, diverse)
	e.addSessionTokens(sessionID, queryTokens+actualContentTokens(diverse))
	e.log.Debug("retrieved context", zap.String("query", query), zap.Int("results", len(diverse)))
	return diverse, nil
}

// actualContentTokens sums the approximate token count of every returned
// result's chunk content, mirroring original_source's
// actual_tokens = results.iter()...sum() post-retrieval accounting.
func actualContentTokens(results []*ragtypes.RetrievalResult) int {
	total := 0
	for _, r := range results {
		total += approxTokens(r.Chunk.Content)
	}
	return total
}

func sortByFinalScoreDescending(results []*ragtypes.RetrievalResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j-1].FinalScore < results[j].FinalScore; j-- {
			results[j-1], results[j] = results[j], results[j-1]
		}
	}
}

// GetDocument returns a document by ID, or nil if it does not exist.
func (e *Engine) GetDocument(documentID ragtypes.DocumentID) *ragtypes.Document {
	e.docsMu.RLock()
	defer e.docsMu.RUnlock()
	return e.documents[documentID]
}

// DeleteDocument removes a document and all of its chunks.
func (e *Engine) DeleteDocument(ctx context.Context, documentID ragtypes.DocumentID) error {
	e.docsMu.Lock()
	doc, ok := e.documents[documentID]
	if ok {
		delete(e.documents, documentID)
	}
	e.docsMu.Unlock()

	if !ok {
		return ragerr.DocumentNotFound(documentID.String())
	}

	if len(doc.ChunkIDs) > 0 {
		if err := e.vectorStore.DeleteChunks(ctx, doc.ChunkIDs); err != nil {
			return err
		}
	}

	e.statsMu.Lock()
	e.stats.DocumentCount--
	e.stats.ChunkCount -= len(doc.ChunkIDs)
	e.stats.EmbeddingCount -= len(doc.ChunkIDs)
	if e.stats.DocumentCount < 0 {
		e.stats.DocumentCount = 0
	}
	if e.stats.ChunkCount < 0 {
		e.stats.ChunkCount = 0
	}
	if e.stats.EmbeddingCount < 0 {
		e.stats.EmbeddingCount = 0
	}
	e.stats.LastUpdated = time.Now().UTC()
	e.statsMu.Unlock()

	e.log.Info("deleted document", zap.String("document_id", documentID.String()), zap.Int("chunks", len(doc.ChunkIDs)))
	return nil
}

// ListDocuments returns every currently stored document.
func (e *Engine) ListDocuments() []*ragtypes.Document {
	e.docsMu.RLock()
	defer e.docsMu.RUnlock()

	out := make([]*ragtypes.Document, 0, len(e.documents))
	for _, d := range e.documents {
		out = append(out, d)
	}
	return out
}

// GetStats returns a snapshot of engine statistics, with the cache hit
// rate refreshed from the live cache.
func (e *Engine) GetStats() ragtypes.Stats {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	stats.CacheHitRate = float32(e.cache.GetStats().OverallHitRate())
	return stats
}

// Clear removes all documents, chunks, and cached entries.
func (e *Engine) Clear(ctx context.Context) error {
	e.log.Info("clearing all RAG data")

	if err := e.vectorStore.Clear(ctx); err != nil {
		return err
	}

	e.docsMu.Lock()
	e.documents = make(map[ragtypes.DocumentID]*ragtypes.Document)
	e.docsMu.Unlock()

	e.cache.Clear()

	e.statsMu.Lock()
	e.stats = ragtypes.Stats{}
	e.statsMu.Unlock()

	return nil
}

// Maintenance performs periodic housekeeping: expired cache cleanup and
// refreshing the stats timestamp.
func (e *Engine) Maintenance() {
	removed := e.cache.CleanupExpired()
	if removed > 0 {
		e.log.Debug("removed expired cache entries", zap.Int("count", removed))
	}

	e.statsMu.Lock()
	e.stats.LastUpdated = time.Now().UTC()
	e.statsMu.Unlock()
}

// HealthCheck verifies the vector store and embedding client are reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if _, err := e.vectorStore.Count(ctx); err != nil {
		return err
	}
	if _, err := e.embedder.EmbedSingle(ctx, "health check"); err != nil {
		return err
	}
	return nil
}

// Config returns the engine's active configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Close releases resources held by the engine's dependencies, such as the
// cache's optional Redis mirror connection.
func (e *Engine) Close() error {
	return e.cache.Close()
}

// admitSessionTokens checks whether requested tokens fit within the
// configured per-session budget before admitting them, returning a
// ragerr.SessionBudget error when they would not. Budgets are tracked per
// Engine instance, not as a process-wide global, so multiple engines (or
// tests) never interfere with each other's accounting.
func (e *Engine) admitSessionTokens(sessionID string, requested int) error {
	limit := e.cfg.Performance.SessionTokenLimit
	if limit <= 0 {
		return nil
	}

	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()

	current := e.sessions[sessionID]
	if current+requested > limit {
		return ragerr.SessionBudget("engine", current, requested, limit)
	}
	e.sessions[sessionID] = current + requested
	return nil
}

// checkSessionBudget reports whether requested tokens would fit within the
// configured per-session budget, without reserving them. Used ahead of
// retrieval, where the actual token cost is only known after the pipeline
// runs and is added separately via addSessionTokens.
func (e *Engine) checkSessionBudget(sessionID string, requested int) error {
	limit := e.cfg.Performance.SessionTokenLimit
	if limit <= 0 {
		return nil
	}

	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()

	current := e.sessions[sessionID]
	if current+requested > limit {
		return ragerr.SessionBudget("engine", current, requested, limit)
	}
	return nil
}

// addSessionTokens unconditionally adds amount to a session's tracked
// usage, with no budget check -- used to record the actual tokens a
// successful retrieval consumed, after checkSessionBudget has already
// cleared the request on an estimate.
func (e *Engine) addSessionTokens(sessionID string, amount int) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	e.sessions[sessionID] += amount
}

// ReleaseSessionTokens compensates a session's budget after an ingest or
// retrieval failure that consumed no actual tokens, or when a caller wants
// to return unused reserved budget.
func (e *Engine) ReleaseSessionTokens(sessionID string, amount int) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()

	current := e.sessions[sessionID]
	current -= amount
	if current < 0 {
		current = 0
	}
	e.sessions[sessionID] = current
}

// ResetSession clears a session's tracked token usage entirely, e.g. when
// the caller starts a new conversation.
func (e *Engine) ResetSession(sessionID string) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	delete(e.sessions, sessionID)
}

// AdmitSessionTokens is the exported pre-admission check a caller makes
// before requesting retrieval or ingestion on behalf of a session, using an
// approximate token count (text length / 4, matching the rest of the
// system's token estimation).
func (e *Engine) AdmitSessionTokens(sessionID, text string) error {
	return e.admitSessionTokens(sessionID, approxTokens(text))
}

func approxTokens(text string) int {
	return len(text) / 4
}
