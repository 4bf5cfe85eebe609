package vectorstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/Xerpend/Melanie/internal/cache"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

// Postgres is the durable backend: one row per chunk, keyed by the chunk's
// stringified ID, value the serialized chunk (embedding included when
// present) -- the KV-log layout original_source/RAG/src/vector_store.rs's
// SledVectorStore uses, reimplemented over jackc/pgx/v5 +
// pgvector/pgvector-go the way document-chunker and unified-rag-service
// both persist chunk rows. Writes are batched to the table before the
// shadow index is updated; on Open the shadow is rebuilt by a full scan.
type Postgres struct {
	pool      *pgxpool.Pool
	dimension int
	shadow    *shadow
}

// OpenPostgres connects to dsn, ensures the chunk table exists, and rebuilds
// the shadow index from any rows that already carry an embedding.
func OpenPostgres(ctx context.Context, dsn string, dimension, numWorkers int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, ragerr.VectorStore("failed to connect to postgres", err)
	}

	s := &Postgres{pool: pool, dimension: dimension, shadow: newShadow(dimension, numWorkers)}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.rebuildShadow(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS rag_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(`+itoa(s.dimension)+`),
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			token_count INT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return ragerr.VectorStore("failed to ensure schema", err)
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// rebuildShadow iterates every persisted record, inserting those with
// embeddings into the shadow index, idempotently.
func (s *Postgres) rebuildShadow(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM rag_chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return ragerr.VectorStore("failed to rebuild shadow index", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		var vec pgvector.Vector
		if err := rows.Scan(&idStr, &vec); err != nil {
			return ragerr.VectorStore("failed to scan shadow row", err)
		}
		id, err := parseChunkID(idStr)
		if err != nil {
			continue
		}
		s.shadow.put(id, toEmbedding(vec.Slice()))
	}
	return rows.Err()
}

func (s *Postgres) StoreChunk(ctx context.Context, chunk *ragtypes.Chunk) error {
	return s.StoreChunks(ctx, []*ragtypes.Chunk{chunk})
}

func (s *Postgres) StoreChunks(ctx context.Context, chunks []*ragtypes.Chunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return ragerr.Serialization("vector_store", err)
		}
		var vec *pgvector.Vector
		if c.HasEmbedding() {
			v := pgvector.NewVector(c.Embedding)
			vec = &v
		}
		batch.Queue(`
			INSERT INTO rag_chunks (id, document_id, content, embedding, start_offset, end_offset, token_count, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET
				document_id=EXCLUDED.document_id, content=EXCLUDED.content, embedding=EXCLUDED.embedding,
				start_offset=EXCLUDED.start_offset, end_offset=EXCLUDED.end_offset,
				token_count=EXCLUDED.token_count, metadata=EXCLUDED.metadata, created_at=EXCLUDED.created_at
		`, c.ID.String(), c.DocumentID.String(), c.Content, vec, c.StartOffset, c.EndOffset, c.TokenCount, metadata, c.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return ragerr.VectorStore("failed to store chunk batch", err)
		}
	}
	if err := results.Close(); err != nil {
		return ragerr.VectorStore("failed to finalize chunk batch", err)
	}

	// Shadow is only updated once the persistent batch has committed.
	for _, c := range chunks {
		if c.HasEmbedding() {
			s.shadow.put(c.ID, c.Embedding)
		}
	}
	return nil
}

func (s *Postgres) GetChunk(ctx context.Context, id ragtypes.ChunkID) (*ragtypes.Chunk, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, document_id, content, embedding, start_offset, end_offset, token_count, metadata, created_at FROM rag_chunks WHERE id=$1`, id.String())
	return scanChunk(row)
}

func scanChunk(row pgx.Row) (*ragtypes.Chunk, error) {
	var idStr, docIDStr, content string
	var vec *pgvector.Vector
	var start, end, tokenCount int
	var metadataRaw []byte
	var createdAt any

	if err := row.Scan(&idStr, &docIDStr, &content, &vec, &start, &end, &tokenCount, &metadataRaw, &createdAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, ragerr.VectorStore("failed to load chunk", err)
	}

	id, err := parseChunkID(idStr)
	if err != nil {
		return nil, ragerr.VectorStore("invalid chunk id in store", err)
	}
	docID, err := parseChunkID(docIDStr)
	if err != nil {
		return nil, ragerr.VectorStore("invalid document id in store", err)
	}

	chunk := ragtypes.NewChunk(docID, content, start, end, tokenCount)
	chunk.ID = id
	if vec != nil {
		chunk.SetEmbedding(toEmbedding(vec.Slice()))
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &chunk.Metadata)
	}
	return chunk, nil
}

func (s *Postgres) SearchSimilar(ctx context.Context, query ragtypes.Embedding, k int) ([]SimilarityMatch, error) {
	return s.shadow.search(ctx, query, k, nil)
}

func (s *Postgres) SearchSimilarAdvanced(ctx context.Context, query ragtypes.Embedding, k int, minScore *float32, c *cache.RagCache) ([]*ragtypes.RetrievalResult, error) {
	return searchSimilarAdvanced(ctx, s.shadow, s.GetChunk, query, k, minScore, c)
}

func (s *Postgres) BatchSearchSimilar(ctx context.Context, queries []ragtypes.Embedding, k int) ([][]SimilarityMatch, error) {
	return batchSearch(ctx, s.shadow, queries, k)
}

func (s *Postgres) DeleteChunk(ctx context.Context, id ragtypes.ChunkID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rag_chunks WHERE id=$1`, id.String())
	if err != nil {
		return ragerr.VectorStore("failed to delete chunk", err)
	}
	if tag.RowsAffected() == 0 {
		return ragerr.ChunkNotFound(id.String())
	}
	s.shadow.delete(id)
	return nil
}

func (s *Postgres) DeleteChunks(ctx context.Context, ids []ragtypes.ChunkID) error {
	for _, id := range ids {
		if _, err := s.pool.Exec(ctx, `DELETE FROM rag_chunks WHERE id=$1`, id.String()); err != nil {
			return ragerr.VectorStore("failed to delete chunk", err)
		}
		s.shadow.delete(id)
	}
	return nil
}

func (s *Postgres) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rag_chunks`).Scan(&count); err != nil {
		return 0, ragerr.VectorStore("failed to count chunks", err)
	}
	return count, nil
}

func (s *Postgres) GetStats(ctx context.Context) (Stats, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	embCount := s.shadow.count()
	return Stats{
		ChunkCount:        count,
		EmbeddingCount:    embCount,
		AvgSearchTimeMs:   s.shadow.avgSearchTimeMs(),
		ShadowIndexSizeMB: shadowSizeMB(embCount, s.shadow.dimension),
	}, nil
}

func (s *Postgres) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE TABLE rag_chunks`); err != nil {
		return ragerr.VectorStore("failed to clear store", err)
	}
	s.shadow.clear()
	return nil
}

func (s *Postgres) Optimize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `VACUUM ANALYZE rag_chunks`)
	if err != nil {
		return ragerr.VectorStore("failed to optimize store", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func toEmbedding(f []float32) ragtypes.Embedding {
	return ragtypes.Embedding(f)
}

func parseChunkID(s string) (ragtypes.ChunkID, error) {
	return parseUUID(s)
}
