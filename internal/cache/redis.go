package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
	"github.com/Xerpend/Melanie/internal/xjson"
)

// redisMirror shares the retrieval cache layer across ragserver replicas:
// a retrieval cached by one instance is visible to the others, the same
// role go-enhanced-rag-service/pkg/cache/cache.go's RedisCache plays for
// that service's generic byte cache. Only the retrieval layer is mirrored
// -- it is the most expensive to recompute (embed + recall + rerank) and
// the one most worth sharing; embeddings and reranking scores stay purely
// local since they are keyed on ephemeral candidate sets.
type redisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// newRedisMirror connects to url (e.g. redis://localhost:6379/0) and pings
// it once to fail fast on misconfiguration.
func newRedisMirror(url string, ttl time.Duration) (*redisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, ragerr.Cache("invalid redis url", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ragerr.Cache("failed to reach redis", err)
	}

	return &redisMirror{client: client, ttl: ttl}, nil
}

type mirroredResult struct {
	ChunkID         ragtypes.ChunkID    `json:"chunk_id"`
	Content         string              `json:"content"`
	DocumentID      ragtypes.DocumentID `json:"document_id"`
	StartOffset     int                 `json:"start_offset"`
	EndOffset       int                 `json:"end_offset"`
	TokenCount      int                 `json:"token_count"`
	SimilarityScore float32             `json:"similarity_score"`
	RerankScore     *float32            `json:"rerank_score,omitempty"`
	FinalScore      float32             `json:"final_score"`
}

func toMirrored(results []*ragtypes.RetrievalResult) []mirroredResult {
	out := make([]mirroredResult, len(results))
	for i, r := range results {
		out[i] = mirroredResult{
			ChunkID:         r.Chunk.ID,
			Content:         r.Chunk.Content,
			DocumentID:      r.Chunk.DocumentID,
			StartOffset:     r.Chunk.StartOffset,
			EndOffset:       r.Chunk.EndOffset,
			TokenCount:      r.Chunk.TokenCount,
			SimilarityScore: r.SimilarityScore,
			RerankScore:     r.RerankScore,
			FinalScore:      r.FinalScore,
		}
	}
	return out
}

func fromMirrored(entries []mirroredResult) []*ragtypes.RetrievalResult {
	out := make([]*ragtypes.RetrievalResult, len(entries))
	for i, e := range entries {
		chunk := ragtypes.NewChunk(e.DocumentID, e.Content, e.StartOffset, e.EndOffset, e.TokenCount)
		chunk.ID = e.ChunkID
		result := ragtypes.NewRetrievalResult(chunk, e.SimilarityScore)
		if e.RerankScore != nil {
			result.SetRerankScore(*e.RerankScore)
		}
		result.FinalScore = e.FinalScore
		out[i] = result
	}
	return out
}

func (m *redisMirror) get(ctx context.Context, key uint64) ([]*ragtypes.RetrievalResult, bool) {
	raw, err := m.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var entries []mirroredResult
	if err := xjson.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return fromMirrored(entries), true
}

func (m *redisMirror) put(ctx context.Context, key uint64, results []*ragtypes.RetrievalResult) {
	raw, err := xjson.Marshal(toMirrored(results))
	if err != nil {
		return
	}
	_ = m.client.Set(ctx, redisKey(key), raw, m.ttl).Err()
}

func redisKey(key uint64) string {
	return "rag:retrieval:" + uint64ToString(key)
}

func uint64ToString(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
