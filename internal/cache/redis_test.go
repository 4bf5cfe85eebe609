package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/Xerpend/Melanie/internal/ragtypes"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redisMirror) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	mirror, err := newRedisMirror("redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to connect redis mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.client.Close() })

	return mr, mirror
}

func sampleResults() []*ragtypes.RetrievalResult {
	chunk := ragtypes.NewChunk(uuid.New(), "some retrieved content", 0, 23, 5)
	result := ragtypes.NewRetrievalResult(chunk, 0.87)
	score := float32(0.93)
	result.SetRerankScore(score)
	return []*ragtypes.RetrievalResult{result}
}

func TestRedisMirror_PutThenGetRoundTrips(t *testing.T) {
	_, mirror := setupMiniRedis(t)
	ctx := context.Background()

	original := sampleResults()
	mirror.put(ctx, 42, original)

	got, ok := mirror.get(ctx, 42)
	if !ok {
		t.Fatal("expected a hit after put")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Chunk.Content != original[0].Chunk.Content {
		t.Fatalf("content mismatch: got %q want %q", got[0].Chunk.Content, original[0].Chunk.Content)
	}
	if got[0].RerankScore == nil || *got[0].RerankScore != *original[0].RerankScore {
		t.Fatal("expected rerank score to round-trip")
	}
	if got[0].FinalScore != original[0].FinalScore {
		t.Fatalf("final score mismatch: got %f want %f", got[0].FinalScore, original[0].FinalScore)
	}
}

func TestRedisMirror_GetMissReturnsFalse(t *testing.T) {
	_, mirror := setupMiniRedis(t)
	_, ok := mirror.get(context.Background(), 999)
	if ok {
		t.Fatal("expected a miss for an unset key")
	}
}

func TestRedisMirror_ExpiredEntryIsAMiss(t *testing.T) {
	mr, mirror := setupMiniRedis(t)
	ctx := context.Background()

	mirror.put(ctx, 7, sampleResults())
	mr.FastForward(2 * time.Minute)

	_, ok := mirror.get(ctx, 7)
	if ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestRagCache_RetrievalConsultsRedisMirrorOnLocalMiss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	producer, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = producer.Close() })

	consumer, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = consumer.Close() })

	results := sampleResults()
	producer.PutRetrieval("shared query", results)

	got, ok := consumer.GetRetrieval("shared query")
	if !ok {
		t.Fatal("expected consumer to find the retrieval via the redis mirror")
	}
	if got[0].Chunk.Content != results[0].Chunk.Content {
		t.Fatalf("content mismatch: got %q want %q", got[0].Chunk.Content, results[0].Chunk.Content)
	}
}
