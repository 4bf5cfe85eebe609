package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

func testConfig(endpoint string) config.Embedding {
	return config.Embedding{
		Endpoint:   endpoint,
		Model:      "test-model",
		BatchSize:  2,
		TimeoutSec: 5,
		MaxRetries: 2,
	}
}

func TestEmbedBatch_OrdersByResponseIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		resp := response{}
		// Return items out of order to exercise the reordering logic.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, responseItem{
				Embedding: []float32{float32(i)},
				Index:     i,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(testConfig(server.URL))
	embeddings, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(embeddings))
	}
	if embeddings[0][0] != 0 || embeddings[1][0] != 1 {
		t.Fatalf("expected embeddings reordered by index, got %+v", embeddings)
	}
}

func TestEmbedBatch_SplitsAcrossBatchSize(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		resp := response{}
		for i := range req.Input {
			resp.Data = append(resp.Data, responseItem{Embedding: []float32{1}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(testConfig(server.URL)) // batch size 2
	embeddings, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embeddings) != 5 {
		t.Fatalf("expected 5 embeddings, got %d", len(embeddings))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 batched requests for 5 items at batch size 2, got %d", calls)
	}
}

func TestEmbedBatch_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		resp := response{Data: []responseItem{{Embedding: []float32{1, 2}, Index: 0}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(testConfig(server.URL))
	embeddings, err := c.EmbedSingle(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("unexpected embedding: %+v", embeddings)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestEmbedBatch_SurfacesErrorAfterRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 1
	c := New(cfg)
	_, err := c.EmbedSingle(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestEmbedChunks_MismatchIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := response{Data: []responseItem{{Embedding: []float32{1}, Index: 0}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(testConfig(server.URL))
	docID := ragtypes.DocumentID{}
	chunks := []*ragtypes.Chunk{
		ragtypes.NewChunk(docID, "a", 0, 1, 1),
		ragtypes.NewChunk(docID, "b", 1, 2, 1),
	}
	err := c.EmbedChunks(context.Background(), chunks)
	if err == nil {
		t.Fatal("expected error on embedding count mismatch")
	}
}

func TestEmbedChunks_AttachesEmbeddingsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		resp := response{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, responseItem{Embedding: []float32{float32(len(text))}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(testConfig(server.URL))
	docID := ragtypes.DocumentID{}
	chunks := []*ragtypes.Chunk{
		ragtypes.NewChunk(docID, "aa", 0, 2, 1),
		ragtypes.NewChunk(docID, "bbb", 2, 5, 1),
	}
	if err := c.EmbedChunks(context.Background(), chunks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !chunks[0].HasEmbedding() || chunks[0].Embedding[0] != 2 {
		t.Fatalf("chunk 0 embedding mismatch: %+v", chunks[0].Embedding)
	}
	if !chunks[1].HasEmbedding() || chunks[1].Embedding[0] != 3 {
		t.Fatalf("chunk 1 embedding mismatch: %+v", chunks[1].Embedding)
	}
}
