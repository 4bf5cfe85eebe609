// Package embedding implements the remote embedding client: batching,
// exponential-backoff retry, and index-based response reordering, grounded
// on original_source/RAG/src/embedder.rs. The wire contract matches
// spec.md §4.5/§6 exactly ({input, model} -> {data:[{embedding, index}],
// usage?}) -- the teacher's own go-enhanced-rag-service/embedding_service.go
// talks Ollama's {model, prompt}/{embedding} shape instead and backs off in
// whole seconds rather than 100ms*2^attempt; this client keeps the
// teacher's HTTP-client-with-retry code shape but follows the Rust source's
// wire format and timing, which spec.md requires.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

type request struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type responseItem struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type response struct {
	Data  []responseItem `json:"data"`
	Usage *usage         `json:"usage,omitempty"`
}

// Client performs batched, retried HTTP calls against a remote embedding
// endpoint.
type Client struct {
	http *http.Client
	cfg  config.Embedding
}

// New builds a client from configuration.
func New(cfg config.Embedding) *Client {
	return &Client{
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		cfg:  cfg,
	}
}

// EmbedSingle embeds one text.
func (c *Client) EmbedSingle(ctx context.Context, text string) (ragtypes.Embedding, error) {
	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, ragerr.Embedding("no embedding returned for single text", nil)
	}
	return embeddings[0], nil
}

// EmbedBatch embeds multiple texts, splitting into batch_size-bounded
// slices, preserving input order and length in the output.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]ragtypes.Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var all []ragtypes.Embedding
	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatchWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, ragerr.Embedding(fmt.Sprintf("expected %d embeddings, got %d", end-start, len(batch)), nil)
		}
		all = append(all, batch...)
	}
	return all, nil
}

func (c *Client) embedBatchWithRetry(ctx context.Context, texts []string) ([]ragtypes.Embedding, error) {
	req := request{Input: texts, Model: c.cfg.Model}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		embeddings, err := c.makeRequest(ctx, req)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		if attempt < c.cfg.MaxRetries {
			delay := time.Duration(100*(1<<uint(attempt))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ragerr.Timeout("embedding", "context cancelled during backoff")
			case <-time.After(delay):
			}
		}
	}
	if lastErr == nil {
		lastErr = ragerr.Embedding("unknown error during embedding", nil)
	}
	return nil, lastErr
}

func (c *Client) makeRequest(ctx context.Context, req request) ([]ragtypes.Embedding, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ragerr.Serialization("embedding", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, ragerr.Embedding("failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ragerr.Timeout("embedding", "embedding request timed out")
		}
		return nil, ragerr.Embedding("http request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return nil, ragerr.Embedding(fmt.Sprintf("embedding API returned error %d: %s", resp.StatusCode, string(text)), nil)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ragerr.Embedding("failed to parse response", err)
	}

	ordered := make([]ragtypes.Embedding, len(parsed.Data))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(ordered) {
			continue
		}
		ordered[item.Index] = item.Embedding
	}
	return ordered, nil
}

// EmbedChunks embeds all chunks in one batched call and attaches the
// resulting vectors in place. A mismatch between chunk count and returned
// vector count is an error.
func (c *Client) EmbedChunks(ctx context.Context, chunks []*ragtypes.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	embeddings, err := c.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(chunks) {
		return ragerr.Embedding(fmt.Sprintf("expected %d embeddings, got %d", len(chunks), len(embeddings)), nil)
	}
	for i, chunk := range chunks {
		chunk.SetEmbedding(embeddings[i])
	}
	return nil
}
