// Package reranking implements the cross-encoder reranking client and the
// diversity-pruning pass, grounded on original_source/RAG/src/reranker.rs.
package reranking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

type request struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopK      *int     `json:"top_k,omitempty"`
}

type resultItem struct {
	Index          int     `json:"index"`
	RelevanceScore float32 `json:"relevance_score"`
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

type response struct {
	Results []resultItem `json:"results"`
	Usage   *usage       `json:"usage,omitempty"`
}

// Client scores candidate documents against a query via a remote
// cross-encoder endpoint, and applies threshold filtering and
// Jaccard-distance diversity pruning.
type Client struct {
	http *http.Client
	cfg  config.Reranking
}

// New builds a client from configuration.
func New(cfg config.Reranking) *Client {
	return &Client{
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		cfg:  cfg,
	}
}

// RerankSubChunks scores each sub-chunk against the query, keeps those
// meeting the configured threshold, and returns them sorted by score
// descending.
func (c *Client) RerankSubChunks(ctx context.Context, query string, subChunks []*ragtypes.SubChunk) ([]ScoredSubChunk, error) {
	if len(subChunks) == 0 {
		return nil, nil
	}

	documents := make([]string, len(subChunks))
	for i, sc := range subChunks {
		documents[i] = sc.Content
	}

	scores, err := c.rerankDocuments(ctx, query, documents)
	if err != nil {
		return nil, err
	}

	return BuildScoredSubChunks(subChunks, scores, c.cfg.Threshold), nil
}

// ScoreDocuments returns raw relevance scores for documents against query,
// with no threshold filtering or sorting applied. Exposed so a caller can
// cache the raw scores keyed on (query, documents) and reapply
// BuildScoredSubChunks against a (possibly cached) score set later.
func (c *Client) ScoreDocuments(ctx context.Context, query string, documents []string) ([]float32, error) {
	return c.rerankDocuments(ctx, query, documents)
}

// BuildScoredSubChunks pairs each sub-chunk with its score, keeps those
// meeting threshold, and sorts the survivors by score descending.
func BuildScoredSubChunks(subChunks []*ragtypes.SubChunk, scores []float32, threshold float32) []ScoredSubChunk {
	var out []ScoredSubChunk
	for i, sc := range subChunks {
		if scores[i] >= threshold {
			out = append(out, ScoredSubChunk{SubChunk: sc, Score: scores[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ScoredSubChunk pairs a sub-chunk with its rerank score.
type ScoredSubChunk struct {
	SubChunk *ragtypes.SubChunk
	Score    float32
}

// RerankResults scores each retrieval result's chunk content against the
// query, attaches the rerank score (which recomputes FinalScore per
// ragtypes.RetrievalResult.SetRerankScore), and sorts results by final
// score descending, in place.
func (c *Client) RerankResults(ctx context.Context, query string, results []*ragtypes.RetrievalResult) error {
	if len(results) == 0 {
		return nil
	}

	documents := make([]string, len(results))
	for i, r := range results {
		documents[i] = r.Chunk.Content
	}

	scores, err := c.rerankDocuments(ctx, query, documents)
	if err != nil {
		return err
	}

	for i, r := range results {
		r.SetRerankScore(scores[i])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].FinalScore > results[j].FinalScore })
	return nil
}

func (c *Client) rerankDocuments(ctx context.Context, query string, documents []string) ([]float32, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	maxCandidates := c.cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = len(documents)
	}

	var all []float32
	for start := 0; start < len(documents); start += maxCandidates {
		end := start + maxCandidates
		if end > len(documents) {
			end = len(documents)
		}
		scores, err := c.rerankBatchWithRetry(ctx, query, documents[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, scores...)
	}
	return all, nil
}

func (c *Client) rerankBatchWithRetry(ctx context.Context, query string, documents []string) ([]float32, error) {
	topK := len(documents)
	req := request{Query: query, Documents: documents, Model: c.cfg.Model, TopK: &topK}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		scores, err := c.makeRequest(ctx, req)
		if err == nil {
			return scores, nil
		}
		lastErr = err
		if attempt < c.cfg.MaxRetries {
			delay := time.Duration(100*(1<<uint(attempt))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ragerr.Timeout("reranking", "context cancelled during backoff")
			case <-time.After(delay):
			}
		}
	}
	if lastErr == nil {
		lastErr = ragerr.Reranking("unknown error during reranking", nil)
	}
	return nil, lastErr
}

func (c *Client) makeRequest(ctx context.Context, req request) ([]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ragerr.Serialization("reranking", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, ragerr.Reranking("failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ragerr.Timeout("reranking", "reranking request timed out")
		}
		return nil, ragerr.Reranking("http request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return nil, ragerr.Reranking(fmt.Sprintf("reranking API returned error %d: %s", resp.StatusCode, string(text)), nil)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ragerr.Reranking("failed to parse response", err)
	}

	sort.Slice(parsed.Results, func(i, j int) bool { return parsed.Results[i].Index < parsed.Results[j].Index })

	scores := make([]float32, len(parsed.Results))
	for i, r := range parsed.Results {
		scores[i] = r.RelevanceScore
	}
	return scores, nil
}

// FilterByThreshold keeps only results meeting the configured rerank
// threshold.
func (c *Client) FilterByThreshold(results []*ragtypes.RetrievalResult) []*ragtypes.RetrievalResult {
	var out []*ragtypes.RetrievalResult
	for _, r := range results {
		if r.MeetsThreshold(c.cfg.Threshold) {
			out = append(out, r)
		}
	}
	return out
}

// CalculateDiversity returns the Jaccard distance between the whitespace
// token sets of two texts: 0 means identical token sets, 1 means disjoint.
func CalculateDiversity(text1, text2 string) float32 {
	words1 := tokenSet(text1)
	words2 := tokenSet(text2)

	intersection := 0
	for w := range words1 {
		if words2[w] {
			intersection++
		}
	}
	union := len(words1) + len(words2) - intersection
	if union == 0 {
		return 1.0
	}
	return 1.0 - float32(intersection)/float32(union)
}

func tokenSet(text string) map[string]bool {
	fields := strings.Fields(text)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// EnsureDiversity greedily keeps the top result and then, in order, each
// subsequent result whose diversity against every already-selected result
// meets diversityThreshold, dropping near-duplicates.
func EnsureDiversity(results []*ragtypes.RetrievalResult, diversityThreshold float32) []*ragtypes.RetrievalResult {
	if len(results) == 0 {
		return nil
	}

	diverse := []*ragtypes.RetrievalResult{results[0]}
	for _, candidate := range results[1:] {
		isDiverse := true
		for _, selected := range diverse {
			if CalculateDiversity(candidate.Chunk.Content, selected.Chunk.Content) < diversityThreshold {
				isDiverse = false
				break
			}
		}
		if isDiverse {
			diverse = append(diverse, candidate)
		}
	}
	return diverse
}
