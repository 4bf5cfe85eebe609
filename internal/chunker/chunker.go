// Package chunker implements the token-aware paragraph-then-sentence
// chunking algorithm, grounded on original_source/RAG/src/chunker.rs, with
// the two bugs spec.md's Open Questions flag explicitly fixed: real
// prefix-sum byte offsets on the parallel path (never a synthetic
// batchIndex*batchSize*100 placeholder), and a byte-safe, monotonic,
// non-negative cursor for overlap-seed offset reconstruction (never an
// unchecked subtraction of a UTF-8 string's byte length from an unrelated
// running total).
package chunker

import (
	"context"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
	"github.com/Xerpend/Melanie/internal/tokenizer"
)

// parallelChunkSizeThreshold and parallelParagraphThreshold mirror the Rust
// source: parallel packing only kicks in
// once chunk_size exceeds 1000 tokens and the document has more than 10
// paragraphs -- below that the sequential path is cheaper and simpler.
const (
	parallelChunkSizeThreshold = 1000
	parallelParagraphThreshold = 10
	subChunkTargetMax          = 250
	subChunkSealMin            = 150
)

var blankLine = regexp.MustCompile(`\n[ \t]*\n+`)

// SmartChunker packs document text into token-bounded chunks and, for
// oversized chunks, further splits them into reranker-sized sub-chunks.
type SmartChunker struct {
	tok tokenizer.Tokenizer
	cfg config.Chunking
	gc  config.Performance
}

// New builds a chunker over the given tokenizer and chunking configuration.
func New(tok tokenizer.Tokenizer, cfg config.Chunking, perf config.Performance) *SmartChunker {
	return &SmartChunker{tok: tok, cfg: cfg, gc: perf}
}

// CountTokens exposes the underlying tokenizer's count for callers that
// need a quick token estimate (e.g. session budget pre-admission checks
// upstream use a cheaper length/4 heuristic instead; this is the exact
// count the chunker itself relies on).
func (c *SmartChunker) CountTokens(text string) (int, error) {
	n, err := c.tok.Count(text)
	if err != nil {
		return 0, ragerr.Tokenization("chunker", "failed to count tokens", err)
	}
	return n, nil
}

type paragraph struct {
	text       string
	start, end int
}

func splitParagraphs(text string) []paragraph {
	var paras []paragraph
	idx := 0
	splits := blankLine.Split(text, -1)
	cursor := 0
	for _, p := range splits {
		start := strings.Index(text[cursor:], p) + cursor
		end := start + len(p)
		cursor = end
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		// Recompute tight offsets around the trimmed content within [start,end).
		leadTrim := strings.Index(text[start:end], trimmed)
		tStart := start + leadTrim
		tEnd := tStart + len(trimmed)
		paras = append(paras, paragraph{text: trimmed, start: tStart, end: tEnd})
		idx++
	}
	return paras
}

type sentenceSpan struct {
	text       string
	start, end int
}

func splitSentencesWithOffsets(text string) []sentenceSpan {
	sentences := splitSentences(text)
	var spans []sentenceSpan
	cursor := 0
	for _, s := range sentences {
		rel := strings.Index(text[cursor:], s)
		if rel < 0 {
			continue
		}
		start := cursor + rel
		end := start + len(s)
		cursor = end
		spans = append(spans, sentenceSpan{text: s, start: start, end: end})
	}
	return spans
}

// piece is either a real paragraph or an overlap seed carried from the tail
// of the previous chunk; both carry real, document-absolute byte offsets.
type piece struct {
	text       string
	start, end int
}

// ChunkDocument splits text into token-bounded chunks belonging to
// documentID. Empty input yields an empty, non-error result.
func (c *SmartChunker) ChunkDocument(ctx context.Context, documentID ragtypes.DocumentID, text string) ([]*ragtypes.Chunk, error) {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil, nil
	}

	if c.gc.ParallelChunking && c.cfg.ChunkSize > parallelChunkSizeThreshold && len(paras) > parallelParagraphThreshold {
		return c.chunkParallel(ctx, documentID, paras)
	}
	return c.chunkSequential(documentID, paras, nil)
}

// chunkSequential greedily packs paragraphs into chunks. seed, if non-nil,
// is prepended as the first piece of the first chunk (used to stitch
// parallel batches together without losing overlap continuity).
func (c *SmartChunker) chunkSequential(documentID ragtypes.DocumentID, paras []paragraph, seed *piece) ([]*ragtypes.Chunk, error) {
	var chunks []*ragtypes.Chunk
	var current []piece
	currentTokens := 0

	if seed != nil {
		n, err := c.CountTokens(seed.text)
		if err != nil {
			return nil, err
		}
		current = append(current, *seed)
		currentTokens = n
	}

	flush := func() (*piece, error) {
		if len(current) == 0 {
			return nil, nil
		}
		texts := make([]string, 0, len(current))
		for _, p := range current {
			texts = append(texts, p.text)
		}
		content := strings.Join(texts, "\n\n")
		start := current[0].start
		end := current[len(current)-1].end
		chunk := ragtypes.NewChunk(documentID, content, start, end, currentTokens)
		chunks = append(chunks, chunk)

		seedPiece, err := c.buildOverlapSeed(current)
		if err != nil {
			return nil, err
		}
		current = nil
		currentTokens = 0
		return seedPiece, nil
	}

	for _, p := range paras {
		pTokens, err := c.CountTokens(p.text)
		if err != nil {
			return nil, err
		}

		if len(current) > 0 && currentTokens+pTokens >= c.cfg.ChunkSize {
			seedPiece, err := flush()
			if err != nil {
				return nil, err
			}
			if seedPiece != nil {
				current = append(current, *seedPiece)
				n, err := c.CountTokens(seedPiece.text)
				if err != nil {
					return nil, err
				}
				currentTokens = n
			}
		}

		current = append(current, piece{text: p.text, start: p.start, end: p.end})
		currentTokens += pTokens
	}

	if _, err := flush(); err != nil {
		return nil, err
	}

	return chunks, nil
}

// buildOverlapSeed takes trailing sentences of the just-emitted chunk's
// pieces, in reverse, until adding the next one would push the seed's
// token count above c.cfg.Overlap. Offsets are real, document-absolute
// byte positions taken directly from the sentence spans -- never derived
// by subtracting a string length from an unrelated cursor.
func (c *SmartChunker) buildOverlapSeed(pieces []piece) (*piece, error) {
	if c.cfg.Overlap <= 0 {
		return nil, nil
	}

	var spans []sentenceSpan
	for _, p := range pieces {
		for _, s := range splitSentencesWithOffsets(p.text) {
			spans = append(spans, sentenceSpan{text: s.text, start: p.start + s.start, end: p.start + s.end})
		}
	}
	if len(spans) == 0 {
		return nil, nil
	}

	var selected []sentenceSpan
	tokens := 0
	for i := len(spans) - 1; i >= 0; i-- {
		n, err := c.CountTokens(spans[i].text)
		if err != nil {
			return nil, err
		}
		if tokens+n > c.cfg.Overlap && len(selected) > 0 {
			break
		}
		selected = append([]sentenceSpan{spans[i]}, selected...)
		tokens += n
		if tokens >= c.cfg.Overlap {
			break
		}
	}
	if len(selected) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(selected))
	for _, s := range selected {
		texts = append(texts, s.text)
	}
	start := selected[0].start
	end := selected[len(selected)-1].end
	if end < start {
		end = start
	}
	return &piece{text: strings.Join(texts, " "), start: start, end: end}, nil
}

// chunkParallel partitions paragraphs into fixed-size batches, packs each
// batch independently (concurrently, bounded by NumCPU via errgroup), then
// stitches the batch results together left-to-right. Boundary chunks are
// merged when their combined token count fits within MaxChunkSize;
// otherwise they are kept separate. Because every paragraph already
// carries its real byte offset from splitParagraphs, the stitched output's
// offsets are exact prefix sums -- there is no synthetic
// batchIndex*batchSize*100 placeholder anywhere in this path.
func (c *SmartChunker) chunkParallel(ctx context.Context, documentID ragtypes.DocumentID, paras []paragraph) ([]*ragtypes.Chunk, error) {
	const batchSize = 25
	var batches [][]paragraph
	for i := 0; i < len(paras); i += batchSize {
		end := i + batchSize
		if end > len(paras) {
			end = len(paras)
		}
		batches = append(batches, paras[i:end])
	}

	results := make([][]*ragtypes.Chunk, len(batches))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			chunks, err := c.chunkSequential(documentID, batch, nil)
			if err != nil {
				return err
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var stitched []*ragtypes.Chunk
	for _, batchChunks := range results {
		for _, chunk := range batchChunks {
			if len(stitched) == 0 {
				stitched = append(stitched, chunk)
				continue
			}
			last := stitched[len(stitched)-1]
			if last.TokenCount+chunk.TokenCount <= c.cfg.MaxChunkSize {
				last.Content = last.Content + "\n\n" + chunk.Content
				last.EndOffset = chunk.EndOffset
				last.TokenCount += chunk.TokenCount
			} else {
				stitched = append(stitched, chunk)
			}
		}
	}

	// Byte offsets must be monotonic non-decreasing across the whole
	// output; paragraph order within and across batches guarantees this
	// since offsets come straight from the original text's paragraph scan.
	sort.SliceStable(stitched, func(i, j int) bool { return stitched[i].StartOffset < stitched[j].StartOffset })

	return stitched, nil
}

// CreateSubChunks splits each chunk with TokenCount > 250 into reranker-sized
// sub-chunks (targeting 150-250 tokens), by Unicode sentence. Chunks at or
// below 250 tokens become a single sub-chunk identical to the parent.
func (c *SmartChunker) CreateSubChunks(chunks []*ragtypes.Chunk) ([]*ragtypes.SubChunk, error) {
	var subChunks []*ragtypes.SubChunk
	for _, chunk := range chunks {
		if chunk.TokenCount <= subChunkTargetMax {
			subChunks = append(subChunks, &ragtypes.SubChunk{
				ParentChunkID: chunk.ID,
				Content:       chunk.Content,
				StartOffset:   0,
				EndOffset:     len(chunk.Content),
				TokenCount:    chunk.TokenCount,
			})
			continue
		}

		spans := splitSentencesWithOffsets(chunk.Content)
		var current []sentenceSpan
		currentTokens := 0

		flush := func() error {
			if len(current) == 0 {
				return nil
			}
			texts := make([]string, 0, len(current))
			for _, s := range current {
				texts = append(texts, s.text)
			}
			content := strings.Join(texts, " ")
			start := current[0].start
			end := current[len(current)-1].end
			subChunks = append(subChunks, &ragtypes.SubChunk{
				ParentChunkID: chunk.ID,
				Content:       content,
				StartOffset:   start,
				EndOffset:     end,
				TokenCount:    currentTokens,
			})
			current = nil
			currentTokens = 0
			return nil
		}

		for _, s := range spans {
			n, err := c.CountTokens(s.text)
			if err != nil {
				return nil, err
			}
			if currentTokens >= subChunkSealMin && currentTokens+n > subChunkTargetMax {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			current = append(current, s)
			currentTokens += n
		}
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return subChunks, nil
}
