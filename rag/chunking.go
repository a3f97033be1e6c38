package rag

import (
	"strings"

	"go.uber.org/zap"
)

// ChunkingConfig configures the document chunker.
type ChunkingConfig struct {
	// Target chunk size in characters
	ChunkSize int `json:"chunk_size"`
	// Overlap carried back from the previous chunk, in characters
	ChunkOverlap int `json:"chunk_overlap"`
}

// DefaultChunkingConfig returns the default chunking configuration.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
	}
}

// Chunk is a bounded text segment derived from a document, the unit of
// retrieval. Index is the chunk's 0-based position in the document's chunk
// sequence; indices are contiguous from 0 and are the stable correlation key
// to the chunk's vector entry. Start and End are character (rune) offsets
// into the source text such that Text == source[Start:End].
type Chunk struct {
	Text       string `json:"text"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	TokenCount int    `json:"token_count,omitempty"`
}

// separatorClasses lists cut-point candidates in priority order: paragraph
// break, line break, sentence terminator, whitespace. A segment is cut after
// the last occurrence of the highest-priority class found inside the window;
// when no class matches, the window is cut hard at the size limit.
var separatorClasses = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? ", "。", "！", "？"},
	{" ", "\t"},
}

// Chunker splits normalized document text into bounded, overlapping segments.
// Chunking is a pure function of the input and configuration: no I/O, no
// randomness, identical input always yields identical boundaries.
type Chunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewChunker creates a chunker. tokenizer may be nil; when present it is only
// used to annotate each chunk with a token count.
func NewChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger,
	}
}

// Chunk splits text into segments of at most ChunkSize characters, each
// beginning ChunkOverlap characters before the end of the previous segment
// (except the first). Whitespace-only input yields an empty sequence.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return []Chunk{}
	}

	runes := []rune(text)
	size := c.config.ChunkSize
	overlap := c.config.ChunkOverlap
	if size <= 0 {
		size = DefaultChunkingConfig().ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	chunks := []Chunk{}
	pos := 0
	for pos < len(runes) {
		end := pos + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, pos, end)
		}

		segment := string(runes[pos:end])
		if strings.TrimSpace(segment) != "" {
			chunk := Chunk{
				Text:  segment,
				Index: len(chunks),
				Start: pos,
				End:   end,
			}
			if c.tokenizer != nil {
				chunk.TokenCount = c.tokenizer.CountTokens(segment)
			}
			chunks = append(chunks, chunk)
		}

		if end >= len(runes) {
			break
		}
		next := end - overlap
		if next <= pos {
			// Overlap must never stall the scan.
			next = end
		}
		pos = next
	}

	c.logger.Debug("chunking completed",
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", size),
		zap.Int("overlap", overlap))

	return chunks
}

// cutPoint returns the end offset for the segment starting at start whose
// window closes at limit, preferring the highest-priority separator class
// with an occurrence inside the window. The cut lands just after the
// separator. Falls back to a hard cut at limit.
func cutPoint(runes []rune, start, limit int) int {
	window := string(runes[start:limit])
	for _, class := range separatorClasses {
		best := -1
		for _, sep := range class {
			idx := strings.LastIndex(window, sep)
			if idx < 0 {
				continue
			}
			// Byte offset back to rune offset, cut lands after the separator.
			cut := len([]rune(window[:idx])) + len([]rune(sep))
			if cut > best {
				best = cut
			}
		}
		if best > 0 {
			return start + best
		}
	}
	return limit
}
