package chunker

import (
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const (
	// DefaultChunkSize is the maximum chunk length in characters
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is how many characters consecutive chunks share
	DefaultChunkOverlap = 200

	// sentenceLookback bounds how far back from a chunk's end a sentence
	// boundary is searched for
	sentenceLookback = 200

	tokenEncoding       = "cl100k_base"
	encodingLoadTimeout = 5 * time.Second
)

// Chunker splits cleaned document text into overlapping chunks
type Chunker struct {
	size              int
	overlap           int
	preserveSentences bool
}

// New creates a Chunker. Non-positive sizes take the defaults and an
// overlap that would stall progress is clamped below the size.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Chunker{
		size:              size,
		overlap:           overlap,
		preserveSentences: true,
	}
}

// WithoutSentences returns a copy of c that cuts at exact size boundaries.
func (c *Chunker) WithoutSentences() *Chunker {
	cp := *c
	cp.preserveSentences = false
	return &cp
}

// Chunk splits text into ordered chunks. Offsets count runes. Every chunk
// carries the language detected for the whole text.
func (c *Chunker) Chunk(text string) []types.Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	lang := DetectLanguage(text)

	var chunks []types.Chunk
	emit := func(start, end int) {
		content := string(runes[start:end])
		chunk := types.Chunk{
			Index:       len(chunks),
			Content:     content,
			StartOffset: start,
			EndOffset:   end,
			TokenCount:  CountTokens(content),
			Language:    lang,
		}
		chunk.ComputeContentHash()
		chunks = append(chunks, chunk)
	}

	if len(runes) <= c.size {
		emit(0, len(runes))
		return chunks
	}

	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			emit(start, len(runes))
			break
		}

		if c.preserveSentences {
			if split := sentenceSplit(runes[start:end]); split > 0 {
				end = start + split
			}
		}

		emit(start, end)

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// sentenceSplit returns the position just past the last sentence ending in
// the trailing window of window, or -1. A '.' after an upper-case letter is
// treated as an abbreviation.
func sentenceSplit(window []rune) int {
	floor := len(window) - sentenceLookback
	if floor < 0 {
		floor = 0
	}
	for i := len(window) - 1; i > floor; i-- {
		switch window[i] {
		case '.':
			if isUpper(window[i-1]) {
				continue
			}
			return i + 1
		case '!', '?', '\n':
			return i + 1
		}
	}
	return -1
}

// ChunkText splits text with the given size and overlap.
func ChunkText(text string, size, overlap int, preserveSentences bool) []types.Chunk {
	c := New(size, overlap)
	if !preserveSentences {
		c = c.WithoutSentences()
	}
	return c.Chunk(text)
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// loadEncoding fetches the BPE ranks, which may hit the network on first
// use. A slow or failed load leaves enc nil.
func loadEncoding() {
	ch := make(chan *tiktoken.Tiktoken, 1)
	go func() {
		e, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			e = nil
		}
		ch <- e
	}()
	select {
	case enc = <-ch:
	case <-time.After(encodingLoadTimeout):
	}
}

// CountTokens counts cl100k_base tokens. When the encoding cannot be loaded
// it falls back to a whitespace word count.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(loadEncoding)
	if enc == nil {
		return len(strings.Fields(text))
	}
	return len(enc.Encode(text, nil, nil))
}
