// Package chunk splits document text into overlapping windows aligned to
// semantic boundaries (paragraph, sentence, clause, word) where possible.
package chunk

import "strings"

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultOverlap is the default number of overlapping characters between
// consecutive chunks.
const DefaultOverlap = 200

// boundarySearchWindow bounds how far back from a candidate end a separator
// is searched for.
const boundarySearchWindow = 100

// separators in precedence order: the first one found wins.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", ";", ":", " "}

// Chunk is one contiguous slice of the source text.
type Chunk struct {
	Content    string
	StartChar  int
	EndChar    int
	ChunkIndex int
}

// Splitter produces Chunks from document text using a fixed chunk size and
// overlap, both configured via functional options.
type Splitter struct {
	chunkSize int
	overlap   int
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithChunkSize sets the target chunk size in characters.
func WithChunkSize(size int) Option {
	return func(s *Splitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks in characters.
func WithOverlap(overlap int) Option {
	return func(s *Splitter) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// New builds a Splitter, clamping overlap below chunkSize so forced
// progress is always possible.
func New(opts ...Option) *Splitter {
	s := &Splitter{chunkSize: DefaultChunkSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.chunkSize {
		s.overlap = s.chunkSize / 4
	}
	return s
}

// Split implements the sliding-window chunker with separator-precedence
// boundary snapping described for the chunking component: chunks cover the
// whole input, overlap by roughly the configured amount, and prefer to end
// just past a high-precedence separator within the last boundarySearchWindow
// characters of the naive cut point.
func (s *Splitter) Split(text string) []Chunk {
	return Split(text, s.chunkSize, s.overlap)
}

// Split is the free-function form of the chunking algorithm, usable without
// constructing a Splitter. Kept alongside Splitter.Split so callers with ad
// hoc (chunkSize, overlap) pairs — e.g. per knowledge base configuration —
// don't need to build a Splitter first.
func Split(text string, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}

	textLen := len(text)
	if textLen == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	index := 0

	for start < textLen {
		end := start + chunkSize
		if end > textLen {
			end = textLen
		}

		if end < textLen {
			if snapped, ok := snapToBoundary(text, start, end); ok {
				end = snapped
			}
		}

		if end > start {
			content := text[start:end]
			if strings.TrimSpace(content) != "" {
				chunks = append(chunks, Chunk{
					Content:    content,
					StartChar:  start,
					EndChar:    end,
					ChunkIndex: index,
				})
				index++
			}
		}

		if end >= textLen {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + chunkSize/2
			if next <= start {
				next = start + 1
			}
		}
		start = next
	}

	return chunks
}

// snapToBoundary searches the window ending at end (up to
// boundarySearchWindow characters back, never before start) for the
// highest-precedence separator and, if found, returns the offset just past
// it.
func snapToBoundary(text string, start, end int) (int, bool) {
	windowStart := end - boundarySearchWindow
	if windowStart < start {
		windowStart = start
	}
	window := text[windowStart:end]

	bestOffset := -1
	for _, sep := range separators {
		idx := strings.LastIndex(window, sep)
		if idx == -1 {
			continue
		}
		candidate := windowStart + idx + len(sep)
		if candidate <= start {
			continue
		}
		bestOffset = candidate
		break
	}

	if bestOffset == -1 {
		return end, false
	}
	return bestOffset, true
}
