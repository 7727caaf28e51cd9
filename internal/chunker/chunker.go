package chunker

import (
	"fmt"
	"strings"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Chunker splits document text into overlapping windows measured in runes.
type Chunker struct {
	size        int
	overlap     int
	cleanBreaks bool
}

type Option func(*Chunker)

// WithCleanBreaks ends a window on a space, newline or period found within
// its last 10% when that still leaves room to move forward.
func WithCleanBreaks() Option {
	return func(c *Chunker) {
		c.cleanBreaks = true
	}
}

func New(size, overlap int, opts ...Option) (*Chunker, error) {
	if size <= 0 {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "chunk overlap (%d) must be smaller than chunk size (%d)", overlap, size)
	}
	c := &Chunker{size: size, overlap: overlap}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts doc into chunks that cover its whole text in order. Every chunk
// but the last is size runes long unless clean breaks shortened it, and
// consecutive chunks share exactly overlap runes.
func (c *Chunker) Split(doc models.Document) []models.Chunk {
	text := []rune(doc.Text)
	n := len(text)
	if n == 0 {
		return nil
	}

	var chunks []models.Chunk
	start := 0
	for {
		end := min(start+c.size, n)
		if end < n && c.cleanBreaks {
			end = c.breakPoint(text, start, end)
		}

		chunks = append(chunks, models.Chunk{
			ID:     chunkID(doc, len(chunks)+1),
			Source: doc.Source,
			Page:   doc.Page,
			Start:  start,
			End:    end,
			Text:   string(text[start:end]),
		})
		if end == n {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

// breakPoint looks back from end for a natural boundary, keeping the next
// window's start strictly after start.
func (c *Chunker) breakPoint(text []rune, start, end int) int {
	lookBack := c.size / 10
	for i := end - 1; i >= end-lookBack && i > start; i-- {
		if text[i] == ' ' || text[i] == '\n' || text[i] == '.' {
			if i+1-c.overlap > start {
				return i + 1
			}
			break
		}
	}
	return end
}

// SplitAll chunks every document in order.
func (c *Chunker) SplitAll(docs []models.Document) []models.Chunk {
	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, c.Split(doc)...)
	}
	return chunks
}

// Reconstruct rebuilds the text spanned by consecutive chunks of one document
// by dropping the part of each chunk already covered by its predecessor.
func Reconstruct(chunks []models.Chunk) string {
	var b strings.Builder
	covered := 0
	for i, ch := range chunks {
		r := []rune(ch.Text)
		if i == 0 {
			covered = ch.Start
		}
		skip := covered - ch.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			b.WriteString(string(r[skip:]))
		}
		if ch.End > covered {
			covered = ch.End
		}
	}
	return b.String()
}

func chunkID(doc models.Document, n int) string {
	return fmt.Sprintf("%s-c%d", doc.ID(), n)
}
