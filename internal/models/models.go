package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Document is the raw text of one page (or slide, or sheet) of a source file.
type Document struct {
	Source string `json:"source"`
	Page   int    `json:"page"`
	Text   string `json:"text"`
}

func (d Document) ID() string {
	return fmt.Sprintf("%s#p%d", SourceKey(d.Source), d.Page)
}

// SourceKey identifies a source file in ids: its cleaned path relative to
// the working directory when it lies below it, slash separated.
func SourceKey(source string) string {
	p := filepath.Clean(source)
	if filepath.IsAbs(p) {
		if wd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(wd, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				p = rel
			}
		}
	}
	return filepath.ToSlash(p)
}

// Chunk is a window of a Document's text. Start and End are rune offsets.
type Chunk struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Page   int    `json:"page"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text"`
}

// Metadata keys stored on every index entry
const (
	MetaSource  = "source"
	MetaPage    = "page"
	MetaStart   = "start"
	MetaEnd     = "end"
	MetaContext = "context"
)

func (c Chunk) Metadata() map[string]string {
	return map[string]string{
		MetaSource: c.Source,
		MetaPage:   strconv.Itoa(c.Page),
		MetaStart:  strconv.Itoa(c.Start),
		MetaEnd:    strconv.Itoa(c.End),
	}
}

// Entry is one row of the vector index.
type Entry struct {
	ChunkID   string            `msgpack:"id" json:"chunk_id"`
	Embedding []float32         `msgpack:"embedding" json:"-"`
	Text      string            `msgpack:"text" json:"text"`
	Metadata  map[string]string `msgpack:"metadata" json:"metadata"`
}

func (e Entry) Source() string {
	return e.Metadata[MetaSource]
}

func (e Entry) Page() int {
	p, _ := strconv.Atoi(e.Metadata[MetaPage])
	return p
}

// Hit is a search result. Score is cosine similarity.
type Hit struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// HitIDs returns the chunk ids of hits in order.
func HitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Entry.ChunkID
	}
	return ids
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceFor grades retrieval quality by mean similarity.
func ConfidenceFor(hits []Hit) Confidence {
	if len(hits) == 0 {
		return ConfidenceLow
	}
	var sum float64
	for _, h := range hits {
		sum += h.Score
	}
	avg := sum / float64(len(hits))
	switch {
	case avg > 0.5:
		return ConfidenceHigh
	case avg > 0.3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

type Citation struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Score   float64 `json:"score"`
	Preview string  `json:"preview"`
}

const previewLen = 200

func CitationsFor(hits []Hit) []Citation {
	citations := make([]Citation, len(hits))
	for i, h := range hits {
		citations[i] = Citation{
			ChunkID: h.Entry.ChunkID,
			Source:  h.Entry.Source(),
			Page:    h.Entry.Page(),
			Score:   h.Score,
			Preview: Preview(h.Entry.Text, previewLen),
		}
	}
	return citations
}

// Preview truncates s to n runes, marking the cut with "...".
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Answer is the response to one question. Sources are the ids of the chunks
// that were handed to the generator, never ids reported by the model.
type Answer struct {
	Question   string     `json:"question"`
	Text       string     `json:"answer"`
	Sources    []string   `json:"sources"`
	Citations  []Citation `json:"citations"`
	Confidence Confidence `json:"confidence"`
	Generator  string     `json:"generator"`
}

type Turn struct {
	Question string    `json:"question"`
	Answer   Answer    `json:"answer"`
	At       time.Time `json:"at"`
}
