package rag

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

//go:embed canned_answers.yaml
var cannedAnswers []byte

type CannedReference struct {
	Page int    `yaml:"page"`
	Note string `yaml:"note"`
}

type CannedTopic struct {
	Name       string            `yaml:"name"`
	Confidence models.Confidence `yaml:"confidence"`
	Keywords   []string          `yaml:"keywords"`
	Patterns   []string          `yaml:"patterns"`
	References []CannedReference `yaml:"references"`
	Answer     string            `yaml:"answer"`

	patterns []*regexp.Regexp
}

type CannedTable struct {
	Topics   []CannedTopic `yaml:"topics"`
	Fallback string        `yaml:"fallback"`
}

// ParseCannedTable decodes and compiles a canned answer table.
func ParseCannedTable(data []byte) (*CannedTable, error) {
	var table CannedTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, fmt.Errorf("canned answers: %w", err))
	}
	for i := range table.Topics {
		t := &table.Topics[i]
		for _, p := range t.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, ragerr.Wrap(ragerr.ErrConfiguration, fmt.Errorf("topic %q: %w", t.Name, err))
			}
			t.patterns = append(t.patterns, re)
		}
	}
	return &table, nil
}

// CannedGenerator answers from a fixed table without calling any provider.
type CannedGenerator struct {
	table *CannedTable
}

func NewCannedGenerator(table *CannedTable) *CannedGenerator {
	return &CannedGenerator{table: table}
}

// DefaultCannedGenerator uses the built-in RBI/NBFC table.
func DefaultCannedGenerator() (*CannedGenerator, error) {
	table, err := ParseCannedTable(cannedAnswers)
	if err != nil {
		return nil, err
	}
	return NewCannedGenerator(table), nil
}

func (g *CannedGenerator) Name() string {
	return "canned"
}

func (g *CannedGenerator) Generate(ctx context.Context, question string, hits []models.Hit, history []models.Turn) (*models.Answer, error) {
	topic := g.Match(question)
	if topic == nil {
		answer := newAnswer(g.Name(), question, fmt.Sprintf(g.table.Fallback, question), hits)
		answer.Confidence = models.ConfidenceLow
		return answer, nil
	}

	text := topic.Answer
	if len(topic.References) > 0 {
		pages := make([]string, len(topic.References))
		for i, r := range topic.References {
			pages[i] = strconv.Itoa(r.Page)
		}
		text += "\n\nReference pages: " + strings.Join(pages, ", ")
	}
	answer := newAnswer(g.Name(), question, text, hits)
	if topic.Confidence != "" {
		answer.Confidence = topic.Confidence
	}
	return answer, nil
}

// Match returns the topic for question, or nil. A regex pattern hit wins
// outright; otherwise each matching keyword scores one point, multi-keyword
// matches score half again, and the first topic with the best score wins.
func (g *CannedGenerator) Match(question string) *CannedTopic {
	q := strings.ToLower(question)

	var best *CannedTopic
	var bestScore float64
	for i := range g.table.Topics {
		t := &g.table.Topics[i]
		var score float64
		for _, kw := range t.Keywords {
			if strings.Contains(q, kw) {
				score++
			}
		}
		if score > 1 {
			score *= 1.5
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}

	for i := range g.table.Topics {
		t := &g.table.Topics[i]
		for _, re := range t.patterns {
			if re.MatchString(q) {
				return t
			}
		}
	}
	if bestScore >= 1 {
		return best
	}
	return nil
}
