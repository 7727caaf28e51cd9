package evaluate

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"regdoc-rag/internal/ragerr"
)

//go:embed dataset.yaml
var defaultDataset []byte

// Item is one question of an evaluation dataset.
type Item struct {
	Question       string `yaml:"question" json:"question"`
	ExpectedAnswer string `yaml:"expected_answer" json:"expected_answer"`
	Category       string `yaml:"category" json:"category"`
}

// LoadDataset reads a YAML dataset from path, or the built-in one when path
// is empty.
func LoadDataset(path string) ([]Item, error) {
	if path == "" {
		return ParseDataset(defaultDataset)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, fmt.Errorf("read dataset: %w", err))
	}
	return ParseDataset(data)
}

func ParseDataset(data []byte) ([]Item, error) {
	var items []Item
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, fmt.Errorf("parse dataset: %w", err))
	}
	if len(items) == 0 {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "dataset is empty")
	}
	for i := range items {
		it := &items[i]
		it.Question = strings.TrimSpace(it.Question)
		if it.Question == "" || strings.TrimSpace(it.ExpectedAnswer) == "" {
			return nil, ragerr.Newf(ragerr.ErrConfiguration, "dataset item %d needs a question and an expected answer", i+1)
		}
		if it.Category == "" {
			it.Category = "unknown"
		}
	}
	return items, nil
}
