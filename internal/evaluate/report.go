package evaluate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/helper"
	"regdoc-rag/internal/models"
)

// Summary renders the headline metrics as text.
func (r *Report) Summary() string {
	m := r.Metrics
	var b strings.Builder
	b.WriteString("Evaluation Summary\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	if r.Generator != "" {
		fmt.Fprintf(&b, "Generator: %s\n", r.Generator)
	}
	fmt.Fprintf(&b, "Total Questions Evaluated: %d\n", m.Questions)
	fmt.Fprintf(&b, "Overall Score: %.1f%%\n", m.Score)
	if m.Judged {
		fmt.Fprintf(&b, "Average QA Score: %.2f\n", m.QAScore)
		fmt.Fprintf(&b, "Average Helpfulness Score: %.2f\n", m.HelpfulnessScore)
	}
	fmt.Fprintf(&b, "Source Coverage Rate: %.1f%%\n", m.SourceCoverage)
	fmt.Fprintf(&b, "Average Response Length: %.0f characters\n", m.AvgResponseLength)
	fmt.Fprintf(&b, "Average Sources per Response: %.1f\n", m.AvgSources)
	b.WriteString("\nConfidence Distribution:\n")
	fmt.Fprintf(&b, "  High: %d\n  Medium: %d\n  Low: %d\n", m.HighConfidence, m.MediumConfidence, m.LowConfidence)
	b.WriteString("\nCategory Scores:\n")
	for _, name := range m.CategoryNames() {
		c := m.Categories[name]
		if m.Judged {
			fmt.Fprintf(&b, "  %s: %.1f%% (%d questions), QA %.2f, helpfulness %.2f\n", name, c.Score, c.Questions, c.QAScore, c.HelpfulnessScore)
			continue
		}
		fmt.Fprintf(&b, "  %s: %.1f%% (%d questions)\n", name, c.Score, c.Questions)
	}
	fmt.Fprintf(&b, "\nQuestions with Sources: %d\n", m.WithSources)
	fmt.Fprintf(&b, "Questions without Sources: %d\n", m.WithoutSources)
	fmt.Fprintf(&b, "Errors: %d\n", m.Errors)
	return b.String()
}

func (r *Report) WriteJSON(path string) error {
	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(r)
	})
}

// WriteReport writes the summary followed by one block per question.
func (r *Report) WriteReport(path string) error {
	return writeFile(path, func(w io.Writer) error {
		fmt.Fprint(w, r.Summary())
		fmt.Fprint(w, "\nDetailed Results:\n")
		fmt.Fprint(w, strings.Repeat("=", 50)+"\n\n")
		for i, res := range r.Results {
			fmt.Fprintf(w, "Question %d: %s\n", i+1, res.Question)
			fmt.Fprintf(w, "Expected: %s\n", models.Preview(res.ExpectedAnswer, 100))
			if res.Error != "" {
				fmt.Fprintf(w, "Error: %s\n", res.Error)
			} else {
				fmt.Fprintf(w, "Actual: %s\n", models.Preview(res.ActualAnswer, 100))
			}
			fmt.Fprintf(w, "Score: %.2f\n", res.Score)
			if res.Judged {
				fmt.Fprintf(w, "QA Score: %.0f\n", res.QAScore)
				fmt.Fprintf(w, "Helpfulness Score: %.0f\n", res.HelpfulnessScore)
				if res.JudgeError != "" {
					fmt.Fprintf(w, "Judge Error: %s\n", res.JudgeError)
				}
			}
			fmt.Fprintf(w, "Sources: %d\n", len(res.Sources))
			fmt.Fprintf(w, "Confidence: %s\n", res.Confidence)
			fmt.Fprintf(w, "Category: %s\n", res.Category)
			fmt.Fprint(w, strings.Repeat("-", 30)+"\n\n")
		}
		return nil
	})
}

func writeFile(path string, write func(w io.Writer) error) error {
	if err := helper.CreateFolder(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Evaluation output saved")
	return f.Close()
}
