package evaluate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"regdoc-rag/internal/llmservice"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
	"regdoc-rag/internal/retry"
)

// Judge grades answers with a model. Scores are 0 or 1.
type Judge interface {
	Correctness(ctx context.Context, question, expected, actual string) (float64, error)
	Helpfulness(ctx context.Context, question, actual string) (float64, error)
}

var (
	thinkTag     = regexp.MustCompile(models.ThinkTag)
	gradeVerdict = regexp.MustCompile(`(?i)\b(INCORRECT|CORRECT)\b`)
)

// LLMJudge asks a chat model for a correctness grade against the expected
// answer and a helpfulness verdict.
type LLMJudge struct {
	llm     llms.Model
	timeout time.Duration
	policy  retry.Policy
}

func NewLLMJudge(llm llms.Model, timeout time.Duration, policy retry.Policy) *LLMJudge {
	return &LLMJudge{llm: llm, timeout: timeout, policy: policy}
}

func (j *LLMJudge) Correctness(ctx context.Context, question, expected, actual string) (float64, error) {
	out, err := j.ask(ctx, "judge_qa", fmt.Sprintf(models.GradePromptTemplate, question, actual, expected))
	if err != nil {
		return 0, err
	}
	matches := gradeVerdict.FindAllString(out, -1)
	if len(matches) == 0 {
		return 0, ragerr.Newf(ragerr.ErrGeneration, "no grade in judge reply %q", models.Preview(out, 80))
	}
	// the reasoning may quote both words, the verdict comes last
	if strings.EqualFold(matches[len(matches)-1], "CORRECT") {
		return 1, nil
	}
	return 0, nil
}

func (j *LLMJudge) Helpfulness(ctx context.Context, question, actual string) (float64, error) {
	out, err := j.ask(ctx, "judge_helpfulness", fmt.Sprintf(models.HelpfulnessPromptTemplate, question, actual))
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	switch strings.ToUpper(strings.Trim(strings.TrimSpace(lines[len(lines)-1]), `."'*`)) {
	case "Y":
		return 1, nil
	case "N":
		return 0, nil
	}
	return 0, ragerr.Newf(ragerr.ErrGeneration, "no Y/N verdict in judge reply %q", models.Preview(out, 80))
}

func (j *LLMJudge) ask(ctx context.Context, name, prompt string) (string, error) {
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}

	var out string
	err := j.policy.Do(ctx, name, func(ctx context.Context) error {
		if j.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.timeout)
			defer cancel()
		}
		res, err := llmservice.GenerateContent(ctx, j.llm, messages, llms.WithTemperature(0))
		if err != nil {
			return err
		}
		if len(res.Choices) == 0 {
			return fmt.Errorf("model returned no choices")
		}
		out = res.Choices[0].Content
		return nil
	})
	if err != nil {
		return "", ragerr.Wrap(ragerr.ErrGeneration, err)
	}
	return strings.TrimSpace(thinkTag.ReplaceAllString(out, "")), nil
}
