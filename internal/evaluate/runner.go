package evaluate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Answerer answers a single question without conversation history.
type Answerer interface {
	Answer(ctx context.Context, question string) (*models.Answer, error)
}

type Result struct {
	Question       string            `json:"question"`
	Category       string            `json:"category"`
	ExpectedAnswer string            `json:"expected_answer"`
	ActualAnswer   string            `json:"actual_answer"`
	Score          float64           `json:"score"`
	Confidence     models.Confidence `json:"confidence,omitempty"`
	Sources        []string          `json:"sources"`
	ResponseLength int               `json:"response_length"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Stage          string            `json:"stage,omitempty"`

	// Set when a Judge graded the answer. A failed grade scores 0.
	Judged           bool    `json:"judged,omitempty"`
	QAScore          float64 `json:"qa_score"`
	HelpfulnessScore float64 `json:"helpfulness_score"`
	JudgeError       string  `json:"judge_error,omitempty"`
}

type CategoryStats struct {
	Questions        int     `json:"questions"`
	Score            float64 `json:"score_pct"`
	QAScore          float64 `json:"avg_qa_score"`
	HelpfulnessScore float64 `json:"avg_helpfulness_score"`
	SourceCoverage   float64 `json:"source_coverage_pct"`
	AvgSources       float64 `json:"avg_sources"`
}

// Metrics aggregate a run. Scores and rates are percentages.
type Metrics struct {
	Questions         int                      `json:"questions"`
	Score             float64                  `json:"score_pct"`
	AvgResponseLength float64                  `json:"avg_response_length"`
	AvgSources        float64                  `json:"avg_sources"`
	WithSources       int                      `json:"questions_with_sources"`
	WithoutSources    int                      `json:"questions_without_sources"`
	SourceCoverage    float64                  `json:"source_coverage_pct"`
	HighConfidence    int                      `json:"high_confidence"`
	MediumConfidence  int                      `json:"medium_confidence"`
	LowConfidence     int                      `json:"low_confidence"`
	Errors            int                      `json:"errors"`
	Judged            bool                     `json:"judged"`
	QAScore           float64                  `json:"avg_qa_score"`
	HelpfulnessScore  float64                  `json:"avg_helpfulness_score"`
	Categories        map[string]CategoryStats `json:"categories"`
}

type Report struct {
	Generator   string    `json:"generator,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Results     []Result  `json:"results"`
	Metrics     Metrics   `json:"metrics"`
}

type Runner struct {
	answerer Answerer
	judge    Judge
}

type RunnerOption func(*Runner)

// WithJudge adds model-graded correctness and helpfulness scores to every result.
func WithJudge(j Judge) RunnerOption {
	return func(r *Runner) {
		r.judge = j
	}
}

func NewRunner(answerer Answerer, opts ...RunnerOption) *Runner {
	r := &Runner{answerer: answerer}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run answers every item in order. A failed question is recorded with a
// zero score and the run carries on; only cancellation stops it.
func (r *Runner) Run(ctx context.Context, items []Item) (*Report, error) {
	report := &Report{GeneratedAt: time.Now()}
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, ragerr.AtStage(ragerr.StageEvaluate, err)
		}
		log.Info().Int("item", i+1).Int("total", len(items)).Str("question", models.Preview(it.Question, 50)).Msg("Evaluating question")
		report.Results = append(report.Results, r.evaluate(ctx, it))
	}
	report.Metrics = Aggregate(report.Results)
	return report, nil
}

func (r *Runner) evaluate(ctx context.Context, it Item) Result {
	res := Result{
		Question:       it.Question,
		Category:       it.Category,
		ExpectedAnswer: it.ExpectedAnswer,
		Sources:        []string{},
		Judged:         r.judge != nil,
	}
	answer, err := r.answerer.Answer(ctx, it.Question)
	if err != nil {
		log.Warn().Err(err).Str("question", it.Question).Msg("Question failed")
		res.Error = err.Error()
		res.ErrorKind = ragerr.Kind(err)
		if stage, ok := ragerr.StageOf(err); ok {
			res.Stage = string(stage)
		}
		return res
	}
	res.ActualAnswer = answer.Text
	res.Score = Score(it.ExpectedAnswer, answer.Text)
	res.Confidence = answer.Confidence
	res.Sources = append(res.Sources, answer.Sources...)
	res.ResponseLength = len([]rune(answer.Text))
	if r.judge != nil {
		r.grade(ctx, &res)
	}
	return res
}

// grade fills the judge scores. Failures are recorded and score 0.
func (r *Runner) grade(ctx context.Context, res *Result) {
	var failures []string
	qa, err := r.judge.Correctness(ctx, res.Question, res.ExpectedAnswer, res.ActualAnswer)
	if err != nil {
		log.Warn().Err(err).Str("question", res.Question).Msg("QA grading failed")
		failures = append(failures, "qa: "+err.Error())
	}
	helpful, err := r.judge.Helpfulness(ctx, res.Question, res.ActualAnswer)
	if err != nil {
		log.Warn().Err(err).Str("question", res.Question).Msg("Helpfulness grading failed")
		failures = append(failures, "helpfulness: "+err.Error())
	}
	res.QAScore, res.HelpfulnessScore = qa, helpful
	res.JudgeError = strings.Join(failures, "; ")
}

// Aggregate computes overall and per-category metrics.
func Aggregate(results []Result) Metrics {
	m := Metrics{Questions: len(results), Categories: map[string]CategoryStats{}}
	if len(results) == 0 {
		return m
	}

	type acc struct {
		n, withSources, sources int
		score, qa, helpful      float64
	}
	cats := map[string]*acc{}
	var score, qa, helpful float64
	var length, sources int
	for _, r := range results {
		score += r.Score
		qa += r.QAScore
		helpful += r.HelpfulnessScore
		if r.Judged {
			m.Judged = true
		}
		length += r.ResponseLength
		sources += len(r.Sources)
		if len(r.Sources) > 0 {
			m.WithSources++
		}
		switch r.Confidence {
		case models.ConfidenceHigh:
			m.HighConfidence++
		case models.ConfidenceMedium:
			m.MediumConfidence++
		case models.ConfidenceLow:
			m.LowConfidence++
		}
		if r.Error != "" {
			m.Errors++
		}

		c := cats[r.Category]
		if c == nil {
			c = &acc{}
			cats[r.Category] = c
		}
		c.n++
		c.score += r.Score
		c.qa += r.QAScore
		c.helpful += r.HelpfulnessScore
		c.sources += len(r.Sources)
		if len(r.Sources) > 0 {
			c.withSources++
		}
	}

	n := float64(len(results))
	m.Score = 100 * score / n
	m.QAScore = qa / n
	m.HelpfulnessScore = helpful / n
	m.AvgResponseLength = float64(length) / n
	m.AvgSources = float64(sources) / n
	m.WithoutSources = len(results) - m.WithSources
	m.SourceCoverage = 100 * float64(m.WithSources) / n
	for name, c := range cats {
		cn := float64(c.n)
		m.Categories[name] = CategoryStats{
			Questions:        c.n,
			Score:            100 * c.score / cn,
			QAScore:          c.qa / cn,
			HelpfulnessScore: c.helpful / cn,
			SourceCoverage:   100 * float64(c.withSources) / cn,
			AvgSources:       float64(c.sources) / cn,
		}
	}
	return m
}

// CategoryNames returns the categories of m in name order.
func (m Metrics) CategoryNames() []string {
	names := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
