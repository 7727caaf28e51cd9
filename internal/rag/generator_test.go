package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

func testHits() []models.Hit {
	return []models.Hit{
		{Entry: models.Entry{ChunkID: "rbi.pdf#p4-c1", Text: "Minimum NOF is Rs 2 crore.", Metadata: map[string]string{models.MetaSource: "data/rbi.pdf", models.MetaPage: "4"}}, Score: 0.8},
		{Entry: models.Entry{ChunkID: "rbi.pdf#p9-c3", Text: "Deposits need a rating.", Metadata: map[string]string{models.MetaSource: "data/rbi.pdf", models.MetaPage: "9"}}, Score: 0.4},
	}
}

func TestLiveGeneratorSourcesAreTheHits(t *testing.T) {
	var opts llms.CallOptions
	model := &scriptedModel{GenerateContentFunc: func(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
		for _, o := range options {
			o(&opts)
		}
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "<think>\nplan\n</think>\nRs 2 crore, see rbi.pdf#p99-c1."}}}, nil
	}}
	g := NewLiveGenerator(model, config.LLMConfig{Temperature: 0.2}, 0, fastPolicy())

	answer, err := g.Generate(context.Background(), "Minimum capital?", testHits(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Rs 2 crore, see rbi.pdf#p99-c1.", answer.Text)
	assert.Equal(t, []string{"rbi.pdf#p4-c1", "rbi.pdf#p9-c3"}, answer.Sources)
	assert.Equal(t, models.ConfidenceHigh, answer.Confidence)
	require.Len(t, answer.Citations, 2)
	assert.Equal(t, 9, answer.Citations[1].Page)
	assert.InDelta(t, 0.2, opts.Temperature, 1e-9)
	assert.Nil(t, opts.StreamingFunc)
}

func TestLiveGeneratorNoHitsSkipsModel(t *testing.T) {
	model := replyWith("unused")
	g := NewLiveGenerator(model, config.LLMConfig{}, 0, fastPolicy())

	answer, err := g.Generate(context.Background(), "Anything?", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.NoContextAnswer, answer.Text)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, models.ConfidenceLow, answer.Confidence)
	assert.Zero(t, model.calls.Load())
}

func TestLiveGeneratorErrors(t *testing.T) {
	tests := []struct {
		name      string
		reply     func(call int32) (*llms.ContentResponse, error)
		wantKind  error
		wantCalls int32
		wantOK    bool
	}{
		{
			name:      "quota is not retried",
			reply:     func(int32) (*llms.ContentResponse, error) { return nil, errors.New("status code: 429") },
			wantKind:  ragerr.ErrQuotaExceeded,
			wantCalls: 1,
		},
		{
			name:      "auth is not retried",
			reply:     func(int32) (*llms.ContentResponse, error) { return nil, errors.New("Incorrect API key provided") },
			wantKind:  ragerr.ErrAuth,
			wantCalls: 1,
		},
		{
			name:      "timeouts use every attempt",
			reply:     func(int32) (*llms.ContentResponse, error) { return nil, context.DeadlineExceeded },
			wantKind:  ragerr.ErrTimeout,
			wantCalls: 3,
		},
		{
			name: "timeout then success",
			reply: func(call int32) (*llms.ContentResponse, error) {
				if call == 1 {
					return nil, errors.New("request timed out")
				}
				return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "fine"}}}, nil
			},
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name: "empty completion",
			reply: func(int32) (*llms.ContentResponse, error) {
				return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "<think>only thoughts</think>  "}}}, nil
			},
			wantCalls: 1,
		},
		{
			name:      "no choices",
			reply:     func(int32) (*llms.ContentResponse, error) { return &llms.ContentResponse{}, nil },
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{}
			model.GenerateContentFunc = func(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
				return tt.reply(model.calls.Load())
			}
			g := NewLiveGenerator(model, config.LLMConfig{}, 0, fastPolicy())

			answer, err := g.Generate(context.Background(), "q", testHits(), nil)
			assert.Equal(t, tt.wantCalls, model.calls.Load())
			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, "fine", answer.Text)
				return
			}
			require.Error(t, err)
			assert.Nil(t, answer)
			assert.ErrorIs(t, err, ragerr.ErrGeneration)
			if tt.wantKind != nil {
				assert.ErrorIs(t, err, tt.wantKind)
			}
		})
	}
}

func TestLiveGeneratorStreams(t *testing.T) {
	model := &scriptedModel{GenerateContentFunc: func(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
		var opts llms.CallOptions
		for _, o := range options {
			o(&opts)
		}
		for _, part := range []string{"Rs ", "2 ", "crore"} {
			if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "Rs 2 crore"}}}, nil
	}}

	var streamed []byte
	g := NewLiveGenerator(model, config.LLMConfig{}, 0, fastPolicy(), WithStreaming(func(ctx context.Context, chunk []byte) error {
		streamed = append(streamed, chunk...)
		return nil
	}))
	answer, err := g.Generate(context.Background(), "q", testHits(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Rs 2 crore", string(streamed))
	assert.Equal(t, "Rs 2 crore", answer.Text)
}

func TestBuildContext(t *testing.T) {
	assert.Equal(t, "Minimum NOF is Rs 2 crore.\n\nDeposits need a rating.", BuildContext(testHits()))
	assert.Equal(t, "", BuildContext(nil))
}

func TestCannedMatch(t *testing.T) {
	g, err := DefaultCannedGenerator()
	require.NoError(t, err)

	tests := []struct {
		question string
		want     string
	}{
		{"What is an NBFC?", "what is nbfc"},
		{"How do I register a company?", "registration process"},
		{"Which body has RBI regulate them", "who regulates nbfc"},
		{"What is the minimum capital requirement?", "minimum capital requirement"},
		{"Explain housing and mortgage rules", "housing finance"},
		{"Tell me about the weather", ""},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			topic := g.Match(tt.question)
			if tt.want == "" {
				assert.Nil(t, topic)
				return
			}
			require.NotNil(t, topic)
			assert.Equal(t, tt.want, topic.Name)
		})
	}
}

func TestCannedGenerate(t *testing.T) {
	g, err := DefaultCannedGenerator()
	require.NoError(t, err)
	assert.Equal(t, "canned", g.Name())

	answer, err := g.Generate(context.Background(), "Tell me about housing finance companies", testHits(), nil)
	require.NoError(t, err)
	assert.Contains(t, answer.Text, "Housing Finance Companies (HFCs)")
	assert.Contains(t, answer.Text, "Reference pages: 301, 315")
	assert.Equal(t, models.ConfidenceHigh, answer.Confidence)
	assert.Equal(t, []string{"rbi.pdf#p4-c1", "rbi.pdf#p9-c3"}, answer.Sources)

	answer, err = g.Generate(context.Background(), "Tell me about the weather", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, answer.Text, `asking about "Tell me about the weather"`)
	assert.Equal(t, models.ConfidenceLow, answer.Confidence)
	assert.Empty(t, answer.Sources)
}

func TestParseCannedTableRejectsBadPattern(t *testing.T) {
	_, err := ParseCannedTable([]byte("topics:\n  - name: x\n    patterns: [\"(unclosed\"]\n"))
	assert.ErrorIs(t, err, ragerr.ErrConfiguration)
}
