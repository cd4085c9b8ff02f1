package quality

import (
	"context"
	"errors"
	"math"
	"testing"
	"unicode/utf8"

	"codemint-controlplane/pkg/anthropic"
	"codemint-controlplane/services/codebase"
	"codemint-controlplane/services/contribution"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestGateOrder(t *testing.T) {
	gate, err := NewGate(GateConfig{MinCompressionRatio: 0.10, MaxTokens: 700_000})
	require.NoError(t, err)

	// Low entropy wins even when the submission is also oversize.
	v := gate.Check(codebase.Metrics{CompressionRatio: 0.05, Tokens: 900_000})
	require.Equal(t, contribution.ReasonLowEntropy, v.Reason)
	require.False(t, v.Passed())

	v = gate.Check(codebase.Metrics{CompressionRatio: 0.4, Tokens: 700_001})
	require.Equal(t, contribution.ReasonOversize, v.Reason)

	v = gate.Check(codebase.Metrics{CompressionRatio: 0.4, Tokens: 700_000})
	require.True(t, v.Passed())
}

func TestGatePolicyRules(t *testing.T) {
	gate, err := NewGate(GateConfig{
		MinCompressionRatio: 0.10,
		MaxTokens:           700_000,
		Rules:               []string{`lloc == 0 && tokens > 1000`, `"Minified JavaScript" in languages`},
	})
	require.NoError(t, err)

	v := gate.Check(codebase.Metrics{CompressionRatio: 0.3, Tokens: 5000})
	require.Equal(t, contribution.ReasonPolicy, v.Reason)

	v = gate.Check(codebase.Metrics{CompressionRatio: 0.3, Tokens: 5000, LLOC: 10})
	require.True(t, v.Passed())

	_, err = NewGate(GateConfig{Rules: []string{`tokens + 1`}})
	require.Error(t, err)

	_, err = NewGate(GateConfig{Rules: []string{`unknown_field > 1`}})
	require.Error(t, err)
}

func TestHeuristic(t *testing.T) {
	m := codebase.Metrics{LLOC: 500, AvgComplexity: 8, CompressionRatio: 0.4}
	want := math.Log(501) * (math.Log(9) + 0.4) / 20

	s := Heuristic(m, 20)
	require.InDelta(t, want, s.Clarity, 1e-12)
	require.Equal(t, s.Clarity, s.Architecture)
	require.Equal(t, s.Clarity, s.Quality)
	require.Equal(t, SourceHeuristic, s.Source)

	require.Equal(t, 1.0, Heuristic(codebase.Metrics{LLOC: 1_000_000, AvgComplexity: 1000, CompressionRatio: 1}, 20).Clarity)
	require.Equal(t, 0.0, Heuristic(codebase.Metrics{}, 0).Clarity)
}

type fakeModel struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeModel) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := f.replies[len(f.replies)-1]
	if i < len(f.replies) {
		text = f.replies[i]
	}
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}, nil
}

type fakeFlags struct {
	enabled bool
	ok      bool
}

func (f fakeFlags) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f fakeFlags) IsEnabled(context.Context, string, string) (bool, bool) {
	return f.enabled, f.ok
}

func TestScorerModel(t *testing.T) {
	model := &fakeModel{replies: []string{"```json\n{\"clarity\":0.6,\"architecture\":0.7,\"quality\":0.5,\"summary\":\"tidy\"}\n```"}}
	scorer := NewScorer(ScorerConfig{Strategy: StrategyLLM}, model, nil)

	s := scorer.Score(context.Background(), "owner", "package main", codebase.Metrics{})
	require.Equal(t, Scores{Clarity: 0.6, Architecture: 0.7, Quality: 0.5, Summary: "tidy", Source: SourceModel}, s)
}

func TestScorerRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		errs:    []error{errors.New("529 overloaded")},
		replies: []string{"", `{"clarity":0.9,"architecture":0.8,"quality":0.7}`},
	}
	scorer := NewScorer(ScorerConfig{Strategy: StrategyLLM, Retries: 2}, model, nil)

	s := scorer.Score(context.Background(), "owner", "x", codebase.Metrics{})
	require.Equal(t, SourceModel, s.Source)
	require.Equal(t, 2, model.calls)
}

func TestScorerDegradesOnMalformedReply(t *testing.T) {
	for _, reply := range []string{
		"I think this code is great",
		`{"clarity":0.9}`,
		`{"clarity":1.5,"architecture":0.8,"quality":0.7}`,
	} {
		model := &fakeModel{replies: []string{reply}}
		scorer := NewScorer(ScorerConfig{Strategy: StrategyLLM, Retries: 3}, model, nil)

		s := scorer.Score(context.Background(), "owner", "x", codebase.Metrics{})
		require.Equal(t, Scores{Clarity: 0.5, Architecture: 0.5, Quality: 0.5, Source: SourceDefault}, s, reply)
		require.Equal(t, 1, model.calls, "malformed replies are not retried")
	}
}

func TestScorerStrategySelection(t *testing.T) {
	m := codebase.Metrics{LLOC: 100, AvgComplexity: 3, CompressionRatio: 0.3}
	reply := `{"clarity":0.1,"architecture":0.1,"quality":0.1}`

	// Without a client the heuristic always runs.
	s := NewScorer(ScorerConfig{Strategy: StrategyLLM}, nil, nil).Score(context.Background(), "o", "x", m)
	require.Equal(t, SourceHeuristic, s.Source)

	// Flag enabled for the owner overrides a heuristic default.
	s = NewScorer(ScorerConfig{Strategy: StrategyHeuristic}, &fakeModel{replies: []string{reply}}, fakeFlags{enabled: true, ok: true}).
		Score(context.Background(), "o", "x", m)
	require.Equal(t, SourceModel, s.Source)

	// Flag disabled overrides an llm default.
	s = NewScorer(ScorerConfig{Strategy: StrategyLLM}, &fakeModel{replies: []string{reply}}, fakeFlags{enabled: false, ok: true}).
		Score(context.Background(), "o", "x", m)
	require.Equal(t, SourceHeuristic, s.Source)

	// Unavailable flags fall back to configuration.
	s = NewScorer(ScorerConfig{Strategy: StrategyLLM}, &fakeModel{replies: []string{reply}}, fakeFlags{}).
		Score(context.Background(), "o", "x", m)
	require.Equal(t, SourceModel, s.Source)

	// A reloaded strategy wins over the startup value.
	live := StrategyHeuristic
	scorer := NewScorer(ScorerConfig{Strategy: StrategyLLM, LiveStrategy: func() string { return live }},
		&fakeModel{replies: []string{reply, reply}}, nil)
	require.Equal(t, SourceHeuristic, scorer.Score(context.Background(), "o", "x", m).Source)
	live = StrategyLLM
	require.Equal(t, SourceModel, scorer.Score(context.Background(), "o", "x", m).Source)
}

func TestPromptTruncatesOnRuneBoundary(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "é", truncate("éé", 3))
	require.Equal(t, "", truncate("世界", 2))

	scorer := NewScorer(ScorerConfig{Strategy: StrategyLLM, MaxContentChars: 7}, nil, nil)
	prompt := scorer.prompt("// 日本語のコメント", codebase.Metrics{})
	require.True(t, utf8.ValidString(prompt))
	require.Contains(t, prompt, "// 日")
	require.NotContains(t, prompt, "日本")
}
