package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"codemint-controlplane/pkg/anthropic"
	"codemint-controlplane/pkg/featureflags"
	"codemint-controlplane/services/codebase"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	StrategyLLM       = "llm"
	StrategyHeuristic = "heuristic"

	SourceModel     = "model"
	SourceHeuristic = "heuristic"
	SourceDefault   = "default"

	defaultScore           = 0.5
	defaultNormalizer      = 20.0
	defaultMaxContentChars = 200_000
)

type Scores struct {
	Clarity      float64
	Architecture float64
	Quality      float64
	Summary      string
	Source       string
}

type ScorerConfig struct {
	Strategy string
	// LiveStrategy, when set, is consulted on every call and overrides
	// Strategy. It follows remotely reloaded config.
	LiveStrategy    func() string
	Normalizer      float64
	Model           string
	MaxTokens       int64
	Timeout         time.Duration
	Retries         uint64
	MaxContentChars int
}

type Scorer struct {
	cfg    ScorerConfig
	client anthropic.Client
	flags  featureflags.FeatureFlag
}

// NewScorer builds a scorer. client and flags may be nil; without a client
// every submission is scored heuristically.
func NewScorer(cfg ScorerConfig, client anthropic.Client, flags featureflags.FeatureFlag) *Scorer {
	if cfg.Normalizer <= 0 {
		cfg.Normalizer = defaultNormalizer
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = defaultMaxContentChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Scorer{cfg: cfg, client: client, flags: flags}
}

// Score never fails: model problems degrade to mid-point scores.
func (s *Scorer) Score(ctx context.Context, ownerID, content string, m codebase.Metrics) Scores {
	if !s.useModel(ctx, ownerID) {
		return Heuristic(m, s.cfg.Normalizer)
	}

	scores, err := s.scoreWithModel(ctx, content, m)
	if err != nil {
		zap.L().Warn("⚠️ model scoring failed, using default scores", zap.String("owner_id", ownerID), zap.Error(err))
		return Scores{Clarity: defaultScore, Architecture: defaultScore, Quality: defaultScore, Source: SourceDefault}
	}
	return scores
}

func (s *Scorer) useModel(ctx context.Context, ownerID string) bool {
	if s.client == nil {
		return false
	}
	if s.flags != nil && ownerID != "" {
		if enabled, ok := s.flags.IsEnabled(ctx, ownerID, featureflags.LLMScoring); ok {
			return enabled
		}
	}
	strategy := s.cfg.Strategy
	if s.cfg.LiveStrategy != nil {
		if live := s.cfg.LiveStrategy(); live != "" {
			strategy = live
		}
	}
	return strategy == StrategyLLM
}

// Heuristic derives all three scores from one scalar: log-scaled LLOC
// (scope) times log-scaled complexity plus compression ratio (structure),
// divided by normalizer and clamped to [0,1].
func Heuristic(m codebase.Metrics, normalizer float64) Scores {
	if normalizer <= 0 {
		normalizer = defaultNormalizer
	}
	scope := math.Log1p(float64(m.LLOC))
	structure := math.Log1p(m.AvgComplexity) + m.CompressionRatio
	score := clamp01(scope * structure / normalizer)

	return Scores{
		Clarity:      score,
		Architecture: score,
		Quality:      score,
		Source:       SourceHeuristic,
	}
}

const systemPrompt = `You are a senior code reviewer. Rate the submitted code on three axes, each a number between 0 and 1:
clarity (readability and naming), architecture (structure and separation of concerns), quality (correctness and robustness).
The objective metrics provided are measured facts; use them as ground truth.
Reply with a single JSON object and nothing else:
{"clarity": <number>, "architecture": <number>, "quality": <number>, "summary": "<one sentence>"}`

type modelVerdict struct {
	Clarity      *float64 `json:"clarity"`
	Architecture *float64 `json:"architecture"`
	Quality      *float64 `json:"quality"`
	Summary      string   `json:"summary"`
}

var errMalformed = errors.New("quality: malformed model response")

func (s *Scorer) scoreWithModel(ctx context.Context, content string, m codebase.Metrics) (Scores, error) {
	req := anthropic.MessageRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    systemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: s.prompt(content, m)}},
	}

	var text string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		resp, err := s.client.CreateMessage(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		text = resp.Text()
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.Retries), ctx)
	notify := func(err error, wait time.Duration) {
		zap.L().Debug("retrying model call", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Scores{}, err
	}

	return parseVerdict(text)
}

func (s *Scorer) prompt(content string, m codebase.Metrics) string {
	content = truncate(content, s.cfg.MaxContentChars)

	metrics, _ := json.Marshal(map[string]any{
		"files":             m.FileCount,
		"logical_lines":     m.LLOC,
		"tokens":            m.Tokens,
		"avg_complexity":    m.AvgComplexity,
		"compression_ratio": m.CompressionRatio,
	})

	var b strings.Builder
	b.WriteString("Objective metrics:\n")
	b.Write(metrics)
	b.WriteString("\n\nCode:\n")
	b.WriteString(content)
	return b.String()
}

func parseVerdict(text string) (Scores, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v modelVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Scores{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if v.Clarity == nil || v.Architecture == nil || v.Quality == nil {
		return Scores{}, fmt.Errorf("%w: missing score", errMalformed)
	}
	for _, f := range []float64{*v.Clarity, *v.Architecture, *v.Quality} {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return Scores{}, fmt.Errorf("%w: score %v out of range", errMalformed, f)
		}
	}

	return Scores{
		Clarity:      *v.Clarity,
		Architecture: *v.Architecture,
		Quality:      *v.Quality,
		Summary:      v.Summary,
		Source:       SourceModel,
	}, nil
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
