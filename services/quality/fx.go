package quality

import (
	"codemint-controlplane/pkg/anthropic"
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/featureflags"

	"go.uber.org/fx"
)

var Module = fx.Module("quality.service",
	fx.Provide(ProvideGate, ProvideScorer),
)

func ProvideGate(cfg *config.Config) (*Gate, error) {
	return NewGate(GateConfig{
		MinCompressionRatio: cfg.Valuation.MinCompressionRatio,
		MaxTokens:           cfg.Valuation.MaxTokens,
		Rules:               cfg.Valuation.GateRules,
	})
}

type ScorerParams struct {
	fx.In
	Config *config.Config
	Client anthropic.Client         `optional:"true"`
	Flags  featureflags.FeatureFlag `optional:"true"`
}

func ProvideScorer(p ScorerParams) *Scorer {
	return NewScorer(ScorerConfig{
		Strategy: p.Config.Valuation.ScoringStrategy,
		LiveStrategy: func() string {
			if c := config.Current(); c != nil {
				return c.Valuation.ScoringStrategy
			}
			return ""
		},
		Normalizer: p.Config.Valuation.HeuristicNormalizer,
		Model:      p.Config.Anthropic.Model,
		MaxTokens:  p.Config.Anthropic.MaxTokens,
		Timeout:    p.Config.Anthropic.Timeout,
		Retries:    3,
	}, p.Client, p.Flags)
}
