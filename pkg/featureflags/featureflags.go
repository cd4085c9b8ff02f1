package featureflags

import (
	"context"

	"codemint-controlplane/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// LLMScoring routes qualitative scoring for an owner to the model.
	LLMScoring = "llm_scoring"
)

type FeatureFlag interface {
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// IsEnabled reports the flag state for identifier. ok is false when
	// flags are not configured or the lookup failed.
	IsEnabled(ctx context.Context, identifier, feature string) (enabled bool, ok bool)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, nil
	}
	return s.client.GetIdentityFlags(identifier, traits)
}

func (s *featureflag) IsEnabled(ctx context.Context, identifier, feature string) (bool, bool) {
	if s.client == nil {
		return false, false
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		return false, false
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return false, false
	}
	return enabled, true
}
