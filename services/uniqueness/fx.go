package uniqueness

import (
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/embedding"

	"go.uber.org/fx"
)

var Module = fx.Module("uniqueness.service",
	fx.Provide(NewIndex, ProvideDetector),
)

type DetectorParams struct {
	fx.In
	Config   *config.Config
	Index    Index
	Embedder embedding.Client `optional:"true"`
}

func ProvideDetector(p DetectorParams) *Detector {
	return NewDetector(Config{
		UpdateThreshold:      p.Config.Valuation.UpdateThreshold,
		NearPerfectThreshold: p.Config.Valuation.NearPerfectThreshold,
		TopK:                 p.Config.Valuation.TopK,
	}, p.Index, p.Embedder)
}
