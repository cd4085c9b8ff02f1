package valuation

import (
	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/linecount"
	"codemint-controlplane/pkg/notify"
	"codemint-controlplane/pkg/task"
	"codemint-controlplane/pkg/tokenizer"
	"codemint-controlplane/services/codebase"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/quality"
	"codemint-controlplane/services/reward"
	"codemint-controlplane/services/uniqueness"

	"go.uber.org/fx"
)

var Module = fx.Module("valuation.pipeline",
	fx.Provide(ProvideExtractor, ProvidePipeline),
)

var EnqueuerModule = fx.Module("valuation.enqueuer",
	fx.Provide(ProvideEnqueuer),
)

func ProvideExtractor(cfg *config.Config) *codebase.Extractor {
	var analyzer linecount.Analyzer
	if cfg.Analyzer.Binary != "" {
		analyzer = linecount.NewSCC(cfg.Analyzer.Binary, cfg.Analyzer.Timeout)
	}
	return codebase.NewExtractor(analyzer, tokenizer.New("cl100k_base"))
}

type PipelineParams struct {
	fx.In
	Config        *config.Config
	Blobs         blob.Store
	Contributions *contribution.Service
	Extractor     *codebase.Extractor
	Gate          *quality.Gate
	Scorer        *quality.Scorer
	Detector      *uniqueness.Detector
	Stats         *networkstats.Service
	Ledger        *ledger.Service
	Notifier      notify.Publisher `optional:"true"`
}

func ProvidePipeline(p PipelineParams) *Pipeline {
	return NewPipeline(Config{
		Reward: reward.Params{
			BaseCoefficient:  p.Config.Valuation.BaseCoefficient,
			HalvingThreshold: p.Config.Valuation.HalvingThreshold,
		},
		Parse: codebase.ParseOptions{IgnorePatterns: p.Config.Valuation.IgnorePatterns},
	}, Deps{
		Blobs:         p.Blobs,
		Contributions: p.Contributions,
		Extractor:     p.Extractor,
		Gate:          p.Gate,
		Scorer:        p.Scorer,
		Detector:      p.Detector,
		Stats:         p.Stats,
		Ledger:        p.Ledger,
		Notifier:      p.Notifier,
	})
}

func ProvideEnqueuer(cfg *config.Config, blobs blob.Store, tasks task.Enqueuer) *Enqueuer {
	return NewEnqueuer(blobs, tasks, cfg.Valuation.JobTimeout)
}
