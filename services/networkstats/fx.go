package networkstats

import "go.uber.org/fx"

var Module = fx.Module("networkstats.service",
	fx.Provide(NewService),
)
