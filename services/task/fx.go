package task

import (
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
	),
)

var SchedulerModule = fx.Module("task.scheduler",
	fx.Invoke(StartScheduler),
)
