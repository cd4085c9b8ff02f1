package intake

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("intake.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(h *Handler, r *gin.Engine) { h.Register(r) }),
)
