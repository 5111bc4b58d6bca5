package reconciliation

import (
	"github.com/smallbiznis/payrail/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation",
	fx.Provide(service.NewService),
)
