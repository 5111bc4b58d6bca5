package operator

import (
	"github.com/smallbiznis/payrail/internal/operator/service"
	"go.uber.org/fx"
)

var Module = fx.Module("operator",
	fx.Provide(service.NewService),
)
