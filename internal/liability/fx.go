package liability

import (
	"github.com/smallbiznis/payrail/internal/liability/service"
	"go.uber.org/fx"
)

var Module = fx.Module("liability",
	fx.Provide(service.NewService),
)
