package psp

import (
	"github.com/smallbiznis/payrail/internal/psp/service"
	"go.uber.org/fx"
)

var Module = fx.Module("psp.facade",
	fx.Provide(service.NewService),
)
