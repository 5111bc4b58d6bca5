package event

import (
	"github.com/smallbiznis/payrail/internal/event/service"
	"go.uber.org/fx"
)

var Module = fx.Module("event.store",
	fx.Provide(service.NewService),
)
