package funding

import (
	"github.com/smallbiznis/payrail/internal/funding/service"
	"go.uber.org/fx"
)

var Module = fx.Module("funding.gate",
	fx.Provide(service.NewService),
)
