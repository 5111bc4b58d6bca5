package payment

import (
	"github.com/smallbiznis/payrail/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.orchestrator",
	fx.Provide(service.NewService),
)
