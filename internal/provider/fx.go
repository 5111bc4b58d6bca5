package provider

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/provider/achstub"
	"github.com/smallbiznis/payrail/internal/provider/fednowstub"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.registry",
	fx.Provide(func(traceGen *snowflake.Node) *Registry {
		return NewRegistry(
			achstub.New(traceGen, false),
			fednowstub.New(traceGen, true),
		)
	}),
)
