package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/event"
	"github.com/smallbiznis/payrail/internal/funding"
	"github.com/smallbiznis/payrail/internal/ledger"
	"github.com/smallbiznis/payrail/internal/liability"
	"github.com/smallbiznis/payrail/internal/migration"
	"github.com/smallbiznis/payrail/internal/observability"
	"github.com/smallbiznis/payrail/internal/operator"
	"github.com/smallbiznis/payrail/internal/payment"
	"github.com/smallbiznis/payrail/internal/provider"
	"github.com/smallbiznis/payrail/internal/psp"
	"github.com/smallbiznis/payrail/internal/reconciliation"
	"github.com/smallbiznis/payrail/internal/scheduler"
	"github.com/smallbiznis/payrail/pkg/db"
	"github.com/smallbiznis/payrail/pkg/distlock"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		distlock.Module,
		clock.Module,

		// Payment core
		event.Module,
		ledger.Module,
		funding.Module,
		provider.Module,
		payment.Module,
		reconciliation.Module,
		liability.Module,
		psp.Module,
		operator.Module,

		// Background work and schema
		scheduler.Module,
		migration.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
