package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/payrail/internal/ledger/service"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	liabilityservice "github.com/smallbiznis/payrail/internal/liability/service"
	operatordomain "github.com/smallbiznis/payrail/internal/operator/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	paymentservice "github.com/smallbiznis/payrail/internal/payment/service"
	"github.com/smallbiznis/payrail/internal/provider"
	"github.com/smallbiznis/payrail/internal/provider/achstub"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	reconservice "github.com/smallbiznis/payrail/internal/reconciliation/service"
	"github.com/smallbiznis/payrail/internal/seed"
	"github.com/smallbiznis/payrail/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type operatorEnv struct {
	conn      *gorm.DB
	clock     *clock.FakeClock
	ledger    ledgerdomain.Service
	payments  paymentdomain.Service
	recon     recondomain.Service
	liability liabilitydomain.Service
	operator  operatordomain.Service
	tenantID  uuid.UUID
	entityID  uuid.UUID
	bankID    uuid.UUID
}

func newOperatorEnv(t *testing.T) *operatorEnv {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, seed.EnsureReturnCodes(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := provider.NewRegistry(achstub.New(node, false))

	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Now())
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log})
	cfg := config.Config{Policy: config.PolicyConfig{DefaultCurrency: "USD", DefaultRail: "ach"}}
	payments := paymentservice.NewService(paymentservice.Params{
		DB: conn, Log: log, Config: cfg, Ledger: ledger, Providers: registry,
	})
	liability := liabilityservice.NewService(liabilityservice.Params{DB: conn, Log: log})
	recon := reconservice.NewService(reconservice.Params{
		DB: conn, Log: log, Ledger: ledger, Payments: payments,
		Providers: registry, Liability: liability,
	})
	operator := NewService(Params{
		DB: conn, Log: log, Clock: fakeClock,
		Reconciliation: recon, Liability: liability,
	})

	env := &operatorEnv{
		conn:      conn,
		clock:     fakeClock,
		ledger:    ledger,
		payments:  payments,
		recon:     recon,
		liability: liability,
		operator:  operator,
		tenantID:  uuid.New(),
		entityID:  uuid.New(),
	}

	account, err := recon.CreateBankAccount(context.Background(), recondomain.BankAccount{
		TenantID:     env.tenantID,
		Provider:     achstub.ProviderName,
		RoutingToken: "tok_routing_1",
		AccountToken: "tok_account_1",
		Currency:     "USD",
	})
	require.NoError(t, err)
	env.bankID = account.ID
	return env
}

func (e *operatorEnv) createInstruction(t *testing.T, key string) uuid.UUID {
	t.Helper()
	created, err := e.payments.CreateInstruction(context.Background(), paymentdomain.CreateInstructionInput{
		TenantID:       e.tenantID,
		LegalEntityID:  e.entityID,
		Purpose:        paymentdomain.PurposeEmployeeNet,
		Amount:         money.MustFromString("1000.00"),
		PayeeType:      "employee",
		PayeeRefID:     uuid.New(),
		IdempotencyKey: key,
		CorrelationID:  uuid.New(),
	})
	require.NoError(t, err)
	return created.InstructionID
}

func (e *operatorEnv) settle(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.payments.UpdateStatus(ctx, e.tenantID, id, paymentdomain.StatusSubmitted))
	require.NoError(t, e.payments.UpdateStatus(ctx, e.tenantID, id, paymentdomain.StatusSettled))
}

func TestStuckInstructions(t *testing.T) {
	env := newOperatorEnv(t)
	ctx := context.Background()

	stalled := env.createInstruction(t, "stalled")
	settled := env.createInstruction(t, "done")
	env.settle(t, settled)

	// Nothing is stuck until the stall window passes.
	stuck, err := env.operator.StuckInstructions(ctx, env.tenantID)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	env.clock.Advance(25 * time.Hour)
	stuck, err = env.operator.StuckInstructions(ctx, env.tenantID)
	require.NoError(t, err)
	require.Len(t, stuck, 1, "terminal instructions never count as stuck")
	assert.Equal(t, stalled, stuck[0].ID)
}

func TestNegativeBalances(t *testing.T) {
	env := newOperatorEnv(t)
	ctx := context.Background()

	clearing, err := env.ledger.GetOrCreateAccount(ctx, env.tenantID, env.entityID,
		ledgerdomain.AccountPSPSettlementClearing, "USD")
	require.NoError(t, err)
	funding, err := env.ledger.GetOrCreateAccount(ctx, env.tenantID, env.entityID,
		ledgerdomain.AccountClientFundingClearing, "USD")
	require.NoError(t, err)

	_, err = env.ledger.PostEntry(ctx, ledgerdomain.PostEntryInput{
		TenantID:        env.tenantID,
		LegalEntityID:   env.entityID,
		EntryType:       ledgerdomain.EntryFundingReceived,
		DebitAccountID:  clearing.ID,
		CreditAccountID: funding.ID,
		Amount:          money.MustFromString("750.00"),
		Currency:        "USD",
		IdempotencyKey:  "fund_1",
	})
	require.NoError(t, err)

	negative, err := env.operator.NegativeBalances(ctx, env.tenantID)
	require.NoError(t, err)
	require.Len(t, negative, 1)
	assert.Equal(t, clearing.ID, negative[0].AccountID)
	assert.Equal(t, ledgerdomain.AccountPSPSettlementClearing, negative[0].AccountType)
	assert.True(t, negative[0].Balance.Equal(money.MustFromString("-750.00")), "balance %s", negative[0].Balance)
}

func TestExpiredActiveReservations(t *testing.T) {
	env := newOperatorEnv(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour)
	expiring, err := env.ledger.CreateReservation(ctx, ledgerdomain.CreateReservationInput{
		TenantID:      env.tenantID,
		LegalEntityID: env.entityID,
		ReserveType:   ledgerdomain.ReserveNetPay,
		Amount:        money.MustFromString("500.00"),
		Currency:      "USD",
		SourceType:    "payroll_batch",
		SourceID:      "batch-1",
		ExpiresAt:     &expires,
	})
	require.NoError(t, err)

	consumed, err := env.ledger.CreateReservation(ctx, ledgerdomain.CreateReservationInput{
		TenantID:      env.tenantID,
		LegalEntityID: env.entityID,
		ReserveType:   ledgerdomain.ReserveNetPay,
		Amount:        money.MustFromString("300.00"),
		Currency:      "USD",
		SourceType:    "payroll_batch",
		SourceID:      "batch-2",
		ExpiresAt:     &expires,
	})
	require.NoError(t, err)
	_, err = env.ledger.ReleaseReservation(ctx, env.tenantID, consumed, true)
	require.NoError(t, err)

	expired, err := env.operator.ExpiredActiveReservations(ctx, env.tenantID)
	require.NoError(t, err)
	assert.Empty(t, expired, "nothing expires before the deadline")

	env.clock.Advance(2 * time.Hour)
	expired, err = env.operator.ExpiredActiveReservations(ctx, env.tenantID)
	require.NoError(t, err)
	require.Len(t, expired, 1, "released reservations are not reported")
	assert.Equal(t, expiring, expired[0].ID)
}

func TestReturnRate(t *testing.T) {
	env := newOperatorEnv(t)
	ctx := context.Background()

	first := env.createInstruction(t, "p1")
	second := env.createInstruction(t, "p2")
	third := env.createInstruction(t, "p3")
	env.createInstruction(t, "still-running")

	env.settle(t, first)
	env.settle(t, second)
	env.settle(t, third)
	require.NoError(t, env.payments.UpdateStatus(ctx, env.tenantID, third, paymentdomain.StatusReversed))

	rate, err := env.operator.ReturnRate(ctx, env.tenantID, 0)
	require.NoError(t, err)
	assert.Equal(t, 30, rate.WindowDays)
	assert.Equal(t, 3, rate.Terminal)
	assert.Equal(t, 1, rate.Returned)
	assert.InDelta(t, 33.33, rate.RatePct, 0.01)

	// A tenant with no terminal payments has a zero rate, not a panic.
	rate, err = env.operator.ReturnRate(ctx, uuid.New(), 30)
	require.NoError(t, err)
	assert.Equal(t, 0, rate.Terminal)
	assert.Zero(t, rate.RatePct)
}

func TestDailyHealth(t *testing.T) {
	env := newOperatorEnv(t)
	ctx := context.Background()

	// One settlement nobody sent.
	effective := time.Now().UTC().Truncate(24 * time.Hour)
	_, err := env.recon.ProcessRecords(ctx, env.tenantID, env.bankID, uuid.New(), achstub.ProviderName,
		[]providerdomain.SettlementRecord{{
			ExternalTraceID: "TRACE-ORPHAN",
			EffectiveDate:   &effective,
			Status:          "settled",
			Amount:          money.MustFromString("100.00"),
			Currency:        "USD",
			Direction:       providerdomain.DirectionOutbound,
		}})
	require.NoError(t, err)

	// One unresolved liability.
	classification, err := env.liability.ClassifyReturn(ctx, providerdomain.RailACH, "R01", money.MustFromString("200.00"), nil)
	require.NoError(t, err)
	_, err = env.liability.RecordLiabilityEvent(ctx, liabilitydomain.RecordInput{
		TenantID:       env.tenantID,
		LegalEntityID:  env.entityID,
		SourceType:     "settlement_event",
		SourceID:       uuid.NewString(),
		Currency:       "USD",
		Classification: classification,
		IdempotencyKey: "liability_1",
	})
	require.NoError(t, err)

	// One instruction stalled past the threshold.
	env.createInstruction(t, "stalled")
	env.clock.Advance(25 * time.Hour)

	report, err := env.operator.DailyHealth(ctx, env.tenantID)
	require.NoError(t, err)
	assert.Len(t, report.UnmatchedSettlements, 1)
	assert.Len(t, report.StuckInstructions, 1)
	assert.Len(t, report.PendingLiabilities, 1)
	assert.Empty(t, report.NegativeBalances)
	assert.Empty(t, report.ExpiredReservations)
	assert.Equal(t, 30, report.ReturnRate.WindowDays)
}
