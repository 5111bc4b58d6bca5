package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/payrail/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	paymentservice "github.com/smallbiznis/payrail/internal/payment/service"
	"github.com/smallbiznis/payrail/internal/provider"
	"github.com/smallbiznis/payrail/internal/provider/achstub"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	reconservice "github.com/smallbiznis/payrail/internal/reconciliation/service"
	"github.com/smallbiznis/payrail/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerEnv struct {
	conn      *gorm.DB
	clock     *clock.FakeClock
	ledger    ledgerdomain.Service
	payments  paymentdomain.Service
	recon     recondomain.Service
	scheduler *Scheduler
	stub      *achstub.Provider
	tenantID  uuid.UUID
	entityID  uuid.UUID
	bankID    uuid.UUID
}

func newSchedulerEnv(t *testing.T, cfg Config) *schedulerEnv {
	t.Helper()
	conn := dbtest.Open(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	stub := achstub.New(node, false)
	registry := provider.NewRegistry(stub)

	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Now())
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log})
	appCfg := config.Config{Policy: config.PolicyConfig{DefaultCurrency: "USD", DefaultRail: "ach"}}
	payments := paymentservice.NewService(paymentservice.Params{
		DB: conn, Log: log, Config: appCfg, Ledger: ledger, Providers: registry,
	})
	recon := reconservice.NewService(reconservice.Params{
		DB: conn, Log: log, Ledger: ledger, Payments: payments, Providers: registry,
	})

	sched, err := New(Params{
		DB: conn, Log: log, Clock: fakeClock, Reconciliation: recon, Config: cfg,
	})
	require.NoError(t, err)

	env := &schedulerEnv{
		conn:      conn,
		clock:     fakeClock,
		ledger:    ledger,
		payments:  payments,
		recon:     recon,
		scheduler: sched,
		stub:      stub,
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

func (e *schedulerEnv) reserve(t *testing.T, sourceID string, expiresAt time.Time) uuid.UUID {
	t.Helper()
	id, err := e.ledger.CreateReservation(context.Background(), ledgerdomain.CreateReservationInput{
		TenantID:      e.tenantID,
		LegalEntityID: e.entityID,
		ReserveType:   ledgerdomain.ReserveNetPay,
		Amount:        money.MustFromString("100.00"),
		Currency:      "USD",
		SourceType:    "payroll_batch",
		SourceID:      sourceID,
		ExpiresAt:     &expiresAt,
	})
	require.NoError(t, err)
	return id
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIsJobEnabled(t *testing.T) {
	env := newSchedulerEnv(t, Config{})
	assert.True(t, env.scheduler.isJobEnabled("reconcile"), "empty list enables everything")
	assert.True(t, env.scheduler.isJobEnabled("expire_reservations"))

	env = newSchedulerEnv(t, Config{EnabledJobs: []string{"Expire_Reservations"}})
	assert.True(t, env.scheduler.isJobEnabled("expire_reservations"), "job names match case-insensitively")
	assert.False(t, env.scheduler.isJobEnabled("reconcile"))
}

func TestExpireReservationsJob_Batches(t *testing.T) {
	env := newSchedulerEnv(t, Config{BatchSize: 2})
	ctx := context.Background()
	now := env.clock.Now().UTC()

	var lapsed []uuid.UUID
	for i := 0; i < 5; i++ {
		lapsed = append(lapsed, env.reserve(t, fmt.Sprintf("old-%d", i), now.Add(-time.Hour)))
	}
	fresh := env.reserve(t, "fresh", now.Add(time.Hour))
	consumed := env.reserve(t, "consumed", now.Add(-time.Hour))
	_, err := env.ledger.ReleaseReservation(ctx, env.tenantID, consumed, true)
	require.NoError(t, err)

	require.NoError(t, env.scheduler.ExpireReservationsJob(ctx))

	for _, id := range lapsed {
		var reservation ledgerdomain.Reservation
		require.NoError(t, env.conn.First(&reservation, "id = ?", id).Error)
		assert.Equal(t, ledgerdomain.ReservationReleased, reservation.Status)
		assert.NotNil(t, reservation.ReleasedAt)
	}

	var reservation ledgerdomain.Reservation
	require.NoError(t, env.conn.First(&reservation, "id = ?", fresh).Error)
	assert.Equal(t, ledgerdomain.ReservationActive, reservation.Status)

	reservation = ledgerdomain.Reservation{}
	require.NoError(t, env.conn.First(&reservation, "id = ?", consumed).Error)
	assert.Equal(t, ledgerdomain.ReservationConsumed, reservation.Status, "consumed reservations are left alone")

	// A second sweep finds nothing.
	require.NoError(t, env.scheduler.ExpireReservationsJob(ctx))
}

func TestReconcileJob_PullsEveryActiveAccount(t *testing.T) {
	env := newSchedulerEnv(t, Config{})
	ctx := context.Background()

	created, err := env.payments.CreateInstruction(ctx, paymentdomain.CreateInstructionInput{
		TenantID:       env.tenantID,
		LegalEntityID:  env.entityID,
		Purpose:        paymentdomain.PurposeEmployeeNet,
		Amount:         money.MustFromString("1200.00"),
		PayeeType:      "employee",
		PayeeRefID:     uuid.New(),
		IdempotencyKey: "batch-1:emp-1:employee_net",
		CorrelationID:  uuid.New(),
	})
	require.NoError(t, err)
	submission, err := env.payments.Submit(ctx, env.tenantID, created.InstructionID, achstub.ProviderName)
	require.NoError(t, err)

	day := env.clock.Now().UTC().Truncate(24 * time.Hour)
	env.stub.SimulateSettlement(submission.ProviderRequestID, &day)

	require.NoError(t, env.scheduler.ReconcileJob(ctx))

	instruction, err := env.payments.GetInstruction(ctx, env.tenantID, created.InstructionID)
	require.NoError(t, err)
	require.NotNil(t, instruction)
	assert.Equal(t, paymentdomain.StatusSettled, instruction.Status)

	// Re-running the same day is harmless.
	require.NoError(t, env.scheduler.ReconcileJob(ctx))

	var settlementCount int64
	require.NoError(t, env.conn.Model(&recondomain.SettlementEvent{}).Count(&settlementCount).Error)
	assert.EqualValues(t, 1, settlementCount)
}

func TestRunOnce_SkipsDisabledJobs(t *testing.T) {
	env := newSchedulerEnv(t, Config{EnabledJobs: []string{"expire_reservations"}, BatchSize: 10})
	ctx := context.Background()
	now := env.clock.Now().UTC()

	lapsed := env.reserve(t, "old", now.Add(-time.Hour))

	created, err := env.payments.CreateInstruction(ctx, paymentdomain.CreateInstructionInput{
		TenantID:       env.tenantID,
		LegalEntityID:  env.entityID,
		Purpose:        paymentdomain.PurposeEmployeeNet,
		Amount:         money.MustFromString("800.00"),
		PayeeType:      "employee",
		PayeeRefID:     uuid.New(),
		IdempotencyKey: "batch-2:emp-1:employee_net",
		CorrelationID:  uuid.New(),
	})
	require.NoError(t, err)
	submission, err := env.payments.Submit(ctx, env.tenantID, created.InstructionID, achstub.ProviderName)
	require.NoError(t, err)

	day := env.clock.Now().UTC().Truncate(24 * time.Hour)
	env.stub.SimulateSettlement(submission.ProviderRequestID, &day)

	require.NoError(t, env.scheduler.RunOnce(ctx))

	var reservation ledgerdomain.Reservation
	require.NoError(t, env.conn.First(&reservation, "id = ?", lapsed).Error)
	assert.Equal(t, ledgerdomain.ReservationReleased, reservation.Status)

	// The reconcile job never ran, so the settlement feed was not pulled.
	instruction, err := env.payments.GetInstruction(ctx, env.tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusSubmitted, instruction.Status)
}
