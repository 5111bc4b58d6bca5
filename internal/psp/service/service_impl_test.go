package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dbtest"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	eventservice "github.com/smallbiznis/payrail/internal/event/service"
	fundingdomain "github.com/smallbiznis/payrail/internal/funding/domain"
	fundingservice "github.com/smallbiznis/payrail/internal/funding/service"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/payrail/internal/ledger/service"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	liabilityservice "github.com/smallbiznis/payrail/internal/liability/service"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	paymentservice "github.com/smallbiznis/payrail/internal/payment/service"
	"github.com/smallbiznis/payrail/internal/provider"
	"github.com/smallbiznis/payrail/internal/provider/achstub"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	pspdomain "github.com/smallbiznis/payrail/internal/psp/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	reconservice "github.com/smallbiznis/payrail/internal/reconciliation/service"
	"github.com/smallbiznis/payrail/internal/seed"
	"github.com/smallbiznis/payrail/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flakyProvider rejects submissions for one payee and accepts the rest.
type flakyProvider struct {
	inner      *achstub.Provider
	rejectedID uuid.UUID
}

func (f *flakyProvider) Name() string { return "flaky_ach" }

func (f *flakyProvider) Capabilities() providerdomain.RailCapabilities {
	return f.inner.Capabilities()
}

func (f *flakyProvider) Submit(ctx context.Context, payload providerdomain.SubmitPayload) (providerdomain.SubmitResult, error) {
	if payload.PayeeRefID == f.rejectedID {
		return providerdomain.SubmitResult{}, fmt.Errorf("flaky ach: connection reset")
	}
	return f.inner.Submit(ctx, payload)
}

func (f *flakyProvider) GetStatus(ctx context.Context, providerRequestID string) (providerdomain.StatusResult, error) {
	return f.inner.GetStatus(ctx, providerRequestID)
}

func (f *flakyProvider) Cancel(ctx context.Context, providerRequestID string) (providerdomain.CancelResult, error) {
	return f.inner.Cancel(ctx, providerRequestID)
}

func (f *flakyProvider) Reconcile(ctx context.Context, date time.Time) ([]providerdomain.SettlementRecord, error) {
	return f.inner.Reconcile(ctx, date)
}

type facadeEnv struct {
	conn     *gorm.DB
	ledger   ledgerdomain.Service
	payments paymentdomain.Service
	facade   pspdomain.Service
	stub     *achstub.Provider
	flaky    *flakyProvider
	tenantID uuid.UUID
	entityID uuid.UUID
	bankID   uuid.UUID
	fundAcct ledgerdomain.LedgerAccount
}

func newFacadeEnv(t *testing.T) *facadeEnv {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, seed.EnsureReturnCodes(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	stub := achstub.New(node, false)
	flaky := &flakyProvider{inner: achstub.New(node, false), rejectedID: uuid.New()}
	registry := provider.NewRegistry(stub, flaky)

	log := zap.NewNop()
	cfg := config.Config{Policy: config.PolicyConfig{
		DefaultCurrency:     "USD",
		DefaultRail:         "ach",
		ReservationTTLHours: 24,
		PayGateEnforced:     true,
		EmitEvents:          true,
	}}

	events := eventservice.NewService(eventservice.Params{DB: conn, Log: log})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, Events: events})
	funding := fundingservice.NewService(fundingservice.Params{DB: conn, Log: log, Config: cfg, Ledger: ledger})
	payments := paymentservice.NewService(paymentservice.Params{
		DB: conn, Log: log, Config: cfg, Ledger: ledger, Providers: registry, Events: events,
	})
	liability := liabilityservice.NewService(liabilityservice.Params{DB: conn, Log: log, Events: events})
	recon := reconservice.NewService(reconservice.Params{
		DB: conn, Log: log, Ledger: ledger, Payments: payments,
		Providers: registry, Liability: liability, Events: events,
	})
	facade := NewService(Params{
		DB: conn, Log: log, Config: cfg, Funding: funding, Ledger: ledger,
		Payments: payments, Reconciliation: recon, Liability: liability, Events: events,
	})

	env := &facadeEnv{
		conn:     conn,
		ledger:   ledger,
		payments: payments,
		facade:   facade,
		stub:     stub,
		flaky:    flaky,
		tenantID: uuid.New(),
		entityID: uuid.New(),
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

	env.fundAcct, err = ledger.GetOrCreateAccount(context.Background(), env.tenantID, env.entityID,
		ledgerdomain.AccountClientFundingClearing, "USD")
	require.NoError(t, err)
	return env
}

func (e *facadeEnv) fund(t *testing.T, amount string) {
	t.Helper()
	debit, err := e.ledger.GetOrCreateAccount(context.Background(), e.tenantID, e.entityID,
		ledgerdomain.AccountPSPSettlementClearing, "USD")
	require.NoError(t, err)
	_, err = e.ledger.PostEntry(context.Background(), ledgerdomain.PostEntryInput{
		TenantID:        e.tenantID,
		LegalEntityID:   e.entityID,
		EntryType:       ledgerdomain.EntryFundingReceived,
		DebitAccountID:  debit.ID,
		CreditAccountID: e.fundAcct.ID,
		Amount:          money.MustFromString(amount),
		Currency:        "USD",
		IdempotencyKey:  "fund_" + uuid.NewString(),
	})
	require.NoError(t, err)
}

// batch builds a two-employee run: 5000 net, 1500 tax, 500 third party.
func (e *facadeEnv) batch(batchID string) pspdomain.PayrollBatch {
	return pspdomain.PayrollBatch{
		TenantID:      e.tenantID,
		LegalEntityID: e.entityID,
		BatchID:       batchID,
		PayRunID:      "run-" + batchID,
		Totals: fundingdomain.PayRunTotals{
			Net:        money.MustFromString("5000.00"),
			Tax:        money.MustFromString("1500.00"),
			ThirdParty: money.MustFromString("500.00"),
		},
		FundingModel: fundingdomain.ModelPrefundAll,
		Currency:     "USD",
		Items: []pspdomain.PayrollItem{
			{PayeeRefID: uuid.New(), PayeeType: "employee", Purpose: paymentdomain.PurposeEmployeeNet, Amount: money.MustFromString("2000.00")},
			{PayeeRefID: uuid.New(), PayeeType: "employee", Purpose: paymentdomain.PurposeEmployeeNet, Amount: money.MustFromString("3000.00")},
		},
	}
}

func traceFor(batch pspdomain.PayrollBatch, item pspdomain.PayrollItem) string {
	return fmt.Sprintf("ACHSTUB-%s:%s:%s", batch.BatchID, item.PayeeRefID, item.Purpose)
}

func TestCommitExecuteIngest_HappyPath(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-01-15")

	commit, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CommitApproved, commit.Status)
	require.NotNil(t, commit.ReservationID)
	assert.Equal(t, 2, commit.ApprovedCount)
	assert.True(t, commit.Total.Equal(money.MustFromString("7000.00")), "total %s", commit.Total)

	balance, err := env.ledger.GetBalance(ctx, env.tenantID, env.fundAcct.ID)
	require.NoError(t, err)
	assert.True(t, balance.Reserved.Equal(money.MustFromString("7000.00")), "reserved %s", balance.Reserved)

	execute, err := env.facade.ExecutePayments(ctx, pspdomain.ExecuteInput{
		Batch:         batch,
		ReservationID: commit.ReservationID,
		ProviderName:  achstub.ProviderName,
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.ExecuteCompleted, execute.Status)
	assert.Equal(t, 2, execute.Submitted)
	assert.Equal(t, 0, execute.Failed)
	assert.True(t, execute.ReservationConsumed)
	assert.Equal(t, fundingdomain.OutcomePass, execute.GateOutcome)

	// Consuming the reservation frees the headroom.
	balance, err = env.ledger.GetBalance(ctx, env.tenantID, env.fundAcct.ID)
	require.NoError(t, err)
	assert.True(t, balance.Reserved.IsZero(), "reserved %s", balance.Reserved)

	// The bank's settlement feed closes the loop.
	records := make([]providerdomain.SettlementRecord, 0, len(batch.Items))
	effective := time.Now().UTC().Truncate(24 * time.Hour)
	for _, item := range batch.Items {
		records = append(records, providerdomain.SettlementRecord{
			ExternalTraceID: traceFor(batch, item),
			EffectiveDate:   &effective,
			Status:          "settled",
			Amount:          item.Amount,
			Currency:        "USD",
			Direction:       providerdomain.DirectionOutbound,
		})
	}
	ingest, err := env.facade.IngestSettlementFeed(ctx, env.tenantID, env.bankID, achstub.ProviderName, records)
	require.NoError(t, err)
	assert.Equal(t, 2, ingest.Reconciliation.Matched)
	assert.Equal(t, 0, ingest.Reconciliation.Failed)

	for _, item := range execute.Items {
		instruction, err := env.payments.GetInstruction(ctx, env.tenantID, item.InstructionID)
		require.NoError(t, err)
		require.NotNil(t, instruction)
		assert.Equal(t, paymentdomain.StatusSettled, instruction.Status)
	}

	var approvedEvents int64
	require.NoError(t, env.conn.Model(&eventdomain.StoredEvent{}).
		Where("event_type = ?", eventdomain.TypeFundingApproved).
		Count(&approvedEvents).Error)
	assert.EqualValues(t, 1, approvedEvents)
}

func TestCommit_InsufficientFunds(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "1000.00")

	commit, err := env.facade.CommitPayrollBatch(ctx, env.batch("2026-01-31"))
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CommitInsufficientFunds, commit.Status)
	assert.Equal(t, "blocked_funds", string(commit.Status))
	assert.Equal(t, "blocked_policy", string(pspdomain.CommitBlocked))
	assert.Nil(t, commit.ReservationID)
	assert.Equal(t, 2, commit.BlockedCount)
	assert.Equal(t, fundingdomain.ReasonInsufficientFunds, commit.Reason)

	var insufficientEvents int64
	require.NoError(t, env.conn.Model(&eventdomain.StoredEvent{}).
		Where("event_type = ?", eventdomain.TypeFundingInsufficientFunds).
		Count(&insufficientEvents).Error)
	assert.EqualValues(t, 1, insufficientEvents)
}

func TestCommit_ReplayReusesReservation(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-02-15")

	first, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, pspdomain.CommitApproved, first.Status)

	second, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CommitApproved, second.Status)
	require.NotNil(t, second.ReservationID)
	assert.Equal(t, *first.ReservationID, *second.ReservationID, "replayed commit must not double reserve")

	var reservations int64
	require.NoError(t, env.conn.Model(&ledgerdomain.Reservation{}).Count(&reservations).Error)
	assert.EqualValues(t, 1, reservations)
}

func TestExecute_ReplayShortCircuits(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-03-15")

	commit, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	in := pspdomain.ExecuteInput{Batch: batch, ReservationID: commit.ReservationID, ProviderName: achstub.ProviderName}

	first, err := env.facade.ExecutePayments(ctx, in)
	require.NoError(t, err)
	require.Equal(t, pspdomain.ExecuteCompleted, first.Status)

	second, err := env.facade.ExecutePayments(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, pspdomain.ExecuteCompleted, second.Status)
	assert.Equal(t, 2, second.Submitted)
	for _, item := range second.Items {
		assert.True(t, item.WasDuplicate)
		assert.True(t, item.Accepted)
		assert.Equal(t, "already submitted", item.Message)
	}
	// The first run already consumed the reservation.
	assert.False(t, second.ReservationConsumed)

	var instructions int64
	require.NoError(t, env.conn.Model(&paymentdomain.PaymentInstruction{}).Count(&instructions).Error)
	assert.EqualValues(t, 2, instructions, "replay creates no new instructions")
}

func TestExecute_PartialFailureKeepsReservation(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-04-15")
	env.flaky.rejectedID = batch.Items[1].PayeeRefID

	commit, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)

	execute, err := env.facade.ExecutePayments(ctx, pspdomain.ExecuteInput{
		Batch:         batch,
		ReservationID: commit.ReservationID,
		ProviderName:  env.flaky.Name(),
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.ExecutePartial, execute.Status)
	assert.Equal(t, 1, execute.Submitted)
	assert.Equal(t, 1, execute.Failed)
	assert.False(t, execute.ReservationConsumed)

	// The reservation stays active for the retry.
	balance, err := env.ledger.GetBalance(ctx, env.tenantID, env.fundAcct.ID)
	require.NoError(t, err)
	assert.True(t, balance.Reserved.Equal(money.MustFromString("7000.00")), "reserved %s", balance.Reserved)
}

func TestExecute_PayGateBlocks(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "1000.00")
	batch := env.batch("2026-05-15")

	execute, err := env.facade.ExecutePayments(ctx, pspdomain.ExecuteInput{
		Batch:        batch,
		ProviderName: achstub.ProviderName,
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.ExecuteBlocked, execute.Status)
	assert.Equal(t, fundingdomain.OutcomeHardFail, execute.GateOutcome)
	assert.Equal(t, 2, execute.Failed)
	assert.Empty(t, execute.Items, "no instructions are created when the gate blocks")
}

func TestIngest_CorrelationGroupsSettlementEvents(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-08-15")

	commit, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	_, err = env.facade.ExecutePayments(ctx, pspdomain.ExecuteInput{
		Batch:         batch,
		ReservationID: commit.ReservationID,
		ProviderName:  achstub.ProviderName,
	})
	require.NoError(t, err)

	effective := time.Now().UTC().Truncate(24 * time.Hour)
	records := make([]providerdomain.SettlementRecord, 0, len(batch.Items))
	for _, item := range batch.Items {
		records = append(records, providerdomain.SettlementRecord{
			ExternalTraceID: traceFor(batch, item),
			EffectiveDate:   &effective,
			Status:          "settled",
			Amount:          item.Amount,
			Currency:        "USD",
			Direction:       providerdomain.DirectionOutbound,
		})
	}
	ingest, err := env.facade.IngestSettlementFeed(ctx, env.tenantID, env.bankID, achstub.ProviderName, records)
	require.NoError(t, err)
	require.Equal(t, 2, ingest.Reconciliation.Matched)

	// One ingest call, one correlation id: every per-record event must
	// group under it alongside the started/completed pair.
	var received int64
	require.NoError(t, env.conn.Model(&eventdomain.StoredEvent{}).
		Where("event_type = ? AND correlation_id = ?", eventdomain.TypeSettlementReceived, ingest.CorrelationID).
		Count(&received).Error)
	assert.EqualValues(t, 2, received)

	var bookends int64
	require.NoError(t, env.conn.Model(&eventdomain.StoredEvent{}).
		Where("event_type IN ? AND correlation_id = ?",
			[]string{eventdomain.TypeReconciliationStarted, eventdomain.TypeReconciliationCompleted},
			ingest.CorrelationID).
		Count(&bookends).Error)
	assert.EqualValues(t, 2, bookends)
}

func TestHandleProviderCallback_ReturnFlow(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()
	env.fund(t, "20000.00")
	batch := env.batch("2026-06-15")

	commit, err := env.facade.CommitPayrollBatch(ctx, batch)
	require.NoError(t, err)
	execute, err := env.facade.ExecutePayments(ctx, pspdomain.ExecuteInput{
		Batch:         batch,
		ReservationID: commit.ReservationID,
		ProviderName:  achstub.ProviderName,
	})
	require.NoError(t, err)
	require.Equal(t, pspdomain.ExecuteCompleted, execute.Status)
	requestID := traceFor(batch, batch.Items[0])

	// A return before settlement is an illegal move, not a crash.
	result, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "return", pspdomain.CallbackPayload{
		ProviderRequestID: requestID,
		ReturnCode:        "R01",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackInvalid, result.Status)

	settled, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "settlement", pspdomain.CallbackPayload{
		ProviderRequestID: requestID,
		Status:            "settled",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackProcessed, settled.Status)

	returned, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "return", pspdomain.CallbackPayload{
		ProviderRequestID: requestID,
		ReturnCode:        "R01",
		ReturnReason:      "Insufficient funds",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackProcessed, returned.Status)
	require.NotNil(t, returned.InstructionID)

	instruction, err := env.payments.GetInstruction(ctx, env.tenantID, *returned.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusReversed, instruction.Status)

	var liabilityEvent liabilitydomain.LiabilityEvent
	require.NoError(t, env.conn.Where("tenant_id = ?", env.tenantID).First(&liabilityEvent).Error)
	assert.Equal(t, liabilitydomain.PartyEmployer, liabilityEvent.LiabilityParty)
	assert.True(t, liabilityEvent.LossAmount.Equal(money.MustFromString("2000.00")))

	// The provider retries the webhook; nothing moves twice.
	replay, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "return", pspdomain.CallbackPayload{
		ProviderRequestID: requestID,
		ReturnCode:        "R01",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackDuplicate, replay.Status)

	var liabilityCount int64
	require.NoError(t, env.conn.Model(&liabilitydomain.LiabilityEvent{}).Count(&liabilityCount).Error)
	assert.EqualValues(t, 1, liabilityCount)
}

func TestHandleProviderCallback_UnknownAndInvalid(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	unknown, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "settlement", pspdomain.CallbackPayload{
		ProviderRequestID: "ACHSTUB-nobody",
		Status:            "settled",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackUnknown, unknown.Status)

	missing, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "settlement", pspdomain.CallbackPayload{})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackInvalid, missing.Status)

	garbled, err := env.facade.HandleProviderCallback(ctx, env.tenantID, achstub.ProviderName, "weather_report", pspdomain.CallbackPayload{
		ProviderRequestID: "ACHSTUB-nobody",
		Status:            "sunny",
	})
	require.NoError(t, err)
	assert.Equal(t, pspdomain.CallbackInvalid, garbled.Status)
}

func TestCommit_ValidatesBatch(t *testing.T) {
	env := newFacadeEnv(t)
	ctx := context.Background()

	bad := env.batch("")
	_, err := env.facade.CommitPayrollBatch(ctx, bad)
	assert.ErrorIs(t, err, pspdomain.ErrInvalidInput)

	bad = env.batch("2026-07-15")
	bad.Items[0].Amount = money.Zero()
	_, err = env.facade.CommitPayrollBatch(ctx, bad)
	assert.ErrorIs(t, err, pspdomain.ErrInvalidInput)
}
