package achstub

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/provider/domain"
	"github.com/smallbiznis/payrail/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStub(t *testing.T, autoSettle bool) *Provider {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(node, autoSettle)
}

func payload(key string) domain.SubmitPayload {
	return domain.SubmitPayload{
		PaymentInstructionID: uuid.New(),
		IdempotencyKey:       key,
		Amount:               money.MustFromString("1500.00"),
		Currency:             "USD",
		Direction:            domain.DirectionOutbound,
		Purpose:              "employee_net",
		PayeeType:            "employee",
		PayeeRefID:           uuid.New(),
	}
}

func TestSubmit_IdempotentOnKey(t *testing.T) {
	stub := newStub(t, false)
	ctx := context.Background()

	first, err := stub.Submit(ctx, payload("batch-1:emp-1:employee_net"))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.Equal(t, "ACHSTUB-batch-1:emp-1:employee_net", first.ProviderRequestID)
	assert.NotEmpty(t, first.TraceID)

	second, err := stub.Submit(ctx, payload("batch-1:emp-1:employee_net"))
	require.NoError(t, err)
	assert.Equal(t, first.ProviderRequestID, second.ProviderRequestID)
	assert.Equal(t, first.TraceID, second.TraceID, "duplicate submit returns the original trace")

	_, err = stub.Submit(ctx, payload("  "))
	assert.Error(t, err)
}

func TestSubmit_RequestedSettlementDate(t *testing.T) {
	stub := newStub(t, false)
	requested := time.Now().UTC().AddDate(0, 0, 5)

	in := payload("batch-1:emp-2:employee_net")
	in.RequestedSettlementDate = &requested
	result, err := stub.Submit(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, result.EstimatedSettlementDate)
	assert.Equal(t, requested.Truncate(24*time.Hour), *result.EstimatedSettlementDate)
}

func TestGetStatusAndCancel(t *testing.T) {
	stub := newStub(t, false)
	ctx := context.Background()

	submitted, err := stub.Submit(ctx, payload("batch-1:emp-3:employee_net"))
	require.NoError(t, err)

	status, err := stub.GetStatus(ctx, submitted.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", status.Status)
	assert.Equal(t, submitted.TraceID, status.ExternalTraceID)

	status, err = stub.GetStatus(ctx, "ACHSTUB-nobody")
	require.NoError(t, err)
	assert.Equal(t, "unknown", status.Status)

	cancel, err := stub.Cancel(ctx, submitted.ProviderRequestID)
	require.NoError(t, err)
	assert.True(t, cancel.Success)

	// Settled payments are past the recall window.
	settled, err := stub.Submit(ctx, payload("batch-1:emp-4:employee_net"))
	require.NoError(t, err)
	stub.SimulateSettlement(settled.ProviderRequestID, nil)
	cancel, err = stub.Cancel(ctx, settled.ProviderRequestID)
	require.NoError(t, err)
	assert.False(t, cancel.Success)
}

func TestReconcile_FiltersBySettlementDate(t *testing.T) {
	stub := newStub(t, false)
	ctx := context.Background()

	today := time.Now().UTC().Truncate(24 * time.Hour)

	first, err := stub.Submit(ctx, payload("batch-1:emp-5:employee_net"))
	require.NoError(t, err)
	// The second item keeps its default t+1 settlement date, so it stays
	// off today's feed.
	_, err = stub.Submit(ctx, payload("batch-1:emp-6:employee_net"))
	require.NoError(t, err)

	stub.SimulateSettlement(first.ProviderRequestID, &today)

	records, err := stub.Reconcile(ctx, today)
	require.NoError(t, err)
	require.Len(t, records, 1, "only items settling on the requested day appear")
	assert.Equal(t, first.ProviderRequestID, records[0].ExternalTraceID)
	assert.Equal(t, "settled", records[0].Status)
	assert.True(t, records[0].Amount.Equal(money.MustFromString("1500.00")))
	assert.Equal(t, first.TraceID, records[0].RawPayload["trace_number"])
}

func TestSimulateReturn_CarriesCodeAndReason(t *testing.T) {
	stub := newStub(t, false)
	ctx := context.Background()
	day := time.Now().UTC().AddDate(0, 0, 2).Truncate(24 * time.Hour)

	submitted, err := stub.Submit(ctx, payload("batch-1:emp-7:employee_net"))
	require.NoError(t, err)
	stub.SimulateSettlement(submitted.ProviderRequestID, &day)
	stub.SimulateReturn(submitted.ProviderRequestID, "R01", "Insufficient funds")

	records, err := stub.Reconcile(ctx, day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "returned", records[0].Status)
	assert.Equal(t, "R01", records[0].ReturnCode)
	assert.Equal(t, "Insufficient funds", records[0].RawPayload["return_reason"])
}

func TestAutoSettle(t *testing.T) {
	stub := newStub(t, true)

	submitted, err := stub.Submit(context.Background(), payload("batch-1:emp-8:employee_net"))
	require.NoError(t, err)

	status, err := stub.GetStatus(context.Background(), submitted.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, "settled", status.Status)
}
