package fednowstub

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
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return New(node, autoSettle)
}

func payload(key, amount string) domain.SubmitPayload {
	return domain.SubmitPayload{
		PaymentInstructionID: uuid.New(),
		IdempotencyKey:       key,
		Amount:               money.MustFromString(amount),
		Currency:             "USD",
		Direction:            domain.DirectionOutbound,
		Purpose:              "employee_net",
		PayeeType:            "employee",
		PayeeRefID:           uuid.New(),
	}
}

func TestSubmit_IdempotentOnKey(t *testing.T) {
	stub := newStub(t, true)
	ctx := context.Background()

	first, err := stub.Submit(ctx, payload("batch-1:emp-1:employee_net", "1500.00"))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.Equal(t, "FEDNOW-batch-1:emp-1:employee_net", first.ProviderRequestID)
	assert.NotEmpty(t, first.TraceID)

	second, err := stub.Submit(ctx, payload("batch-1:emp-1:employee_net", "1500.00"))
	require.NoError(t, err)
	assert.Equal(t, first.ProviderRequestID, second.ProviderRequestID)
	assert.Equal(t, first.TraceID, second.TraceID, "duplicate submit returns the original message id")

	_, err = stub.Submit(ctx, payload("  ", "1500.00"))
	assert.Error(t, err)
}

func TestSubmit_RejectsOverLimit(t *testing.T) {
	stub := newStub(t, true)

	result, err := stub.Submit(context.Background(), payload("batch-1:emp-2:employee_net", "500000.01"))
	require.NoError(t, err, "a network reject is a result, not an error")
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "limit exceeded")

	// The reject left nothing behind to reconcile.
	status, err := stub.GetStatus(context.Background(), result.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", status.Status)
}

func TestInstantSettlementAndCancel(t *testing.T) {
	stub := newStub(t, true)
	ctx := context.Background()

	submitted, err := stub.Submit(ctx, payload("batch-1:emp-3:employee_net", "2000.00"))
	require.NoError(t, err)
	require.NotNil(t, submitted.EstimatedSettlementDate)
	assert.Equal(t, time.Now().UTC().Truncate(24*time.Hour), *submitted.EstimatedSettlementDate)

	status, err := stub.GetStatus(ctx, submitted.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, "settled", status.Status)

	cancel, err := stub.Cancel(ctx, submitted.ProviderRequestID)
	require.NoError(t, err)
	assert.False(t, cancel.Success)
	assert.False(t, cancel.CanRetry)

	// Even an in-flight payment cannot be cancelled on an instant rail.
	held := newStub(t, false)
	accepted, err := held.Submit(ctx, payload("batch-1:emp-4:employee_net", "2000.00"))
	require.NoError(t, err)
	cancel, err = held.Cancel(ctx, accepted.ProviderRequestID)
	require.NoError(t, err)
	assert.False(t, cancel.Success)
}

func TestReconcile_SameDayFeed(t *testing.T) {
	stub := newStub(t, true)
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	submitted, err := stub.Submit(ctx, payload("batch-1:emp-5:employee_net", "3200.00"))
	require.NoError(t, err)

	records, err := stub.Reconcile(ctx, today)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, submitted.ProviderRequestID, records[0].ExternalTraceID)
	assert.Equal(t, domain.RailFedNow, records[0].Rail)
	assert.Equal(t, "settled", records[0].Status)
	assert.True(t, records[0].Amount.Equal(money.MustFromString("3200.00")))
	assert.Equal(t, submitted.TraceID, records[0].RawPayload["message_id"])

	empty, err := stub.Reconcile(ctx, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSimulateReject_CarriesCodeAndReason(t *testing.T) {
	stub := newStub(t, false)
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	submitted, err := stub.Submit(ctx, payload("batch-1:emp-6:employee_net", "900.00"))
	require.NoError(t, err)
	stub.SimulateReject(submitted.ProviderRequestID, "AC04", "Closed account number")

	records, err := stub.Reconcile(ctx, today)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "failed", records[0].Status)
	assert.Equal(t, "AC04", records[0].ReturnCode)
	assert.Equal(t, "Closed account number", records[0].RawPayload["reject_reason"])
}
