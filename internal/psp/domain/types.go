package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	fundingdomain "github.com/smallbiznis/payrail/internal/funding/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"github.com/smallbiznis/payrail/pkg/money"
)

var (
	ErrInvalidInput = errors.New("invalid facade input")
	ErrBlocked      = errors.New("batch blocked by funding gate")
)

// PayrollItem is one payee line in a payroll batch.
type PayrollItem struct {
	PayeeRefID uuid.UUID
	PayeeType  string
	Purpose    paymentdomain.Purpose
	Amount     money.Amount
}

// PayrollBatch is the committed output of a pay run that the facade
// turns into money movement.
type PayrollBatch struct {
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	BatchID       string
	PayRunID      string
	CheckDate     *time.Time
	Totals        fundingdomain.PayRunTotals
	FundingModel  fundingdomain.FundingModel
	Currency      string
	Items         []PayrollItem
}

type CommitStatus string

const (
	CommitApproved          CommitStatus = "approved"
	CommitBlocked           CommitStatus = "blocked_policy"
	CommitInsufficientFunds CommitStatus = "blocked_funds"
)

// CommitResult is the outcome of commitPayrollBatch.
type CommitResult struct {
	Status        CommitStatus
	ReservationID *uuid.UUID
	Total         money.Amount
	ApprovedCount int
	BlockedCount  int
	Reason        string
	CorrelationID uuid.UUID
}

type ExecuteStatus string

const (
	ExecuteCompleted ExecuteStatus = "completed"
	ExecutePartial   ExecuteStatus = "partial"
	ExecuteBlocked   ExecuteStatus = "blocked"
)

// ItemResult reports one payee's instruction and submission.
type ItemResult struct {
	PayeeRefID    uuid.UUID
	InstructionID uuid.UUID
	Accepted      bool
	WasDuplicate  bool
	Message       string
}

// ExecuteResult is the outcome of executePayments.
type ExecuteResult struct {
	Status              ExecuteStatus
	CorrelationID       uuid.UUID
	Submitted           int
	Failed              int
	Items               []ItemResult
	ReservationConsumed bool
	GateOutcome         fundingdomain.GateOutcome
	Reason              string
}

// ExecuteInput carries one payout request.
type ExecuteInput struct {
	Batch         PayrollBatch
	ReservationID *uuid.UUID
	ProviderName  string
}

// IngestResult is the outcome of ingestSettlementFeed.
type IngestResult struct {
	CorrelationID  uuid.UUID
	Reconciliation recondomain.Result
}

type CallbackStatus string

const (
	CallbackProcessed CallbackStatus = "processed"
	CallbackDuplicate CallbackStatus = "duplicate"
	CallbackInvalid   CallbackStatus = "invalid"
	CallbackUnknown   CallbackStatus = "unknown"
)

// CallbackPayload is the provider's asynchronous status notification.
type CallbackPayload struct {
	ProviderRequestID string
	Status            string
	ReturnCode        string
	ReturnReason      string
	EffectiveDate     *time.Time
}

// CallbackResult is the outcome of handleProviderCallback.
type CallbackResult struct {
	Status        CallbackStatus
	InstructionID *uuid.UUID
	Message       string
	CorrelationID uuid.UUID
}

// Service is the single blessed path through the payment core. Every
// operation runs under one correlation id.
type Service interface {
	CommitPayrollBatch(ctx context.Context, batch PayrollBatch) (CommitResult, error)
	ExecutePayments(ctx context.Context, in ExecuteInput) (ExecuteResult, error)
	IngestSettlementFeed(ctx context.Context, tenantID, bankAccountID uuid.UUID, providerName string, records []providerdomain.SettlementRecord) (IngestResult, error)
	HandleProviderCallback(ctx context.Context, tenantID uuid.UUID, providerName, callbackType string, payload CallbackPayload) (CallbackResult, error)
}
