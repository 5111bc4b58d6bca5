package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	"github.com/smallbiznis/payrail/pkg/money"
	"gorm.io/datatypes"
)

var (
	ErrInvalidInput = errors.New("invalid payment input")
	ErrNotFound     = errors.New("payment instruction not found")
	ErrBadState     = errors.New("payment instruction in wrong state")
)

type Purpose string

const (
	PurposeEmployeeNet  Purpose = "employee_net"
	PurposeTaxRemit     Purpose = "tax_remit"
	PurposeThirdParty   Purpose = "third_party"
	PurposeFundingDebit Purpose = "funding_debit"
	PurposeFee          Purpose = "fee"
)

type InstructionStatus string

const (
	StatusCreated   InstructionStatus = "created"
	StatusQueued    InstructionStatus = "queued"
	StatusSubmitted InstructionStatus = "submitted"
	StatusAccepted  InstructionStatus = "accepted"
	StatusSettled   InstructionStatus = "settled"
	StatusFailed    InstructionStatus = "failed"
	StatusReversed  InstructionStatus = "reversed"
)

// statusRank orders the forward-only state machine. failed is reachable
// from any non-terminal state; reversed only from settled.
var statusRank = map[InstructionStatus]int{
	StatusCreated:   0,
	StatusQueued:    1,
	StatusSubmitted: 2,
	StatusAccepted:  3,
	StatusSettled:   4,
	StatusFailed:    5,
	StatusReversed:  5,
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to InstructionStatus) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	switch from {
	case StatusFailed, StatusReversed:
		return false
	case StatusSettled:
		return to == StatusReversed
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusReversed {
		return false
	}
	return toRank > fromRank
}

// IsTerminal reports whether no further transition is expected; settled
// still admits a later reversal.
func IsTerminal(status InstructionStatus) bool {
	return status == StatusSettled || status == StatusFailed || status == StatusReversed
}

// PaymentInstruction is the intent to move money for one payee.
type PaymentInstruction struct {
	ID                      uuid.UUID                `gorm:"type:uuid;primaryKey"`
	TenantID                uuid.UUID                `gorm:"type:uuid;not null;index;uniqueIndex:ux_payment_instructions_idem,priority:1"`
	LegalEntityID           uuid.UUID                `gorm:"type:uuid;not null;index"`
	Purpose                 Purpose                  `gorm:"type:text;not null"`
	Direction               providerdomain.Direction `gorm:"type:text;not null"`
	Amount                  money.Amount             `gorm:"not null"`
	Currency                string                   `gorm:"type:text;not null"`
	PayeeType               string                   `gorm:"type:text;not null"`
	PayeeRefID              uuid.UUID                `gorm:"type:uuid;not null;index"`
	RequestedSettlementDate *time.Time               `gorm:""`
	Status                  InstructionStatus        `gorm:"type:text;not null;default:created;index"`
	IdempotencyKey          string                   `gorm:"type:text;not null;uniqueIndex:ux_payment_instructions_idem,priority:2"`
	SourceType              string                   `gorm:"type:text"`
	SourceID                string                   `gorm:"type:text;index"`
	CorrelationID           uuid.UUID                `gorm:"type:uuid;index"`
	Metadata                datatypes.JSON           `gorm:""`
	CreatedAt               time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentInstruction) TableName() string { return "payment_instructions" }

type AttemptStatus string

const (
	AttemptAccepted AttemptStatus = "accepted"
	AttemptFailed   AttemptStatus = "failed"
)

// PaymentAttempt records one submission to a provider for an instruction.
type PaymentAttempt struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey"`
	InstructionID     uuid.UUID           `gorm:"type:uuid;not null;index"`
	Rail              providerdomain.Rail `gorm:"type:text;not null"`
	Provider          string              `gorm:"type:text;not null;uniqueIndex:ux_payment_attempts_provider_req,priority:1"`
	ProviderRequestID string              `gorm:"type:text;not null;uniqueIndex:ux_payment_attempts_provider_req,priority:2"`
	Status            AttemptStatus       `gorm:"type:text;not null"`
	Message           string              `gorm:"type:text"`
	RequestPayload    datatypes.JSON      `gorm:""`
	CreatedAt         time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

type CreateInstructionInput struct {
	TenantID                uuid.UUID
	LegalEntityID           uuid.UUID
	Purpose                 Purpose
	Direction               providerdomain.Direction
	Amount                  money.Amount
	Currency                string
	PayeeType               string
	PayeeRefID              uuid.UUID
	RequestedSettlementDate *time.Time
	IdempotencyKey          string
	SourceType              string
	SourceID                string
	CorrelationID           uuid.UUID
	Metadata                map[string]any
}

// InstructionResult reports the instruction written or found by key.
type InstructionResult struct {
	InstructionID uuid.UUID
	Status        InstructionStatus
	WasDuplicate  bool
}

// SubmissionResult reports one provider submission.
type SubmissionResult struct {
	AttemptID         uuid.UUID
	ProviderRequestID string
	Accepted          bool
	Message           string
	Rail              providerdomain.Rail
}

type Service interface {
	// CreateInstruction deduplicates strictly by (tenant, idempotency key):
	// a second call with the same key returns the original row untouched.
	CreateInstruction(ctx context.Context, in CreateInstructionInput) (InstructionResult, error)
	// Submit sends the instruction to the named provider, records the
	// attempt and advances status. Re-submitting past created/queued is
	// ErrBadState.
	Submit(ctx context.Context, tenantID, instructionID uuid.UUID, providerName string) (SubmissionResult, error)
	// UpdateStatus applies a forward-only transition.
	UpdateStatus(ctx context.Context, tenantID, instructionID uuid.UUID, newStatus InstructionStatus) error
	GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*PaymentInstruction, error)
	FindAttemptByProviderRequest(ctx context.Context, providerName, providerRequestID string) (*PaymentAttempt, error)
}
