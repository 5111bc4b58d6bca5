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
	ErrBankAccountNotFound = errors.New("bank account not found")
	ErrBadStatusOrder      = errors.New("settlement status cannot move backwards")
)

type SettlementStatus string

const (
	SettlementCreated   SettlementStatus = "created"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementAccepted  SettlementStatus = "accepted"
	SettlementSettled   SettlementStatus = "settled"
	SettlementFailed    SettlementStatus = "failed"
	SettlementReturned  SettlementStatus = "returned"
	SettlementReversed  SettlementStatus = "reversed"
)

var settlementRank = map[SettlementStatus]int{
	SettlementCreated:   0,
	SettlementSubmitted: 1,
	SettlementAccepted:  2,
	SettlementSettled:   3,
	SettlementFailed:    4,
	SettlementReturned:  4,
	SettlementReversed:  4,
}

// CanAdvance reports whether a settlement status move is allowed. Only
// forward moves are legal; settled may still flip to returned/reversed
// when the bank unwinds a payment after the fact.
func CanAdvance(from, to SettlementStatus) bool {
	fromRank, ok := settlementRank[from]
	if !ok {
		return false
	}
	toRank, ok := settlementRank[to]
	if !ok {
		return false
	}
	switch from {
	case SettlementFailed, SettlementReturned, SettlementReversed:
		return false
	case SettlementSettled:
		return to == SettlementReturned || to == SettlementReversed
	}
	if to == SettlementReturned || to == SettlementReversed {
		return false
	}
	return toRank > fromRank
}

// IsReversal reports whether the transition unwinds an already settled
// payment.
func IsReversal(from, to SettlementStatus) bool {
	return from == SettlementSettled &&
		(to == SettlementReturned || to == SettlementReversed)
}

// BankAccount is a tokenized reference to a PSP-owned settlement account.
// Only tokens are stored, never raw routing or account numbers.
type BankAccount struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Provider     string    `gorm:"type:text;not null"`
	Nickname     string    `gorm:"type:text"`
	RoutingToken string    `gorm:"type:text;not null"`
	AccountToken string    `gorm:"type:text;not null"`
	Currency     string    `gorm:"type:text;not null"`
	Status       string    `gorm:"type:text;not null;default:active"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BankAccount) TableName() string { return "psp_bank_accounts" }

// SettlementEvent is one line of truth from a rail. Unique per
// (bank_account_id, external_trace_id) so re-ingesting a feed is a
// no-op.
type SettlementEvent struct {
	ID              uuid.UUID                `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID                `gorm:"type:uuid;not null;index"`
	BankAccountID   uuid.UUID                `gorm:"type:uuid;not null;uniqueIndex:ux_settlement_events_trace,priority:1"`
	Rail            providerdomain.Rail      `gorm:"type:text;not null"`
	Direction       providerdomain.Direction `gorm:"type:text;not null"`
	Amount          money.Amount             `gorm:"not null"`
	Currency        string                   `gorm:"type:text;not null"`
	Status          SettlementStatus         `gorm:"type:text;not null;index"`
	ExternalTraceID string                   `gorm:"type:text;not null;uniqueIndex:ux_settlement_events_trace,priority:2"`
	EffectiveDate   *time.Time               `gorm:""`
	ReturnCode      string                   `gorm:"type:text"`
	RawPayload      datatypes.JSON           `gorm:""`
	CreatedAt       time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SettlementEvent) TableName() string { return "settlement_events" }

type LinkType string

const (
	LinkSettlement LinkType = "settlement"
	LinkReversal   LinkType = "reversal"
)

// SettlementLink joins a settlement event to the ledger entries it
// caused.
type SettlementLink struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SettlementEventID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_settlement_links_pair,priority:1"`
	LedgerEntryID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_settlement_links_pair,priority:2"`
	LinkType          LinkType  `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SettlementLink) TableName() string { return "settlement_links" }

// Result summarizes one reconciliation pass. Errors holds per-record
// failures; they never abort the remaining records.
type Result struct {
	Processed int
	Matched   int
	Created   int
	Failed    int
	Errors    []string
}

type Service interface {
	// Run pulls the provider's settlement feed for the date and processes
	// every record. Re-running for the same date is a no-op.
	Run(ctx context.Context, tenantID, bankAccountID uuid.UUID, providerName string, date time.Time) (Result, error)
	// ProcessRecords applies already-fetched settlement records, one
	// transaction per record. The correlation id groups every event the
	// pass emits, so the caller's id ties the whole feed together.
	ProcessRecords(ctx context.Context, tenantID, bankAccountID, correlationID uuid.UUID, providerName string, records []providerdomain.SettlementRecord) (Result, error)
	GetBankAccount(ctx context.Context, tenantID, bankAccountID uuid.UUID) (*BankAccount, error)
	CreateBankAccount(ctx context.Context, account BankAccount) (BankAccount, error)
	// UnmatchedSettlements lists settlement events with no recorded
	// attempt behind them. Operator triage, not an error state.
	UnmatchedSettlements(ctx context.Context, tenantID uuid.UUID) ([]SettlementEvent, error)
}
