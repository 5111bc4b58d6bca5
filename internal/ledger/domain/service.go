package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/pkg/money"
)

var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrSameAccount    = errors.New("debit and credit accounts must differ")
	ErrUnknownAccount = errors.New("ledger account not found")
	ErrNotFound       = errors.New("ledger record not found")
	ErrInvalidInput   = errors.New("invalid ledger input")
)

// PostEntryInput carries one double-entry posting.
type PostEntryInput struct {
	TenantID        uuid.UUID
	LegalEntityID   uuid.UUID
	EntryType       EntryType
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          money.Amount
	Currency        string
	SourceType      string
	SourceID        string
	CorrelationID   uuid.UUID
	IdempotencyKey  string
	Metadata        map[string]any
}

// PostResult reports the entry written or found. IsNew is false when the
// idempotency key already existed; that is the expected retry shape, not
// an error.
type PostResult struct {
	EntryID uuid.UUID
	IsNew   bool
}

// Balance is the aggregated view over an account's entries and its legal
// entity's active reservations.
type Balance struct {
	Available  money.Amount
	Reserved   money.Amount
	Unreserved money.Amount
}

type CreateReservationInput struct {
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	ReserveType   ReserveType
	Amount        money.Amount
	Currency      string
	SourceType    string
	SourceID      string
	ExpiresAt     *time.Time
}

type Service interface {
	PostEntry(ctx context.Context, in PostEntryInput) (PostResult, error)
	// ReverseEntry posts a reversal of the original entry with debit and
	// credit swapped and the same amount.
	ReverseEntry(ctx context.Context, tenantID, originalEntryID uuid.UUID, idempotencyKey, reason string) (PostResult, error)
	GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (Balance, error)
	// GetOrCreateAccount lazily creates the account on first use.
	GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType AccountType, currency string) (LedgerAccount, error)
	CreateReservation(ctx context.Context, in CreateReservationInput) (uuid.UUID, error)
	// ReleaseReservation transitions active -> released (or consumed).
	// Not-found or not-active returns false without error.
	ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error)
	GetEntry(ctx context.Context, tenantID, entryID uuid.UUID) (*LedgerEntry, error)
	GetReservation(ctx context.Context, tenantID, reservationID uuid.UUID) (*Reservation, error)
}
