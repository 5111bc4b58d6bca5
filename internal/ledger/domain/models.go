package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/pkg/money"
	"gorm.io/datatypes"
)

// AccountType is the closed chart-of-accounts set.
type AccountType string

const (
	AccountClientFundingClearing   AccountType = "client_funding_clearing"
	AccountClientNetPayPayable     AccountType = "client_net_pay_payable"
	AccountClientTaxImpoundPayable AccountType = "client_tax_impound_payable"
	AccountClientThirdPartyPayable AccountType = "client_third_party_payable"
	AccountPSPFeesRevenue          AccountType = "psp_fees_revenue"
	AccountPSPSettlementClearing   AccountType = "psp_settlement_clearing"
)

// ValidAccountType reports whether t is in the closed set.
func ValidAccountType(t AccountType) bool {
	switch t {
	case AccountClientFundingClearing,
		AccountClientNetPayPayable,
		AccountClientTaxImpoundPayable,
		AccountClientThirdPartyPayable,
		AccountPSPFeesRevenue,
		AccountPSPSettlementClearing:
		return true
	default:
		return false
	}
}

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusClosed AccountStatus = "closed"
)

// EntryType is the closed set of posting types.
type EntryType string

const (
	EntryFundingReceived            EntryType = "funding_received"
	EntryFundingReturned            EntryType = "funding_returned"
	EntryReserveCreated             EntryType = "reserve_created"
	EntryReserveReleased            EntryType = "reserve_released"
	EntryEmployeePaymentInitiated   EntryType = "employee_payment_initiated"
	EntryEmployeePaymentSettled     EntryType = "employee_payment_settled"
	EntryEmployeePaymentFailed      EntryType = "employee_payment_failed"
	EntryTaxPaymentInitiated        EntryType = "tax_payment_initiated"
	EntryTaxPaymentSettled          EntryType = "tax_payment_settled"
	EntryThirdPartyPaymentInitiated EntryType = "third_party_payment_initiated"
	EntryThirdPartyPaymentSettled   EntryType = "third_party_payment_settled"
	EntryFeeAssessed                EntryType = "fee_assessed"
	EntryReversal                   EntryType = "reversal"
)

type ReserveType string

const (
	ReserveNetPay     ReserveType = "net_pay"
	ReserveTax        ReserveType = "tax"
	ReserveThirdParty ReserveType = "third_party"
	ReserveFees       ReserveType = "fees"
)

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
)

// LedgerAccount is created lazily on first use and never deleted.
type LedgerAccount struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID     `gorm:"type:uuid;not null;index;uniqueIndex:ux_ledger_accounts_scope,priority:1"`
	LegalEntityID uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:ux_ledger_accounts_scope,priority:2"`
	AccountType   AccountType   `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_scope,priority:3"`
	Currency      string        `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_scope,priority:4"`
	Status        AccountStatus `gorm:"type:text;not null;default:active"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "psp_ledger_accounts" }

// LedgerEntry is an append-only double-entry posting. UPDATE and DELETE
// are rejected by storage-layer triggers; corrections are reversal entries.
type LedgerEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:ux_ledger_entries_idem,priority:1"`
	LegalEntityID   uuid.UUID      `gorm:"type:uuid;not null;index"`
	PostedAt        time.Time      `gorm:"not null"`
	EntryType       EntryType      `gorm:"type:text;not null;index"`
	DebitAccountID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	CreditAccountID uuid.UUID      `gorm:"type:uuid;not null;index"`
	Amount          money.Amount   `gorm:"not null"`
	Currency        string         `gorm:"type:text;not null"`
	SourceType      string         `gorm:"type:text;not null"`
	SourceID        string         `gorm:"type:text;not null;index"`
	CorrelationID   uuid.UUID      `gorm:"type:uuid;index"`
	IdempotencyKey  string         `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_idem,priority:2"`
	Metadata        datatypes.JSON `gorm:""`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "psp_ledger_entries" }

// Reservation is a named hold on a legal entity's funds. It does not move
// ledger money; it reduces the unreserved-available view.
type Reservation struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID         `gorm:"type:uuid;not null;index"`
	LegalEntityID uuid.UUID         `gorm:"type:uuid;not null;index"`
	ReserveType   ReserveType       `gorm:"type:text;not null"`
	Amount        money.Amount      `gorm:"not null"`
	Currency      string            `gorm:"type:text;not null"`
	Status        ReservationStatus `gorm:"type:text;not null;default:active;index"`
	SourceType    string            `gorm:"type:text"`
	SourceID      string            `gorm:"type:text"`
	ExpiresAt     *time.Time        `gorm:""`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ReleasedAt    *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "psp_reservations" }
