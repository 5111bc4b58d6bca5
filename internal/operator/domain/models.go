package domain

import (
	"context"

	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"github.com/smallbiznis/payrail/pkg/money"
)

// NegativeBalance flags an account whose credits no longer cover its
// debits. There must never be one.
type NegativeBalance struct {
	AccountID     uuid.UUID
	LegalEntityID uuid.UUID
	AccountType   ledgerdomain.AccountType
	Currency      string
	Balance       money.Amount
}

// ReturnRate is returned instructions over terminal instructions for a
// trailing window.
type ReturnRate struct {
	WindowDays int
	Terminal   int
	Returned   int
	RatePct    float64
}

// HealthReport is the operator's daily view of everything that needs a
// human.
type HealthReport struct {
	UnmatchedSettlements []recondomain.SettlementEvent
	StuckInstructions    []paymentdomain.PaymentInstruction
	NegativeBalances     []NegativeBalance
	PendingLiabilities   []liabilitydomain.LiabilityEvent
	ExpiredReservations  []ledgerdomain.Reservation
	ReturnRate           ReturnRate
}

func (r HealthReport) Healthy() bool {
	return len(r.UnmatchedSettlements) == 0 &&
		len(r.StuckInstructions) == 0 &&
		len(r.NegativeBalances) == 0 &&
		len(r.PendingLiabilities) == 0 &&
		len(r.ExpiredReservations) == 0
}

type Service interface {
	// DailyHealth assembles the full triage view for one tenant.
	DailyHealth(ctx context.Context, tenantID uuid.UUID) (HealthReport, error)
	// StuckInstructions lists non-terminal instructions older than the
	// stall threshold.
	StuckInstructions(ctx context.Context, tenantID uuid.UUID) ([]paymentdomain.PaymentInstruction, error)
	NegativeBalances(ctx context.Context, tenantID uuid.UUID) ([]NegativeBalance, error)
	// ExpiredActiveReservations lists reservations past their TTL that
	// were never released or consumed.
	ExpiredActiveReservations(ctx context.Context, tenantID uuid.UUID) ([]ledgerdomain.Reservation, error)
	ReturnRate(ctx context.Context, tenantID uuid.UUID, windowDays int) (ReturnRate, error)
}
