package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/clock"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	operatordomain "github.com/smallbiznis/payrail/internal/operator/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"github.com/smallbiznis/payrail/pkg/db"
	"github.com/smallbiznis/payrail/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stallThreshold is how long an instruction may sit in a non-terminal
// state before it needs a human.
const stallThreshold = 24 * time.Hour

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Reconciliation recondomain.Service
	Liability      liabilitydomain.Service
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	reconciliation recondomain.Service
	liability      liabilitydomain.Service
}

func NewService(p Params) operatordomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("operator"),
		clock:          p.Clock,
		reconciliation: p.Reconciliation,
		liability:      p.Liability,
	}
}

func (s *Service) DailyHealth(ctx context.Context, tenantID uuid.UUID) (operatordomain.HealthReport, error) {
	report := operatordomain.HealthReport{}

	unmatched, err := s.reconciliation.UnmatchedSettlements(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.UnmatchedSettlements = unmatched

	stuck, err := s.StuckInstructions(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.StuckInstructions = stuck

	negative, err := s.NegativeBalances(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.NegativeBalances = negative

	pending, err := s.liability.PendingLiabilities(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.PendingLiabilities = pending

	expired, err := s.ExpiredActiveReservations(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.ExpiredReservations = expired

	rate, err := s.ReturnRate(ctx, tenantID, 30)
	if err != nil {
		return report, err
	}
	report.ReturnRate = rate

	return report, nil
}

func (s *Service) StuckInstructions(ctx context.Context, tenantID uuid.UUID) ([]paymentdomain.PaymentInstruction, error) {
	conn := db.FromContext(ctx, s.db)
	cutoff := s.clock.Now().UTC().Add(-stallThreshold)

	var instructions []paymentdomain.PaymentInstruction
	err := conn.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("status NOT IN ?", []paymentdomain.InstructionStatus{
			paymentdomain.StatusSettled,
			paymentdomain.StatusFailed,
			paymentdomain.StatusReversed,
		}).
		Where("created_at < ?", cutoff).
		Order("created_at asc").
		Find(&instructions).Error
	if err != nil {
		return nil, err
	}
	return instructions, nil
}

func (s *Service) NegativeBalances(ctx context.Context, tenantID uuid.UUID) ([]operatordomain.NegativeBalance, error) {
	conn := db.FromContext(ctx, s.db)

	var rows []struct {
		AccountID     uuid.UUID
		LegalEntityID uuid.UUID
		AccountType   ledgerdomain.AccountType
		Currency      string
		Balance       money.Amount
	}
	err := conn.WithContext(ctx).Raw(`
		SELECT a.id AS account_id,
		       a.legal_entity_id,
		       a.account_type,
		       a.currency,
		       COALESCE(SUM(CASE WHEN e.credit_account_id = a.id THEN e.amount ELSE -e.amount END), 0) AS balance
		FROM psp_ledger_accounts a
		LEFT JOIN psp_ledger_entries e
		       ON e.tenant_id = a.tenant_id
		      AND (e.credit_account_id = a.id OR e.debit_account_id = a.id)
		WHERE a.tenant_id = ?
		GROUP BY a.id, a.legal_entity_id, a.account_type, a.currency
		HAVING COALESCE(SUM(CASE WHEN e.credit_account_id = a.id THEN e.amount ELSE -e.amount END), 0) < 0
	`, tenantID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	balances := make([]operatordomain.NegativeBalance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, operatordomain.NegativeBalance{
			AccountID:     row.AccountID,
			LegalEntityID: row.LegalEntityID,
			AccountType:   row.AccountType,
			Currency:      row.Currency,
			Balance:       row.Balance,
		})
	}
	return balances, nil
}

func (s *Service) ExpiredActiveReservations(ctx context.Context, tenantID uuid.UUID) ([]ledgerdomain.Reservation, error) {
	conn := db.FromContext(ctx, s.db)
	now := s.clock.Now().UTC()

	var reservations []ledgerdomain.Reservation
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, ledgerdomain.ReservationActive).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at asc").
		Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s *Service) ReturnRate(ctx context.Context, tenantID uuid.UUID, windowDays int) (operatordomain.ReturnRate, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	conn := db.FromContext(ctx, s.db)
	since := s.clock.Now().UTC().AddDate(0, 0, -windowDays)

	var row struct {
		Terminal int
		Returned int
	}
	err := conn.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS terminal,
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS returned
		FROM payment_instructions
		WHERE tenant_id = ?
		  AND status IN (?, ?, ?)
		  AND updated_at >= ?
	`, paymentdomain.StatusReversed, tenantID,
		paymentdomain.StatusSettled, paymentdomain.StatusFailed, paymentdomain.StatusReversed,
		since,
	).Scan(&row).Error
	if err != nil {
		return operatordomain.ReturnRate{}, err
	}

	rate := operatordomain.ReturnRate{
		WindowDays: windowDays,
		Terminal:   row.Terminal,
		Returned:   row.Returned,
	}
	if row.Terminal > 0 {
		rate.RatePct = float64(row.Returned) / float64(row.Terminal) * 100
	}
	return rate, nil
}
