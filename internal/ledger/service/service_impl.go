package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/pkg/db"
	"github.com/smallbiznis/payrail/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Events     eventdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	events     eventdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) PostEntry(ctx context.Context, in ledgerdomain.PostEntryInput) (ledgerdomain.PostResult, error) {
	if in.TenantID == uuid.Nil || in.LegalEntityID == uuid.Nil {
		return ledgerdomain.PostResult{}, ledgerdomain.ErrInvalidInput
	}
	if !in.Amount.IsPositive() {
		return ledgerdomain.PostResult{}, ledgerdomain.ErrInvalidAmount
	}
	if in.DebitAccountID == in.CreditAccountID {
		return ledgerdomain.PostResult{}, ledgerdomain.ErrSameAccount
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return ledgerdomain.PostResult{}, ledgerdomain.ErrInvalidInput
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	conn := db.FromContext(ctx, s.db)

	for _, accountID := range []uuid.UUID{in.DebitAccountID, in.CreditAccountID} {
		var count int64
		if err := conn.WithContext(ctx).
			Model(&ledgerdomain.LedgerAccount{}).
			Where("tenant_id = ? AND id = ?", in.TenantID, accountID).
			Count(&count).Error; err != nil {
			return ledgerdomain.PostResult{}, err
		}
		if count == 0 {
			return ledgerdomain.PostResult{}, fmt.Errorf("%w: %s", ledgerdomain.ErrUnknownAccount, accountID)
		}
	}

	var metadata datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return ledgerdomain.PostResult{}, fmt.Errorf("marshal entry metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}

	entryID := uuid.New()
	now := time.Now().UTC()
	isNew := false

	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO psp_ledger_entries (
				id, tenant_id, legal_entity_id, posted_at, entry_type,
				debit_account_id, credit_account_id, amount, currency,
				source_type, source_id, correlation_id, idempotency_key,
				metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
			entryID,
			in.TenantID,
			in.LegalEntityID,
			now,
			in.EntryType,
			in.DebitAccountID,
			in.CreditAccountID,
			in.Amount,
			in.Currency,
			in.SourceType,
			in.SourceID,
			in.CorrelationID,
			in.IdempotencyKey,
			metadata,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var existing ledgerdomain.LedgerEntry
			if err := tx.WithContext(ctx).
				Where("tenant_id = ? AND idempotency_key = ?", in.TenantID, in.IdempotencyKey).
				First(&existing).Error; err != nil {
				return err
			}
			entryID = existing.ID
			return nil
		}
		isNew = true

		if s.events != nil {
			txCtx := db.WithTx(ctx, tx)
			_, err := s.events.Append(txCtx, eventdomain.NewLedgerEntryPosted(in.TenantID, in.CorrelationID, eventdomain.LedgerEntryPostedPayload{
				LedgerEntryID:   entryID.String(),
				EntryType:       string(in.EntryType),
				DebitAccountID:  in.DebitAccountID.String(),
				CreditAccountID: in.CreditAccountID.String(),
				Amount:          in.Amount,
				Currency:        in.Currency,
				IdempotencyKey:  in.IdempotencyKey,
			}))
			return err
		}
		return nil
	})
	if err != nil {
		return ledgerdomain.PostResult{}, err
	}

	if isNew && s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(in.EntryType))
	}
	return ledgerdomain.PostResult{EntryID: entryID, IsNew: isNew}, nil
}

func (s *Service) ReverseEntry(ctx context.Context, tenantID, originalEntryID uuid.UUID, idempotencyKey, reason string) (ledgerdomain.PostResult, error) {
	original, err := s.GetEntry(ctx, tenantID, originalEntryID)
	if err != nil {
		return ledgerdomain.PostResult{}, err
	}
	if original == nil {
		return ledgerdomain.PostResult{}, fmt.Errorf("%w: entry %s", ledgerdomain.ErrNotFound, originalEntryID)
	}

	result, err := s.PostEntry(ctx, ledgerdomain.PostEntryInput{
		TenantID:        tenantID,
		LegalEntityID:   original.LegalEntityID,
		EntryType:       ledgerdomain.EntryReversal,
		DebitAccountID:  original.CreditAccountID,
		CreditAccountID: original.DebitAccountID,
		Amount:          original.Amount,
		Currency:        original.Currency,
		SourceType:      "ledger_entry",
		SourceID:        original.ID.String(),
		CorrelationID:   original.CorrelationID,
		IdempotencyKey:  idempotencyKey,
		Metadata: map[string]any{
			"original_entry_id": original.ID.String(),
			"reason":            reason,
		},
	})
	if err != nil {
		return ledgerdomain.PostResult{}, err
	}

	if result.IsNew && s.events != nil {
		if _, err := s.events.Append(ctx, eventdomain.NewLedgerEntryReversed(tenantID, original.CorrelationID, eventdomain.LedgerEntryReversedPayload{
			LedgerEntryID:   result.EntryID.String(),
			OriginalEntryID: original.ID.String(),
			Amount:          original.Amount,
			Reason:          reason,
		})); err != nil {
			return ledgerdomain.PostResult{}, err
		}
	}
	return result, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (ledgerdomain.Balance, error) {
	conn := db.FromContext(ctx, s.db)

	var account ledgerdomain.LedgerAccount
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, accountID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.Balance{}, fmt.Errorf("%w: %s", ledgerdomain.ErrUnknownAccount, accountID)
	}
	if err != nil {
		return ledgerdomain.Balance{}, err
	}

	var totals struct {
		Credits money.Amount
		Debits  money.Amount
	}
	if err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN credit_account_id = ? THEN amount ELSE 0 END), 0) AS credits,
			COALESCE(SUM(CASE WHEN debit_account_id = ? THEN amount ELSE 0 END), 0) AS debits
		 FROM psp_ledger_entries
		 WHERE tenant_id = ? AND (credit_account_id = ? OR debit_account_id = ?)`,
		accountID,
		accountID,
		tenantID,
		accountID,
		accountID,
	).Scan(&totals).Error; err != nil {
		return ledgerdomain.Balance{}, err
	}

	var reserved struct {
		Total money.Amount
	}
	if err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total
		 FROM psp_reservations
		 WHERE tenant_id = ? AND legal_entity_id = ? AND status = ?`,
		tenantID,
		account.LegalEntityID,
		ledgerdomain.ReservationActive,
	).Scan(&reserved).Error; err != nil {
		return ledgerdomain.Balance{}, err
	}

	available := totals.Credits.Sub(totals.Debits)
	return ledgerdomain.Balance{
		Available:  available,
		Reserved:   reserved.Total,
		Unreserved: available.Sub(reserved.Total),
	}, nil
}

func (s *Service) GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType ledgerdomain.AccountType, currency string) (ledgerdomain.LedgerAccount, error) {
	if !ledgerdomain.ValidAccountType(accountType) {
		return ledgerdomain.LedgerAccount{}, fmt.Errorf("%w: account type %q", ledgerdomain.ErrInvalidInput, accountType)
	}
	if currency == "" {
		currency = "USD"
	}

	conn := db.FromContext(ctx, s.db)

	result := conn.WithContext(ctx).Exec(
		`INSERT INTO psp_ledger_accounts (
			id, tenant_id, legal_entity_id, account_type, currency, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, legal_entity_id, account_type, currency) DO NOTHING`,
		uuid.New(),
		tenantID,
		legalEntityID,
		accountType,
		currency,
		ledgerdomain.AccountStatusActive,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return ledgerdomain.LedgerAccount{}, result.Error
	}

	var account ledgerdomain.LedgerAccount
	if err := conn.WithContext(ctx).
		Where("tenant_id = ? AND legal_entity_id = ? AND account_type = ? AND currency = ?",
			tenantID, legalEntityID, accountType, currency).
		First(&account).Error; err != nil {
		return ledgerdomain.LedgerAccount{}, err
	}
	return account, nil
}

func (s *Service) CreateReservation(ctx context.Context, in ledgerdomain.CreateReservationInput) (uuid.UUID, error) {
	if in.TenantID == uuid.Nil || in.LegalEntityID == uuid.Nil {
		return uuid.Nil, ledgerdomain.ErrInvalidInput
	}
	if !in.Amount.IsPositive() {
		return uuid.Nil, ledgerdomain.ErrInvalidAmount
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	conn := db.FromContext(ctx, s.db)
	reservation := ledgerdomain.Reservation{
		ID:            uuid.New(),
		TenantID:      in.TenantID,
		LegalEntityID: in.LegalEntityID,
		ReserveType:   in.ReserveType,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Status:        ledgerdomain.ReservationActive,
		SourceType:    in.SourceType,
		SourceID:      in.SourceID,
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := conn.WithContext(ctx).Create(&reservation).Error; err != nil {
		return uuid.Nil, err
	}
	return reservation.ID, nil
}

func (s *Service) ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error) {
	conn := db.FromContext(ctx, s.db)

	status := ledgerdomain.ReservationReleased
	if consumed {
		status = ledgerdomain.ReservationConsumed
	}

	result := conn.WithContext(ctx).Exec(
		`UPDATE psp_reservations
		 SET status = ?, released_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		status,
		time.Now().UTC(),
		reservationID,
		tenantID,
		ledgerdomain.ReservationActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("reservation not released",
			zap.String("reservation_id", reservationID.String()),
			zap.String("target_status", string(status)),
		)
		return false, nil
	}
	return true, nil
}

func (s *Service) GetEntry(ctx context.Context, tenantID, entryID uuid.UUID) (*ledgerdomain.LedgerEntry, error) {
	conn := db.FromContext(ctx, s.db)

	var entry ledgerdomain.LedgerEntry
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, entryID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) GetReservation(ctx context.Context, tenantID, reservationID uuid.UUID) (*ledgerdomain.Reservation, error) {
	conn := db.FromContext(ctx, s.db)

	var reservation ledgerdomain.Reservation
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, reservationID).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}
