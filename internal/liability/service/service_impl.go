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
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
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

func NewService(p Params) liabilitydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("liability"),
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ClassifyReturn(ctx context.Context, rail providerdomain.Rail, returnCode string, amount money.Amount, classifyCtx *liabilitydomain.ClassifyContext) (liabilitydomain.Classification, error) {
	conn := db.FromContext(ctx, s.db)

	origin := liabilitydomain.OriginRecipient
	party := liabilitydomain.PartyPending
	recoverable := false
	reason := fmt.Sprintf("unrecognized return code %s on %s", returnCode, rail)
	confidence := "low"

	var ref liabilitydomain.ReturnCodeReference
	err := conn.WithContext(ctx).
		Where("rail = ? AND code = ?", rail, returnCode).
		First(&ref).Error
	switch {
	case err == nil:
		origin = ref.ErrorOrigin
		party = ref.LiabilityParty
		recoverable = ref.IsRecoverable
		reason = ref.Description
		confidence = "high"
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Keep the defaults.
	default:
		return liabilitydomain.Classification{}, err
	}

	if classifyCtx != nil {
		if classifyCtx.RepeatFailureCount >= 3 {
			party = liabilitydomain.PartyEmployer
			reason = fmt.Sprintf("%s; repeat failure count %d shifts liability to the employer", reason, classifyCtx.RepeatFailureCount)
			confidence = "high"
		}
		if classifyCtx.OurDataError {
			origin = liabilitydomain.OriginPayrollEngine
			party = liabilitydomain.PartyPSP
			reason = fmt.Sprintf("%s; caused by our own data error", reason)
			confidence = "high"
		}
	}

	return liabilitydomain.Classification{
		ErrorOrigin:    origin,
		LiabilityParty: party,
		RecoveryPath:   derivedRecoveryPath(party, recoverable),
		LossAmount:     amount,
		Reason:         reason,
		IsRecoverable:  recoverable,
		Confidence:     confidence,
	}, nil
}

func derivedRecoveryPath(party liabilitydomain.LiabilityParty, recoverable bool) liabilitydomain.RecoveryPath {
	switch {
	case party == liabilitydomain.PartyEmployer && recoverable:
		return liabilitydomain.RecoverOffsetFuture
	case party == liabilitydomain.PartyPSP:
		return liabilitydomain.RecoverWriteOff
	case party == liabilitydomain.PartyPending:
		return liabilitydomain.RecoverDispute
	default:
		return liabilitydomain.RecoverNone
	}
}

func (s *Service) RecordLiabilityEvent(ctx context.Context, in liabilitydomain.RecordInput) (liabilitydomain.RecordResult, error) {
	if in.TenantID == uuid.Nil || in.LegalEntityID == uuid.Nil {
		return liabilitydomain.RecordResult{}, liabilitydomain.ErrInvalidInput
	}
	if !in.Classification.LossAmount.IsPositive() {
		return liabilitydomain.RecordResult{}, fmt.Errorf("%w: loss amount must be positive", liabilitydomain.ErrInvalidInput)
	}

	var evidence datatypes.JSON
	if len(in.Evidence) > 0 {
		raw, err := json.Marshal(in.Evidence)
		if err != nil {
			return liabilitydomain.RecordResult{}, fmt.Errorf("marshal liability evidence: %w", err)
		}
		evidence = datatypes.JSON(raw)
	}

	var key *string
	if trimmed := strings.TrimSpace(in.IdempotencyKey); trimmed != "" {
		key = &trimmed
	}

	eventID := uuid.New()
	isNew := true
	conn := db.FromContext(ctx, s.db)
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO liability_events (
				id, tenant_id, legal_entity_id, source_type, source_id,
				error_origin, liability_party, loss_amount, currency,
				recovery_path, recovery_status, recovery_amount,
				determination_reason, evidence, idempotency_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			eventID,
			in.TenantID,
			in.LegalEntityID,
			in.SourceType,
			in.SourceID,
			in.Classification.ErrorOrigin,
			in.Classification.LiabilityParty,
			in.Classification.LossAmount,
			in.Currency,
			in.Classification.RecoveryPath,
			liabilitydomain.RecoveryPending,
			money.Zero(),
			in.Classification.Reason,
			evidence,
			key,
			time.Now().UTC(),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if key == nil {
				return fmt.Errorf("liability event insert affected no rows")
			}
			var existing liabilitydomain.LiabilityEvent
			if err := tx.WithContext(ctx).
				Where("tenant_id = ? AND idempotency_key = ?", in.TenantID, *key).
				First(&existing).Error; err != nil {
				return err
			}
			eventID = existing.ID
			isNew = false
			return nil
		}

		if s.events != nil {
			txCtx := db.WithTx(ctx, tx)
			_, err := s.events.Append(txCtx, eventdomain.NewLiabilityClassified(in.TenantID, eventID, eventdomain.LiabilityClassifiedPayload{
				LiabilityEventID:     eventID.String(),
				SourceID:             in.SourceID,
				ErrorOrigin:          string(in.Classification.ErrorOrigin),
				LiabilityParty:       string(in.Classification.LiabilityParty),
				RecoveryPath:         string(in.Classification.RecoveryPath),
				LossAmount:           in.Classification.LossAmount,
				ClassificationReason: in.Classification.Reason,
			}))
			return err
		}
		return nil
	})
	if err != nil {
		return liabilitydomain.RecordResult{}, err
	}

	if isNew && s.obsMetrics != nil {
		s.obsMetrics.RecordLiabilityEvent(ctx, string(in.Classification.LiabilityParty))
	}
	return liabilitydomain.RecordResult{LiabilityEventID: eventID, IsNew: isNew}, nil
}

func (s *Service) UpdateRecoveryStatus(ctx context.Context, tenantID, liabilityEventID uuid.UUID, status liabilitydomain.RecoveryStatus, recoveryAmount *money.Amount) error {
	event, err := s.GetLiabilityEvent(ctx, tenantID, liabilityEventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("%w: %s", liabilitydomain.ErrNotFound, liabilityEventID)
	}
	if !liabilitydomain.CanAdvanceRecovery(event.RecoveryStatus, status) {
		return fmt.Errorf("%w: %s -> %s", liabilitydomain.ErrBadState, event.RecoveryStatus, status)
	}

	updates := map[string]any{"recovery_status": status}
	if recoveryAmount != nil {
		if recoveryAmount.IsNegative() {
			return fmt.Errorf("%w: recovery amount cannot be negative", liabilitydomain.ErrInvalidInput)
		}
		updates["recovery_amount"] = *recoveryAmount
	}
	if liabilitydomain.IsTerminalRecovery(status) {
		now := time.Now().UTC()
		updates["resolved_at"] = &now
	}

	conn := db.FromContext(ctx, s.db)
	result := conn.WithContext(ctx).
		Model(&liabilitydomain.LiabilityEvent{}).
		Where("id = ? AND tenant_id = ? AND recovery_status = ?", liabilityEventID, tenantID, event.RecoveryStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: liability %s changed concurrently", liabilitydomain.ErrBadState, liabilityEventID)
	}
	return nil
}

func (s *Service) GetLiabilityEvent(ctx context.Context, tenantID, liabilityEventID uuid.UUID) (*liabilitydomain.LiabilityEvent, error) {
	conn := db.FromContext(ctx, s.db)

	var event liabilitydomain.LiabilityEvent
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, liabilityEventID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Service) PendingLiabilities(ctx context.Context, tenantID uuid.UUID) ([]liabilitydomain.LiabilityEvent, error) {
	conn := db.FromContext(ctx, s.db)

	var events []liabilitydomain.LiabilityEvent
	err := conn.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("recovery_status IN ?", []liabilitydomain.RecoveryStatus{
			liabilitydomain.RecoveryPending,
			liabilitydomain.RecoveryInProgress,
			liabilitydomain.RecoveryPartial,
		}).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) LiabilitySummary(ctx context.Context, tenantID uuid.UUID) ([]liabilitydomain.Summary, error) {
	conn := db.FromContext(ctx, s.db)

	var rows []struct {
		LiabilityParty liabilitydomain.LiabilityParty
		Count          int
		TotalLoss      money.Amount
		TotalRecovered money.Amount
	}
	err := conn.WithContext(ctx).
		Model(&liabilitydomain.LiabilityEvent{}).
		Select("liability_party, COUNT(*) AS count, SUM(loss_amount) AS total_loss, SUM(recovery_amount) AS total_recovered").
		Where("tenant_id = ?", tenantID).
		Group("liability_party").
		Order("liability_party asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]liabilitydomain.Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, liabilitydomain.Summary{
			LiabilityParty: row.LiabilityParty,
			Count:          row.Count,
			TotalLoss:      row.TotalLoss,
			TotalRecovered: row.TotalRecovered,
		})
	}
	return summaries, nil
}
