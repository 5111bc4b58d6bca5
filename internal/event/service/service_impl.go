package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	"github.com/smallbiznis/payrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) eventdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("event.store"),
	}
}

func (s *Service) Append(ctx context.Context, event eventdomain.Event) (bool, error) {
	conn := db.FromContext(ctx, s.db)

	row, err := toRow(event)
	if err != nil {
		return false, err
	}

	result := conn.WithContext(ctx).Exec(
		`INSERT INTO psp_domain_events (
			id, event_id, event_type, category, tenant_id, correlation_id,
			causation_id, occurred_at, payload, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		row.ID,
		row.EventID,
		row.EventType,
		row.Category,
		row.TenantID,
		row.CorrelationID,
		row.CausationID,
		row.OccurredAt,
		row.Payload,
		row.Version,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return false, fmt.Errorf("append event %s: %w", event.EventType, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) AppendBatch(ctx context.Context, events []eventdomain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	conn := db.FromContext(ctx, s.db)
	inserted := 0
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := db.WithTx(ctx, tx)
		for _, event := range events {
			isNew, err := s.Append(txCtx, event)
			if err != nil {
				return err
			}
			if isNew {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Service) GetByID(ctx context.Context, eventID uuid.UUID) (*eventdomain.StoredEvent, error) {
	conn := db.FromContext(ctx, s.db)

	var row eventdomain.StoredEvent
	err := conn.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) GetByCorrelation(ctx context.Context, correlationID uuid.UUID, tenantID *uuid.UUID) ([]eventdomain.StoredEvent, error) {
	conn := db.FromContext(ctx, s.db)

	query := conn.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("occurred_at asc, event_id asc")
	if tenantID != nil {
		query = query.Where("tenant_id = ?", *tenantID)
	}

	var rows []eventdomain.StoredEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) GetByEntity(ctx context.Context, entityType, entityID string, tenantID *uuid.UUID) ([]eventdomain.StoredEvent, error) {
	conn := db.FromContext(ctx, s.db)

	query := conn.WithContext(ctx).
		Where(datatypes.JSONQuery("payload").Equals(entityID, entityType+"_id")).
		Order("occurred_at asc, event_id asc")
	if tenantID != nil {
		query = query.Where("tenant_id = ?", *tenantID)
	}

	var rows []eventdomain.StoredEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) Replay(ctx context.Context, filter eventdomain.ReplayFilter) ([]eventdomain.StoredEvent, error) {
	conn := db.FromContext(ctx, s.db)

	query := applyFilter(conn.WithContext(ctx).Model(&eventdomain.StoredEvent{}), filter).
		Order("occurred_at asc, event_id asc")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []eventdomain.StoredEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) Count(ctx context.Context, filter eventdomain.ReplayFilter) (int64, error) {
	conn := db.FromContext(ctx, s.db)

	var count int64
	err := applyFilter(conn.WithContext(ctx).Model(&eventdomain.StoredEvent{}), filter).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func applyFilter(query *gorm.DB, filter eventdomain.ReplayFilter) *gorm.DB {
	if filter.TenantID != uuid.Nil {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.After != nil {
		query = query.Where("occurred_at > ?", filter.After.UTC())
	}
	if filter.Before != nil {
		query = query.Where("occurred_at < ?", filter.Before.UTC())
	}
	if len(filter.Types) > 0 {
		query = query.Where("event_type IN ?", filter.Types)
	}
	if len(filter.Categories) > 0 {
		query = query.Where("category IN ?", filter.Categories)
	}
	return query
}

func toRow(event eventdomain.Event) (eventdomain.StoredEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return eventdomain.StoredEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}

	return eventdomain.StoredEvent{
		ID:            uuid.New(),
		EventID:       event.EventID,
		EventType:     event.EventType,
		Category:      event.Category,
		TenantID:      event.TenantID,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		OccurredAt:    event.OccurredAt.UTC(),
		Payload:       datatypes.JSON(raw),
		Version:       event.Version,
	}, nil
}
