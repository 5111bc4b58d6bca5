package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Category groups event types by the subsystem that emits them.
type Category string

const (
	CategoryFunding        Category = "funding"
	CategoryPayment        Category = "payment"
	CategoryLedger         Category = "ledger"
	CategorySettlement     Category = "settlement"
	CategoryLiability      Category = "liability"
	CategoryReconciliation Category = "reconciliation"
)

// StoredEvent is the persisted, immutable form of a domain event.
type StoredEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EventID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_domain_events_event_id"`
	EventType     string         `gorm:"type:text;not null;index"`
	Category      Category       `gorm:"type:text;not null;index"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index"`
	CorrelationID uuid.UUID      `gorm:"type:uuid;not null;index"`
	CausationID   *uuid.UUID     `gorm:"type:uuid"`
	OccurredAt    time.Time      `gorm:"not null;index"`
	Payload       datatypes.JSON `gorm:"not null"`
	Version       int            `gorm:"not null;default:1"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (StoredEvent) TableName() string { return "psp_domain_events" }

// ReplayFilter narrows replay and count queries. Zero values mean "no filter".
type ReplayFilter struct {
	TenantID   uuid.UUID
	After      *time.Time
	Before     *time.Time
	Types      []string
	Categories []Category
	Limit      int
	Offset     int
}

// Service is the append-only event store.
type Service interface {
	// Append stores one event; returns false when event_id already exists.
	Append(ctx context.Context, event Event) (bool, error)
	// AppendBatch stores events all-or-nothing with the surrounding
	// transaction; returns the number of newly inserted rows.
	AppendBatch(ctx context.Context, events []Event) (int, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (*StoredEvent, error)
	GetByCorrelation(ctx context.Context, correlationID uuid.UUID, tenantID *uuid.UUID) ([]StoredEvent, error)
	// GetByEntity finds events whose payload carries "{entityType}_id" == entityID.
	GetByEntity(ctx context.Context, entityType, entityID string, tenantID *uuid.UUID) ([]StoredEvent, error)
	Replay(ctx context.Context, filter ReplayFilter) ([]StoredEvent, error)
	Count(ctx context.Context, filter ReplayFilter) (int64, error)
}
