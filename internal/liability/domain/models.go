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
	ErrNotFound     = errors.New("liability event not found")
	ErrBadState     = errors.New("liability event in wrong state")
	ErrInvalidInput = errors.New("invalid liability input")
)

// ErrorOrigin names who caused the loss.
type ErrorOrigin string

const (
	OriginClient        ErrorOrigin = "client"
	OriginPayrollEngine ErrorOrigin = "payroll_engine"
	OriginProvider      ErrorOrigin = "provider"
	OriginBank          ErrorOrigin = "bank"
	OriginRecipient     ErrorOrigin = "recipient"
)

// LiabilityParty names who carries the loss.
type LiabilityParty string

const (
	PartyEmployer  LiabilityParty = "employer"
	PartyPSP       LiabilityParty = "psp"
	PartyProcessor LiabilityParty = "processor"
	PartyShared    LiabilityParty = "shared"
	PartyPending   LiabilityParty = "pending"
)

// RecoveryPath names how the money comes back, if at all.
type RecoveryPath string

const (
	RecoverOffsetFuture RecoveryPath = "offset_future"
	RecoverClawback     RecoveryPath = "clawback"
	RecoverWriteOff     RecoveryPath = "write_off"
	RecoverInsurance    RecoveryPath = "insurance"
	RecoverDispute      RecoveryPath = "dispute"
	RecoverNone         RecoveryPath = "none"
)

type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryPartial    RecoveryStatus = "partial"
	RecoveryComplete   RecoveryStatus = "complete"
	RecoveryFailed     RecoveryStatus = "failed"
	RecoveryWrittenOff RecoveryStatus = "written_off"
)

// IsTerminalRecovery reports whether the recovery lifecycle is finished.
func IsTerminalRecovery(status RecoveryStatus) bool {
	return status == RecoveryComplete || status == RecoveryFailed || status == RecoveryWrittenOff
}

var recoveryRank = map[RecoveryStatus]int{
	RecoveryPending:    0,
	RecoveryInProgress: 1,
	RecoveryPartial:    2,
	RecoveryComplete:   3,
	RecoveryFailed:     3,
	RecoveryWrittenOff: 3,
}

// CanAdvanceRecovery allows only forward moves through the recovery
// lifecycle.
func CanAdvanceRecovery(from, to RecoveryStatus) bool {
	fromRank, ok := recoveryRank[from]
	if !ok {
		return false
	}
	toRank, ok := recoveryRank[to]
	if !ok {
		return false
	}
	if IsTerminalRecovery(from) {
		return false
	}
	return toRank > fromRank
}

// Classification is the pure attribution outcome for one loss. The same
// inputs always produce the same classification.
type Classification struct {
	ErrorOrigin    ErrorOrigin
	LiabilityParty LiabilityParty
	RecoveryPath   RecoveryPath
	LossAmount     money.Amount
	Reason         string
	IsRecoverable  bool
	Confidence     string
}

// ClassifyContext carries the operational signals that override the
// return-code default.
type ClassifyContext struct {
	RepeatFailureCount int
	OurDataError       bool
}

// LiabilityEvent is the persisted record of a classified loss.
type LiabilityEvent struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TenantID            uuid.UUID      `gorm:"type:uuid;not null;index"`
	LegalEntityID       uuid.UUID      `gorm:"type:uuid;not null;index"`
	SourceType          string         `gorm:"type:text;not null"`
	SourceID            string         `gorm:"type:text;not null;index"`
	ErrorOrigin         ErrorOrigin    `gorm:"type:text;not null"`
	LiabilityParty      LiabilityParty `gorm:"type:text;not null;index"`
	LossAmount          money.Amount   `gorm:"not null"`
	Currency            string         `gorm:"type:text;not null"`
	RecoveryPath        RecoveryPath   `gorm:"type:text;not null"`
	RecoveryStatus      RecoveryStatus `gorm:"type:text;not null;default:pending;index"`
	RecoveryAmount      money.Amount   `gorm:""`
	DeterminationReason string         `gorm:"type:text"`
	Evidence            datatypes.JSON `gorm:""`
	IdempotencyKey      *string        `gorm:"type:text;uniqueIndex:ux_liability_events_idem"`
	CreatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ResolvedAt          *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (LiabilityEvent) TableName() string { return "liability_events" }

// ReturnCodeReference maps a (rail, return code) pair to its default
// attribution. Seeded from the NACHA return code table.
type ReturnCodeReference struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Rail           providerdomain.Rail `gorm:"type:text;not null;uniqueIndex:ux_return_code_reference,priority:1"`
	Code           string              `gorm:"type:text;not null;uniqueIndex:ux_return_code_reference,priority:2"`
	Description    string              `gorm:"type:text"`
	ErrorOrigin    ErrorOrigin         `gorm:"type:text;not null"`
	LiabilityParty LiabilityParty      `gorm:"type:text;not null"`
	IsRecoverable  bool                `gorm:"not null;default:false"`
	CreatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReturnCodeReference) TableName() string { return "return_code_reference" }

type RecordInput struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	SourceType     string
	SourceID       string
	Currency       string
	Classification Classification
	Evidence       map[string]any
	IdempotencyKey string
}

// RecordResult reports the liability event written or found by key.
type RecordResult struct {
	LiabilityEventID uuid.UUID
	IsNew            bool
}

// Summary aggregates outstanding exposure per liability party.
type Summary struct {
	LiabilityParty LiabilityParty
	Count          int
	TotalLoss      money.Amount
	TotalRecovered money.Amount
}

type Service interface {
	// ClassifyReturn attributes a return to an origin, a liable party and
	// a recovery path. Pure given the reference table contents.
	ClassifyReturn(ctx context.Context, rail providerdomain.Rail, returnCode string, amount money.Amount, classifyCtx *ClassifyContext) (Classification, error)
	// RecordLiabilityEvent persists a classification, idempotent by key
	// when one is supplied.
	RecordLiabilityEvent(ctx context.Context, in RecordInput) (RecordResult, error)
	// UpdateRecoveryStatus advances the recovery lifecycle; terminal
	// statuses stamp resolved_at.
	UpdateRecoveryStatus(ctx context.Context, tenantID, liabilityEventID uuid.UUID, status RecoveryStatus, recoveryAmount *money.Amount) error
	GetLiabilityEvent(ctx context.Context, tenantID, liabilityEventID uuid.UUID) (*LiabilityEvent, error)
	// PendingLiabilities lists events whose recovery is not yet terminal.
	PendingLiabilities(ctx context.Context, tenantID uuid.UUID) ([]LiabilityEvent, error)
	// LiabilitySummary aggregates exposure per liability party.
	LiabilitySummary(ctx context.Context, tenantID uuid.UUID) ([]Summary, error)
}
