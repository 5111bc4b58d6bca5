package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/pkg/money"
	"gorm.io/datatypes"
)

var ErrInvalidInput = errors.New("invalid funding gate input")

type GateType string

const (
	GateCommit GateType = "commit"
	GatePay    GateType = "pay"
)

type GateOutcome string

const (
	OutcomePass     GateOutcome = "pass"
	OutcomeSoftFail GateOutcome = "soft_fail"
	OutcomeHardFail GateOutcome = "hard_fail"
)

// FundingModel selects which obligations must be prefunded.
type FundingModel string

const (
	ModelPrefundAll       FundingModel = "prefund_all"
	ModelNetAndThirdParty FundingModel = "net_and_third_party"
	ModelNetOnly          FundingModel = "net_only"
)

// Reason codes carried in gate results.
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonSpikeDetected     = "SPIKE_DETECTED"
)

const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

// GateReason is one policy finding from an evaluation.
type GateReason struct {
	Code      string        `json:"code"`
	Severity  string        `json:"severity"`
	Message   string        `json:"message,omitempty"`
	Shortfall *money.Amount `json:"shortfall,omitempty"`
}

// PayRunTotals are the aggregable projections the wage-computation
// collaborator supplies for one pay run.
type PayRunTotals struct {
	Net        money.Amount
	Tax        money.Amount
	ThirdParty money.Amount
}

// GateResult is the persisted decision for one idempotency key.
type GateResult struct {
	EvaluationID uuid.UUID
	GateType     GateType
	Outcome      GateOutcome
	Required     money.Amount
	Available    money.Amount
	Reasons      []GateReason
	IsNew        bool
}

func (r GateResult) Passed() bool { return r.Outcome == OutcomePass }

// GateEvaluation persists one decision; the same idempotency key always
// returns the same stored decision.
type GateEvaluation struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:ux_gate_evaluations_idem,priority:1"`
	LegalEntityID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	PayRunID       string         `gorm:"type:text"`
	GateType       GateType       `gorm:"type:text;not null"`
	FundingModel   FundingModel   `gorm:"type:text"`
	Outcome        GateOutcome    `gorm:"type:text;not null"`
	Required       money.Amount   `gorm:"not null"`
	Available      money.Amount   `gorm:"not null"`
	Reasons        datatypes.JSON `gorm:""`
	IdempotencyKey string         `gorm:"type:text;not null;uniqueIndex:ux_gate_evaluations_idem,priority:2"`
	EvaluatedAt    time.Time      `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GateEvaluation) TableName() string { return "funding_gate_evaluations" }

// PayRunSnapshot is a projection of pay-run aggregates maintained by the
// host payroll engine; the gate reads it for spike detection.
type PayRunSnapshot struct {
	ID              uuid.UUID    `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID    `gorm:"type:uuid;not null;index"`
	LegalEntityID   uuid.UUID    `gorm:"type:uuid;not null;index"`
	PayRunID        string       `gorm:"type:text;not null;uniqueIndex:ux_pay_run_history_run"`
	Status          string       `gorm:"type:text;not null;index"`
	CheckDate       time.Time    `gorm:"not null"`
	NetTotal        money.Amount `gorm:"not null"`
	TaxTotal        money.Amount `gorm:"not null"`
	ThirdPartyTotal money.Amount `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PayRunSnapshot) TableName() string { return "pay_run_history" }

// EvaluateInput carries everything one gate evaluation needs.
type EvaluateInput struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       string
	Totals         PayRunTotals
	FundingModel   FundingModel
	Currency       string
	IdempotencyKey string
	Strict         bool
}

type Service interface {
	// EvaluateCommit runs the commit gate; strictness comes from input.
	EvaluateCommit(ctx context.Context, in EvaluateInput) (GateResult, error)
	// EvaluatePay runs the pay gate; always strict and reservation-aware.
	EvaluatePay(ctx context.Context, in EvaluateInput) (GateResult, error)
}
