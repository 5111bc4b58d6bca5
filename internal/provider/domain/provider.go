package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/pkg/money"
)

var ErrProviderNotFound = errors.New("rail provider not found")

type Rail string

const (
	RailACH    Rail = "ach"
	RailRTP    Rail = "rtp"
	RailFedNow Rail = "fednow"
	RailWire   Rail = "wire"
	RailCheck  Rail = "check"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RailCapabilities advertises what a provider can move and when.
type RailCapabilities struct {
	ACHCredit bool
	ACHDebit  bool
	Wire      bool
	RTP       bool
	FedNow    bool
	Check     bool

	Cutoffs             map[string]string
	Limits              map[string]string
	SettlementTimelines map[string]string
}

// SubmitPayload is the minimal instruction shape a provider receives.
// Routing and account values are tokenized references, never raw numbers.
type SubmitPayload struct {
	PaymentInstructionID    uuid.UUID
	IdempotencyKey          string
	Amount                  money.Amount
	Currency                string
	Direction               Direction
	Purpose                 string
	PayeeType               string
	PayeeRefID              uuid.UUID
	PayeeRouting            string
	PayeeAccount            string
	RequestedSettlementDate *time.Time
	Metadata                map[string]any
}

type SubmitResult struct {
	ProviderRequestID       string
	Accepted                bool
	Message                 string
	TraceID                 string
	EstimatedSettlementDate *time.Time
}

type StatusResult struct {
	Status          string
	Message         string
	ExternalTraceID string
	EffectiveDate   *time.Time
	ReturnCode      string
}

type CancelResult struct {
	Success  bool
	Message  string
	CanRetry bool
}

// SettlementRecord is one line of truth from the rail's settlement feed.
// Rail identifies the network the money moved on; return codes only make
// sense relative to it.
type SettlementRecord struct {
	ExternalTraceID string
	Rail            Rail
	EffectiveDate   *time.Time
	Status          string
	Amount          money.Amount
	Currency        string
	Direction       Direction
	RawPayload      map[string]any
	ReturnCode      string
	OriginalTraceID string
}

// RailProvider is the only boundary through which the core touches a
// payment network. Submit must be idempotent on the payload's
// IdempotencyKey.
type RailProvider interface {
	Name() string
	Capabilities() RailCapabilities
	Submit(ctx context.Context, payload SubmitPayload) (SubmitResult, error)
	GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error)
	Cancel(ctx context.Context, providerRequestID string) (CancelResult, error)
	// Reconcile returns all settled/returned items for the date; safe to
	// call repeatedly.
	Reconcile(ctx context.Context, date time.Time) ([]SettlementRecord, error)
}

// PreferredRail derives the rail from capability flags: instant rails
// first, then ACH when the direction supports it, then wire.
func PreferredRail(caps RailCapabilities, direction Direction, fallback Rail) Rail {
	switch {
	case caps.FedNow:
		return RailFedNow
	case caps.RTP:
		return RailRTP
	case direction == DirectionOutbound && caps.ACHCredit:
		return RailACH
	case direction == DirectionInbound && caps.ACHDebit:
		return RailACH
	case caps.Wire:
		return RailWire
	default:
		return fallback
	}
}
