package fednowstub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/provider/domain"
	"github.com/smallbiznis/payrail/pkg/money"
)

const ProviderName = "fednow_stub"

// perTransactionLimit mirrors the FedNow network cap of $500,000 per
// transaction.
var perTransactionLimit = money.MustFromString("500000.00")

// Provider is a stub FedNow adapter. FedNow is the Federal Reserve's
// instant payment service: credits settle in seconds, around the clock.
// A real adapter would speak ISO 20022 (pacs.008) and handle rejects
// and timeouts from the receiving bank.
type Provider struct {
	autoSettle bool
	messageGen *snowflake.Node

	mu        sync.Mutex
	submitted map[string]*submission
}

type submission struct {
	payload        domain.SubmitPayload
	messageID      string
	status         string
	rejectCode     string
	rejectReason   string
	settlementDate time.Time
	submittedAt    time.Time
}

// New builds the stub. autoSettle defaults on in wiring because real
// FedNow settles instantly; turning it off holds payments at accepted
// for tests that need an in-flight state.
func New(messageGen *snowflake.Node, autoSettle bool) *Provider {
	return &Provider{
		autoSettle: autoSettle,
		messageGen: messageGen,
		submitted:  map[string]*submission{},
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() domain.RailCapabilities {
	return domain.RailCapabilities{
		FedNow: true,
		Cutoffs: map[string]string{
			"availability": "24/7/365",
		},
		Limits: map[string]string{
			"fednow_max": "500000.00",
		},
		SettlementTimelines: map[string]string{
			"fednow_credit": "instant",
		},
	}
}

// Submit is idempotent on the payload's IdempotencyKey. Amounts over
// the network limit are rejected without an error: the payment simply
// was not accepted.
func (p *Provider) Submit(ctx context.Context, payload domain.SubmitPayload) (domain.SubmitResult, error) {
	_ = ctx

	key := strings.TrimSpace(payload.IdempotencyKey)
	if key == "" {
		return domain.SubmitResult{}, fmt.Errorf("fednow stub: idempotency key is required")
	}
	requestID := "FEDNOW-" + key

	if payload.Amount.GreaterThan(perTransactionLimit) {
		return domain.SubmitResult{
			ProviderRequestID: requestID,
			Accepted:          false,
			Message:           "FedNow limit exceeded: max $500,000 per transaction",
		}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.submitted[requestID]; ok {
		settlement := existing.settlementDate
		return domain.SubmitResult{
			ProviderRequestID:       requestID,
			Accepted:                true,
			Message:                 "FedNow stub accepted (duplicate)",
			TraceID:                 existing.messageID,
			EstimatedSettlementDate: &settlement,
		}, nil
	}

	now := time.Now().UTC()
	settlement := now.Truncate(24 * time.Hour)

	status := "accepted"
	if p.autoSettle {
		status = "settled"
	}

	// Real FedNow carries a UETR; the snowflake id stands in.
	messageID := fmt.Sprintf("FEDNOW%s", p.messageGen.Generate())

	p.submitted[requestID] = &submission{
		payload:        payload,
		messageID:      messageID,
		status:         status,
		settlementDate: settlement,
		submittedAt:    now,
	}

	return domain.SubmitResult{
		ProviderRequestID:       requestID,
		Accepted:                true,
		Message:                 "FedNow stub accepted - instant settlement",
		TraceID:                 messageID,
		EstimatedSettlementDate: &settlement,
	}, nil
}

func (p *Provider) GetStatus(ctx context.Context, providerRequestID string) (domain.StatusResult, error) {
	_ = ctx

	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.submitted[providerRequestID]
	if !ok {
		return domain.StatusResult{
			Status:  "unknown",
			Message: fmt.Sprintf("payment %s not found", providerRequestID),
		}, nil
	}
	effective := record.settlementDate
	return domain.StatusResult{
		Status:          record.status,
		Message:         "FedNow stub status",
		ExternalTraceID: record.messageID,
		EffectiveDate:   &effective,
		ReturnCode:      record.rejectCode,
	}, nil
}

// Cancel always fails: FedNow settles instantly, so recovery goes
// through a recall process, never a cancel.
func (p *Provider) Cancel(ctx context.Context, providerRequestID string) (domain.CancelResult, error) {
	_ = ctx

	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.submitted[providerRequestID]
	if !ok {
		return domain.CancelResult{
			Success: false,
			Message: fmt.Sprintf("payment %s not found", providerRequestID),
		}, nil
	}
	if record.status == "settled" {
		return domain.CancelResult{
			Success:  false,
			Message:  "FedNow payments cannot be cancelled after settlement; use the recall process",
			CanRetry: false,
		}, nil
	}
	return domain.CancelResult{
		Success:  false,
		Message:  "FedNow payments settle instantly and cannot be cancelled",
		CanRetry: false,
	}, nil
}

// Reconcile is confirmatory for FedNow: settlement already happened in
// real time, the feed just verifies end-of-day positions.
func (p *Provider) Reconcile(ctx context.Context, date time.Time) ([]domain.SettlementRecord, error) {
	_ = ctx

	p.mu.Lock()
	defer p.mu.Unlock()

	day := date.UTC().Truncate(24 * time.Hour)
	records := make([]domain.SettlementRecord, 0)
	for requestID, record := range p.submitted {
		if !record.settlementDate.Equal(day) {
			continue
		}
		effective := record.settlementDate
		// The feed's trace is the provider request id so settlement rows
		// match back to the recorded attempt.
		records = append(records, domain.SettlementRecord{
			ExternalTraceID: requestID,
			Rail:            domain.RailFedNow,
			EffectiveDate:   &effective,
			Status:          record.status,
			Amount:          record.payload.Amount,
			Currency:        record.payload.Currency,
			Direction:       record.payload.Direction,
			ReturnCode:      record.rejectCode,
			RawPayload: map[string]any{
				"message_id":    record.messageID,
				"reject_reason": record.rejectReason,
			},
		})
	}
	return records, nil
}

// SimulateReject marks a submission failed with an ISO 20022 reject
// code (AC01, AC04, AM02, NARR, ...). Test helper.
func (p *Provider) SimulateReject(providerRequestID, rejectCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.submitted[providerRequestID]
	if !ok {
		return
	}
	record.status = "failed"
	record.rejectCode = rejectCode
	record.rejectReason = reason
}

var _ domain.RailProvider = (*Provider)(nil)
