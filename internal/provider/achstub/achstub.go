package achstub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/provider/domain"
)

const ProviderName = "ach_stub"

// Provider is a stub ACH adapter for local development and tests. A real
// adapter would build NACHA files or call a bank API and parse return
// files (R01-R99).
type Provider struct {
	autoSettle bool
	traceGen   *snowflake.Node

	mu        sync.Mutex
	submitted map[string]*submission
}

type submission struct {
	payload             domain.SubmitPayload
	traceID             string
	status              string
	returnCode          string
	returnReason        string
	estimatedSettlement time.Time
	submittedAt         time.Time
}

// New builds the stub. With autoSettle the provider reports payments as
// settled immediately; otherwise they stay accepted until simulated.
func New(traceGen *snowflake.Node, autoSettle bool) *Provider {
	return &Provider{
		autoSettle: autoSettle,
		traceGen:   traceGen,
		submitted:  map[string]*submission{},
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() domain.RailCapabilities {
	return domain.RailCapabilities{
		ACHCredit: true,
		ACHDebit:  true,
		Cutoffs: map[string]string{
			"ach_same_day": "14:00 CT",
			"ach_standard": "17:00 CT",
		},
		Limits: map[string]string{
			"ach_same_day_max": "1000000.00",
			"ach_standard_max": "99999999.99",
		},
		SettlementTimelines: map[string]string{
			"ach_credit_same_day": "same_day",
			"ach_credit_standard": "t+1",
			"ach_debit_standard":  "t+2",
		},
	}
}

// Submit is idempotent on the payload's IdempotencyKey: the same key maps
// to the same provider request id and the original submission state.
func (p *Provider) Submit(ctx context.Context, payload domain.SubmitPayload) (domain.SubmitResult, error) {
	_ = ctx

	key := strings.TrimSpace(payload.IdempotencyKey)
	if key == "" {
		return domain.SubmitResult{}, fmt.Errorf("ach stub: idempotency key is required")
	}
	requestID := "ACHSTUB-" + key

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.submitted[requestID]; ok {
		est := existing.estimatedSettlement
		return domain.SubmitResult{
			ProviderRequestID:       requestID,
			Accepted:                true,
			Message:                 "ACH stub accepted (duplicate)",
			TraceID:                 existing.traceID,
			EstimatedSettlementDate: &est,
		}, nil
	}

	now := time.Now().UTC()
	est := now.AddDate(0, 0, 1).Truncate(24 * time.Hour)
	if payload.RequestedSettlementDate != nil {
		est = payload.RequestedSettlementDate.UTC().Truncate(24 * time.Hour)
	}

	status := "accepted"
	if p.autoSettle {
		status = "settled"
	}

	// Real ACH carries a 15-digit trace number; the snowflake id stands in.
	traceID := fmt.Sprintf("ACHSTUB%s%s", now.Format("20060102"), p.traceGen.Generate())

	p.submitted[requestID] = &submission{
		payload:             payload,
		traceID:             traceID,
		status:              status,
		estimatedSettlement: est,
		submittedAt:         now,
	}

	return domain.SubmitResult{
		ProviderRequestID:       requestID,
		Accepted:                true,
		Message:                 "ACH stub accepted",
		TraceID:                 traceID,
		EstimatedSettlementDate: &est,
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
	effective := record.estimatedSettlement
	return domain.StatusResult{
		Status:          record.status,
		Message:         "ACH stub status",
		ExternalTraceID: record.traceID,
		EffectiveDate:   &effective,
		ReturnCode:      record.returnCode,
	}, nil
}

// Cancel succeeds only before settlement; real ACH has narrow recall
// windows and standard entries usually cannot be cancelled at all.
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
	if record.status == "settled" || record.status == "failed" {
		return domain.CancelResult{
			Success:  false,
			Message:  "cannot cancel settled/failed payment",
			CanRetry: false,
		}, nil
	}
	record.status = "canceled"
	return domain.CancelResult{Success: true, Message: "ACH stub canceled"}, nil
}

func (p *Provider) Reconcile(ctx context.Context, date time.Time) ([]domain.SettlementRecord, error) {
	_ = ctx

	p.mu.Lock()
	defer p.mu.Unlock()

	day := date.UTC().Truncate(24 * time.Hour)
	records := make([]domain.SettlementRecord, 0)
	for requestID, record := range p.submitted {
		if !record.estimatedSettlement.Equal(day) {
			continue
		}
		effective := record.estimatedSettlement
		// The feed's trace is the provider request id so settlement rows
		// match back to the recorded attempt.
		records = append(records, domain.SettlementRecord{
			ExternalTraceID: requestID,
			Rail:            domain.RailACH,
			EffectiveDate:   &effective,
			Status:          record.status,
			Amount:          record.payload.Amount,
			Currency:        record.payload.Currency,
			Direction:       record.payload.Direction,
			ReturnCode:      record.returnCode,
			RawPayload: map[string]any{
				"trace_number":  record.traceID,
				"return_reason": record.returnReason,
			},
		})
	}
	return records, nil
}

// SimulateSettlement marks a submission settled, optionally moving its
// settlement date. Test helper.
func (p *Provider) SimulateSettlement(providerRequestID string, settlementDate *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.submitted[providerRequestID]
	if !ok {
		return
	}
	record.status = "settled"
	if settlementDate != nil {
		record.estimatedSettlement = settlementDate.UTC().Truncate(24 * time.Hour)
	}
}

// SimulateReturn marks a submission returned with the given ACH return
// code. Test helper.
func (p *Provider) SimulateReturn(providerRequestID, returnCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.submitted[providerRequestID]
	if !ok {
		return
	}
	record.status = "returned"
	record.returnCode = returnCode
	record.returnReason = reason
}

var _ domain.RailProvider = (*Provider)(nil)
