package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/config"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	fundingdomain "github.com/smallbiznis/payrail/internal/funding/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	pspdomain "github.com/smallbiznis/payrail/internal/psp/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"github.com/smallbiznis/payrail/pkg/db"
	"github.com/smallbiznis/payrail/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Config         config.Config
	Funding        fundingdomain.Service
	Ledger         ledgerdomain.Service
	Payments       paymentdomain.Service
	Reconciliation recondomain.Service
	Liability      liabilitydomain.Service
	Events         eventdomain.Service `optional:"true"`
}

// Service is the facade: the one blessed path into the payment core.
type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	policy         config.PolicyConfig
	funding        fundingdomain.Service
	ledger         ledgerdomain.Service
	payments       paymentdomain.Service
	reconciliation recondomain.Service
	liability      liabilitydomain.Service
	events         eventdomain.Service
}

func NewService(p Params) pspdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("psp.facade"),
		policy:         p.Config.Policy,
		funding:        p.Funding,
		ledger:         p.Ledger,
		payments:       p.Payments,
		reconciliation: p.Reconciliation,
		liability:      p.Liability,
		events:         p.Events,
	}
}

func validateBatch(batch pspdomain.PayrollBatch) error {
	if batch.TenantID == uuid.Nil || batch.LegalEntityID == uuid.Nil {
		return fmt.Errorf("%w: tenant and legal entity are required", pspdomain.ErrInvalidInput)
	}
	if strings.TrimSpace(batch.BatchID) == "" {
		return fmt.Errorf("%w: batch id is required", pspdomain.ErrInvalidInput)
	}
	for i, item := range batch.Items {
		if item.PayeeRefID == uuid.Nil {
			return fmt.Errorf("%w: item %d has no payee", pspdomain.ErrInvalidInput, i)
		}
		if !item.Amount.IsPositive() {
			return fmt.Errorf("%w: item %d amount must be positive", pspdomain.ErrInvalidInput, i)
		}
	}
	return nil
}

// requiredFor mirrors the funding gate's obligation arithmetic so the
// reservation covers exactly what the gate checked.
func requiredFor(totals fundingdomain.PayRunTotals, model fundingdomain.FundingModel) money.Amount {
	switch model {
	case fundingdomain.ModelNetOnly:
		return totals.Net
	case fundingdomain.ModelNetAndThirdParty:
		return totals.Net.Add(totals.ThirdParty)
	default:
		return totals.Net.Add(totals.Tax).Add(totals.ThirdParty)
	}
}

func (s *Service) CommitPayrollBatch(ctx context.Context, batch pspdomain.PayrollBatch) (pspdomain.CommitResult, error) {
	if err := validateBatch(batch); err != nil {
		return pspdomain.CommitResult{}, err
	}
	if batch.FundingModel == "" {
		batch.FundingModel = fundingdomain.ModelPrefundAll
	}
	if batch.Currency == "" {
		batch.Currency = s.policy.DefaultCurrency
	}

	correlationID := uuid.New()
	required := requiredFor(batch.Totals, batch.FundingModel)
	result := pspdomain.CommitResult{
		Status:        pspdomain.CommitBlocked,
		Total:         required,
		CorrelationID: correlationID,
	}

	conn := db.FromContext(ctx, s.db)
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := db.WithTx(ctx, tx)

		if err := s.emit(txCtx, eventdomain.NewFundingRequested(batch.TenantID, correlationID, eventdomain.FundingRequestedPayload{
			FundingRequestID: batch.BatchID,
			LegalEntityID:    batch.LegalEntityID.String(),
			PayPeriodID:      batch.PayRunID,
			RequestedAmount:  required,
			Currency:         batch.Currency,
			RequestedDate:    time.Now().UTC().Format("2006-01-02"),
		})); err != nil {
			return err
		}

		gate, err := s.funding.EvaluateCommit(txCtx, fundingdomain.EvaluateInput{
			TenantID:       batch.TenantID,
			LegalEntityID:  batch.LegalEntityID,
			PayRunID:       batch.PayRunID,
			Totals:         batch.Totals,
			FundingModel:   batch.FundingModel,
			Currency:       batch.Currency,
			IdempotencyKey: fmt.Sprintf("commit_gate_%s", batch.BatchID),
			Strict:         s.policy.CommitGateStrict,
		})
		if err != nil {
			return err
		}

		if !gate.Passed() {
			result.BlockedCount = len(batch.Items)
			result.Reason = gateReason(gate)

			if shortfall := insufficientFundsShortfall(gate); shortfall != nil {
				result.Status = pspdomain.CommitInsufficientFunds
				return s.emit(txCtx, eventdomain.NewFundingInsufficientFunds(batch.TenantID, correlationID, eventdomain.FundingInsufficientFundsPayload{
					FundingRequestID: batch.BatchID,
					LegalEntityID:    batch.LegalEntityID.String(),
					RequestedAmount:  gate.Required,
					AvailableBalance: gate.Available,
					Shortfall:        *shortfall,
					GateEvaluationID: gate.EvaluationID.String(),
				}))
			}
			result.Status = pspdomain.CommitBlocked
			return s.emit(txCtx, eventdomain.NewFundingBlocked(batch.TenantID, correlationID, eventdomain.FundingBlockedPayload{
				FundingRequestID: batch.BatchID,
				LegalEntityID:    batch.LegalEntityID.String(),
				RequestedAmount:  gate.Required,
				AvailableBalance: gate.Available,
				BlockReason:      result.Reason,
				GateEvaluationID: gate.EvaluationID.String(),
			}))
		}

		if !gate.IsNew {
			// Replayed commit: the first run already reserved the funds.
			existing, err := s.findBatchReservation(txCtx, batch.TenantID, batch.BatchID)
			if err != nil {
				return err
			}
			if existing != nil {
				result.Status = pspdomain.CommitApproved
				result.ReservationID = &existing.ID
				result.ApprovedCount = len(batch.Items)
				return nil
			}
		}

		expiresAt := time.Now().UTC().Add(time.Duration(s.policy.ReservationTTLHours) * time.Hour)
		reservationID, err := s.ledger.CreateReservation(txCtx, ledgerdomain.CreateReservationInput{
			TenantID:      batch.TenantID,
			LegalEntityID: batch.LegalEntityID,
			ReserveType:   ledgerdomain.ReserveNetPay,
			Amount:        required,
			Currency:      batch.Currency,
			SourceType:    "payroll_batch",
			SourceID:      batch.BatchID,
			ExpiresAt:     &expiresAt,
		})
		if err != nil {
			return err
		}

		result.Status = pspdomain.CommitApproved
		result.ReservationID = &reservationID
		result.ApprovedCount = len(batch.Items)

		return s.emit(txCtx, eventdomain.NewFundingApproved(batch.TenantID, correlationID, eventdomain.FundingApprovedPayload{
			FundingRequestID: batch.BatchID,
			LegalEntityID:    batch.LegalEntityID.String(),
			ApprovedAmount:   required,
			AvailableBalance: gate.Available,
			GateEvaluationID: gate.EvaluationID.String(),
		}))
	})
	if err != nil {
		return pspdomain.CommitResult{}, err
	}
	return result, nil
}

func (s *Service) findBatchReservation(ctx context.Context, tenantID uuid.UUID, batchID string) (*ledgerdomain.Reservation, error) {
	conn := db.FromContext(ctx, s.db)

	var reservation ledgerdomain.Reservation
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND source_type = ? AND source_id = ?", tenantID, "payroll_batch", batchID).
		Order("created_at desc").
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func gateReason(gate fundingdomain.GateResult) string {
	if len(gate.Reasons) == 0 {
		return string(gate.Outcome)
	}
	codes := make([]string, 0, len(gate.Reasons))
	for _, reason := range gate.Reasons {
		codes = append(codes, reason.Code)
	}
	return strings.Join(codes, ",")
}

func insufficientFundsShortfall(gate fundingdomain.GateResult) *money.Amount {
	for _, reason := range gate.Reasons {
		if reason.Code == fundingdomain.ReasonInsufficientFunds && reason.Shortfall != nil {
			return reason.Shortfall
		}
	}
	return nil
}

func (s *Service) ExecutePayments(ctx context.Context, in pspdomain.ExecuteInput) (pspdomain.ExecuteResult, error) {
	batch := in.Batch
	if err := validateBatch(batch); err != nil {
		return pspdomain.ExecuteResult{}, err
	}
	if len(batch.Items) == 0 {
		return pspdomain.ExecuteResult{}, fmt.Errorf("%w: batch has no items", pspdomain.ErrInvalidInput)
	}
	if batch.Currency == "" {
		batch.Currency = s.policy.DefaultCurrency
	}

	correlationID := uuid.New()
	result := pspdomain.ExecuteResult{CorrelationID: correlationID}

	if s.policy.PayGateEnforced {
		gate, err := s.funding.EvaluatePay(ctx, fundingdomain.EvaluateInput{
			TenantID:       batch.TenantID,
			LegalEntityID:  batch.LegalEntityID,
			PayRunID:       batch.PayRunID,
			Totals:         batch.Totals,
			FundingModel:   batch.FundingModel,
			Currency:       batch.Currency,
			IdempotencyKey: fmt.Sprintf("pay_gate_%s", batch.BatchID),
		})
		if err != nil {
			return pspdomain.ExecuteResult{}, err
		}
		result.GateOutcome = gate.Outcome
		if !gate.Passed() {
			result.Status = pspdomain.ExecuteBlocked
			result.Reason = gateReason(gate)
			result.Failed = len(batch.Items)
			return result, nil
		}
	}

	// Items run one at a time; each submission does its provider call
	// outside any held transaction. A failed item never blocks the rest.
	for _, item := range batch.Items {
		itemResult := s.executeItem(ctx, batch, item, correlationID, in.ProviderName)
		result.Items = append(result.Items, itemResult)
		if itemResult.Accepted {
			result.Submitted++
		} else {
			result.Failed++
		}
	}

	// The reservation is consumed only on a clean sweep; any failure
	// leaves it active so the operator can retry or release explicitly.
	if in.ReservationID != nil && result.Failed == 0 {
		ok, err := s.ledger.ReleaseReservation(ctx, batch.TenantID, *in.ReservationID, true)
		if err != nil {
			return result, err
		}
		result.ReservationConsumed = ok
	}

	if result.Failed == 0 {
		result.Status = pspdomain.ExecuteCompleted
	} else {
		result.Status = pspdomain.ExecutePartial
	}
	return result, nil
}

func (s *Service) executeItem(ctx context.Context, batch pspdomain.PayrollBatch, item pspdomain.PayrollItem, correlationID uuid.UUID, providerName string) pspdomain.ItemResult {
	purpose := item.Purpose
	if purpose == "" {
		purpose = paymentdomain.PurposeEmployeeNet
	}
	payeeType := item.PayeeType
	if payeeType == "" {
		payeeType = "employee"
	}

	created, err := s.payments.CreateInstruction(ctx, paymentdomain.CreateInstructionInput{
		TenantID:       batch.TenantID,
		LegalEntityID:  batch.LegalEntityID,
		Purpose:        purpose,
		Direction:      providerdomain.DirectionOutbound,
		Amount:         item.Amount,
		Currency:       batch.Currency,
		PayeeType:      payeeType,
		PayeeRefID:     item.PayeeRefID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", batch.BatchID, item.PayeeRefID, purpose),
		SourceType:     "payroll_batch",
		SourceID:       batch.BatchID,
		CorrelationID:  correlationID,
	})
	if err != nil {
		return pspdomain.ItemResult{PayeeRefID: item.PayeeRefID, Message: err.Error()}
	}

	itemResult := pspdomain.ItemResult{
		PayeeRefID:    item.PayeeRefID,
		InstructionID: created.InstructionID,
		WasDuplicate:  created.WasDuplicate,
	}

	if created.WasDuplicate && created.Status != paymentdomain.StatusCreated && created.Status != paymentdomain.StatusQueued {
		// Replayed batch: the earlier run already submitted this item.
		itemResult.Accepted = created.Status != paymentdomain.StatusFailed
		itemResult.Message = fmt.Sprintf("already %s", created.Status)
		return itemResult
	}

	submission, err := s.payments.Submit(ctx, batch.TenantID, created.InstructionID, providerName)
	if err != nil {
		itemResult.Message = err.Error()
		return itemResult
	}
	itemResult.Accepted = submission.Accepted
	itemResult.Message = submission.Message
	return itemResult
}

func (s *Service) IngestSettlementFeed(ctx context.Context, tenantID, bankAccountID uuid.UUID, providerName string, records []providerdomain.SettlementRecord) (pspdomain.IngestResult, error) {
	correlationID := uuid.New()
	day := time.Now().UTC().Format("2006-01-02")

	if err := s.emit(ctx, eventdomain.NewReconciliationStarted(tenantID, correlationID, eventdomain.ReconciliationStartedPayload{
		ReconciliationDate: day,
		Provider:           providerName,
		BankAccountID:      bankAccountID.String(),
	})); err != nil {
		return pspdomain.IngestResult{}, err
	}

	// The ingest correlation id rides through the reconciler so every
	// per-record event groups under this one facade call.
	reconResult, err := s.reconciliation.ProcessRecords(ctx, tenantID, bankAccountID, correlationID, providerName, records)
	if err != nil {
		return pspdomain.IngestResult{}, err
	}

	if err := s.emit(ctx, eventdomain.NewReconciliationCompleted(tenantID, correlationID, eventdomain.ReconciliationCompletedPayload{
		ReconciliationDate: day,
		Provider:           providerName,
		Processed:          reconResult.Processed,
		Matched:            reconResult.Matched,
		Created:            reconResult.Created,
		Failed:             reconResult.Failed,
	})); err != nil {
		return pspdomain.IngestResult{}, err
	}

	return pspdomain.IngestResult{CorrelationID: correlationID, Reconciliation: reconResult}, nil
}

func (s *Service) HandleProviderCallback(ctx context.Context, tenantID uuid.UUID, providerName, callbackType string, payload pspdomain.CallbackPayload) (pspdomain.CallbackResult, error) {
	correlationID := uuid.New()
	result := pspdomain.CallbackResult{CorrelationID: correlationID}

	if strings.TrimSpace(payload.ProviderRequestID) == "" {
		result.Status = pspdomain.CallbackInvalid
		result.Message = "missing provider_request_id"
		return result, nil
	}

	target, isReturn := callbackTarget(callbackType, payload.Status)
	if target == "" {
		result.Status = pspdomain.CallbackInvalid
		result.Message = fmt.Sprintf("unrecognized callback type %q status %q", callbackType, payload.Status)
		return result, nil
	}

	attempt, err := s.payments.FindAttemptByProviderRequest(ctx, providerName, payload.ProviderRequestID)
	if err != nil {
		return pspdomain.CallbackResult{}, err
	}
	if attempt == nil {
		result.Status = pspdomain.CallbackUnknown
		result.Message = fmt.Sprintf("no attempt for provider request %s", payload.ProviderRequestID)
		return result, nil
	}

	instruction, err := s.payments.GetInstruction(ctx, tenantID, attempt.InstructionID)
	if err != nil {
		return pspdomain.CallbackResult{}, err
	}
	if instruction == nil {
		result.Status = pspdomain.CallbackUnknown
		result.Message = "instruction not found for tenant"
		return result, nil
	}
	result.InstructionID = &instruction.ID

	if instruction.Status == target {
		result.Status = pspdomain.CallbackDuplicate
		result.Message = fmt.Sprintf("already %s", target)
		return result, nil
	}
	if !paymentdomain.CanTransition(instruction.Status, target) {
		result.Status = pspdomain.CallbackInvalid
		result.Message = fmt.Sprintf("cannot move %s -> %s", instruction.Status, target)
		return result, nil
	}

	conn := db.FromContext(ctx, s.db)
	err = conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := db.WithTx(ctx, tx)

		if err := s.payments.UpdateStatus(txCtx, tenantID, instruction.ID, target); err != nil {
			return err
		}

		if isReturn {
			classification, err := s.liability.ClassifyReturn(txCtx, attempt.Rail, payload.ReturnCode, instruction.Amount, nil)
			if err != nil {
				return err
			}
			if _, err := s.liability.RecordLiabilityEvent(txCtx, liabilitydomain.RecordInput{
				TenantID:       tenantID,
				LegalEntityID:  instruction.LegalEntityID,
				SourceType:     "payment_instruction",
				SourceID:       instruction.ID.String(),
				Currency:       instruction.Currency,
				Classification: classification,
				Evidence: map[string]any{
					"provider":            providerName,
					"provider_request_id": payload.ProviderRequestID,
					"return_code":         payload.ReturnCode,
					"callback_type":       callbackType,
				},
				IdempotencyKey: fmt.Sprintf("liability_return_%s", instruction.ID),
			}); err != nil {
				return err
			}
			return s.emit(txCtx, eventdomain.NewPaymentReturned(tenantID, correlationID, eventdomain.PaymentReturnedPayload{
				PaymentInstructionID: instruction.ID.String(),
				ReturnCode:           payload.ReturnCode,
				ReturnReason:         payload.ReturnReason,
				Amount:               instruction.Amount,
				LiabilityParty:       string(classification.LiabilityParty),
			}))
		}

		if target == paymentdomain.StatusSettled {
			effective := ""
			if payload.EffectiveDate != nil {
				effective = payload.EffectiveDate.Format("2006-01-02")
			}
			return s.emit(txCtx, eventdomain.NewPaymentSettled(tenantID, correlationID, eventdomain.PaymentSettledPayload{
				PaymentInstructionID: instruction.ID.String(),
				Amount:               instruction.Amount,
				Currency:             instruction.Currency,
				EffectiveDate:        effective,
			}))
		}
		return nil
	})
	if err != nil {
		return pspdomain.CallbackResult{}, err
	}

	result.Status = pspdomain.CallbackProcessed
	result.Message = fmt.Sprintf("instruction %s", target)
	return result, nil
}

// callbackTarget maps a callback to the instruction status it implies.
func callbackTarget(callbackType, status string) (paymentdomain.InstructionStatus, bool) {
	kind := strings.ToLower(strings.TrimSpace(callbackType))
	switch kind {
	case "return", "returned", "reversal", "reversed":
		return paymentdomain.StatusReversed, true
	case "settlement", "settled":
		return paymentdomain.StatusSettled, false
	}

	switch strings.ToLower(strings.TrimSpace(status)) {
	case "accepted":
		return paymentdomain.StatusAccepted, false
	case "settled":
		return paymentdomain.StatusSettled, false
	case "failed":
		return paymentdomain.StatusFailed, false
	case "returned", "reversed":
		return paymentdomain.StatusReversed, true
	default:
		return "", false
	}
}

func (s *Service) emit(ctx context.Context, event eventdomain.Event) error {
	if s.events == nil || !s.policy.EmitEvents {
		return nil
	}
	_, err := s.events.Append(ctx, event)
	return err
}
