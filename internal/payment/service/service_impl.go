package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/config"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	"github.com/smallbiznis/payrail/internal/provider"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	"github.com/smallbiznis/payrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Ledger     ledgerdomain.Service
	Providers  *provider.Registry
	Events     eventdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	policy     config.PolicyConfig
	ledger     ledgerdomain.Service
	providers  *provider.Registry
	events     eventdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.orchestrator"),
		policy:     p.Config.Policy,
		ledger:     p.Ledger,
		providers:  p.Providers,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateInstruction(ctx context.Context, in paymentdomain.CreateInstructionInput) (paymentdomain.InstructionResult, error) {
	if in.TenantID == uuid.Nil || in.LegalEntityID == uuid.Nil || in.PayeeRefID == uuid.Nil {
		return paymentdomain.InstructionResult{}, paymentdomain.ErrInvalidInput
	}
	if !in.Amount.IsPositive() {
		return paymentdomain.InstructionResult{}, fmt.Errorf("%w: amount must be positive", paymentdomain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return paymentdomain.InstructionResult{}, fmt.Errorf("%w: idempotency key is required", paymentdomain.ErrInvalidInput)
	}
	if in.Currency == "" {
		in.Currency = s.policy.DefaultCurrency
	}
	if in.Direction == "" {
		in.Direction = providerdomain.DirectionOutbound
	}

	conn := db.FromContext(ctx, s.db)

	var metadata datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return paymentdomain.InstructionResult{}, fmt.Errorf("marshal instruction metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}

	instructionID := uuid.New()
	now := time.Now().UTC()
	wasDuplicate := false
	status := paymentdomain.StatusCreated

	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO payment_instructions (
				id, tenant_id, legal_entity_id, purpose, direction, amount,
				currency, payee_type, payee_ref_id, requested_settlement_date,
				status, idempotency_key, source_type, source_id, correlation_id,
				metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
			instructionID,
			in.TenantID,
			in.LegalEntityID,
			in.Purpose,
			in.Direction,
			in.Amount,
			in.Currency,
			in.PayeeType,
			in.PayeeRefID,
			in.RequestedSettlementDate,
			paymentdomain.StatusCreated,
			in.IdempotencyKey,
			in.SourceType,
			in.SourceID,
			in.CorrelationID,
			metadata,
			now,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Dedup is by key alone: different fields with the same key
			// still return the original instruction.
			var existing paymentdomain.PaymentInstruction
			if err := tx.WithContext(ctx).
				Where("tenant_id = ? AND idempotency_key = ?", in.TenantID, in.IdempotencyKey).
				First(&existing).Error; err != nil {
				return err
			}
			instructionID = existing.ID
			status = existing.Status
			wasDuplicate = true
			return nil
		}

		if s.events != nil {
			txCtx := db.WithTx(ctx, tx)
			_, err := s.events.Append(txCtx, eventdomain.NewPaymentInstructionCreated(in.TenantID, in.CorrelationID, eventdomain.PaymentInstructionCreatedPayload{
				PaymentInstructionID: instructionID.String(),
				LegalEntityID:        in.LegalEntityID.String(),
				Purpose:              string(in.Purpose),
				Direction:            string(in.Direction),
				Amount:               in.Amount,
				Currency:             in.Currency,
				PayeeType:            in.PayeeType,
				PayeeRefID:           in.PayeeRefID.String(),
				IdempotencyKey:       in.IdempotencyKey,
			}))
			return err
		}
		return nil
	})
	if err != nil {
		return paymentdomain.InstructionResult{}, err
	}

	return paymentdomain.InstructionResult{
		InstructionID: instructionID,
		Status:        status,
		WasDuplicate:  wasDuplicate,
	}, nil
}

func (s *Service) Submit(ctx context.Context, tenantID, instructionID uuid.UUID, providerName string) (paymentdomain.SubmissionResult, error) {
	instruction, err := s.GetInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return paymentdomain.SubmissionResult{}, err
	}
	if instruction == nil {
		return paymentdomain.SubmissionResult{}, fmt.Errorf("%w: %s", paymentdomain.ErrNotFound, instructionID)
	}
	if instruction.Status != paymentdomain.StatusCreated && instruction.Status != paymentdomain.StatusQueued {
		return paymentdomain.SubmissionResult{}, fmt.Errorf("%w: cannot submit from %s", paymentdomain.ErrBadState, instruction.Status)
	}

	railProvider, err := s.providers.Get(providerName)
	if err != nil {
		return paymentdomain.SubmissionResult{}, err
	}
	rail := providerdomain.PreferredRail(
		railProvider.Capabilities(),
		instruction.Direction,
		providerdomain.Rail(s.policy.DefaultRail),
	)

	payload := providerdomain.SubmitPayload{
		PaymentInstructionID:    instruction.ID,
		IdempotencyKey:          instruction.IdempotencyKey,
		Amount:                  instruction.Amount,
		Currency:                instruction.Currency,
		Direction:               instruction.Direction,
		Purpose:                 string(instruction.Purpose),
		PayeeType:               instruction.PayeeType,
		PayeeRefID:              instruction.PayeeRefID,
		RequestedSettlementDate: instruction.RequestedSettlementDate,
	}

	// The provider call happens before any transaction is held; its
	// idempotency on the instruction key makes a retry after a crash
	// produce the same provider request id.
	submit, submitErr := railProvider.Submit(ctx, payload)

	attemptStatus := paymentdomain.AttemptAccepted
	message := submit.Message
	requestID := submit.ProviderRequestID
	accepted := submitErr == nil && submit.Accepted
	if !accepted {
		attemptStatus = paymentdomain.AttemptFailed
		if submitErr != nil {
			message = submitErr.Error()
		}
		if requestID == "" {
			// Deterministic so a retried failure doesn't pile up rows.
			requestID = "ERR-" + instruction.IdempotencyKey
		}
	}

	attemptID := uuid.New()
	conn := db.FromContext(ctx, s.db)
	err = conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := db.WithTx(ctx, tx)

		rawPayload, err := json.Marshal(map[string]any{
			"payment_instruction_id": instruction.ID.String(),
			"idempotency_key":        instruction.IdempotencyKey,
			"amount":                 instruction.Amount,
			"currency":               instruction.Currency,
			"direction":              instruction.Direction,
			"purpose":                instruction.Purpose,
		})
		if err != nil {
			return fmt.Errorf("marshal attempt payload: %w", err)
		}

		result := tx.WithContext(ctx).Exec(
			`INSERT INTO payment_attempts (
				id, instruction_id, rail, provider, provider_request_id,
				status, message, request_payload, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (provider, provider_request_id) DO NOTHING`,
			attemptID,
			instruction.ID,
			rail,
			railProvider.Name(),
			requestID,
			attemptStatus,
			message,
			datatypes.JSON(rawPayload),
			time.Now().UTC(),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var existing paymentdomain.PaymentAttempt
			if err := tx.WithContext(ctx).
				Where("provider = ? AND provider_request_id = ?", railProvider.Name(), requestID).
				First(&existing).Error; err != nil {
				return err
			}
			attemptID = existing.ID
		}

		newStatus := paymentdomain.StatusSubmitted
		if !accepted {
			newStatus = paymentdomain.StatusFailed
		}
		if err := s.updateStatusTx(txCtx, tx, instruction, newStatus); err != nil {
			return err
		}

		if accepted && instruction.Purpose == paymentdomain.PurposeEmployeeNet {
			if err := s.postInitiationEntry(txCtx, instruction); err != nil {
				return err
			}
		}

		if s.events != nil {
			var event eventdomain.Event
			if accepted {
				event = eventdomain.NewPaymentSubmitted(tenantID, instruction.CorrelationID, eventdomain.PaymentSubmittedPayload{
					PaymentInstructionID: instruction.ID.String(),
					AttemptID:            attemptID.String(),
					Rail:                 string(rail),
					Provider:             railProvider.Name(),
					ProviderRequestID:    requestID,
					Amount:               instruction.Amount,
					Currency:             instruction.Currency,
				})
			} else {
				event = eventdomain.NewPaymentFailed(tenantID, instruction.CorrelationID, eventdomain.PaymentFailedPayload{
					PaymentInstructionID: instruction.ID.String(),
					Reason:               message,
					Provider:             railProvider.Name(),
					ProviderRequestID:    requestID,
				})
			}
			if _, err := s.events.Append(txCtx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return paymentdomain.SubmissionResult{}, err
	}

	if s.obsMetrics != nil {
		eventType := "submitted"
		if !accepted {
			eventType = "failed"
		}
		s.obsMetrics.RecordPaymentEvent(ctx, railProvider.Name(), eventType)
	}

	return paymentdomain.SubmissionResult{
		AttemptID:         attemptID,
		ProviderRequestID: requestID,
		Accepted:          accepted,
		Message:           message,
		Rail:              rail,
	}, nil
}

// postInitiationEntry moves the employee payout from the net-pay payable
// into settlement clearing, keyed so retries don't double-post.
func (s *Service) postInitiationEntry(ctx context.Context, instruction *paymentdomain.PaymentInstruction) error {
	debit, err := s.ledger.GetOrCreateAccount(ctx, instruction.TenantID, instruction.LegalEntityID, ledgerdomain.AccountClientNetPayPayable, instruction.Currency)
	if err != nil {
		return err
	}
	credit, err := s.ledger.GetOrCreateAccount(ctx, instruction.TenantID, instruction.LegalEntityID, ledgerdomain.AccountPSPSettlementClearing, instruction.Currency)
	if err != nil {
		return err
	}

	_, err = s.ledger.PostEntry(ctx, ledgerdomain.PostEntryInput{
		TenantID:        instruction.TenantID,
		LegalEntityID:   instruction.LegalEntityID,
		EntryType:       ledgerdomain.EntryEmployeePaymentInitiated,
		DebitAccountID:  debit.ID,
		CreditAccountID: credit.ID,
		Amount:          instruction.Amount,
		Currency:        instruction.Currency,
		SourceType:      "payment_instruction",
		SourceID:        instruction.ID.String(),
		CorrelationID:   instruction.CorrelationID,
		IdempotencyKey:  fmt.Sprintf("payment_init_%s", instruction.ID),
	})
	return err
}

func (s *Service) UpdateStatus(ctx context.Context, tenantID, instructionID uuid.UUID, newStatus paymentdomain.InstructionStatus) error {
	instruction, err := s.GetInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return err
	}
	if instruction == nil {
		return fmt.Errorf("%w: %s", paymentdomain.ErrNotFound, instructionID)
	}

	conn := db.FromContext(ctx, s.db)
	return s.updateStatusTx(ctx, conn, instruction, newStatus)
}

func (s *Service) updateStatusTx(ctx context.Context, tx *gorm.DB, instruction *paymentdomain.PaymentInstruction, newStatus paymentdomain.InstructionStatus) error {
	if !paymentdomain.CanTransition(instruction.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", paymentdomain.ErrBadState, instruction.Status, newStatus)
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE payment_instructions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		newStatus,
		time.Now().UTC(),
		instruction.ID,
		instruction.TenantID,
		instruction.Status,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Lost a race against a concurrent transition.
		return fmt.Errorf("%w: instruction %s changed concurrently", paymentdomain.ErrBadState, instruction.ID)
	}
	instruction.Status = newStatus
	return nil
}

func (s *Service) GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*paymentdomain.PaymentInstruction, error) {
	conn := db.FromContext(ctx, s.db)

	var instruction paymentdomain.PaymentInstruction
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, instructionID).
		First(&instruction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instruction, nil
}

func (s *Service) FindAttemptByProviderRequest(ctx context.Context, providerName, providerRequestID string) (*paymentdomain.PaymentAttempt, error) {
	conn := db.FromContext(ctx, s.db)

	var attempt paymentdomain.PaymentAttempt
	err := conn.WithContext(ctx).
		Where("provider = ? AND provider_request_id = ?", providerName, providerRequestID).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}
