package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	"github.com/smallbiznis/payrail/internal/provider"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
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
	Ledger     ledgerdomain.Service
	Payments   paymentdomain.Service
	Providers  *provider.Registry
	Liability  liabilitydomain.Service `optional:"true"`
	Events     eventdomain.Service     `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	ledger     ledgerdomain.Service
	payments   paymentdomain.Service
	providers  *provider.Registry
	liability  liabilitydomain.Service
	events     eventdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) recondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation"),
		ledger:     p.Ledger,
		payments:   p.Payments,
		providers:  p.Providers,
		liability:  p.Liability,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

// instructionStatusFor maps a settlement status onto the instruction
// state machine. Empty means the settlement stage carries no instruction
// transition.
func instructionStatusFor(status recondomain.SettlementStatus) paymentdomain.InstructionStatus {
	switch status {
	case recondomain.SettlementAccepted:
		return paymentdomain.StatusAccepted
	case recondomain.SettlementSettled:
		return paymentdomain.StatusSettled
	case recondomain.SettlementFailed:
		return paymentdomain.StatusFailed
	case recondomain.SettlementReturned, recondomain.SettlementReversed:
		return paymentdomain.StatusReversed
	default:
		return ""
	}
}

func (s *Service) Run(ctx context.Context, tenantID, bankAccountID uuid.UUID, providerName string, date time.Time) (recondomain.Result, error) {
	railProvider, err := s.providers.Get(providerName)
	if err != nil {
		return recondomain.Result{}, err
	}

	correlationID := uuid.New()
	day := date.UTC().Truncate(24 * time.Hour)
	s.emit(ctx, eventdomain.NewReconciliationStarted(tenantID, correlationID, eventdomain.ReconciliationStartedPayload{
		ReconciliationDate: day.Format("2006-01-02"),
		Provider:           providerName,
		BankAccountID:      bankAccountID.String(),
	}))

	records, err := railProvider.Reconcile(ctx, day)
	if err != nil {
		// The fetch failure is the whole run's failure, but it is still
		// reported through Errors so the scheduler can log and move on.
		return recondomain.Result{
			Failed: 1,
			Errors: []string{fmt.Sprintf("provider %s reconcile: %v", providerName, err)},
		}, nil
	}

	result, err := s.ProcessRecords(ctx, tenantID, bankAccountID, correlationID, providerName, records)
	if err != nil {
		return result, err
	}

	s.emit(ctx, eventdomain.NewReconciliationCompleted(tenantID, correlationID, eventdomain.ReconciliationCompletedPayload{
		ReconciliationDate: day.Format("2006-01-02"),
		Provider:           providerName,
		Processed:          result.Processed,
		Matched:            result.Matched,
		Created:            result.Created,
		Failed:             result.Failed,
	}))
	return result, nil
}

func (s *Service) ProcessRecords(ctx context.Context, tenantID, bankAccountID, correlationID uuid.UUID, providerName string, records []providerdomain.SettlementRecord) (recondomain.Result, error) {
	account, err := s.GetBankAccount(ctx, tenantID, bankAccountID)
	if err != nil {
		return recondomain.Result{}, err
	}
	if account == nil {
		return recondomain.Result{}, fmt.Errorf("%w: %s", recondomain.ErrBankAccountNotFound, bankAccountID)
	}

	result := recondomain.Result{}
	for _, record := range records {
		result.Processed++
		matched, created, err := s.processRecord(ctx, tenantID, bankAccountID, correlationID, providerName, record)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("trace %s: %v", record.ExternalTraceID, err))
			s.log.Warn("settlement record failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("external_trace_id", record.ExternalTraceID),
				zap.Error(err),
			)
			continue
		}
		if matched {
			result.Matched++
		}
		if created {
			result.Created++
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordSettlementRecord(ctx, providerName, record.Status)
		}
	}
	return result, nil
}

// processRecord runs one settlement record in its own transaction so a
// bad record never poisons the rest of the feed.
func (s *Service) processRecord(ctx context.Context, tenantID, bankAccountID, correlationID uuid.UUID, providerName string, record providerdomain.SettlementRecord) (matched, created bool, err error) {
	newStatus := recondomain.SettlementStatus(record.Status)
	if _, ok := map[recondomain.SettlementStatus]bool{
		recondomain.SettlementCreated:   true,
		recondomain.SettlementSubmitted: true,
		recondomain.SettlementAccepted:  true,
		recondomain.SettlementSettled:   true,
		recondomain.SettlementFailed:    true,
		recondomain.SettlementReturned:  true,
		recondomain.SettlementReversed:  true,
	}[newStatus]; !ok {
		return false, false, fmt.Errorf("unknown settlement status %q", record.Status)
	}
	if !record.Amount.IsPositive() {
		return false, false, fmt.Errorf("settlement amount must be positive, got %s", record.Amount)
	}
	rail := s.railFor(record, providerName)

	conn := db.FromContext(ctx, s.db)
	err = conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := db.WithTx(ctx, tx)

		event, isNew, err := s.upsertSettlementEvent(txCtx, tx, tenantID, bankAccountID, correlationID, rail, record, newStatus)
		if err != nil {
			return err
		}
		created = isNew

		reversal := false
		if !isNew && event.Status != newStatus {
			if !recondomain.CanAdvance(event.Status, newStatus) {
				return fmt.Errorf("%w: %s -> %s", recondomain.ErrBadStatusOrder, event.Status, newStatus)
			}
			reversal = recondomain.IsReversal(event.Status, newStatus)
			oldStatus := event.Status
			if err := s.advanceSettlementEvent(txCtx, tx, event, newStatus, record); err != nil {
				return err
			}
			if err := s.emitTx(txCtx, eventdomain.NewSettlementStatusChanged(tenantID, correlationID, eventdomain.SettlementStatusChangedPayload{
				SettlementEventID: event.ID.String(),
				OldStatus:         string(oldStatus),
				NewStatus:         string(newStatus),
			})); err != nil {
				return err
			}
		}

		attempt, err := s.payments.FindAttemptByProviderRequest(txCtx, providerName, record.ExternalTraceID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return nil
		}
		matched = true

		instruction, err := s.payments.GetInstruction(txCtx, tenantID, attempt.InstructionID)
		if err != nil {
			return err
		}
		if instruction == nil {
			// Attempt belongs to another tenant. Leave the event unmatched
			// rather than leak across the boundary.
			matched = false
			return nil
		}

		target := instructionStatusFor(event.Status)
		if target != "" && instruction.Status != target && paymentdomain.CanTransition(instruction.Status, target) {
			if err := s.payments.UpdateStatus(txCtx, tenantID, instruction.ID, target); err != nil {
				return err
			}
		}

		if event.Status == recondomain.SettlementSettled {
			if err := s.settle(txCtx, event, instruction); err != nil {
				return err
			}
		}
		if reversal {
			if err := s.reverse(txCtx, tx, event, instruction, record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return matched, created, nil
}

// railFor trusts the record's own rail; a feed that omits it falls back
// to what the provider's capabilities say it moves money on.
func (s *Service) railFor(record providerdomain.SettlementRecord, providerName string) providerdomain.Rail {
	if record.Rail != "" {
		return record.Rail
	}
	direction := record.Direction
	if direction == "" {
		direction = providerdomain.DirectionOutbound
	}
	if railProvider, err := s.providers.Get(providerName); err == nil {
		return providerdomain.PreferredRail(railProvider.Capabilities(), direction, providerdomain.RailACH)
	}
	return providerdomain.RailACH
}

func (s *Service) upsertSettlementEvent(ctx context.Context, tx *gorm.DB, tenantID, bankAccountID, correlationID uuid.UUID, rail providerdomain.Rail, record providerdomain.SettlementRecord, status recondomain.SettlementStatus) (*recondomain.SettlementEvent, bool, error) {
	var rawPayload datatypes.JSON
	if len(record.RawPayload) > 0 {
		raw, err := json.Marshal(record.RawPayload)
		if err != nil {
			return nil, false, fmt.Errorf("marshal raw settlement payload: %w", err)
		}
		rawPayload = datatypes.JSON(raw)
	}

	eventID := uuid.New()
	now := time.Now().UTC()
	direction := record.Direction
	if direction == "" {
		direction = providerdomain.DirectionOutbound
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO settlement_events (
			id, tenant_id, bank_account_id, rail, direction, amount, currency,
			status, external_trace_id, effective_date, return_code,
			raw_payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bank_account_id, external_trace_id) DO NOTHING`,
		eventID,
		tenantID,
		bankAccountID,
		rail,
		direction,
		record.Amount,
		record.Currency,
		status,
		record.ExternalTraceID,
		record.EffectiveDate,
		record.ReturnCode,
		rawPayload,
		now,
		now,
	)
	if result.Error != nil {
		return nil, false, result.Error
	}

	var event recondomain.SettlementEvent
	if err := tx.WithContext(ctx).
		Where("bank_account_id = ? AND external_trace_id = ?", bankAccountID, record.ExternalTraceID).
		First(&event).Error; err != nil {
		return nil, false, err
	}

	isNew := result.RowsAffected > 0
	if isNew {
		effective := ""
		if record.EffectiveDate != nil {
			effective = record.EffectiveDate.Format("2006-01-02")
		}
		if err := s.emitTx(ctx, eventdomain.NewSettlementReceived(tenantID, correlationID, eventdomain.SettlementReceivedPayload{
			SettlementEventID: event.ID.String(),
			BankAccountID:     bankAccountID.String(),
			Rail:              string(rail),
			ExternalTraceID:   record.ExternalTraceID,
			Status:            string(status),
			Amount:            record.Amount,
			Currency:          record.Currency,
			EffectiveDate:     effective,
		})); err != nil {
			return nil, false, err
		}
	}
	return &event, isNew, nil
}

func (s *Service) advanceSettlementEvent(ctx context.Context, tx *gorm.DB, event *recondomain.SettlementEvent, newStatus recondomain.SettlementStatus, record providerdomain.SettlementRecord) error {
	updates := map[string]any{
		"status":     newStatus,
		"updated_at": time.Now().UTC(),
	}
	if record.EffectiveDate != nil {
		updates["effective_date"] = record.EffectiveDate
	}
	if record.ReturnCode != "" {
		updates["return_code"] = record.ReturnCode
	}
	if err := tx.WithContext(ctx).
		Model(&recondomain.SettlementEvent{}).
		Where("id = ? AND status = ?", event.ID, event.Status).
		Updates(updates).Error; err != nil {
		return err
	}
	event.Status = newStatus
	if record.EffectiveDate != nil {
		event.EffectiveDate = record.EffectiveDate
	}
	if record.ReturnCode != "" {
		event.ReturnCode = record.ReturnCode
	}
	return nil
}

// settle posts the settlement leg and links it to the settlement event.
// Both writes are keyed by the settlement event id, so replays no-op.
func (s *Service) settle(ctx context.Context, event *recondomain.SettlementEvent, instruction *paymentdomain.PaymentInstruction) error {
	if instruction.Purpose != paymentdomain.PurposeEmployeeNet {
		return nil
	}

	debit, err := s.ledger.GetOrCreateAccount(ctx, instruction.TenantID, instruction.LegalEntityID, ledgerdomain.AccountPSPSettlementClearing, event.Currency)
	if err != nil {
		return err
	}
	credit, err := s.ledger.GetOrCreateAccount(ctx, instruction.TenantID, instruction.LegalEntityID, ledgerdomain.AccountClientFundingClearing, event.Currency)
	if err != nil {
		return err
	}

	posted, err := s.ledger.PostEntry(ctx, ledgerdomain.PostEntryInput{
		TenantID:        instruction.TenantID,
		LegalEntityID:   instruction.LegalEntityID,
		EntryType:       ledgerdomain.EntryEmployeePaymentSettled,
		DebitAccountID:  debit.ID,
		CreditAccountID: credit.ID,
		Amount:          event.Amount,
		Currency:        event.Currency,
		SourceType:      "settlement_event",
		SourceID:        event.ID.String(),
		CorrelationID:   instruction.CorrelationID,
		IdempotencyKey:  fmt.Sprintf("settlement_%s", event.ID),
	})
	if err != nil {
		return err
	}

	if err := s.link(ctx, event.ID, posted.EntryID, recondomain.LinkSettlement); err != nil {
		return err
	}

	if posted.IsNew {
		effective := ""
		if event.EffectiveDate != nil {
			effective = event.EffectiveDate.Format("2006-01-02")
		}
		if err := s.emitTx(ctx, eventdomain.NewPaymentSettled(instruction.TenantID, instruction.CorrelationID, eventdomain.PaymentSettledPayload{
			PaymentInstructionID: instruction.ID.String(),
			SettlementEventID:    event.ID.String(),
			Amount:               event.Amount,
			Currency:             event.Currency,
			EffectiveDate:        effective,
		})); err != nil {
			return err
		}
	}
	return nil
}

// reverse unwinds a previously settled payment by reversing the linked
// settlement entry.
func (s *Service) reverse(ctx context.Context, tx *gorm.DB, event *recondomain.SettlementEvent, instruction *paymentdomain.PaymentInstruction, record providerdomain.SettlementRecord) error {
	var settlementLink recondomain.SettlementLink
	err := tx.WithContext(ctx).
		Where("settlement_event_id = ? AND link_type = ?", event.ID, recondomain.LinkSettlement).
		First(&settlementLink).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Nothing was posted at settlement time, nothing to unwind.
		return nil
	}
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("settlement %s", event.Status)
	if record.ReturnCode != "" {
		reason = fmt.Sprintf("return %s", record.ReturnCode)
	}
	reversed, err := s.ledger.ReverseEntry(ctx, instruction.TenantID, settlementLink.LedgerEntryID,
		fmt.Sprintf("settlement_reversal_%s", event.ID), reason)
	if err != nil {
		return err
	}

	if err := s.link(ctx, event.ID, reversed.EntryID, recondomain.LinkReversal); err != nil {
		return err
	}

	liabilityParty := ""
	if s.liability != nil {
		classification, err := s.liability.ClassifyReturn(ctx, event.Rail, record.ReturnCode, event.Amount, nil)
		if err != nil {
			return err
		}
		liabilityParty = string(classification.LiabilityParty)
		if _, err := s.liability.RecordLiabilityEvent(ctx, liabilitydomain.RecordInput{
			TenantID:       instruction.TenantID,
			LegalEntityID:  instruction.LegalEntityID,
			SourceType:     "settlement_event",
			SourceID:       event.ID.String(),
			Currency:       event.Currency,
			Classification: classification,
			Evidence: map[string]any{
				"return_code":            record.ReturnCode,
				"external_trace_id":      event.ExternalTraceID,
				"payment_instruction_id": instruction.ID.String(),
			},
			IdempotencyKey: fmt.Sprintf("liability_%s", event.ID),
		}); err != nil {
			return err
		}
	}

	if reversed.IsNew {
		returnReason := ""
		if raw, ok := record.RawPayload["return_reason"].(string); ok {
			returnReason = raw
		}
		if err := s.emitTx(ctx, eventdomain.NewPaymentReturned(instruction.TenantID, instruction.CorrelationID, eventdomain.PaymentReturnedPayload{
			PaymentInstructionID: instruction.ID.String(),
			ReturnCode:           record.ReturnCode,
			ReturnReason:         returnReason,
			Amount:               event.Amount,
			LiabilityParty:       liabilityParty,
		})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) link(ctx context.Context, settlementEventID, ledgerEntryID uuid.UUID, linkType recondomain.LinkType) error {
	conn := db.FromContext(ctx, s.db)
	return conn.WithContext(ctx).Exec(
		`INSERT INTO settlement_links (id, settlement_event_id, ledger_entry_id, link_type, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (settlement_event_id, ledger_entry_id) DO NOTHING`,
		uuid.New(),
		settlementEventID,
		ledgerEntryID,
		linkType,
		time.Now().UTC(),
	).Error
}

func (s *Service) GetBankAccount(ctx context.Context, tenantID, bankAccountID uuid.UUID) (*recondomain.BankAccount, error) {
	conn := db.FromContext(ctx, s.db)

	var account recondomain.BankAccount
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, bankAccountID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) CreateBankAccount(ctx context.Context, account recondomain.BankAccount) (recondomain.BankAccount, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = "active"
	}
	conn := db.FromContext(ctx, s.db)
	if err := conn.WithContext(ctx).Create(&account).Error; err != nil {
		return recondomain.BankAccount{}, err
	}
	return account, nil
}

func (s *Service) UnmatchedSettlements(ctx context.Context, tenantID uuid.UUID) ([]recondomain.SettlementEvent, error) {
	conn := db.FromContext(ctx, s.db)

	var events []recondomain.SettlementEvent
	err := conn.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where(`NOT EXISTS (
			SELECT 1 FROM payment_attempts pa
			WHERE pa.provider_request_id = settlement_events.external_trace_id
		)`).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) emit(ctx context.Context, event eventdomain.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, event); err != nil {
		s.log.Warn("event append failed", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// emitTx appends inside the caller's transaction; a failure rolls the
// whole record back.
func (s *Service) emitTx(ctx context.Context, event eventdomain.Event) error {
	if s.events == nil {
		return nil
	}
	_, err := s.events.Append(ctx, event)
	return err
}
