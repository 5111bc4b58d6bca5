package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/pkg/money"
)

// Event type names, grouped by category.
const (
	TypeFundingRequested         = "FundingRequested"
	TypeFundingApproved          = "FundingApproved"
	TypeFundingBlocked           = "FundingBlocked"
	TypeFundingInsufficientFunds = "FundingInsufficientFunds"

	TypePaymentInstructionCreated = "PaymentInstructionCreated"
	TypePaymentSubmitted          = "PaymentSubmitted"
	TypePaymentSettled            = "PaymentSettled"
	TypePaymentFailed             = "PaymentFailed"
	TypePaymentReturned           = "PaymentReturned"

	TypeLedgerEntryPosted   = "LedgerEntryPosted"
	TypeLedgerEntryReversed = "LedgerEntryReversed"

	TypeSettlementReceived      = "SettlementReceived"
	TypeSettlementStatusChanged = "SettlementStatusChanged"

	TypeLiabilityClassified = "LiabilityClassified"

	TypeReconciliationStarted   = "ReconciliationStarted"
	TypeReconciliationCompleted = "ReconciliationCompleted"
)

// Event is an unstored domain event. Payload must be JSON-serializable.
type Event struct {
	EventID       uuid.UUID
	EventType     string
	Category      Category
	TenantID      uuid.UUID
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
	OccurredAt    time.Time
	Payload       any
	Version       int
}

// Caused links the event to the event that triggered it.
func (e Event) Caused(causationID uuid.UUID) Event {
	e.CausationID = &causationID
	return e
}

func newEvent(eventType string, category Category, tenantID, correlationID uuid.UUID, payload any) Event {
	return Event{
		EventID:       uuid.New(),
		EventType:     eventType,
		Category:      category,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		Version:       1,
	}
}

type FundingRequestedPayload struct {
	FundingRequestID string       `json:"funding_request_id"`
	LegalEntityID    string       `json:"legal_entity_id"`
	PayPeriodID      string       `json:"pay_period_id,omitempty"`
	RequestedAmount  money.Amount `json:"requested_amount"`
	Currency         string       `json:"currency"`
	RequestedDate    string       `json:"requested_date"`
}

type FundingApprovedPayload struct {
	FundingRequestID string       `json:"funding_request_id"`
	LegalEntityID    string       `json:"legal_entity_id"`
	ApprovedAmount   money.Amount `json:"approved_amount"`
	AvailableBalance money.Amount `json:"available_balance"`
	GateEvaluationID string       `json:"gate_evaluation_id,omitempty"`
}

type FundingBlockedPayload struct {
	FundingRequestID string       `json:"funding_request_id"`
	LegalEntityID    string       `json:"legal_entity_id"`
	RequestedAmount  money.Amount `json:"requested_amount"`
	AvailableBalance money.Amount `json:"available_balance"`
	BlockReason      string       `json:"block_reason"`
	PolicyViolated   string       `json:"policy_violated,omitempty"`
	GateEvaluationID string       `json:"gate_evaluation_id,omitempty"`
}

type FundingInsufficientFundsPayload struct {
	FundingRequestID string       `json:"funding_request_id"`
	LegalEntityID    string       `json:"legal_entity_id"`
	RequestedAmount  money.Amount `json:"requested_amount"`
	AvailableBalance money.Amount `json:"available_balance"`
	Shortfall        money.Amount `json:"shortfall"`
	GateEvaluationID string       `json:"gate_evaluation_id,omitempty"`
}

type PaymentInstructionCreatedPayload struct {
	PaymentInstructionID string       `json:"payment_instruction_id"`
	LegalEntityID        string       `json:"legal_entity_id"`
	Purpose              string       `json:"purpose"`
	Direction            string       `json:"direction"`
	Amount               money.Amount `json:"amount"`
	Currency             string       `json:"currency"`
	PayeeType            string       `json:"payee_type"`
	PayeeRefID           string       `json:"payee_ref_id"`
	IdempotencyKey       string       `json:"idempotency_key"`
}

type PaymentSubmittedPayload struct {
	PaymentInstructionID string       `json:"payment_instruction_id"`
	AttemptID            string       `json:"attempt_id,omitempty"`
	Rail                 string       `json:"rail"`
	Provider             string       `json:"provider"`
	ProviderRequestID    string       `json:"provider_request_id"`
	Amount               money.Amount `json:"amount"`
	Currency             string       `json:"currency"`
}

type PaymentSettledPayload struct {
	PaymentInstructionID string       `json:"payment_instruction_id"`
	SettlementEventID    string       `json:"settlement_event_id,omitempty"`
	Amount               money.Amount `json:"amount"`
	Currency             string       `json:"currency"`
	EffectiveDate        string       `json:"effective_date,omitempty"`
}

type PaymentFailedPayload struct {
	PaymentInstructionID string `json:"payment_instruction_id"`
	Reason               string `json:"reason"`
	Provider             string `json:"provider,omitempty"`
	ProviderRequestID    string `json:"provider_request_id,omitempty"`
}

type PaymentReturnedPayload struct {
	PaymentInstructionID string       `json:"payment_instruction_id"`
	ReturnCode           string       `json:"return_code"`
	ReturnReason         string       `json:"return_reason,omitempty"`
	Amount               money.Amount `json:"amount"`
	LiabilityParty       string       `json:"liability_party,omitempty"`
}

type LedgerEntryPostedPayload struct {
	LedgerEntryID   string       `json:"ledger_entry_id"`
	EntryType       string       `json:"entry_type"`
	DebitAccountID  string       `json:"debit_account_id"`
	CreditAccountID string       `json:"credit_account_id"`
	Amount          money.Amount `json:"amount"`
	Currency        string       `json:"currency"`
	IdempotencyKey  string       `json:"idempotency_key"`
}

type LedgerEntryReversedPayload struct {
	LedgerEntryID   string       `json:"ledger_entry_id"`
	OriginalEntryID string       `json:"original_entry_id"`
	Amount          money.Amount `json:"amount"`
	Reason          string       `json:"reason,omitempty"`
}

type SettlementReceivedPayload struct {
	SettlementEventID string       `json:"settlement_event_id"`
	BankAccountID     string       `json:"bank_account_id"`
	Rail              string       `json:"rail"`
	ExternalTraceID   string       `json:"external_trace_id"`
	Status            string       `json:"status"`
	Amount            money.Amount `json:"amount"`
	Currency          string       `json:"currency"`
	EffectiveDate     string       `json:"effective_date,omitempty"`
}

type SettlementStatusChangedPayload struct {
	SettlementEventID string `json:"settlement_event_id"`
	OldStatus         string `json:"old_status"`
	NewStatus         string `json:"new_status"`
}

type LiabilityClassifiedPayload struct {
	LiabilityEventID     string       `json:"liability_event_id"`
	SourceID             string       `json:"source_id"`
	ErrorOrigin          string       `json:"error_origin"`
	LiabilityParty       string       `json:"liability_party"`
	RecoveryPath         string       `json:"recovery_path"`
	LossAmount           money.Amount `json:"loss_amount"`
	ClassificationReason string       `json:"classification_reason,omitempty"`
}

type ReconciliationStartedPayload struct {
	ReconciliationDate string `json:"reconciliation_date"`
	Provider           string `json:"provider"`
	BankAccountID      string `json:"bank_account_id,omitempty"`
}

type ReconciliationCompletedPayload struct {
	ReconciliationDate string `json:"reconciliation_date"`
	Provider           string `json:"provider"`
	Processed          int    `json:"processed"`
	Matched            int    `json:"matched"`
	Created            int    `json:"created"`
	Failed             int    `json:"failed"`
}

func NewFundingRequested(tenantID, correlationID uuid.UUID, p FundingRequestedPayload) Event {
	return newEvent(TypeFundingRequested, CategoryFunding, tenantID, correlationID, p)
}

func NewFundingApproved(tenantID, correlationID uuid.UUID, p FundingApprovedPayload) Event {
	return newEvent(TypeFundingApproved, CategoryFunding, tenantID, correlationID, p)
}

func NewFundingBlocked(tenantID, correlationID uuid.UUID, p FundingBlockedPayload) Event {
	return newEvent(TypeFundingBlocked, CategoryFunding, tenantID, correlationID, p)
}

func NewFundingInsufficientFunds(tenantID, correlationID uuid.UUID, p FundingInsufficientFundsPayload) Event {
	return newEvent(TypeFundingInsufficientFunds, CategoryFunding, tenantID, correlationID, p)
}

func NewPaymentInstructionCreated(tenantID, correlationID uuid.UUID, p PaymentInstructionCreatedPayload) Event {
	return newEvent(TypePaymentInstructionCreated, CategoryPayment, tenantID, correlationID, p)
}

func NewPaymentSubmitted(tenantID, correlationID uuid.UUID, p PaymentSubmittedPayload) Event {
	return newEvent(TypePaymentSubmitted, CategoryPayment, tenantID, correlationID, p)
}

func NewPaymentSettled(tenantID, correlationID uuid.UUID, p PaymentSettledPayload) Event {
	return newEvent(TypePaymentSettled, CategoryPayment, tenantID, correlationID, p)
}

func NewPaymentFailed(tenantID, correlationID uuid.UUID, p PaymentFailedPayload) Event {
	return newEvent(TypePaymentFailed, CategoryPayment, tenantID, correlationID, p)
}

func NewPaymentReturned(tenantID, correlationID uuid.UUID, p PaymentReturnedPayload) Event {
	return newEvent(TypePaymentReturned, CategoryPayment, tenantID, correlationID, p)
}

func NewLedgerEntryPosted(tenantID, correlationID uuid.UUID, p LedgerEntryPostedPayload) Event {
	return newEvent(TypeLedgerEntryPosted, CategoryLedger, tenantID, correlationID, p)
}

func NewLedgerEntryReversed(tenantID, correlationID uuid.UUID, p LedgerEntryReversedPayload) Event {
	return newEvent(TypeLedgerEntryReversed, CategoryLedger, tenantID, correlationID, p)
}

func NewSettlementReceived(tenantID, correlationID uuid.UUID, p SettlementReceivedPayload) Event {
	return newEvent(TypeSettlementReceived, CategorySettlement, tenantID, correlationID, p)
}

func NewSettlementStatusChanged(tenantID, correlationID uuid.UUID, p SettlementStatusChangedPayload) Event {
	return newEvent(TypeSettlementStatusChanged, CategorySettlement, tenantID, correlationID, p)
}

func NewLiabilityClassified(tenantID, correlationID uuid.UUID, p LiabilityClassifiedPayload) Event {
	return newEvent(TypeLiabilityClassified, CategoryLiability, tenantID, correlationID, p)
}

func NewReconciliationStarted(tenantID, correlationID uuid.UUID, p ReconciliationStartedPayload) Event {
	return newEvent(TypeReconciliationStarted, CategoryReconciliation, tenantID, correlationID, p)
}

func NewReconciliationCompleted(tenantID, correlationID uuid.UUID, p ReconciliationCompletedPayload) Event {
	return newEvent(TypeReconciliationCompleted, CategoryReconciliation, tenantID, correlationID, p)
}
