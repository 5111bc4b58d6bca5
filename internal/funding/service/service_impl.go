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
	fundingdomain "github.com/smallbiznis/payrail/internal/funding/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/pkg/db"
	"github.com/smallbiznis/payrail/pkg/money"
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
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	policy     config.PolicyConfig
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) fundingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("funding.gate"),
		policy:     p.Config.Policy,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EvaluateCommit(ctx context.Context, in fundingdomain.EvaluateInput) (fundingdomain.GateResult, error) {
	return s.evaluate(ctx, fundingdomain.GateCommit, in, in.Strict)
}

func (s *Service) EvaluatePay(ctx context.Context, in fundingdomain.EvaluateInput) (fundingdomain.GateResult, error) {
	// The pay gate is always strict.
	return s.evaluate(ctx, fundingdomain.GatePay, in, true)
}

func (s *Service) evaluate(ctx context.Context, gateType fundingdomain.GateType, in fundingdomain.EvaluateInput, strict bool) (fundingdomain.GateResult, error) {
	if in.TenantID == uuid.Nil || in.LegalEntityID == uuid.Nil {
		return fundingdomain.GateResult{}, fundingdomain.ErrInvalidInput
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return fundingdomain.GateResult{}, fundingdomain.ErrInvalidInput
	}
	if in.Currency == "" {
		in.Currency = s.policy.DefaultCurrency
	}
	if in.FundingModel == "" {
		in.FundingModel = fundingdomain.ModelPrefundAll
	}

	conn := db.FromContext(ctx, s.db)

	if stored, err := s.findEvaluation(ctx, conn, in.TenantID, in.IdempotencyKey); err != nil {
		return fundingdomain.GateResult{}, err
	} else if stored != nil {
		return fromStored(*stored, false)
	}

	required, err := requiredAmount(in.FundingModel, in.Totals)
	if err != nil {
		return fundingdomain.GateResult{}, err
	}

	account, err := s.ledger.GetOrCreateAccount(ctx, in.TenantID, in.LegalEntityID, ledgerdomain.AccountClientFundingClearing, in.Currency)
	if err != nil {
		return fundingdomain.GateResult{}, err
	}
	balance, err := s.ledger.GetBalance(ctx, in.TenantID, account.ID)
	if err != nil {
		return fundingdomain.GateResult{}, err
	}

	available := balance.Available
	if gateType == fundingdomain.GatePay {
		// Reservations count against availability at pay time.
		available = balance.Unreserved
	}

	reasons := []fundingdomain.GateReason{}
	if available.LessThan(required) {
		shortfall := required.Sub(available)
		reasons = append(reasons, fundingdomain.GateReason{
			Code:      fundingdomain.ReasonInsufficientFunds,
			Severity:  fundingdomain.SeverityBlocking,
			Message:   fmt.Sprintf("required %s, available %s", required, available),
			Shortfall: &shortfall,
		})
	}

	if gateType == fundingdomain.GateCommit {
		spike, err := s.detectSpike(ctx, conn, in)
		if err != nil {
			return fundingdomain.GateResult{}, err
		}
		if spike != nil {
			reasons = append(reasons, *spike)
		}
	}

	outcome := fundingdomain.OutcomePass
	if len(reasons) > 0 {
		if strict {
			outcome = fundingdomain.OutcomeHardFail
		} else {
			outcome = fundingdomain.OutcomeSoftFail
		}
	}

	stored, err := s.persistEvaluation(ctx, conn, gateType, in, outcome, required, available, reasons)
	if err != nil {
		return fundingdomain.GateResult{}, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordGateEvaluation(ctx, string(gateType), string(stored.Outcome))
	}
	return fromStored(*stored, true)
}

func requiredAmount(model fundingdomain.FundingModel, totals fundingdomain.PayRunTotals) (money.Amount, error) {
	switch model {
	case fundingdomain.ModelPrefundAll:
		return money.Sum(totals.Net, totals.Tax, totals.ThirdParty), nil
	case fundingdomain.ModelNetAndThirdParty:
		return totals.Net.Add(totals.ThirdParty), nil
	case fundingdomain.ModelNetOnly:
		return totals.Net, nil
	default:
		return money.Zero(), fmt.Errorf("%w: funding model %q", fundingdomain.ErrInvalidInput, model)
	}
}

// detectSpike flags a warning when the run's net exceeds the configured
// percentage of the average net over the most recent paid runs.
func (s *Service) detectSpike(ctx context.Context, conn *gorm.DB, in fundingdomain.EvaluateInput) (*fundingdomain.GateReason, error) {
	window := s.policy.SpikeWindowRuns
	if window <= 0 {
		window = 6
	}
	thresholdPct := s.policy.SpikeThresholdPct
	if thresholdPct <= 0 {
		thresholdPct = 150
	}

	var history []fundingdomain.PayRunSnapshot
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND legal_entity_id = ? AND status = ? AND pay_run_id <> ?",
			in.TenantID, in.LegalEntityID, "paid", in.PayRunID).
		Order("check_date desc").
		Limit(window).
		Find(&history).Error
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	total := money.Zero()
	for _, run := range history {
		total = total.Add(run.NetTotal)
	}
	average := total.Div(money.New(int64(len(history)), 0))
	if average.IsZero() {
		return nil, nil
	}

	threshold := average.Mul(money.New(thresholdPct, -2))
	if in.Totals.Net.GreaterThan(threshold) {
		return &fundingdomain.GateReason{
			Code:     fundingdomain.ReasonSpikeDetected,
			Severity: fundingdomain.SeverityWarning,
			Message: fmt.Sprintf("net %s exceeds %d%% of trailing average %s over %d runs",
				in.Totals.Net, thresholdPct, average, len(history)),
		}, nil
	}
	return nil, nil
}

func (s *Service) findEvaluation(ctx context.Context, conn *gorm.DB, tenantID uuid.UUID, idempotencyKey string) (*fundingdomain.GateEvaluation, error) {
	var stored fundingdomain.GateEvaluation
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, idempotencyKey).
		First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Service) persistEvaluation(
	ctx context.Context,
	conn *gorm.DB,
	gateType fundingdomain.GateType,
	in fundingdomain.EvaluateInput,
	outcome fundingdomain.GateOutcome,
	required, available money.Amount,
	reasons []fundingdomain.GateReason,
) (*fundingdomain.GateEvaluation, error) {
	rawReasons, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("marshal gate reasons: %w", err)
	}

	now := time.Now().UTC()
	result := conn.WithContext(ctx).Exec(
		`INSERT INTO funding_gate_evaluations (
			id, tenant_id, legal_entity_id, pay_run_id, gate_type, funding_model,
			outcome, required, available, reasons, idempotency_key, evaluated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		uuid.New(),
		in.TenantID,
		in.LegalEntityID,
		in.PayRunID,
		gateType,
		in.FundingModel,
		outcome,
		required,
		available,
		datatypes.JSON(rawReasons),
		in.IdempotencyKey,
		now,
		now,
	)
	if result.Error != nil {
		return nil, result.Error
	}

	// A concurrent evaluation may have won the insert; either way the
	// stored row is the decision of record.
	return s.loadEvaluation(ctx, conn, in.TenantID, in.IdempotencyKey)
}

func (s *Service) loadEvaluation(ctx context.Context, conn *gorm.DB, tenantID uuid.UUID, idempotencyKey string) (*fundingdomain.GateEvaluation, error) {
	stored, err := s.findEvaluation(ctx, conn, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("gate evaluation missing after insert for key %s", idempotencyKey)
	}
	return stored, nil
}

func fromStored(stored fundingdomain.GateEvaluation, isNew bool) (fundingdomain.GateResult, error) {
	reasons := []fundingdomain.GateReason{}
	if len(stored.Reasons) > 0 {
		if err := json.Unmarshal(stored.Reasons, &reasons); err != nil {
			return fundingdomain.GateResult{}, fmt.Errorf("unmarshal gate reasons: %w", err)
		}
	}
	return fundingdomain.GateResult{
		EvaluationID: stored.ID,
		GateType:     stored.GateType,
		Outcome:      stored.Outcome,
		Required:     stored.Required,
		Available:    stored.Available,
		Reasons:      reasons,
		IsNew:        isNew,
	}, nil
}
