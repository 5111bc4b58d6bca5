package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/clock"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"github.com/smallbiznis/payrail/pkg/distlock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Reconciliation recondomain.Service
	Locker         *distlock.Locker `optional:"true"`
	Config         Config           `optional:"true"`
}

// Scheduler drives the periodic jobs: the daily settlement
// reconciliation pull and the reservation expiry sweep.
type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	reconciliation recondomain.Service
	locker         *distlock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Reconciliation == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		reconciliation: p.Reconciliation,
		locker:         p.Locker,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := s.clock.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("job finished", zap.String("job", name), zap.Duration("duration", duration))
	return nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"reconcile", s.cfg.ReconcileLockTTL, s.ReconcileJob},
		{"expire_reservations", s.cfg.JobTimeout, s.ExpireReservationsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means all jobs run (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

type workBankAccount struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Provider string
}

// ReconcileJob pulls today's settlement feed for every active bank
// account. The distributed lock keeps replicas from pulling the same
// day twice; all writes underneath are keyed, so even without the lock
// a duplicate run is a no-op.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	day := s.clock.Now().UTC().Truncate(24 * time.Hour)

	if s.locker.Enabled() {
		lockKey := fmt.Sprintf("payrail:reconcile:%s", day.Format("2006-01-02"))
		token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.ReconcileLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("reconcile already running elsewhere", zap.String("date", day.Format("2006-01-02")))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.log.Warn("failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	accounts, err := s.fetchActiveBankAccounts(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := s.reconciliation.Run(ctx, account.TenantID, account.ID, account.Provider, day)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if result.Failed > 0 {
			s.log.Warn("reconciliation had failing records",
				zap.String("tenant_id", account.TenantID.String()),
				zap.String("bank_account_id", account.ID.String()),
				zap.Int("failed", result.Failed),
				zap.Strings("errors", result.Errors),
			)
		}
		s.log.Info("reconciliation run finished",
			zap.String("tenant_id", account.TenantID.String()),
			zap.String("bank_account_id", account.ID.String()),
			zap.String("date", day.Format("2006-01-02")),
			zap.Int("processed", result.Processed),
			zap.Int("matched", result.Matched),
			zap.Int("created", result.Created),
		)
	}
	return jobErr
}

func (s *Scheduler) fetchActiveBankAccounts(ctx context.Context) ([]workBankAccount, error) {
	var accounts []workBankAccount
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, provider
		 FROM psp_bank_accounts
		 WHERE status = ?
		 ORDER BY id`,
		"active",
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ExpireReservationsJob releases active reservations whose TTL has
// lapsed, in small batches so a backlog cannot pin a connection.
func (s *Scheduler) ExpireReservationsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var released int64
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.WithContext(ctx).Exec(
				`UPDATE psp_reservations
				 SET status = ?, released_at = ?
				 WHERE id IN (
					 SELECT id FROM psp_reservations
					 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
					 ORDER BY expires_at
					 LIMIT ?
				 )`,
				ledgerdomain.ReservationReleased,
				now,
				ledgerdomain.ReservationActive,
				now,
				s.cfg.BatchSize,
			)
			released = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return err
		}
		if released == 0 {
			return nil
		}
		s.log.Info("expired reservations released", zap.Int64("count", released))
	}
}
