// Package dbtest builds isolated in-memory databases carrying the full
// payment-core schema for service tests.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	eventdomain "github.com/smallbiznis/payrail/internal/event/domain"
	fundingdomain "github.com/smallbiznis/payrail/internal/funding/domain"
	ledgerdomain "github.com/smallbiznis/payrail/internal/ledger/domain"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	recondomain "github.com/smallbiznis/payrail/internal/reconciliation/domain"
	"gorm.io/gorm"
)

// appendOnlyTriggers mirror the guards the Postgres migrations install:
// ledger entries and domain events can never be updated or deleted.
var appendOnlyTriggers = []string{
	`CREATE TRIGGER trg_ledger_entries_no_update BEFORE UPDATE ON psp_ledger_entries
	 BEGIN SELECT RAISE(ABORT, 'psp_ledger_entries is append only'); END`,
	`CREATE TRIGGER trg_ledger_entries_no_delete BEFORE DELETE ON psp_ledger_entries
	 BEGIN SELECT RAISE(ABORT, 'psp_ledger_entries is append only'); END`,
	`CREATE TRIGGER trg_domain_events_no_update BEFORE UPDATE ON psp_domain_events
	 BEGIN SELECT RAISE(ABORT, 'psp_domain_events is append only'); END`,
	`CREATE TRIGGER trg_domain_events_no_delete BEFORE DELETE ON psp_domain_events
	 BEGIN SELECT RAISE(ABORT, 'psp_domain_events is append only'); END`,
}

// Open returns a fresh in-memory database with every table and unique
// index the services rely on for their ON CONFLICT upserts.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	if err := conn.AutoMigrate(
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.Reservation{},
		&eventdomain.StoredEvent{},
		&fundingdomain.GateEvaluation{},
		&fundingdomain.PayRunSnapshot{},
		&paymentdomain.PaymentInstruction{},
		&paymentdomain.PaymentAttempt{},
		&recondomain.BankAccount{},
		&recondomain.SettlementEvent{},
		&recondomain.SettlementLink{},
		&liabilitydomain.LiabilityEvent{},
		&liabilitydomain.ReturnCodeReference{},
	); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}

	for _, stmt := range appendOnlyTriggers {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("install trigger: %v", err)
		}
	}
	return conn
}
