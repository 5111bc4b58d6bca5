package seed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	liabilitydomain "github.com/smallbiznis/payrail/internal/liability/domain"
	providerdomain "github.com/smallbiznis/payrail/internal/provider/domain"
	"gorm.io/gorm"
)

type returnCode struct {
	Code           string
	Description    string
	ErrorOrigin    liabilitydomain.ErrorOrigin
	LiabilityParty liabilitydomain.LiabilityParty
	IsRecoverable  bool
}

// achReturnCodes is the working subset of the NACHA return code table.
// Attribution defaults follow who can actually fix the condition.
var achReturnCodes = []returnCode{
	{"R01", "Insufficient funds", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, true},
	{"R02", "Account closed", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R03", "No account / unable to locate account", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R04", "Invalid account number", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, true},
	{"R05", "Unauthorized debit to consumer account", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, false},
	{"R06", "Returned per ODFI request", liabilitydomain.OriginPayrollEngine, liabilitydomain.PartyPSP, false},
	{"R07", "Authorization revoked by customer", liabilitydomain.OriginRecipient, liabilitydomain.PartyPending, false},
	{"R08", "Payment stopped", liabilitydomain.OriginRecipient, liabilitydomain.PartyPending, false},
	{"R09", "Uncollected funds", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, true},
	{"R10", "Customer advises not authorized", liabilitydomain.OriginRecipient, liabilitydomain.PartyPending, false},
	{"R11", "Check truncation entry return", liabilitydomain.OriginBank, liabilitydomain.PartyProcessor, false},
	{"R12", "Branch sold to another DFI", liabilitydomain.OriginBank, liabilitydomain.PartyProcessor, true},
	{"R13", "Invalid ACH routing number", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, true},
	{"R14", "Representative payee deceased", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R15", "Beneficiary or account holder deceased", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R16", "Account frozen", liabilitydomain.OriginBank, liabilitydomain.PartyPending, false},
	{"R17", "File record edit criteria", liabilitydomain.OriginPayrollEngine, liabilitydomain.PartyPSP, false},
	{"R20", "Non-transaction account", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R21", "Invalid company identification", liabilitydomain.OriginPayrollEngine, liabilitydomain.PartyPSP, false},
	{"R22", "Invalid individual ID number", liabilitydomain.OriginClient, liabilitydomain.PartyEmployer, true},
	{"R23", "Credit entry refused by receiver", liabilitydomain.OriginRecipient, liabilitydomain.PartyEmployer, true},
	{"R24", "Duplicate entry", liabilitydomain.OriginPayrollEngine, liabilitydomain.PartyPSP, true},
	{"R29", "Corporate customer advises not authorized", liabilitydomain.OriginRecipient, liabilitydomain.PartyPending, false},
	{"R31", "Permissible return entry", liabilitydomain.OriginBank, liabilitydomain.PartyProcessor, false},
	{"R33", "Return of XCK entry", liabilitydomain.OriginBank, liabilitydomain.PartyProcessor, false},
}

// EnsureReturnCodes seeds the return code reference table. Safe to run
// on every startup; existing rows are left untouched.
func EnsureReturnCodes(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, rc := range achReturnCodes {
			err := tx.WithContext(ctx).Exec(
				`INSERT INTO return_code_reference (
					id, rail, code, description, error_origin, liability_party,
					is_recoverable, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (rail, code) DO NOTHING`,
				uuid.New(),
				providerdomain.RailACH,
				rc.Code,
				rc.Description,
				rc.ErrorOrigin,
				rc.LiabilityParty,
				rc.IsRecoverable,
				now,
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
