package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Status enumerates accounting period lifecycle states.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusSoftClosed Status = "SOFT_CLOSED"
	StatusHardClosed Status = "HARD_CLOSED"
)

// MinReopenReasonLen is the minimum trimmed length of a reopen reason.
const MinReopenReasonLen = 10

// Period represents one accounting month for a tenant.
type Period struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Year         int
	Month        time.Month
	StartDate    time.Time
	EndDate      time.Time
	Status       Status
	Checklist    *ChecklistSnapshot
	Totals       *LockedTotals
	SoftClosedAt *time.Time
	SoftClosedBy string
	HardClosedAt *time.Time
	HardClosedBy string
	ReopenedAt   *time.Time
	ReopenedBy   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChecklistSnapshot captures outstanding-item counts at the soft close instant.
type ChecklistSnapshot struct {
	UnreconciledBankAccounts int       `json:"unreconciledBankAccounts"`
	PendingDocuments         int       `json:"pendingDocuments"`
	UnpostedJournals         int       `json:"unpostedJournals"`
	TakenAt                  time.Time `json:"takenAt"`
}

// LockedTotals stores the aggregates frozen at hard close.
type LockedTotals struct {
	Revenue    decimal.Decimal `json:"revenue"`
	Expenses   decimal.Decimal `json:"expenses"`
	NetIncome  decimal.Decimal `json:"netIncome"`
	ComputedAt time.Time       `json:"computedAt"`
}

// Contains reports whether a date falls inside the period window.
func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.StartDate) && !date.After(p.EndDate)
}

// TransitionError reports a disallowed status change.
type TransitionError struct {
	PeriodID uuid.UUID
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("period %s: %s -> %s: %v", e.PeriodID, e.From, e.To, shared.ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return shared.ErrInvalidTransition }

// ValidateTransition checks status changes against the lifecycle machine.
// Forward moves are OPEN -> SOFT_CLOSED -> HARD_CLOSED; the only regression
// is an explicit reopen back to OPEN.
func ValidateTransition(current, target Status) error {
	switch current {
	case StatusOpen:
		if target == StatusSoftClosed {
			return nil
		}
	case StatusSoftClosed:
		if target == StatusHardClosed || target == StatusOpen {
			return nil
		}
	case StatusHardClosed:
		if target == StatusOpen {
			return nil
		}
	}
	return shared.ErrInvalidTransition
}

// ValidateReopenReason enforces the audited-reason requirement for reopen.
func ValidateReopenReason(reason string) error {
	if len(strings.TrimSpace(reason)) < MinReopenReasonLen {
		return fmt.Errorf("%w: at least %d characters", shared.ErrReopenReasonRequired, MinReopenReasonLen)
	}
	return nil
}
