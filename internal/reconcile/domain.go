package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// SessionStatus enumerates the reconciliation session state machine:
// IN_PROGRESS moves to COMPLETED or ABANDONED, both terminal.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionAbandoned  SessionStatus = "ABANDONED"
)

// Terminal reports whether the status accepts no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// Session is one bounded matching exercise between a bank statement and the
// book for a single account and statement date.
type Session struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	AccountID              uuid.UUID
	StatementDate          time.Time
	StatementEndingBalance decimal.Decimal
	Status                 SessionStatus
	Difference             *decimal.Decimal
	CompletedAt            *time.Time
	CompletedBy            string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LineStatus enumerates statement line match states.
type LineStatus string

const (
	LineUnmatched LineStatus = "UNMATCHED"
	LineMatched   LineStatus = "MATCHED"
)

// StatementLine is one imported bank statement row. Amount is signed from the
// bank's perspective: deposits positive, withdrawals negative.
type StatementLine struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	TenantID    uuid.UUID
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Status      LineStatus
	MatchedTxID *uuid.UUID
	CreatedAt   time.Time
}

// BookTransaction is a ledger-derived bank movement: one journal line on the
// session's account, signed as debit minus credit so a withdrawal (credit on
// an asset account) carries a negative amount.
type BookTransaction struct {
	ID          uuid.UUID
	EntryID     uuid.UUID
	PostingDate time.Time
	Memo        string
	Amount      decimal.Decimal
}

// MatchWindowDays bounds how far apart a statement line and book transaction
// may be dated and still auto-match.
const MatchWindowDays = 3

// AlreadyMatchedError reports a double claim on either matching side.
type AlreadyMatchedError struct {
	SessionID uuid.UUID
	LineID    uuid.UUID
	BookTxID  uuid.UUID
}

func (e *AlreadyMatchedError) Error() string {
	return fmt.Sprintf("reconcile: line %s or transaction %s already claimed: %v",
		e.LineID, e.BookTxID, shared.ErrAlreadyMatched)
}

func (e *AlreadyMatchedError) Unwrap() error { return shared.ErrAlreadyMatched }

// NotBalancedError reports a completion attempt with an unexplained
// difference.
type NotBalancedError struct {
	SessionID  uuid.UUID
	Difference decimal.Decimal
}

func (e *NotBalancedError) Error() string {
	return fmt.Sprintf("reconcile: session %s differs by %s: %v",
		e.SessionID, e.Difference, shared.ErrReconciliationNotBalanced)
}

func (e *NotBalancedError) Unwrap() error { return shared.ErrReconciliationNotBalanced }

// TerminalSessionError reports mutation of a completed or abandoned session.
type TerminalSessionError struct {
	SessionID uuid.UUID
	Status    SessionStatus
}

func (e *TerminalSessionError) Error() string {
	return fmt.Sprintf("reconcile: session %s is %s: %v", e.SessionID, e.Status, shared.ErrInvalidTransition)
}

func (e *TerminalSessionError) Unwrap() error { return shared.ErrInvalidTransition }

// Pairing is one auto-match result.
type Pairing struct {
	LineID   uuid.UUID
	BookTxID uuid.UUID
}

// GreedyMatch pairs unmatched statement lines with unmatched book
// transactions in one non-backtracking pass. Lines are visited in (date, id)
// order; for each line the candidates are transactions within the amount
// tolerance and the date window, exact-date candidates first. Both sides of a
// pairing leave the pool immediately, so the result depends on visit order by
// construction.
func GreedyMatch(lines []StatementLine, txs []BookTransaction) []Pairing {
	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].Date.Equal(lines[j].Date) {
			return lines[i].Date.Before(lines[j].Date)
		}
		return lines[i].ID.String() < lines[j].ID.String()
	})
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].PostingDate.Equal(txs[j].PostingDate) {
			return txs[i].PostingDate.Before(txs[j].PostingDate)
		}
		return txs[i].ID.String() < txs[j].ID.String()
	})

	claimed := make(map[uuid.UUID]bool, len(txs))
	var pairings []Pairing
	for _, line := range lines {
		if line.Status != LineUnmatched {
			continue
		}
		pick := uuid.Nil
		for _, tx := range txs {
			if claimed[tx.ID] || !shared.WithinTolerance(line.Amount, tx.Amount) {
				continue
			}
			gap := daysBetween(line.Date, tx.PostingDate)
			if gap > MatchWindowDays {
				continue
			}
			if gap == 0 {
				pick = tx.ID
				break
			}
			if pick == uuid.Nil {
				pick = tx.ID
			}
		}
		if pick != uuid.Nil {
			claimed[pick] = true
			pairings = append(pairings, Pairing{LineID: line.ID, BookTxID: pick})
		}
	}
	return pairings
}

func daysBetween(a, b time.Time) int {
	days := int(a.Sub(b).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
