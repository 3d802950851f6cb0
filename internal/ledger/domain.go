package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// AccountType enumerates chart-of-accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Account models a chart of accounts node. Identity is immutable; accounts
// referenced by journal lines are never deleted.
type Account struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Code      string
	Name      string
	Type      AccountType
	IsBank    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentType enumerates posting sources.
type DocumentType string

const (
	DocTypeSalesInvoice    DocumentType = "SALES_INVOICE"
	DocTypePurchaseInvoice DocumentType = "PURCHASE_INVOICE"
	DocTypeTransfer        DocumentType = "TRANSFER"
	DocTypePayrollRun      DocumentType = "PAYROLL_RUN"
)

// DocumentStatus enumerates document lifecycle values.
type DocumentStatus string

const (
	DocStatusDraft  DocumentStatus = "DRAFT"
	DocStatusPosted DocumentStatus = "POSTED"
	DocStatusVoid   DocumentStatus = "VOID"
)

// Document is the abstracted business document the posting service consumes.
type Document struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Type           DocumentType
	Number         string
	PartyID        uuid.UUID
	Total          decimal.Decimal
	TaxAmount      decimal.Decimal
	EffectiveDate  time.Time
	Status         DocumentStatus
	JournalEntryID *uuid.UUID
	Transfer       *TransferDetails
	Payroll        *PayrollDetails
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransferDetails carries the two cash accounts of a transfer document.
type TransferDetails struct {
	FromAccountID uuid.UUID
	ToAccountID   uuid.UUID
}

// PayrollDetails carries the gross-to-net breakdown of a payroll run.
type PayrollDetails struct {
	Gross      decimal.Decimal
	TaxHeld    decimal.Decimal
	Deductions decimal.Decimal
}

// Net returns gross minus withholdings.
func (p PayrollDetails) Net() decimal.Decimal {
	return p.Gross.Sub(p.TaxHeld).Sub(p.Deductions)
}

// JournalEntry captures posting metadata. Entries are created atomically with
// their lines and never mutated; corrections go through reversing entries.
type JournalEntry struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Number      int64
	PostingDate time.Time
	Memo        string
	SourceDocID *uuid.UUID
	ReversesID  *uuid.UUID
	Lines       []JournalLine
	CreatedAt   time.Time
}

// JournalLine stores a debit or credit amount for an account. Exactly one of
// debit/credit is non-zero per line; the balance invariant is entry-level.
type JournalLine struct {
	ID             uuid.UUID
	JournalEntryID uuid.UUID
	AccountID      uuid.UUID
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	LineNo         int
}

// LineInput describes a journal line for a posting request.
type LineInput struct {
	AccountID uuid.UUID
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// PostResult is returned by Post. Idempotent marks a replay of an already
// posted document; SoftCloseWarning flags a posting into a soft closed period.
type PostResult struct {
	JournalEntryID   uuid.UUID
	Idempotent       bool
	SoftCloseWarning bool
}

// MappingKey names a configured GL account slot.
type MappingKey string

const (
	MappingAR                MappingKey = "AR"
	MappingAP                MappingKey = "AP"
	MappingRevenue           MappingKey = "REVENUE"
	MappingTaxPayable        MappingKey = "TAX_PAYABLE"
	MappingTaxReceivable     MappingKey = "TAX_RECEIVABLE"
	MappingPurchaseExpense   MappingKey = "PURCHASE_EXPENSE"
	MappingCash              MappingKey = "CASH"
	MappingPayrollExpense    MappingKey = "PAYROLL_EXPENSE"
	MappingPayrollTaxPayable MappingKey = "PAYROLL_TAX_PAYABLE"
	MappingPayrollDeductions MappingKey = "PAYROLL_DEDUCTIONS"
)

// AccountMappingError surfaces a missing GL mapping as a blocking
// configuration error rather than a silent "pending setup" success.
type AccountMappingError struct {
	TenantID uuid.UUID
	Key      MappingKey
}

func (e *AccountMappingError) Error() string {
	return fmt.Sprintf("ledger: no account mapped for %q: %v", e.Key, shared.ErrAccountMappingMissing)
}

func (e *AccountMappingError) Unwrap() error { return shared.ErrAccountMappingMissing }

// ImbalancedEntryError reports the debit/credit sums of a rejected line set.
type ImbalancedEntryError struct {
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

func (e *ImbalancedEntryError) Error() string {
	return fmt.Sprintf("ledger: debits %s != credits %s: %v", e.Debits, e.Credits, shared.ErrImbalancedEntry)
}

func (e *ImbalancedEntryError) Unwrap() error { return shared.ErrImbalancedEntry }

// PeriodClosedError reports a posting blocked by a hard closed period.
type PeriodClosedError struct {
	PeriodID    uuid.UUID
	PostingDate time.Time
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("ledger: period %s rejects posting dated %s: %v",
		e.PeriodID, e.PostingDate.Format(time.DateOnly), shared.ErrPeriodClosed)
}

func (e *PeriodClosedError) Unwrap() error { return shared.ErrPeriodClosed }

// ValidateLines asserts the entry-level invariants before any write: at least
// two lines, one non-negative side per line, and exact debit/credit equality.
func ValidateLines(lines []LineInput) error {
	if len(lines) < 2 {
		return fmt.Errorf("%w: journal requires at least two lines", shared.ErrValidation)
	}
	debits := decimal.Zero
	credits := decimal.Zero
	for idx, line := range lines {
		if line.AccountID == uuid.Nil {
			return fmt.Errorf("%w: line %d missing account", shared.ErrValidation, idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", shared.ErrValidation, idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", shared.ErrValidation, idx)
		}
		debits = debits.Add(line.Debit)
		credits = credits.Add(line.Credit)
	}
	if !debits.Equal(credits) {
		return &ImbalancedEntryError{Debits: debits, Credits: credits}
	}
	return nil
}
