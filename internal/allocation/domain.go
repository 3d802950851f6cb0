package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Direction distinguishes money received from money paid out.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// PaymentStatus enumerates the payment lifecycle.
type PaymentStatus string

const (
	PaymentDraft  PaymentStatus = "DRAFT"
	PaymentPosted PaymentStatus = "POSTED"
	PaymentVoid   PaymentStatus = "VOID"
)

// Payment records money received from or paid to a party. Only POSTED
// payments settle document balances.
type Payment struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Direction      Direction
	PartyID        uuid.UUID
	Amount         decimal.Decimal
	PaidAt         time.Time
	Reference      string
	Status         PaymentStatus
	BankAccountID  *uuid.UUID
	JournalEntryID *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TargetType names the open-item side an allocation settles.
type TargetType string

const (
	TargetInvoice TargetType = "INVOICE"
	TargetBill    TargetType = "BILL"
)

// DocumentType returns the document type a target resolves to.
func (t TargetType) DocumentType() (string, error) {
	switch t {
	case TargetInvoice:
		return "SALES_INVOICE", nil
	case TargetBill:
		return "PURCHASE_INVOICE", nil
	default:
		return "", fmt.Errorf("%w: unknown target type %q", shared.ErrValidation, t)
	}
}

// Allocation links part of a payment to a document.
type Allocation struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	PaymentID  uuid.UUID
	DocumentID uuid.UUID
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// SettlementStatus is derived from a document's remaining open amount.
type SettlementStatus string

const (
	SettlementUnpaid  SettlementStatus = "UNPAID"
	SettlementPartial SettlementStatus = "PARTIAL"
	SettlementPaid    SettlementStatus = "PAID"
)

// DeriveSettlement classifies a document by its remaining balance within the
// fixed tolerance: remaining at (or above) the full total is UNPAID, remaining
// at (or below) zero is PAID, anything between is PARTIAL.
func DeriveSettlement(total, allocated decimal.Decimal) SettlementStatus {
	remaining := total.Sub(allocated)
	switch {
	case remaining.GreaterThanOrEqual(total.Sub(shared.Tolerance)):
		return SettlementUnpaid
	case remaining.LessThanOrEqual(shared.Tolerance):
		return SettlementPaid
	default:
		return SettlementPartial
	}
}

// RemainingSummary reports a document's open balance.
type RemainingSummary struct {
	DocumentID uuid.UUID
	Total      decimal.Decimal
	Allocated  decimal.Decimal
	Remaining  decimal.Decimal
	Status     SettlementStatus
}

// OverAllocationError reports an allocation exceeding the open balance.
type OverAllocationError struct {
	DocumentID uuid.UUID
	Requested  decimal.Decimal
	Remaining  decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("allocation: %s requested against %s remaining on %s: %v",
		e.Requested, e.Remaining, e.DocumentID, shared.ErrOverAllocation)
}

func (e *OverAllocationError) Unwrap() error { return shared.ErrOverAllocation }

// StatementKind distinguishes statement rows.
type StatementKind string

const (
	KindDocument StatementKind = "DOCUMENT"
	KindPayment  StatementKind = "PAYMENT"
)

// StatementLine is one row of a party statement with its running balance.
type StatementLine struct {
	Date    time.Time
	Kind    StatementKind
	RefID   uuid.UUID
	Number  string
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Balance decimal.Decimal
}

// BuildStatement orders raw rows by date ascending with documents before
// payments on equal dates, then accumulates the running balance from the
// opening balance. The ordering is fixed; changing it would make historical
// statements irreproducible.
func BuildStatement(opening decimal.Decimal, rows []StatementLine) []StatementLine {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind == KindDocument
		}
		return rows[i].RefID.String() < rows[j].RefID.String()
	})
	balance := opening
	for i := range rows {
		balance = balance.Add(rows[i].Debit).Sub(rows[i].Credit)
		rows[i].Balance = balance
	}
	return rows
}

// Statement is a party statement with its boundary balances.
type Statement struct {
	Lines          []StatementLine
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
}

// OpenDocument is one row of an open-item listing.
type OpenDocument struct {
	DocumentID uuid.UUID
	Number     string
	PartyID    uuid.UUID
	Total      decimal.Decimal
	Allocated  decimal.Decimal
	Remaining  decimal.Decimal
}

// AgingBucket is one column of an open-item aging report.
type AgingBucket struct {
	Label string          `json:"label"`
	Total decimal.Decimal `json:"total"`
}

// AgingReport groups open document balances by days outstanding.
type AgingReport struct {
	AsOf    time.Time     `json:"asOf"`
	Side    TargetType    `json:"side"`
	Buckets []AgingBucket `json:"buckets"`
}

var agingEdges = []struct {
	label string
	days  int
}{
	{"current", 30},
	{"31-60", 60},
	{"61-90", 90},
	{"91-120", 120},
	{"120+", 1 << 30},
}

// BuildAging distributes open items into fixed day-range buckets.
func BuildAging(asOf time.Time, side TargetType, items []OpenItem) AgingReport {
	report := AgingReport{AsOf: asOf, Side: side}
	totals := make([]decimal.Decimal, len(agingEdges))
	for i := range totals {
		totals[i] = decimal.Zero
	}
	for _, item := range items {
		days := int(asOf.Sub(item.EffectiveDate).Hours() / 24)
		if days < 0 {
			days = 0
		}
		for i, edge := range agingEdges {
			if days <= edge.days {
				totals[i] = totals[i].Add(item.Remaining)
				break
			}
		}
	}
	for i, edge := range agingEdges {
		report.Buckets = append(report.Buckets, AgingBucket{Label: edge.label, Total: totals[i]})
	}
	return report
}

// OpenItem is an unsettled document balance used by the aging report.
type OpenItem struct {
	DocumentID    uuid.UUID
	EffectiveDate time.Time
	Remaining     decimal.Decimal
}
