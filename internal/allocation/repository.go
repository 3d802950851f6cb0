package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/period"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, tenantID uuid.UUID, filter PaymentFilter) ([]Payment, error)
	Remaining(ctx context.Context, tenantID, docID uuid.UUID) (RemainingSummary, error)
	ListAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) ([]Allocation, error)
	StatementRows(ctx context.Context, tenantID, partyID uuid.UUID, from, to time.Time) ([]StatementLine, error)
	OpeningBalance(ctx context.Context, tenantID, partyID uuid.UUID, before time.Time) (decimal.Decimal, error)
	OpenItems(ctx context.Context, tenantID uuid.UUID, side TargetType, asOf time.Time) ([]OpenItem, error)
	OpenDocuments(ctx context.Context, tenantID uuid.UUID, side TargetType, partyID uuid.UUID) ([]OpenDocument, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetPaymentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Payment, error)
	GetTargetForUpdate(ctx context.Context, tenantID, docID uuid.UUID) (TargetDocument, error)
	AllocatedTotals(ctx context.Context, tenantID, docID uuid.UUID) (posted, includingDraft decimal.Decimal, err error)
	PaymentAllocatedTotal(ctx context.Context, tenantID, paymentID uuid.UUID) (decimal.Decimal, error)
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	GetAllocationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Allocation, error)
	DeleteAllocation(ctx context.Context, tenantID, id uuid.UUID) error
	DocumentStatus(ctx context.Context, tenantID, docID uuid.UUID) (string, error)

	PeriodForDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (period.Period, error)
	ResolveSettlementAccounts(ctx context.Context, tenantID uuid.UUID, direction Direction) (SettlementAccounts, error)
	InsertPaymentEntry(ctx context.Context, p Payment, accounts SettlementAccounts) (uuid.UUID, error)
	MarkPaymentPosted(ctx context.Context, tenantID, paymentID, entryID uuid.UUID) (bool, error)
	MarkPaymentVoid(ctx context.Context, tenantID, paymentID uuid.UUID) error
	HasAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) (bool, error)
}

// TargetDocument is the slice of a document the allocation engine needs.
type TargetDocument struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Type          string
	Status        string
	PartyID       uuid.UUID
	Total         decimal.Decimal
	EffectiveDate time.Time
}

// SettlementAccounts resolves the GL accounts a payment entry touches.
type SettlementAccounts struct {
	BankAccountID    uuid.UUID
	CounterAccountID uuid.UUID
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	Direction Direction
	Status    PaymentStatus
	PartyID   uuid.UUID
	Limit     int
}
