package period

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPeriod(ctx context.Context, tenantID, id uuid.UUID) (Period, error)
	ListPeriods(ctx context.Context, tenantID uuid.UUID, year int) ([]Period, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetPeriodForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Period, error)
	PeriodRangeConflict(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (bool, error)
	InsertPeriod(ctx context.Context, p Period) (Period, error)
	UpdatePeriodStatus(ctx context.Context, update StatusUpdate) error

	CountUnreconciledBankAccounts(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error)
	CountPendingDocuments(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error)
	CountUnpostedJournals(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error)
	AggregatePostedTotals(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (revenue, expenses decimal.Decimal, err error)
}

// StatusUpdate carries a single period status flip with its frozen artefacts.
type StatusUpdate struct {
	PeriodID  uuid.UUID
	TenantID  uuid.UUID
	Status    Status
	Checklist *ChecklistSnapshot
	Totals    *LockedTotals
	ActorID   string
	At        time.Time
}
