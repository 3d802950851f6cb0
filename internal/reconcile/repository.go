package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, tenantID, id uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, tenantID uuid.UUID, accountID uuid.UUID) ([]Session, error)
	ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error)
	BookTransactions(ctx context.Context, tenantID, accountID uuid.UUID, upTo time.Time) ([]BookTransaction, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetSessionForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Session, error)
	InsertLines(ctx context.Context, lines []StatementLine) (int, error)
	GetLineForUpdate(ctx context.Context, tenantID, lineID uuid.UUID) (StatementLine, error)
	ClaimLine(ctx context.Context, tenantID, lineID, bookTxID uuid.UUID) (bool, error)
	ReleaseLine(ctx context.Context, tenantID, lineID uuid.UUID) error
	UnmatchedLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error)
	UnmatchedBookTransactions(ctx context.Context, tenantID, accountID uuid.UUID, upTo time.Time) ([]BookTransaction, error)
	BookBalance(ctx context.Context, tenantID, accountID uuid.UUID, asOf time.Time) (decimal.Decimal, error)
	IsBookTxClaimed(ctx context.Context, tenantID, bookTxID uuid.UUID) (bool, error)
	CompleteSession(ctx context.Context, tenantID, sessionID uuid.UUID, difference decimal.Decimal, actorID string, at time.Time) error
	AbandonSession(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string, at time.Time) error
}
