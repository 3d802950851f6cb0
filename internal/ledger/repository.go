package ledger

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
	GetDocument(ctx context.Context, tenantID, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, tenantID uuid.UUID, filter DocumentFilter) ([]Document, error)
	GetEntry(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error)
	ListEntries(ctx context.Context, tenantID uuid.UUID, filter EntryFilter) ([]JournalEntry, error)
	ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error)
	CreateAccount(ctx context.Context, a Account) (Account, error)
	CreateDocument(ctx context.Context, d Document) (Document, error)
	UpsertMapping(ctx context.Context, tenantID uuid.UUID, key MappingKey, accountID uuid.UUID) error
}

// TxRepository exposes methods available within a posting transaction.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Document, error)
	PeriodForDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (period.Period, error)
	ResolveMappings(ctx context.Context, tenantID uuid.UUID, keys []MappingKey) (map[MappingKey]uuid.UUID, error)
	GetEntryForUpdate(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error)
	InsertEntry(ctx context.Context, e JournalEntry, lines []LineInput) (JournalEntry, error)
	MarkDocumentPosted(ctx context.Context, tenantID, docID, entryID uuid.UUID) (bool, error)
	MarkDocumentVoid(ctx context.Context, tenantID, docID uuid.UUID) error
	PostedAllocationTotal(ctx context.Context, tenantID, docID uuid.UUID) (decimal.Decimal, error)
	HasReversal(ctx context.Context, tenantID, entryID uuid.UUID) (bool, error)
}

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	Type   DocumentType
	Status DocumentStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// EntryFilter narrows journal entry listings.
type EntryFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}
