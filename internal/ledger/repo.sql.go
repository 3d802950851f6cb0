package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/platform/db"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Repository provides PostgreSQL backed persistence for documents, journal
// entries and account mappings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const documentColumns = `id, tenant_id, type, number, party_id, total, tax_amount,
	effective_date, status, journal_entry_id,
	transfer_from_account_id, transfer_to_account_id,
	payroll_gross, payroll_tax_held, payroll_deductions,
	created_at, updated_at`

// GetDocument fetches a single document scoped to a tenant.
func (r *Repository) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (Document, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanDocument(row)
}

// ListDocuments returns documents matching the filter, newest first.
func (r *Repository) ListDocuments(ctx context.Context, tenantID uuid.UUID, filter DocumentFilter) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(` AND effective_date >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(` AND effective_date <= $%d`, len(args))
	}
	query += ` ORDER BY effective_date DESC, created_at DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CreateDocument inserts a draft document.
func (r *Repository) CreateDocument(ctx context.Context, d Document) (Document, error) {
	d.ID = uuid.New()
	d.Status = DocStatusDraft
	var fromID, toID *uuid.UUID
	var gross, taxHeld, deductions *decimal.Decimal
	if d.Transfer != nil {
		fromID, toID = &d.Transfer.FromAccountID, &d.Transfer.ToAccountID
	}
	if d.Payroll != nil {
		gross, taxHeld, deductions = &d.Payroll.Gross, &d.Payroll.TaxHeld, &d.Payroll.Deductions
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO documents (id, tenant_id, type, number, party_id, total, tax_amount,
			effective_date, status,
			transfer_from_account_id, transfer_to_account_id,
			payroll_gross, payroll_tax_held, payroll_deductions,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		d.ID, d.TenantID, d.Type, d.Number, d.PartyID, d.Total, d.TaxAmount,
		d.EffectiveDate, d.Status, fromID, toID, gross, taxHeld, deductions,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return Document{}, fmt.Errorf("%w: document number %q already used", shared.ErrValidation, d.Number)
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// GetEntry fetches a journal entry with its lines.
func (r *Repository) GetEntry(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, number, posting_date, memo, source_doc_id, reverses_id, created_at
		 FROM journal_entries WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	entry, err := scanEntry(row)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = r.entryLines(ctx, entry.ID)
	return entry, err
}

// ListEntries returns journal entries with lines, newest first.
func (r *Repository) ListEntries(ctx context.Context, tenantID uuid.UUID, filter EntryFilter) ([]JournalEntry, error) {
	query := `SELECT id, tenant_id, number, posting_date, memo, source_doc_id, reverses_id, created_at
		 FROM journal_entries WHERE tenant_id = $1`
	args := []any{tenantID}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(` AND posting_date >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(` AND posting_date <= $%d`, len(args))
	}
	query += ` ORDER BY posting_date DESC, number DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Lines, err = r.entryLines(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (r *Repository) entryLines(ctx context.Context, entryID uuid.UUID) ([]JournalLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, journal_entry_id, account_id, debit, credit, line_no
		 FROM journal_lines WHERE journal_entry_id = $1 ORDER BY line_no`,
		entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var l JournalLine
		if err := rows.Scan(&l.ID, &l.JournalEntryID, &l.AccountID, &l.Debit, &l.Credit, &l.LineNo); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListAccounts returns the tenant chart of accounts ordered by code.
func (r *Repository) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, code, name, type, is_bank, created_at, updated_at
		 FROM accounts WHERE tenant_id = $1 ORDER BY code`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Type, &a.IsBank, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts a chart of accounts node.
func (r *Repository) CreateAccount(ctx context.Context, a Account) (Account, error) {
	a.ID = uuid.New()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, tenant_id, code, name, type, is_bank, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		a.ID, a.TenantID, a.Code, a.Name, a.Type, a.IsBank,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return Account{}, fmt.Errorf("%w: account code %q already used", shared.ErrValidation, a.Code)
	}
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

// UpsertMapping binds a mapping key to an account.
func (r *Repository) UpsertMapping(ctx context.Context, tenantID uuid.UUID, key MappingKey, accountID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO account_mappings (tenant_id, key, account_id, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id, key) DO UPDATE SET account_id = EXCLUDED.account_id, updated_at = NOW()`,
		tenantID, key, accountID)
	return err
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Document, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	return scanDocument(row)
}

func (t *txRepo) PeriodForDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (period.Period, error) {
	var p period.Period
	var month int
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, year, month, start_date, end_date, status
		 FROM accounting_periods
		 WHERE tenant_id = $1 AND start_date <= $2 AND end_date >= $2`,
		tenantID, date,
	).Scan(&p.ID, &p.TenantID, &p.Year, &month, &p.StartDate, &p.EndDate, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return period.Period{}, fmt.Errorf("ledger: period %w", shared.ErrNotFound)
	}
	if err != nil {
		return period.Period{}, err
	}
	p.Month = time.Month(month)
	return p, nil
}

func (t *txRepo) ResolveMappings(ctx context.Context, tenantID uuid.UUID, keys []MappingKey) (map[MappingKey]uuid.UUID, error) {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, string(k))
	}
	rows, err := t.tx.Query(ctx,
		`SELECT key, account_id FROM account_mappings WHERE tenant_id = $1 AND key = ANY($2)`,
		tenantID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	mapped := make(map[MappingKey]uuid.UUID, len(keys))
	for rows.Next() {
		var key string
		var accountID uuid.UUID
		if err := rows.Scan(&key, &accountID); err != nil {
			return nil, err
		}
		mapped[MappingKey(key)] = accountID
	}
	return mapped, rows.Err()
}

func (t *txRepo) GetEntryForUpdate(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, number, posting_date, memo, source_doc_id, reverses_id, created_at
		 FROM journal_entries WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	entry, err := scanEntry(row)
	if err != nil {
		return JournalEntry{}, err
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, journal_entry_id, account_id, debit, credit, line_no
		 FROM journal_lines WHERE journal_entry_id = $1 ORDER BY line_no`,
		entry.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l JournalLine
		if err := rows.Scan(&l.ID, &l.JournalEntryID, &l.AccountID, &l.Debit, &l.Credit, &l.LineNo); err != nil {
			return JournalEntry{}, err
		}
		entry.Lines = append(entry.Lines, l)
	}
	return entry, rows.Err()
}

func (t *txRepo) InsertEntry(ctx context.Context, e JournalEntry, lines []LineInput) (JournalEntry, error) {
	e.ID = uuid.New()
	err := t.tx.QueryRow(ctx,
		`INSERT INTO journal_entries (id, tenant_id, number, posting_date, memo, source_doc_id, reverses_id, created_at)
		 VALUES ($1, $2, nextval('journal_entry_number_seq'), $3, $4, $5, $6, NOW())
		 RETURNING number, created_at`,
		e.ID, e.TenantID, e.PostingDate, e.Memo, e.SourceDocID, e.ReversesID,
	).Scan(&e.Number, &e.CreatedAt)
	if isUniqueViolation(err) {
		// The partial unique index on source_doc_id backstops the row lock.
		return JournalEntry{}, fmt.Errorf("%w: document already has a journal entry", shared.ErrValidation)
	}
	if err != nil {
		return JournalEntry{}, err
	}
	batch := &pgx.Batch{}
	for idx, line := range lines {
		id := uuid.New()
		batch.Queue(
			`INSERT INTO journal_lines (id, journal_entry_id, account_id, debit, credit, line_no)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, e.ID, line.AccountID, line.Debit, line.Credit, idx+1)
		e.Lines = append(e.Lines, JournalLine{
			ID:             id,
			JournalEntryID: e.ID,
			AccountID:      line.AccountID,
			Debit:          line.Debit,
			Credit:         line.Credit,
			LineNo:         idx + 1,
		})
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range lines {
		if _, err := results.Exec(); err != nil {
			return JournalEntry{}, err
		}
	}
	return e, nil
}

func (t *txRepo) MarkDocumentPosted(ctx context.Context, tenantID, docID, entryID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE documents SET status = 'POSTED', journal_entry_id = $3, updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2 AND status = 'DRAFT'`,
		tenantID, docID, entryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) MarkDocumentVoid(ctx context.Context, tenantID, docID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE documents SET status = 'VOID', updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, docID)
	return err
}

func (t *txRepo) PostedAllocationTotal(ctx context.Context, tenantID, docID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(al.amount), 0)
		 FROM payment_allocations al
		 JOIN payments p ON p.id = al.payment_id
		 WHERE p.tenant_id = $1 AND al.document_id = $2 AND p.status = 'POSTED'`,
		tenantID, docID).Scan(&total)
	return total, err
}

func (t *txRepo) HasReversal(ctx context.Context, tenantID, entryID uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM journal_entries WHERE tenant_id = $1 AND reverses_id = $2 LIMIT 1`,
		tenantID, entryID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var fromID, toID *uuid.UUID
	var gross, taxHeld, deductions *decimal.Decimal
	err := row.Scan(
		&d.ID, &d.TenantID, &d.Type, &d.Number, &d.PartyID, &d.Total, &d.TaxAmount,
		&d.EffectiveDate, &d.Status, &d.JournalEntryID,
		&fromID, &toID, &gross, &taxHeld, &deductions,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, errDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if fromID != nil && toID != nil {
		d.Transfer = &TransferDetails{FromAccountID: *fromID, ToAccountID: *toID}
	}
	if gross != nil {
		p := PayrollDetails{Gross: *gross}
		if taxHeld != nil {
			p.TaxHeld = *taxHeld
		}
		if deductions != nil {
			p.Deductions = *deductions
		}
		d.Payroll = &p
	}
	return d, nil
}

func scanEntry(row rowScanner) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.Number, &e.PostingDate, &e.Memo,
		&e.SourceDocID, &e.ReversesID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalEntry{}, errEntryNotFound
	}
	if err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
