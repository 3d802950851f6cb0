package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/platform/db"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Repository provides PostgreSQL backed persistence for payments and
// allocations.
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

const paymentColumns = `id, tenant_id, direction, party_id, amount, paid_at, reference,
	status, bank_account_id, journal_entry_id, created_at, updated_at`

// CreatePayment inserts a draft payment.
func (r *Repository) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	p.ID = uuid.New()
	p.Status = PaymentDraft
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (id, tenant_id, direction, party_id, amount, paid_at, reference,
			status, bank_account_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.Direction, p.PartyID, p.Amount, p.PaidAt, p.Reference,
		p.Status, p.BankAccountID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// GetPayment fetches a single payment scoped to a tenant.
func (r *Repository) GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanPayment(row)
}

// ListPayments returns payments matching the filter, newest first.
func (r *Repository) ListPayments(ctx context.Context, tenantID uuid.UUID, filter PaymentFilter) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		query += fmt.Sprintf(` AND direction = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.PartyID != uuid.Nil {
		args = append(args, filter.PartyID)
		query += fmt.Sprintf(` AND party_id = $%d`, len(args))
	}
	query += ` ORDER BY paid_at DESC, created_at DESC`
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
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Remaining reports the open balance of a document, counting only POSTED
// payments.
func (r *Repository) Remaining(ctx context.Context, tenantID, docID uuid.UUID) (RemainingSummary, error) {
	var total, allocated decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT d.total,
			COALESCE((SELECT SUM(al.amount)
				FROM payment_allocations al
				JOIN payments p ON p.id = al.payment_id
				WHERE al.document_id = d.id AND p.status = 'POSTED'), 0)
		 FROM documents d WHERE d.tenant_id = $1 AND d.id = $2`,
		tenantID, docID).Scan(&total, &allocated)
	if errors.Is(err, pgx.ErrNoRows) {
		return RemainingSummary{}, errTargetNotFound
	}
	if err != nil {
		return RemainingSummary{}, err
	}
	return RemainingSummary{
		DocumentID: docID,
		Total:      total,
		Allocated:  allocated,
		Remaining:  total.Sub(allocated),
		Status:     DeriveSettlement(total, allocated),
	}, nil
}

// ListAllocations returns the allocations of one payment.
func (r *Repository) ListAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, payment_id, document_id, amount, created_at
		 FROM payment_allocations WHERE tenant_id = $1 AND payment_id = $2 ORDER BY created_at`,
		tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocations []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.TenantID, &a.PaymentID, &a.DocumentID, &a.Amount, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// StatementRows fetches the raw statement rows for a party: posted documents
// and posted payments. Ordering and the running balance are applied in the
// domain layer.
func (r *Repository) StatementRows(ctx context.Context, tenantID, partyID uuid.UUID, from, to time.Time) ([]StatementLine, error) {
	var out []StatementLine

	docQuery := `SELECT id, number, type, total, effective_date
		 FROM documents
		 WHERE tenant_id = $1 AND party_id = $2 AND status = 'POSTED'
		   AND type IN ('SALES_INVOICE', 'PURCHASE_INVOICE')`
	args := []any{tenantID, partyID}
	if !from.IsZero() {
		args = append(args, from)
		docQuery += fmt.Sprintf(` AND effective_date >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		docQuery += fmt.Sprintf(` AND effective_date <= $%d`, len(args))
	}
	rows, err := r.pool.Query(ctx, docQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var number, docType string
		var total decimal.Decimal
		var date time.Time
		if err := rows.Scan(&id, &number, &docType, &total, &date); err != nil {
			return nil, err
		}
		line := StatementLine{Date: date, Kind: KindDocument, RefID: id, Number: number}
		if docType == "SALES_INVOICE" {
			line.Debit = total
		} else {
			line.Credit = total
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	payQuery := `SELECT id, reference, direction, amount, paid_at
		 FROM payments
		 WHERE tenant_id = $1 AND party_id = $2 AND status = 'POSTED'`
	args = []any{tenantID, partyID}
	if !from.IsZero() {
		args = append(args, from)
		payQuery += fmt.Sprintf(` AND paid_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		payQuery += fmt.Sprintf(` AND paid_at <= $%d`, len(args))
	}
	payRows, err := r.pool.Query(ctx, payQuery, args...)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var id uuid.UUID
		var reference string
		var direction Direction
		var amount decimal.Decimal
		var date time.Time
		if err := payRows.Scan(&id, &reference, &direction, &amount, &date); err != nil {
			return nil, err
		}
		line := StatementLine{Date: date, Kind: KindPayment, RefID: id, Number: reference}
		if direction == DirectionIncoming {
			line.Credit = amount
		} else {
			line.Debit = amount
		}
		out = append(out, line)
	}
	return out, payRows.Err()
}

// OpeningBalance sums the signed party activity strictly before a date.
// A zero date means the statement starts at the beginning of history.
func (r *Repository) OpeningBalance(ctx context.Context, tenantID, partyID uuid.UUID, before time.Time) (decimal.Decimal, error) {
	if before.IsZero() {
		return decimal.Zero, nil
	}
	var docs, payments decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE((SELECT SUM(CASE WHEN type = 'SALES_INVOICE' THEN total ELSE -total END)
				FROM documents
				WHERE tenant_id = $1 AND party_id = $2 AND status = 'POSTED'
				  AND type IN ('SALES_INVOICE', 'PURCHASE_INVOICE')
				  AND effective_date < $3), 0),
			COALESCE((SELECT SUM(CASE WHEN direction = 'INCOMING' THEN -amount ELSE amount END)
				FROM payments
				WHERE tenant_id = $1 AND party_id = $2 AND status = 'POSTED'
				  AND paid_at < $3), 0)`,
		tenantID, partyID, before).Scan(&docs, &payments)
	if err != nil {
		return decimal.Zero, err
	}
	return docs.Add(payments), nil
}

// OpenDocuments lists posted documents with an open balance, optionally
// narrowed to one party.
func (r *Repository) OpenDocuments(ctx context.Context, tenantID uuid.UUID, side TargetType, partyID uuid.UUID) ([]OpenDocument, error) {
	docType, err := side.DocumentType()
	if err != nil {
		return nil, err
	}
	query := `SELECT d.id, d.number, d.party_id, d.total,
			COALESCE((SELECT SUM(al.amount)
				FROM payment_allocations al
				JOIN payments p ON p.id = al.payment_id
				WHERE al.document_id = d.id AND p.status = 'POSTED'), 0) AS allocated
		 FROM documents d
		 WHERE d.tenant_id = $1 AND d.type = $2 AND d.status = 'POSTED'`
	args := []any{tenantID, docType}
	if partyID != uuid.Nil {
		args = append(args, partyID)
		query += fmt.Sprintf(` AND d.party_id = $%d`, len(args))
	}
	query += ` ORDER BY d.effective_date, d.number`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpenDocument
	for rows.Next() {
		var d OpenDocument
		if err := rows.Scan(&d.DocumentID, &d.Number, &d.PartyID, &d.Total, &d.Allocated); err != nil {
			return nil, err
		}
		d.Remaining = d.Total.Sub(d.Allocated)
		if d.Remaining.GreaterThan(shared.Tolerance) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

// OpenItems returns posted documents with an open balance as of a date.
func (r *Repository) OpenItems(ctx context.Context, tenantID uuid.UUID, side TargetType, asOf time.Time) ([]OpenItem, error) {
	docType, err := side.DocumentType()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT d.id, d.effective_date,
			d.total - COALESCE((SELECT SUM(al.amount)
				FROM payment_allocations al
				JOIN payments p ON p.id = al.payment_id
				WHERE al.document_id = d.id AND p.status = 'POSTED'), 0) AS remaining
		 FROM documents d
		 WHERE d.tenant_id = $1 AND d.type = $2 AND d.status = 'POSTED'
		   AND d.effective_date <= $3
		 ORDER BY d.effective_date`,
		tenantID, docType, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OpenItem
	for rows.Next() {
		var item OpenItem
		if err := rows.Scan(&item.DocumentID, &item.EffectiveDate, &item.Remaining); err != nil {
			return nil, err
		}
		if item.Remaining.GreaterThan(shared.Tolerance) {
			items = append(items, item)
		}
	}
	return items, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	return scanPayment(row)
}

func (t *txRepo) GetTargetForUpdate(ctx context.Context, tenantID, docID uuid.UUID) (TargetDocument, error) {
	var d TargetDocument
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, type, status, party_id, total, effective_date
		 FROM documents WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, docID,
	).Scan(&d.ID, &d.TenantID, &d.Type, &d.Status, &d.PartyID, &d.Total, &d.EffectiveDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return TargetDocument{}, errTargetNotFound
	}
	if err != nil {
		return TargetDocument{}, err
	}
	return d, nil
}

func (t *txRepo) AllocatedTotals(ctx context.Context, tenantID, docID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var posted, includingDraft decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN p.status = 'POSTED' THEN al.amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN p.status IN ('POSTED', 'DRAFT') THEN al.amount ELSE 0 END), 0)
		 FROM payment_allocations al
		 JOIN payments p ON p.id = al.payment_id
		 WHERE al.tenant_id = $1 AND al.document_id = $2`,
		tenantID, docID).Scan(&posted, &includingDraft)
	return posted, includingDraft, err
}

func (t *txRepo) PaymentAllocatedTotal(ctx context.Context, tenantID, paymentID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment_allocations
		 WHERE tenant_id = $1 AND payment_id = $2`,
		tenantID, paymentID).Scan(&total)
	return total, err
}

func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	a.ID = uuid.New()
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payment_allocations (id, tenant_id, payment_id, document_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING created_at`,
		a.ID, a.TenantID, a.PaymentID, a.DocumentID, a.Amount,
	).Scan(&a.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	return a, nil
}

func (t *txRepo) GetAllocationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Allocation, error) {
	var a Allocation
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, payment_id, document_id, amount, created_at
		 FROM payment_allocations WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id,
	).Scan(&a.ID, &a.TenantID, &a.PaymentID, &a.DocumentID, &a.Amount, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, errAllocationNotFound
	}
	if err != nil {
		return Allocation{}, err
	}
	return a, nil
}

func (t *txRepo) DeleteAllocation(ctx context.Context, tenantID, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM payment_allocations WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return err
}

func (t *txRepo) DocumentStatus(ctx context.Context, tenantID, docID uuid.UUID) (string, error) {
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT status FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, docID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errTargetNotFound
	}
	return status, err
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
		return period.Period{}, fmt.Errorf("allocation: period %w", shared.ErrNotFound)
	}
	if err != nil {
		return period.Period{}, err
	}
	p.Month = time.Month(month)
	return p, nil
}

func (t *txRepo) ResolveSettlementAccounts(ctx context.Context, tenantID uuid.UUID, direction Direction) (SettlementAccounts, error) {
	counterKey := "AR"
	if direction == DirectionOutgoing {
		counterKey = "AP"
	}
	rows, err := t.tx.Query(ctx,
		`SELECT key, account_id FROM account_mappings WHERE tenant_id = $1 AND key = ANY($2)`,
		tenantID, []string{"CASH", counterKey})
	if err != nil {
		return SettlementAccounts{}, err
	}
	defer rows.Close()
	mapped := make(map[string]uuid.UUID, 2)
	for rows.Next() {
		var key string
		var accountID uuid.UUID
		if err := rows.Scan(&key, &accountID); err != nil {
			return SettlementAccounts{}, err
		}
		mapped[key] = accountID
	}
	if err := rows.Err(); err != nil {
		return SettlementAccounts{}, err
	}
	for _, key := range []string{"CASH", counterKey} {
		if mapped[key] == uuid.Nil {
			return SettlementAccounts{}, fmt.Errorf("allocation: no account mapped for %q: %w",
				key, shared.ErrAccountMappingMissing)
		}
	}
	return SettlementAccounts{BankAccountID: mapped["CASH"], CounterAccountID: mapped[counterKey]}, nil
}

func (t *txRepo) InsertPaymentEntry(ctx context.Context, p Payment, accounts SettlementAccounts) (uuid.UUID, error) {
	entryID := uuid.New()
	memo := fmt.Sprintf("PAYMENT %s", p.Reference)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO journal_entries (id, tenant_id, number, posting_date, memo, created_at)
		 VALUES ($1, $2, nextval('journal_entry_number_seq'), $3, $4, NOW())`,
		entryID, p.TenantID, p.PaidAt, memo)
	if err != nil {
		return uuid.Nil, err
	}
	debitAccount, creditAccount := accounts.BankAccountID, accounts.CounterAccountID
	if p.Direction == DirectionOutgoing {
		debitAccount, creditAccount = accounts.CounterAccountID, accounts.BankAccountID
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO journal_lines (id, journal_entry_id, account_id, debit, credit, line_no)
		 VALUES ($1, $2, $3, $4, 0, 1), ($5, $2, $6, 0, $4, 2)`,
		uuid.New(), entryID, debitAccount, p.Amount, uuid.New(), creditAccount)
	if err != nil {
		return uuid.Nil, err
	}
	return entryID, nil
}

func (t *txRepo) MarkPaymentPosted(ctx context.Context, tenantID, paymentID, entryID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payments SET status = 'POSTED', journal_entry_id = $3, updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2 AND status = 'DRAFT'`,
		tenantID, paymentID, entryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) MarkPaymentVoid(ctx context.Context, tenantID, paymentID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payments SET status = 'VOID', updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, paymentID)
	return err
}

func (t *txRepo) HasAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM payment_allocations WHERE tenant_id = $1 AND payment_id = $2 LIMIT 1`,
		tenantID, paymentID).Scan(&one)
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

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Direction, &p.PartyID, &p.Amount, &p.PaidAt, &p.Reference,
		&p.Status, &p.BankAccountID, &p.JournalEntryID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, errPaymentNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}
