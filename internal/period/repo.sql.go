package period

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for accounting periods.
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

const periodColumns = `id, tenant_id, year, month, start_date, end_date, status,
	checklist_snapshot, locked_totals,
	soft_closed_at, soft_closed_by, hard_closed_at, hard_closed_by,
	reopened_at, reopened_by, created_at, updated_at`

// GetPeriod fetches a single period scoped to a tenant.
func (r *Repository) GetPeriod(ctx context.Context, tenantID, id uuid.UUID) (Period, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM accounting_periods WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanPeriod(row)
}

// ListPeriods returns periods for a tenant ordered by start date.
func (r *Repository) ListPeriods(ctx context.Context, tenantID uuid.UUID, year int) ([]Period, error) {
	query := `SELECT ` + periodColumns + ` FROM accounting_periods WHERE tenant_id = $1`
	args := []any{tenantID}
	if year > 0 {
		query += ` AND year = $2`
		args = append(args, year)
	}
	query += ` ORDER BY start_date`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetPeriodForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Period, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM accounting_periods WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	return scanPeriod(row)
}

func (t *txRepo) PeriodRangeConflict(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM accounting_periods WHERE tenant_id = $1 AND start_date <= $3 AND end_date >= $2 LIMIT 1`,
		tenantID, start, end).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *txRepo) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	p.ID = uuid.New()
	p.Status = StatusOpen
	err := t.tx.QueryRow(ctx,
		`INSERT INTO accounting_periods (id, tenant_id, year, month, start_date, end_date, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.Year, int(p.Month), p.StartDate, p.EndDate, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

func (t *txRepo) UpdatePeriodStatus(ctx context.Context, update StatusUpdate) error {
	var checklistJSON, totalsJSON []byte
	var err error
	if update.Checklist != nil {
		if checklistJSON, err = json.Marshal(update.Checklist); err != nil {
			return err
		}
	}
	if update.Totals != nil {
		if totalsJSON, err = json.Marshal(update.Totals); err != nil {
			return err
		}
	}
	switch update.Status {
	case StatusSoftClosed:
		_, err = t.tx.Exec(ctx,
			`UPDATE accounting_periods
			 SET status = $3, checklist_snapshot = $4, soft_closed_at = $5, soft_closed_by = $6, updated_at = NOW()
			 WHERE tenant_id = $1 AND id = $2`,
			update.TenantID, update.PeriodID, update.Status, checklistJSON, update.At, update.ActorID)
	case StatusHardClosed:
		_, err = t.tx.Exec(ctx,
			`UPDATE accounting_periods
			 SET status = $3, locked_totals = $4, hard_closed_at = $5, hard_closed_by = $6, updated_at = NOW()
			 WHERE tenant_id = $1 AND id = $2`,
			update.TenantID, update.PeriodID, update.Status, totalsJSON, update.At, update.ActorID)
	case StatusOpen:
		// Reopen clears locked totals; they are recomputed on the next hard close.
		_, err = t.tx.Exec(ctx,
			`UPDATE accounting_periods
			 SET status = $3, locked_totals = NULL, reopened_at = $4, reopened_by = $5, updated_at = NOW()
			 WHERE tenant_id = $1 AND id = $2`,
			update.TenantID, update.PeriodID, update.Status, update.At, update.ActorID)
	default:
		return errors.New("period: unknown status update")
	}
	return err
}

func (t *txRepo) CountUnreconciledBankAccounts(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT a.id)
		 FROM accounts a
		 WHERE a.tenant_id = $1 AND a.type = 'ASSET' AND a.is_bank
		   AND NOT EXISTS (
			SELECT 1 FROM recon_sessions s
			WHERE s.tenant_id = $1 AND s.account_id = a.id
			  AND s.status = 'COMPLETED'
			  AND s.statement_date BETWEEN $2 AND $3)`,
		tenantID, start, end).Scan(&count)
	return count, err
}

func (t *txRepo) CountPendingDocuments(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents
		 WHERE tenant_id = $1 AND status = 'DRAFT' AND effective_date BETWEEN $2 AND $3`,
		tenantID, start, end).Scan(&count)
	return count, err
}

func (t *txRepo) CountUnpostedJournals(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int, error) {
	// Draft documents without a linked journal entry are the unposted backlog.
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents
		 WHERE tenant_id = $1 AND journal_entry_id IS NULL AND status = 'DRAFT'
		   AND effective_date BETWEEN $2 AND $3`,
		tenantID, start, end).Scan(&count)
	return count, err
}

func (t *txRepo) AggregatePostedTotals(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (decimal.Decimal, decimal.Decimal, error) {
	var revenue, expenses decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN a.type = 'REVENUE' THEN l.credit - l.debit ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.type = 'EXPENSE' THEN l.debit - l.credit ELSE 0 END), 0)
		 FROM journal_lines l
		 JOIN journal_entries e ON e.id = l.journal_entry_id
		 JOIN accounts a ON a.id = l.account_id
		 WHERE e.tenant_id = $1 AND e.posting_date BETWEEN $2 AND $3`,
		tenantID, start, end).Scan(&revenue, &expenses)
	return revenue, expenses, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (Period, error) {
	var p Period
	var month int
	var checklistJSON, totalsJSON []byte
	var softBy, hardBy, reopenBy *string
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Year, &month, &p.StartDate, &p.EndDate, &p.Status,
		&checklistJSON, &totalsJSON,
		&p.SoftClosedAt, &softBy, &p.HardClosedAt, &hardBy,
		&p.ReopenedAt, &reopenBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, errPeriodNotFound
	}
	if err != nil {
		return Period{}, err
	}
	p.Month = time.Month(month)
	if len(checklistJSON) > 0 {
		var snapshot ChecklistSnapshot
		if err := json.Unmarshal(checklistJSON, &snapshot); err == nil {
			p.Checklist = &snapshot
		}
	}
	if len(totalsJSON) > 0 {
		var totals LockedTotals
		if err := json.Unmarshal(totalsJSON, &totals); err == nil {
			p.Totals = &totals
		}
	}
	if softBy != nil {
		p.SoftClosedBy = *softBy
	}
	if hardBy != nil {
		p.HardClosedBy = *hardBy
	}
	if reopenBy != nil {
		p.ReopenedBy = *reopenBy
	}
	return p, nil
}
