package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for reconciliation
// sessions and statement lines.
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

const sessionColumns = `id, tenant_id, account_id, statement_date, statement_ending_balance,
	status, difference, completed_at, completed_by, created_at, updated_at`

// CreateSession inserts a new in-progress session.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	s.ID = uuid.New()
	s.Status = SessionInProgress
	err := r.pool.QueryRow(ctx,
		`INSERT INTO recon_sessions (id, tenant_id, account_id, statement_date,
			statement_ending_balance, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.AccountID, s.StatementDate, s.StatementEndingBalance, s.Status,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession fetches a single session scoped to a tenant.
func (r *Repository) GetSession(ctx context.Context, tenantID, id uuid.UUID) (Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recon_sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanSession(row)
}

// ListSessions returns sessions newest first, optionally for one account.
func (r *Repository) ListSessions(ctx context.Context, tenantID, accountID uuid.UUID) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM recon_sessions WHERE tenant_id = $1`
	args := []any{tenantID}
	if accountID != uuid.Nil {
		args = append(args, accountID)
		query += ` AND account_id = $2`
	}
	query += ` ORDER BY statement_date DESC, created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListLines returns all statement lines of a session in import order.
func (r *Repository) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, tenant_id, line_date, description, amount, status,
			matched_journal_line_id, created_at
		 FROM recon_statement_lines
		 WHERE tenant_id = $1 AND session_id = $2
		 ORDER BY line_date, created_at`,
		tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

// BookTransactions lists signed bank movements on an account up to a date,
// whether or not they are claimed by a session.
func (r *Repository) BookTransactions(ctx context.Context, tenantID, accountID uuid.UUID, upTo time.Time) ([]BookTransaction, error) {
	rows, err := r.pool.Query(ctx, bookTxQuery, tenantID, accountID, upTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBookTxs(rows)
}

const bookTxQuery = `SELECT l.id, e.id, e.posting_date, e.memo, l.debit - l.credit
	 FROM journal_lines l
	 JOIN journal_entries e ON e.id = l.journal_entry_id
	 WHERE e.tenant_id = $1 AND l.account_id = $2 AND e.posting_date <= $3
	 ORDER BY e.posting_date, l.id`

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetSessionForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Session, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recon_sessions WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	return scanSession(row)
}

func (t *txRepo) InsertLines(ctx context.Context, lines []StatementLine) (int, error) {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(
			`INSERT INTO recon_statement_lines
				(id, session_id, tenant_id, line_date, description, amount, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			uuid.New(), line.SessionID, line.TenantID, line.Date, line.Description,
			line.Amount, LineUnmatched)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range lines {
		if _, err := results.Exec(); err != nil {
			return 0, err
		}
	}
	return len(lines), nil
}

func (t *txRepo) GetLineForUpdate(ctx context.Context, tenantID, lineID uuid.UUID) (StatementLine, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, session_id, tenant_id, line_date, description, amount, status,
			matched_journal_line_id, created_at
		 FROM recon_statement_lines WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, lineID)
	line, err := scanLine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatementLine{}, errLineNotFound
	}
	return line, err
}

// ClaimLine flips an unmatched line to matched. The partial unique index on
// matched_journal_line_id rejects a book transaction claimed elsewhere; both
// failure modes report false.
func (t *txRepo) ClaimLine(ctx context.Context, tenantID, lineID, bookTxID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE recon_statement_lines
		 SET status = 'MATCHED', matched_journal_line_id = $3
		 WHERE tenant_id = $1 AND id = $2 AND status = 'UNMATCHED'`,
		tenantID, lineID, bookTxID)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) ReleaseLine(ctx context.Context, tenantID, lineID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE recon_statement_lines
		 SET status = 'UNMATCHED', matched_journal_line_id = NULL
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, lineID)
	return err
}

func (t *txRepo) UnmatchedLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, session_id, tenant_id, line_date, description, amount, status,
			matched_journal_line_id, created_at
		 FROM recon_statement_lines
		 WHERE tenant_id = $1 AND session_id = $2 AND status = 'UNMATCHED'
		 ORDER BY line_date, id`,
		tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func (t *txRepo) UnmatchedBookTransactions(ctx context.Context, tenantID, accountID uuid.UUID, upTo time.Time) ([]BookTransaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT l.id, e.id, e.posting_date, e.memo, l.debit - l.credit
		 FROM journal_lines l
		 JOIN journal_entries e ON e.id = l.journal_entry_id
		 WHERE e.tenant_id = $1 AND l.account_id = $2 AND e.posting_date <= $3
		   AND NOT EXISTS (
			SELECT 1 FROM recon_statement_lines rsl
			WHERE rsl.matched_journal_line_id = l.id)
		 ORDER BY e.posting_date, l.id`,
		tenantID, accountID, upTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBookTxs(rows)
}

func (t *txRepo) BookBalance(ctx context.Context, tenantID, accountID uuid.UUID, asOf time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(l.debit - l.credit), 0)
		 FROM journal_lines l
		 JOIN journal_entries e ON e.id = l.journal_entry_id
		 WHERE e.tenant_id = $1 AND l.account_id = $2 AND e.posting_date <= $3`,
		tenantID, accountID, asOf).Scan(&balance)
	return balance, err
}

func (t *txRepo) IsBookTxClaimed(ctx context.Context, tenantID, bookTxID uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM recon_statement_lines
		 WHERE tenant_id = $1 AND matched_journal_line_id = $2 LIMIT 1`,
		tenantID, bookTxID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *txRepo) CompleteSession(ctx context.Context, tenantID, sessionID uuid.UUID, difference decimal.Decimal, actorID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE recon_sessions
		 SET status = 'COMPLETED', difference = $3, completed_at = $4, completed_by = $5, updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, sessionID, difference, at, actorID)
	return err
}

func (t *txRepo) AbandonSession(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE recon_sessions
		 SET status = 'ABANDONED', completed_at = $3, completed_by = $4, updated_at = NOW()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, sessionID, at, actorID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var completedBy *string
	err := row.Scan(
		&s.ID, &s.TenantID, &s.AccountID, &s.StatementDate, &s.StatementEndingBalance,
		&s.Status, &s.Difference, &s.CompletedAt, &completedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, errSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if completedBy != nil {
		s.CompletedBy = *completedBy
	}
	return s, nil
}

func scanLine(row rowScanner) (StatementLine, error) {
	var l StatementLine
	err := row.Scan(&l.ID, &l.SessionID, &l.TenantID, &l.Date, &l.Description,
		&l.Amount, &l.Status, &l.MatchedTxID, &l.CreatedAt)
	return l, err
}

func collectLines(rows pgx.Rows) ([]StatementLine, error) {
	var lines []StatementLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func collectBookTxs(rows pgx.Rows) ([]BookTransaction, error) {
	var txs []BookTransaction
	for rows.Next() {
		var tx BookTransaction
		if err := rows.Scan(&tx.ID, &tx.EntryID, &tx.PostingDate, &tx.Memo, &tx.Amount); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
