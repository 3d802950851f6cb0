package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// IntegrityScanJob re-verifies the double-entry invariant over persisted
// journal entries. Posting rejects imbalanced entries up front, so any hit
// here means storage corruption or an out-of-band write and is worth waking
// someone up for.
type IntegrityScanJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	clock  func() time.Time
}

// NewIntegrityScanJob initialises the integrity scan handler.
func NewIntegrityScanJob(pool *pgxpool.Pool, logger *slog.Logger) *IntegrityScanJob {
	return &IntegrityScanJob{
		Pool:   pool,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type entryDrift struct {
	EntryID  string
	TenantID string
	Number   int64
	Drift    decimal.Decimal
}

// Handle executes one integrity pass.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	logger := j.logger().With(slog.Int("lookback_days", payload.LookbackDays))
	logger.Info("starting ledger integrity scan")

	drifts, scanned, err := j.scan(ctx, payload, start)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	for _, d := range drifts {
		logger.Warn("journal entry out of balance",
			slog.String("entry_id", d.EntryID),
			slog.String("tenant_id", d.TenantID),
			slog.Int64("entry_number", d.Number),
			slog.String("drift", d.Drift.String()),
		)
	}

	logger.Info("completed ledger integrity scan",
		slog.Int("entries", scanned),
		slog.Int("drifts", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *IntegrityScanJob) scan(ctx context.Context, payload IntegrityScanPayload, now time.Time) ([]entryDrift, int, error) {
	if j.Pool == nil {
		return nil, 0, errors.New("integrity scan: pool not configured")
	}
	query := `
		SELECT e.id, e.tenant_id, e.number, SUM(l.debit - l.credit) AS drift, COUNT(*) OVER () AS total
		FROM journal_entries e
		JOIN journal_lines l ON l.journal_entry_id = e.id
		WHERE ($1::date IS NULL OR e.posting_date >= $1)
		GROUP BY e.id, e.tenant_id, e.number
		ORDER BY e.number`

	var from *time.Time
	if payload.LookbackDays > 0 {
		cutoff := now.AddDate(0, 0, -payload.LookbackDays)
		from = &cutoff
	}
	rows, err := j.Pool.Query(ctx, query, from)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var drifts []entryDrift
	scanned := 0
	for rows.Next() {
		var d entryDrift
		var total int
		if err := rows.Scan(&d.EntryID, &d.TenantID, &d.Number, &d.Drift, &total); err != nil {
			return nil, 0, err
		}
		scanned = total
		if !shared.NearZero(d.Drift) {
			drifts = append(drifts, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return drifts, scanned, nil
}

func (j *IntegrityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskTypeLedgerIntegrity))
}

func (j *IntegrityScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
