package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StaleSessionJob reports reconciliation sessions still IN_PROGRESS well past
// their statement date. Abandoning is left to the operator; the job only
// surfaces them.
type StaleSessionJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	clock  func() time.Time
}

// NewStaleSessionJob initialises the stale session sweep handler.
func NewStaleSessionJob(pool *pgxpool.Pool, logger *slog.Logger) *StaleSessionJob {
	return &StaleSessionJob{
		Pool:   pool,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *StaleSessionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("stale session sweep: handler not configured")
	}
	var payload StaleSessionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxAgeDays <= 0 {
		payload.MaxAgeDays = 14
	}
	if j.Pool == nil {
		return errors.New("stale session sweep: pool not configured")
	}

	cutoff := j.now().AddDate(0, 0, -payload.MaxAgeDays)
	logger := j.logger().With(slog.Int("max_age_days", payload.MaxAgeDays))

	rows, err := j.Pool.Query(ctx, `
		SELECT id, tenant_id, account_id, statement_date
		FROM recon_sessions
		WHERE status = 'IN_PROGRESS' AND statement_date < $1
		ORDER BY statement_date`, cutoff)
	if err != nil {
		logger.Error("sweep failed", slog.Any("error", err))
		return err
	}
	defer rows.Close()

	stale := 0
	for rows.Next() {
		var id, tenantID, accountID string
		var statementDate time.Time
		if err := rows.Scan(&id, &tenantID, &accountID, &statementDate); err != nil {
			return err
		}
		stale++
		logger.Warn("reconciliation session stale",
			slog.String("session_id", id),
			slog.String("tenant_id", tenantID),
			slog.String("account_id", accountID),
			slog.String("statement_date", statementDate.Format(time.DateOnly)),
		)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	logger.Info("completed stale session sweep", slog.Int("stale", stale))
	return nil
}

func (j *StaleSessionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeStaleSessionSweep))
	}
	return slog.Default().With(slog.String("job", TaskTypeStaleSessionSweep))
}

func (j *StaleSessionJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
