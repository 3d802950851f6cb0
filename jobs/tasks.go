package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeLedgerIntegrity scans posted journal entries for balance drift.
	TaskTypeLedgerIntegrity = "ledger:integrity"
	// TaskTypeStaleSessionSweep reports reconciliation sessions left in
	// progress past their statement date.
	TaskTypeStaleSessionSweep = "reconcile:stale_sessions"
)

// IntegrityScanPayload tunes one ledger integrity pass.
type IntegrityScanPayload struct {
	// LookbackDays bounds the scan to entries posted recently; zero means
	// the full ledger.
	LookbackDays int `json:"lookbackDays"`
}

// NewIntegrityScanTask constructs an Asynq task for the integrity scan.
func NewIntegrityScanTask(payload IntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLedgerIntegrity, data), nil
}

// StaleSessionPayload tunes the stale reconciliation sweep.
type StaleSessionPayload struct {
	// MaxAgeDays is how long a session may stay IN_PROGRESS past its
	// statement date before it is reported.
	MaxAgeDays int `json:"maxAgeDays"`
}

// NewStaleSessionTask constructs an Asynq task for the stale session sweep.
func NewStaleSessionTask(payload StaleSessionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeStaleSessionSweep, data), nil
}
