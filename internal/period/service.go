package period

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Service orchestrates the accounting period lifecycle: soft close with a
// checklist snapshot, hard close with locked totals, and audited reopen.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo RepositoryPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreatePeriodInput captures validation rules for new periods.
type CreatePeriodInput struct {
	TenantID uuid.UUID
	Year     int
	Month    time.Month
	ActorID  string
}

// Validate ensures the create period input is coherent.
func (in CreatePeriodInput) Validate() error {
	if in.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if in.Year < 1900 || in.Year > 9999 {
		return fmt.Errorf("%w: year out of range", shared.ErrValidation)
	}
	if in.Month < time.January || in.Month > time.December {
		return fmt.Errorf("%w: month out of range", shared.ErrValidation)
	}
	return nil
}

// CreatePeriod inserts a new open period covering one calendar month.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	start := time.Date(in.Year, in.Month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	var created Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		conflict, err := tx.PeriodRangeConflict(ctx, in.TenantID, start, end)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: period overlaps existing range", shared.ErrValidation)
		}
		created, err = tx.InsertPeriod(ctx, Period{
			TenantID:  in.TenantID,
			Year:      in.Year,
			Month:     in.Month,
			StartDate: start,
			EndDate:   end,
			Status:    StatusOpen,
		})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	return created, nil
}

// GetPeriod returns a single accounting period by identifier.
func (s *Service) GetPeriod(ctx context.Context, tenantID, id uuid.UUID) (Period, error) {
	return s.repo.GetPeriod(ctx, tenantID, id)
}

// ListPeriods returns periods for a tenant, optionally filtered by year.
func (s *Service) ListPeriods(ctx context.Context, tenantID uuid.UUID, year int) ([]Period, error) {
	return s.repo.ListPeriods(ctx, tenantID, year)
}

// SoftClose transitions OPEN -> SOFT_CLOSED and freezes the checklist
// snapshot at the transition instant. Posting stays allowed; the posting
// service only warns.
func (s *Service) SoftClose(ctx context.Context, tenantID, periodID uuid.UUID, actorID string) (Period, error) {
	var snapshot ChecklistSnapshot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, tenantID, periodID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(p.Status, StatusSoftClosed); err != nil {
			return &TransitionError{PeriodID: p.ID, From: p.Status, To: StatusSoftClosed}
		}
		snapshot, err = s.takeChecklist(ctx, tx, tenantID, p)
		if err != nil {
			return err
		}
		return tx.UpdatePeriodStatus(ctx, StatusUpdate{
			PeriodID:  p.ID,
			TenantID:  tenantID,
			Status:    StatusSoftClosed,
			Checklist: &snapshot,
			ActorID:   actorID,
			At:        s.now(),
		})
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, tenantID, actorID, "period.soft_close", periodID, map[string]any{
		"unreconciled_bank_accounts": snapshot.UnreconciledBankAccounts,
		"pending_documents":          snapshot.PendingDocuments,
		"unposted_journals":          snapshot.UnpostedJournals,
	})
	return s.repo.GetPeriod(ctx, tenantID, periodID)
}

// HardClose locks the period: totals are aggregated from posted journal
// entries dated inside the window and stored with the status flip in one
// transaction. Posting into the period is rejected from this point.
func (s *Service) HardClose(ctx context.Context, tenantID, periodID uuid.UUID, actorID string) (Period, error) {
	var totals LockedTotals
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, tenantID, periodID)
		if err != nil {
			return err
		}
		if p.Status == StatusOpen {
			// Hard close implies soft close: the period walks through
			// SOFT_CLOSED inside this transaction so the checklist snapshot
			// is captured for every closed period.
			snapshot, err := s.takeChecklist(ctx, tx, tenantID, p)
			if err != nil {
				return err
			}
			if err := tx.UpdatePeriodStatus(ctx, StatusUpdate{
				PeriodID:  p.ID,
				TenantID:  tenantID,
				Status:    StatusSoftClosed,
				Checklist: &snapshot,
				ActorID:   actorID,
				At:        s.now(),
			}); err != nil {
				return err
			}
			p.Status = StatusSoftClosed
		}
		if err := ValidateTransition(p.Status, StatusHardClosed); err != nil {
			return &TransitionError{PeriodID: p.ID, From: p.Status, To: StatusHardClosed}
		}
		revenue, expenses, err := tx.AggregatePostedTotals(ctx, tenantID, p.StartDate, p.EndDate)
		if err != nil {
			return err
		}
		totals = LockedTotals{
			Revenue:    revenue,
			Expenses:   expenses,
			NetIncome:  revenue.Sub(expenses),
			ComputedAt: s.now(),
		}
		return tx.UpdatePeriodStatus(ctx, StatusUpdate{
			PeriodID: p.ID,
			TenantID: tenantID,
			Status:   StatusHardClosed,
			Totals:   &totals,
			ActorID:  actorID,
			At:       s.now(),
		})
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, tenantID, actorID, "period.hard_close", periodID, map[string]any{
		"revenue":    totals.Revenue.String(),
		"expenses":   totals.Expenses.String(),
		"net_income": totals.NetIncome.String(),
	})
	return s.repo.GetPeriod(ctx, tenantID, periodID)
}

// Reopen reverts a closed period to OPEN. The reason is mandatory, length
// checked, and written to the audit trail; locked totals are cleared and
// recomputed on the next hard close.
func (s *Service) Reopen(ctx context.Context, tenantID, periodID uuid.UUID, actorID, reason string) (Period, error) {
	if err := ValidateReopenReason(reason); err != nil {
		return Period{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, tenantID, periodID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(p.Status, StatusOpen); err != nil {
			return &TransitionError{PeriodID: p.ID, From: p.Status, To: StatusOpen}
		}
		return tx.UpdatePeriodStatus(ctx, StatusUpdate{
			PeriodID: p.ID,
			TenantID: tenantID,
			Status:   StatusOpen,
			ActorID:  actorID,
			At:       s.now(),
		})
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, tenantID, actorID, "period.reopen", periodID, map[string]any{
		"reason": reason,
	})
	return s.repo.GetPeriod(ctx, tenantID, periodID)
}

// takeChecklist counts the period's outstanding items at this instant, inside
// the caller's transaction.
func (s *Service) takeChecklist(ctx context.Context, tx TxRepository, tenantID uuid.UUID, p Period) (ChecklistSnapshot, error) {
	unreconciled, err := tx.CountUnreconciledBankAccounts(ctx, tenantID, p.StartDate, p.EndDate)
	if err != nil {
		return ChecklistSnapshot{}, err
	}
	pending, err := tx.CountPendingDocuments(ctx, tenantID, p.StartDate, p.EndDate)
	if err != nil {
		return ChecklistSnapshot{}, err
	}
	unposted, err := tx.CountUnpostedJournals(ctx, tenantID, p.StartDate, p.EndDate)
	if err != nil {
		return ChecklistSnapshot{}, err
	}
	return ChecklistSnapshot{
		UnreconciledBankAccounts: unreconciled,
		PendingDocuments:         pending,
		UnpostedJournals:         unposted,
		TakenAt:                  s.now(),
	}, nil
}

func (s *Service) record(ctx context.Context, tenantID uuid.UUID, actorID, action string, periodID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "accounting_period",
		EntityID: periodID.String(),
		Meta:     meta,
		At:       s.now(),
	})
}

var errPeriodNotFound = fmt.Errorf("period: %w", shared.ErrNotFound)
