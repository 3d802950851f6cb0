package period

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

type stubRepo struct {
	periods map[uuid.UUID]Period

	unreconciled int
	pending      int
	unposted     int
	revenue      decimal.Decimal
	expenses     decimal.Decimal
}

func newStubRepo() *stubRepo {
	return &stubRepo{periods: make(map[uuid.UUID]Period)}
}

func (s *stubRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, s)
}

func (s *stubRepo) GetPeriod(_ context.Context, _, id uuid.UUID) (Period, error) {
	p, ok := s.periods[id]
	if !ok {
		return Period{}, errPeriodNotFound
	}
	return p, nil
}

func (s *stubRepo) ListPeriods(_ context.Context, _ uuid.UUID, year int) ([]Period, error) {
	var out []Period
	for _, p := range s.periods {
		if year == 0 || p.Year == year {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubRepo) GetPeriodForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Period, error) {
	return s.GetPeriod(ctx, tenantID, id)
}

func (s *stubRepo) PeriodRangeConflict(_ context.Context, _ uuid.UUID, start, end time.Time) (bool, error) {
	for _, p := range s.periods {
		if !start.After(p.EndDate) && !end.Before(p.StartDate) {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) InsertPeriod(_ context.Context, p Period) (Period, error) {
	p.ID = uuid.New()
	s.periods[p.ID] = p
	return p, nil
}

func (s *stubRepo) UpdatePeriodStatus(_ context.Context, update StatusUpdate) error {
	p := s.periods[update.PeriodID]
	p.Status = update.Status
	switch update.Status {
	case StatusSoftClosed:
		p.Checklist = update.Checklist
		p.SoftClosedAt = &update.At
		p.SoftClosedBy = update.ActorID
	case StatusHardClosed:
		p.Totals = update.Totals
		p.HardClosedAt = &update.At
		p.HardClosedBy = update.ActorID
	case StatusOpen:
		p.Totals = nil
		p.ReopenedAt = &update.At
		p.ReopenedBy = update.ActorID
	}
	s.periods[update.PeriodID] = p
	return nil
}

func (s *stubRepo) CountUnreconciledBankAccounts(_ context.Context, _ uuid.UUID, _, _ time.Time) (int, error) {
	return s.unreconciled, nil
}

func (s *stubRepo) CountPendingDocuments(_ context.Context, _ uuid.UUID, _, _ time.Time) (int, error) {
	return s.pending, nil
}

func (s *stubRepo) CountUnpostedJournals(_ context.Context, _ uuid.UUID, _, _ time.Time) (int, error) {
	return s.unposted, nil
}

func (s *stubRepo) AggregatePostedTotals(_ context.Context, _ uuid.UUID, _, _ time.Time) (decimal.Decimal, decimal.Decimal, error) {
	return s.revenue, s.expenses, nil
}

var testTenant = uuid.MustParse("44444444-4444-4444-4444-444444444444")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreatePeriodCoversCalendarMonth(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, nil)

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.February, ActorID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, created.Status)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), created.StartDate)
	require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), created.EndDate)

	// Overlapping month is rejected.
	_, err = svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.February, ActorID: "alice",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSoftCloseFreezesChecklist(t *testing.T) {
	repo := newStubRepo()
	repo.unreconciled = 1
	repo.pending = 3
	repo.unposted = 2
	svc := NewService(repo, nil)
	frozen := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return frozen })

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.January, ActorID: "alice",
	})
	require.NoError(t, err)

	closed, err := svc.SoftClose(context.Background(), testTenant, created.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusSoftClosed, closed.Status)
	require.NotNil(t, closed.Checklist)
	require.Equal(t, 1, closed.Checklist.UnreconciledBankAccounts)
	require.Equal(t, 3, closed.Checklist.PendingDocuments)
	require.Equal(t, 2, closed.Checklist.UnpostedJournals)
	require.Equal(t, frozen, closed.Checklist.TakenAt)

	// Snapshot stays frozen even as the live counts move on.
	repo.unposted = 0
	again, err := svc.GetPeriod(context.Background(), testTenant, created.ID)
	require.NoError(t, err)
	require.Equal(t, 2, again.Checklist.UnpostedJournals)
}

func TestHardCloseLocksTotals(t *testing.T) {
	repo := newStubRepo()
	repo.revenue = dec("5000.00")
	repo.expenses = dec("3200.00")
	svc := NewService(repo, nil)

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.January, ActorID: "alice",
	})
	require.NoError(t, err)

	_, err = svc.SoftClose(context.Background(), testTenant, created.ID, "alice")
	require.NoError(t, err)

	closed, err := svc.HardClose(context.Background(), testTenant, created.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusHardClosed, closed.Status)
	require.NotNil(t, closed.Totals)
	require.True(t, closed.Totals.Revenue.Equal(dec("5000.00")))
	require.True(t, closed.Totals.Expenses.Equal(dec("3200.00")))
	require.True(t, closed.Totals.NetIncome.Equal(dec("1800.00")))
}

func TestHardCloseFromOpenWalksThroughSoftClose(t *testing.T) {
	repo := newStubRepo()
	repo.unposted = 2
	repo.pending = 1
	svc := NewService(repo, nil)

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.March, ActorID: "alice",
	})
	require.NoError(t, err)

	closed, err := svc.HardClose(context.Background(), testTenant, created.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusHardClosed, closed.Status)

	// The direct hard close still captures the soft-close checklist snapshot.
	require.NotNil(t, closed.Checklist)
	require.Equal(t, 2, closed.Checklist.UnpostedJournals)
	require.Equal(t, 1, closed.Checklist.PendingDocuments)
	require.NotNil(t, closed.SoftClosedAt)
	require.Equal(t, "alice", closed.SoftClosedBy)
}

func TestReopenRequiresReason(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, nil)

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.January, ActorID: "alice",
	})
	require.NoError(t, err)
	_, err = svc.HardClose(context.Background(), testTenant, created.ID, "alice")
	require.NoError(t, err)

	_, err = svc.Reopen(context.Background(), testTenant, created.ID, "alice", "  short  ")
	require.ErrorIs(t, err, shared.ErrReopenReasonRequired)

	reopened, err := svc.Reopen(context.Background(), testTenant, created.ID, "alice", "late vendor invoice for January")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, reopened.Status)
	require.Nil(t, reopened.Totals)
	require.Equal(t, "alice", reopened.ReopenedBy)
}

func TestReopenRejectedWhileOpen(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, nil)

	created, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		TenantID: testTenant, Year: 2024, Month: time.January, ActorID: "alice",
	})
	require.NoError(t, err)

	_, err = svc.Reopen(context.Background(), testTenant, created.ID, "alice", "nothing to reopen here yet")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, StatusOpen, transition.From)
}

func TestValidateTransitionMatrix(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusSoftClosed, true},
		{StatusOpen, StatusHardClosed, false},
		{StatusOpen, StatusOpen, false},
		{StatusSoftClosed, StatusHardClosed, true},
		{StatusSoftClosed, StatusOpen, true},
		{StatusSoftClosed, StatusSoftClosed, false},
		{StatusHardClosed, StatusOpen, true},
		{StatusHardClosed, StatusSoftClosed, false},
		{StatusHardClosed, StatusHardClosed, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.ErrorIs(t, err, shared.ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}
