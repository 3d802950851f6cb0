package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

type stubRepo struct {
	sessions map[uuid.UUID]Session
	lines    map[uuid.UUID]StatementLine
	bookTxs  []BookTransaction
	balance  decimal.Decimal
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		sessions: make(map[uuid.UUID]Session),
		lines:    make(map[uuid.UUID]StatementLine),
	}
}

func (s *stubRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, s)
}

func (s *stubRepo) CreateSession(_ context.Context, session Session) (Session, error) {
	session.ID = uuid.New()
	session.Status = SessionInProgress
	s.sessions[session.ID] = session
	return session, nil
}

func (s *stubRepo) GetSession(_ context.Context, _, id uuid.UUID) (Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, errSessionNotFound
	}
	return session, nil
}

func (s *stubRepo) ListSessions(_ context.Context, _, _ uuid.UUID) ([]Session, error) {
	var out []Session
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *stubRepo) ListLines(_ context.Context, _, sessionID uuid.UUID) ([]StatementLine, error) {
	var out []StatementLine
	for _, l := range s.lines {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubRepo) BookTransactions(_ context.Context, _, _ uuid.UUID, _ time.Time) ([]BookTransaction, error) {
	return s.bookTxs, nil
}

func (s *stubRepo) GetSessionForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Session, error) {
	return s.GetSession(ctx, tenantID, id)
}

func (s *stubRepo) InsertLines(_ context.Context, lines []StatementLine) (int, error) {
	for _, l := range lines {
		l.ID = uuid.New()
		s.lines[l.ID] = l
	}
	return len(lines), nil
}

func (s *stubRepo) GetLineForUpdate(_ context.Context, _, lineID uuid.UUID) (StatementLine, error) {
	l, ok := s.lines[lineID]
	if !ok {
		return StatementLine{}, errLineNotFound
	}
	return l, nil
}

func (s *stubRepo) ClaimLine(_ context.Context, _, lineID, bookTxID uuid.UUID) (bool, error) {
	l, ok := s.lines[lineID]
	if !ok || l.Status != LineUnmatched {
		return false, nil
	}
	for _, other := range s.lines {
		if other.MatchedTxID != nil && *other.MatchedTxID == bookTxID {
			return false, nil
		}
	}
	l.Status = LineMatched
	l.MatchedTxID = &bookTxID
	s.lines[lineID] = l
	return true, nil
}

func (s *stubRepo) ReleaseLine(_ context.Context, _, lineID uuid.UUID) error {
	l := s.lines[lineID]
	l.Status = LineUnmatched
	l.MatchedTxID = nil
	s.lines[lineID] = l
	return nil
}

func (s *stubRepo) UnmatchedLines(_ context.Context, _, sessionID uuid.UUID) ([]StatementLine, error) {
	var out []StatementLine
	for _, l := range s.lines {
		if l.SessionID == sessionID && l.Status == LineUnmatched {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubRepo) UnmatchedBookTransactions(_ context.Context, _, _ uuid.UUID, _ time.Time) ([]BookTransaction, error) {
	var out []BookTransaction
	for _, tx := range s.bookTxs {
		claimed := false
		for _, l := range s.lines {
			if l.MatchedTxID != nil && *l.MatchedTxID == tx.ID {
				claimed = true
				break
			}
		}
		if !claimed {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *stubRepo) BookBalance(_ context.Context, _, _ uuid.UUID, _ time.Time) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *stubRepo) IsBookTxClaimed(_ context.Context, _, bookTxID uuid.UUID) (bool, error) {
	for _, l := range s.lines {
		if l.MatchedTxID != nil && *l.MatchedTxID == bookTxID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) CompleteSession(_ context.Context, _, sessionID uuid.UUID, difference decimal.Decimal, actorID string, at time.Time) error {
	session := s.sessions[sessionID]
	session.Status = SessionCompleted
	session.Difference = &difference
	session.CompletedAt = &at
	session.CompletedBy = actorID
	s.sessions[sessionID] = session
	return nil
}

func (s *stubRepo) AbandonSession(_ context.Context, _, sessionID uuid.UUID, actorID string, at time.Time) error {
	session := s.sessions[sessionID]
	session.Status = SessionAbandoned
	session.CompletedAt = &at
	session.CompletedBy = actorID
	s.sessions[sessionID] = session
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testTenant = uuid.MustParse("33333333-3333-3333-3333-333333333333")

func seedSession(repo *stubRepo, ending string) Session {
	session := Session{
		ID:                     uuid.New(),
		TenantID:               testTenant,
		AccountID:              uuid.New(),
		StatementDate:          time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		StatementEndingBalance: dec(ending),
		Status:                 SessionInProgress,
	}
	repo.sessions[session.ID] = session
	return session
}

func seedLine(repo *stubRepo, sessionID uuid.UUID, date time.Time, amount string) StatementLine {
	l := StatementLine{
		ID:        uuid.New(),
		SessionID: sessionID,
		TenantID:  testTenant,
		Date:      date,
		Amount:    dec(amount),
		Status:    LineUnmatched,
	}
	repo.lines[l.ID] = l
	return l
}

func TestImportLinesParsesCSV(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "1000.00")
	svc := NewService(repo, nil, nil)

	csvText := "Date,Description,Amount\n2024-01-15,DEPOSIT ACME,500.00\n2024-01-16,CARD PAYMENT,-125.50\n"
	imported, err := svc.ImportLines(context.Background(), testTenant, session.ID, csvText, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, imported)

	lines, err := svc.ListLines(context.Background(), testTenant, session.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	// Re-import is additive, not deduplicated.
	imported, err = svc.ImportLines(context.Background(), testTenant, session.ID, csvText, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, imported)
	lines, err = svc.ListLines(context.Background(), testTenant, session.ID)
	require.NoError(t, err)
	require.Len(t, lines, 4)
}

func TestImportLinesRejectsBadInput(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "0")
	svc := NewService(repo, nil, nil)

	_, err := svc.ImportLines(context.Background(), testTenant, session.ID,
		"Foo,Bar,Baz\n2024-01-15,x,1.00\n", "alice")
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.ImportLines(context.Background(), testTenant, session.ID,
		"Date,Description,Amount\n15/01/2024,x,1.00\n", "alice")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMatchRejectsDoubleClaim(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "0")
	first := seedLine(repo, session.ID, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), "-50.00")
	second := seedLine(repo, session.ID, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC), "-50.00")
	bookTx := uuid.New()

	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.Match(ctx, testTenant, session.ID, first.ID, bookTx, "alice"))

	// Same line again.
	err := svc.Match(ctx, testTenant, session.ID, first.ID, uuid.New(), "alice")
	require.ErrorIs(t, err, shared.ErrAlreadyMatched)

	// Same book transaction from another line.
	err = svc.Match(ctx, testTenant, session.ID, second.ID, bookTx, "alice")
	require.ErrorIs(t, err, shared.ErrAlreadyMatched)

	// Unmatch releases both sides for reuse.
	require.NoError(t, svc.Unmatch(ctx, testTenant, session.ID, first.ID, "alice"))
	require.NoError(t, svc.Match(ctx, testTenant, session.ID, second.ID, bookTx, "alice"))
}

func TestAutoMatchPairsWithinWindow(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "0")
	day := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	// Statement withdrawal of 125.50 against a book credit of 125.50 on the
	// same date (signed amount -125.50).
	withdrawal := seedLine(repo, session.ID, day, "-125.50")
	noCounterpart := seedLine(repo, session.ID, day, "-999.99")

	exact := BookTransaction{ID: uuid.New(), EntryID: uuid.New(), PostingDate: day, Amount: dec("-125.50")}
	nearby := BookTransaction{ID: uuid.New(), EntryID: uuid.New(), PostingDate: day.AddDate(0, 0, 2), Amount: dec("-125.50")}
	repo.bookTxs = []BookTransaction{nearby, exact}

	svc := NewService(repo, nil, nil)
	result, err := svc.AutoMatch(context.Background(), testTenant, session.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 1, result.Remaining)

	// Exact-date candidate wins over the nearby one.
	matched := repo.lines[withdrawal.ID]
	require.Equal(t, LineMatched, matched.Status)
	require.Equal(t, exact.ID, *matched.MatchedTxID)
	require.Equal(t, LineUnmatched, repo.lines[noCounterpart.ID].Status)

	// A second pass finds nothing new: the matched pair left the pool.
	result, err = svc.AutoMatch(context.Background(), testTenant, session.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, result.Matched)
}

func TestAutoMatchRespectsDateWindow(t *testing.T) {
	day := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	line := StatementLine{ID: uuid.New(), Date: day, Amount: dec("-40.00"), Status: LineUnmatched}
	farAway := BookTransaction{ID: uuid.New(), PostingDate: day.AddDate(0, 0, -10), Amount: dec("-40.00")}

	pairings := GreedyMatch([]StatementLine{line}, []BookTransaction{farAway})
	require.Empty(t, pairings)
}

func TestCompleteEnforcesBalance(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "1000.00")
	repo.balance = dec("980.00")

	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Complete(ctx, testTenant, session.ID, false, "alice")
	require.ErrorIs(t, err, shared.ErrReconciliationNotBalanced)

	var notBalanced *NotBalancedError
	require.ErrorAs(t, err, &notBalanced)
	require.True(t, notBalanced.Difference.Equal(dec("20.00")))
	require.Equal(t, SessionInProgress, repo.sessions[session.ID].Status)

	completed, err := svc.Complete(ctx, testTenant, session.ID, true, "alice")
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, completed.Status)
	require.True(t, completed.Difference.Equal(dec("20.00")))
}

func TestTerminalSessionRejectsMutation(t *testing.T) {
	repo := newStubRepo()
	session := seedSession(repo, "100.00")
	repo.balance = dec("100.00")
	line := seedLine(repo, session.ID, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "10.00")

	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Complete(ctx, testTenant, session.ID, false, "alice")
	require.NoError(t, err)

	err = svc.Match(ctx, testTenant, session.ID, line.ID, uuid.New(), "alice")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.ImportLines(ctx, testTenant, session.ID, "Date,Description,Amount\n2024-01-06,x,1.00\n", "alice")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.AutoMatch(ctx, testTenant, session.ID, "alice")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.Complete(ctx, testTenant, session.ID, true, "alice")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestSessionLockSerialisesMatching(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo()
	session := seedSession(repo, "0")
	line := seedLine(repo, session.ID, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), "-50.00")

	locks := shared.NewSessionLock(client, time.Minute)
	svc := NewService(repo, locks, nil)
	ctx := context.Background()

	// Another holder owns the session lease.
	require.NoError(t, client.SetNX(ctx, shared.ReconcileLockKey(session.ID), "other", time.Minute).Err())
	err := svc.Match(ctx, testTenant, session.ID, line.ID, uuid.New(), "alice")
	require.ErrorIs(t, err, shared.ErrLockHeld)

	// Lease released: matching proceeds.
	require.NoError(t, client.Del(ctx, shared.ReconcileLockKey(session.ID)).Err())
	require.NoError(t, svc.Match(ctx, testTenant, session.ID, line.ID, uuid.New(), "alice"))
}
