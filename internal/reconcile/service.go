package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Service implements the bank reconciliation matcher. All matching mutations
// on a session are serialised through a redis lease so AutoMatch and manual
// Match cannot interleave; the storage layer's unique claim backstops the
// lease for at-most-one match per side.
type Service struct {
	repo  RepositoryPort
	locks *shared.SessionLock
	audit shared.AuditPort
	now   func() time.Time
}

// NewService constructs a Service instance. The lock may be nil in tests.
func NewService(repo RepositoryPort, locks *shared.SessionLock, audit shared.AuditPort) *Service {
	return &Service{repo: repo, locks: locks, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateSessionInput captures a new reconciliation session.
type CreateSessionInput struct {
	TenantID               uuid.UUID
	AccountID              uuid.UUID
	StatementDate          time.Time
	StatementEndingBalance decimal.Decimal
	ActorID                string
}

// CreateSession opens a session for one account and statement date.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	if in.TenantID == uuid.Nil || in.AccountID == uuid.Nil {
		return Session{}, fmt.Errorf("%w: tenant and account required", shared.ErrValidation)
	}
	if in.StatementDate.IsZero() {
		return Session{}, fmt.Errorf("%w: statement date required", shared.ErrValidation)
	}
	created, err := s.repo.CreateSession(ctx, Session{
		TenantID:               in.TenantID,
		AccountID:              in.AccountID,
		StatementDate:          in.StatementDate,
		StatementEndingBalance: in.StatementEndingBalance,
		Status:                 SessionInProgress,
	})
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "reconcile.session_create", created.ID, map[string]any{
		"account_id":     in.AccountID.String(),
		"statement_date": in.StatementDate.Format(time.DateOnly),
	})
	return created, nil
}

// GetSession returns a session by identifier.
func (s *Service) GetSession(ctx context.Context, tenantID, id uuid.UUID) (Session, error) {
	return s.repo.GetSession(ctx, tenantID, id)
}

// ListSessions returns sessions, optionally narrowed to one account.
func (s *Service) ListSessions(ctx context.Context, tenantID, accountID uuid.UUID) ([]Session, error) {
	return s.repo.ListSessions(ctx, tenantID, accountID)
}

// ListLines returns the statement lines of a session.
func (s *Service) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error) {
	return s.repo.ListLines(ctx, tenantID, sessionID)
}

// BookTransactions lists candidate book-side movements for a session's
// account up to the statement date plus the match window.
func (s *Service) BookTransactions(ctx context.Context, tenantID, sessionID uuid.UUID) ([]BookTransaction, error) {
	session, err := s.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.repo.BookTransactions(ctx, tenantID, session.AccountID,
		session.StatementDate.AddDate(0, 0, MatchWindowDays))
}

// ImportLines parses statement CSV and appends the rows as unmatched lines.
// Repeated imports are additive.
func (s *Service) ImportLines(ctx context.Context, tenantID, sessionID uuid.UUID, csvText, actorID string) (int, error) {
	parsed, err := ParseStatementCSV(csvText)
	if err != nil {
		return 0, err
	}
	var imported int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		lines := make([]StatementLine, 0, len(parsed))
		for _, p := range parsed {
			lines = append(lines, StatementLine{
				SessionID:   sessionID,
				TenantID:    tenantID,
				Date:        p.Date,
				Description: p.Description,
				Amount:      p.Amount,
				Status:      LineUnmatched,
			})
		}
		imported, err = tx.InsertLines(ctx, lines)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, tenantID, actorID, "reconcile.import", sessionID, map[string]any{
		"imported": imported,
	})
	return imported, nil
}

// Match pairs one statement line with one book transaction. Both sides must
// currently be unmatched.
func (s *Service) Match(ctx context.Context, tenantID, sessionID, lineID, bookTxID uuid.UUID, actorID string) error {
	release, err := s.locks.Acquire(ctx, shared.ReconcileLockKey(sessionID))
	if err != nil {
		return err
	}
	defer release()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		line, err := tx.GetLineForUpdate(ctx, tenantID, lineID)
		if err != nil {
			return err
		}
		if line.SessionID != sessionID {
			return fmt.Errorf("%w: line belongs to another session", shared.ErrValidation)
		}
		if line.Status == LineMatched {
			return &AlreadyMatchedError{SessionID: sessionID, LineID: lineID, BookTxID: bookTxID}
		}
		claimed, err := tx.IsBookTxClaimed(ctx, tenantID, bookTxID)
		if err != nil {
			return err
		}
		if claimed {
			return &AlreadyMatchedError{SessionID: sessionID, LineID: lineID, BookTxID: bookTxID}
		}
		ok, err := tx.ClaimLine(ctx, tenantID, lineID, bookTxID)
		if err != nil {
			return err
		}
		if !ok {
			return &AlreadyMatchedError{SessionID: sessionID, LineID: lineID, BookTxID: bookTxID}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "reconcile.match", sessionID, map[string]any{
		"line_id":    lineID.String(),
		"book_tx_id": bookTxID.String(),
	})
	return nil
}

// Unmatch releases a matched statement line and its book transaction.
func (s *Service) Unmatch(ctx context.Context, tenantID, sessionID, lineID uuid.UUID, actorID string) error {
	release, err := s.locks.Acquire(ctx, shared.ReconcileLockKey(sessionID))
	if err != nil {
		return err
	}
	defer release()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		line, err := tx.GetLineForUpdate(ctx, tenantID, lineID)
		if err != nil {
			return err
		}
		if line.SessionID != sessionID {
			return fmt.Errorf("%w: line belongs to another session", shared.ErrValidation)
		}
		if line.Status != LineMatched {
			return fmt.Errorf("%w: line is not matched", shared.ErrValidation)
		}
		return tx.ReleaseLine(ctx, tenantID, lineID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "reconcile.unmatch", sessionID, map[string]any{
		"line_id": lineID.String(),
	})
	return nil
}

// AutoMatchResult reports one auto-match pass.
type AutoMatchResult struct {
	Matched   int
	Remaining int
}

// AutoMatch runs one greedy pass over the session's unmatched lines and
// persists all pairings in a single transaction.
func (s *Service) AutoMatch(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string) (AutoMatchResult, error) {
	release, err := s.locks.Acquire(ctx, shared.ReconcileLockKey(sessionID))
	if err != nil {
		return AutoMatchResult{}, err
	}
	defer release()

	var result AutoMatchResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		lines, err := tx.UnmatchedLines(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		txs, err := tx.UnmatchedBookTransactions(ctx, tenantID, session.AccountID,
			session.StatementDate.AddDate(0, 0, MatchWindowDays))
		if err != nil {
			return err
		}
		pairings := GreedyMatch(lines, txs)
		for _, pairing := range pairings {
			ok, err := tx.ClaimLine(ctx, tenantID, pairing.LineID, pairing.BookTxID)
			if err != nil {
				return err
			}
			if !ok {
				return &AlreadyMatchedError{SessionID: sessionID, LineID: pairing.LineID, BookTxID: pairing.BookTxID}
			}
		}
		result = AutoMatchResult{
			Matched:   len(pairings),
			Remaining: len(lines) - len(pairings),
		}
		return nil
	})
	if err != nil {
		return AutoMatchResult{}, err
	}
	s.record(ctx, tenantID, actorID, "reconcile.auto_match", sessionID, map[string]any{
		"matched":   result.Matched,
		"remaining": result.Remaining,
	})
	return result, nil
}

// Complete closes the session. The difference between the statement ending
// balance and the book balance must be within tolerance unless forced; either
// way the difference is persisted with the terminal status.
func (s *Service) Complete(ctx context.Context, tenantID, sessionID uuid.UUID, force bool, actorID string) (Session, error) {
	release, err := s.locks.Acquire(ctx, shared.ReconcileLockKey(sessionID))
	if err != nil {
		return Session{}, err
	}
	defer release()

	var difference decimal.Decimal
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		book, err := tx.BookBalance(ctx, tenantID, session.AccountID, session.StatementDate)
		if err != nil {
			return err
		}
		difference = session.StatementEndingBalance.Sub(book)
		if !force && !shared.NearZero(difference) {
			return &NotBalancedError{SessionID: session.ID, Difference: difference}
		}
		return tx.CompleteSession(ctx, tenantID, sessionID, difference, actorID, s.now())
	})
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, tenantID, actorID, "reconcile.complete", sessionID, map[string]any{
		"difference": difference.String(),
		"forced":     force,
	})
	return s.repo.GetSession(ctx, tenantID, sessionID)
}

// Abandon marks the session terminal without reconciling.
func (s *Service) Abandon(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string) (Session, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return &TerminalSessionError{SessionID: session.ID, Status: session.Status}
		}
		return tx.AbandonSession(ctx, tenantID, sessionID, actorID, s.now())
	})
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, tenantID, actorID, "reconcile.abandon", sessionID, nil)
	return s.repo.GetSession(ctx, tenantID, sessionID)
}

func (s *Service) record(ctx context.Context, tenantID uuid.UUID, actorID, action string, sessionID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "recon_session",
		EntityID: sessionID.String(),
		Meta:     meta,
		At:       s.now(),
	})
}

var errSessionNotFound = fmt.Errorf("reconcile: session %w", shared.ErrNotFound)

var errLineNotFound = fmt.Errorf("reconcile: statement line %w", shared.ErrNotFound)
