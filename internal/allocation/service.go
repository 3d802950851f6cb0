package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

// Service implements the AR/AP allocation engine: payments settle document
// balances through explicit allocations, never by mutation of the documents.
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

// CreatePaymentInput captures a new draft payment.
type CreatePaymentInput struct {
	TenantID      uuid.UUID
	Direction     Direction
	PartyID       uuid.UUID
	Amount        decimal.Decimal
	PaidAt        time.Time
	Reference     string
	BankAccountID *uuid.UUID
}

// Validate checks structural coherence of the draft payment.
func (in CreatePaymentInput) Validate() error {
	if in.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if in.Direction != DirectionIncoming && in.Direction != DirectionOutgoing {
		return fmt.Errorf("%w: unknown direction %q", shared.ErrValidation, in.Direction)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	}
	if in.PaidAt.IsZero() {
		return fmt.Errorf("%w: payment date required", shared.ErrValidation)
	}
	return nil
}

// CreatePayment stores a new draft payment.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (Payment, error) {
	if err := in.Validate(); err != nil {
		return Payment{}, err
	}
	return s.repo.CreatePayment(ctx, Payment{
		TenantID:      in.TenantID,
		Direction:     in.Direction,
		PartyID:       in.PartyID,
		Amount:        in.Amount,
		PaidAt:        in.PaidAt,
		Reference:     in.Reference,
		Status:        PaymentDraft,
		BankAccountID: in.BankAccountID,
	})
}

// PostPayment flips a draft payment to POSTED and writes its settlement
// journal entry in the same transaction: incoming money debits the bank
// account and credits AR, outgoing debits AP and credits the bank account.
func (s *Service) PostPayment(ctx context.Context, tenantID, paymentID uuid.UUID, actorID string) (Payment, error) {
	var idempotent bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PaymentPosted:
			idempotent = true
			return nil
		case PaymentVoid:
			return fmt.Errorf("%w: payment is void", shared.ErrValidation)
		}
		per, err := tx.PeriodForDate(ctx, tenantID, p.PaidAt)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: no accounting period covers %s",
					shared.ErrValidation, p.PaidAt.Format(time.DateOnly))
			}
			return err
		}
		if per.Status == period.StatusHardClosed {
			return fmt.Errorf("allocation: period %s is hard closed for %s: %w",
				per.ID, p.PaidAt.Format(time.DateOnly), shared.ErrPeriodClosed)
		}
		accounts, err := tx.ResolveSettlementAccounts(ctx, tenantID, p.Direction)
		if err != nil {
			return err
		}
		if p.BankAccountID != nil {
			accounts.BankAccountID = *p.BankAccountID
		}
		entryID, err := tx.InsertPaymentEntry(ctx, p, accounts)
		if err != nil {
			return err
		}
		updated, err := tx.MarkPaymentPosted(ctx, tenantID, paymentID, entryID)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: payment state changed during posting", shared.ErrValidation)
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	if !idempotent {
		s.record(ctx, tenantID, actorID, "payment.post", "payment", paymentID, nil)
	}
	return s.repo.GetPayment(ctx, tenantID, paymentID)
}

// VoidPayment cancels a payment. Payments with allocations must be fully
// unallocated first.
func (s *Service) VoidPayment(ctx context.Context, tenantID, paymentID uuid.UUID, actorID, reason string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if p.Status == PaymentVoid {
			return nil
		}
		allocated, err := tx.HasAllocations(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if allocated {
			return fmt.Errorf("%w: payment has allocations", shared.ErrValidation)
		}
		return tx.MarkPaymentVoid(ctx, tenantID, paymentID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "payment.void", "payment", paymentID, map[string]any{"reason": reason})
	return nil
}

// AllocateInput identifies the payment, target and amount of an allocation.
type AllocateInput struct {
	TenantID   uuid.UUID
	PaymentID  uuid.UUID
	TargetType TargetType
	TargetID   uuid.UUID
	Amount     decimal.Decimal
	ActorID    string
}

// Allocate links part of a payment to a document. The admission check runs
// under a row lock on the target document in the same transaction as the
// insert, and counts draft payment allocations so two drafts cannot promise
// the same open balance twice.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (Allocation, error) {
	if !in.Amount.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	}
	wantType, err := in.TargetType.DocumentType()
	if err != nil {
		return Allocation{}, err
	}
	var created Allocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, in.TenantID, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status == PaymentVoid {
			return fmt.Errorf("%w: payment is void", shared.ErrValidation)
		}
		expected := expectedDirection(in.TargetType)
		if p.Direction != expected {
			return fmt.Errorf("%w: %s payment cannot settle a %s", shared.ErrValidation, p.Direction, in.TargetType)
		}
		doc, err := tx.GetTargetForUpdate(ctx, in.TenantID, in.TargetID)
		if err != nil {
			return err
		}
		if doc.Type != wantType {
			return fmt.Errorf("%w: document %s is not a %s", shared.ErrValidation, doc.ID, in.TargetType)
		}
		if doc.Status == "VOID" {
			return fmt.Errorf("%w: document is void", shared.ErrValidation)
		}
		_, includingDraft, err := tx.AllocatedTotals(ctx, in.TenantID, in.TargetID)
		if err != nil {
			return err
		}
		remaining := doc.Total.Sub(includingDraft)
		if in.Amount.Sub(remaining).GreaterThan(shared.Tolerance) {
			return &OverAllocationError{DocumentID: doc.ID, Requested: in.Amount, Remaining: remaining}
		}
		spent, err := tx.PaymentAllocatedTotal(ctx, in.TenantID, in.PaymentID)
		if err != nil {
			return err
		}
		if spent.Add(in.Amount).Sub(p.Amount).GreaterThan(shared.Tolerance) {
			return fmt.Errorf("%w: allocation exceeds payment amount", shared.ErrValidation)
		}
		created, err = tx.InsertAllocation(ctx, Allocation{
			TenantID:   in.TenantID,
			PaymentID:  in.PaymentID,
			DocumentID: in.TargetID,
			Amount:     in.Amount,
		})
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	s.record(ctx, in.TenantID, in.ActorID, "allocation.create", "allocation", created.ID, map[string]any{
		"payment_id":  in.PaymentID.String(),
		"document_id": in.TargetID.String(),
		"amount":      in.Amount.String(),
	})
	return created, nil
}

// Unallocate removes an allocation. Removal is permitted even when the
// document has been voided since; that is exactly the orphan cleanup path.
func (s *Service) Unallocate(ctx context.Context, tenantID, allocationID uuid.UUID, actorID string) error {
	var docStatus string
	var removed Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetAllocationForUpdate(ctx, tenantID, allocationID)
		if err != nil {
			return err
		}
		removed = a
		docStatus, err = tx.DocumentStatus(ctx, tenantID, a.DocumentID)
		if err != nil {
			return err
		}
		return tx.DeleteAllocation(ctx, tenantID, allocationID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "allocation.delete", "allocation", allocationID, map[string]any{
		"payment_id":      removed.PaymentID.String(),
		"document_id":     removed.DocumentID.String(),
		"amount":          removed.Amount.String(),
		"document_status": docStatus,
	})
	return nil
}

// GetRemaining reports the open balance of a target document. Only POSTED
// payments reduce the balance for this read.
func (s *Service) GetRemaining(ctx context.Context, tenantID uuid.UUID, targetType TargetType, targetID uuid.UUID) (RemainingSummary, error) {
	if _, err := targetType.DocumentType(); err != nil {
		return RemainingSummary{}, err
	}
	return s.repo.Remaining(ctx, tenantID, targetID)
}

// GetPayment returns a payment by identifier.
func (s *Service) GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	return s.repo.GetPayment(ctx, tenantID, id)
}

// ListPayments returns payments matching the filter.
func (s *Service) ListPayments(ctx context.Context, tenantID uuid.UUID, filter PaymentFilter) ([]Payment, error) {
	return s.repo.ListPayments(ctx, tenantID, filter)
}

// ListAllocations returns the allocations of one payment.
func (s *Service) ListAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) ([]Allocation, error) {
	return s.repo.ListAllocations(ctx, tenantID, paymentID)
}

// Statement builds a party statement: document and posted payment rows in
// ascending date order with documents first on ties, running balance
// accumulated from the opening balance.
func (s *Service) Statement(ctx context.Context, tenantID, partyID uuid.UUID, from, to time.Time) (Statement, error) {
	opening, err := s.repo.OpeningBalance(ctx, tenantID, partyID, from)
	if err != nil {
		return Statement{}, err
	}
	rows, err := s.repo.StatementRows(ctx, tenantID, partyID, from, to)
	if err != nil {
		return Statement{}, err
	}
	lines := BuildStatement(opening, rows)
	closing := opening
	if len(lines) > 0 {
		closing = lines[len(lines)-1].Balance
	}
	return Statement{Lines: lines, OpeningBalance: opening, ClosingBalance: closing}, nil
}

// ListOpenDocuments lists documents with an open balance on one side of the
// ledger, optionally narrowed to a party.
func (s *Service) ListOpenDocuments(ctx context.Context, tenantID uuid.UUID, side TargetType, partyID uuid.UUID) ([]OpenDocument, error) {
	if _, err := side.DocumentType(); err != nil {
		return nil, err
	}
	return s.repo.OpenDocuments(ctx, tenantID, side, partyID)
}

// Aging buckets open document balances by days outstanding as of a date.
func (s *Service) Aging(ctx context.Context, tenantID uuid.UUID, side TargetType, asOf time.Time) (AgingReport, error) {
	if _, err := side.DocumentType(); err != nil {
		return AgingReport{}, err
	}
	items, err := s.repo.OpenItems(ctx, tenantID, side, asOf)
	if err != nil {
		return AgingReport{}, err
	}
	return BuildAging(asOf, side, items), nil
}

func expectedDirection(t TargetType) Direction {
	if t == TargetBill {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

func (s *Service) record(ctx context.Context, tenantID uuid.UUID, actorID, action, entity string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID.String(),
		Meta:     meta,
		At:       s.now(),
	})
}

var errPaymentNotFound = fmt.Errorf("allocation: payment %w", shared.ErrNotFound)

var errAllocationNotFound = fmt.Errorf("allocation: %w", shared.ErrNotFound)

var errTargetNotFound = fmt.Errorf("allocation: target document %w", shared.ErrNotFound)
