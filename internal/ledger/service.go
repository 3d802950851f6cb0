package ledger

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

// Service implements document posting: it translates business documents into
// balanced journal entries exactly once, gated by the accounting period state.
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

// Post converts a draft document into a journal entry. The whole operation
// runs inside one transaction with the document row locked, so a concurrent
// double post observes POSTED and returns the existing entry id instead of
// writing a second one.
func (s *Service) Post(ctx context.Context, tenantID, docID uuid.UUID, actorID string) (PostResult, error) {
	var result PostResult
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, tenantID, docID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case DocStatusPosted:
			if doc.JournalEntryID == nil {
				return fmt.Errorf("ledger: document %s posted without entry link", doc.ID)
			}
			result = PostResult{JournalEntryID: *doc.JournalEntryID, Idempotent: true}
			return nil
		case DocStatusVoid:
			return fmt.Errorf("%w: document is void", shared.ErrValidation)
		}

		p, err := tx.PeriodForDate(ctx, tenantID, doc.EffectiveDate)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: no accounting period covers %s",
					shared.ErrValidation, doc.EffectiveDate.Format(time.DateOnly))
			}
			return err
		}
		switch p.Status {
		case period.StatusHardClosed:
			return &PeriodClosedError{PeriodID: p.ID, PostingDate: doc.EffectiveDate}
		case period.StatusSoftClosed:
			result.SoftCloseWarning = true
		}

		lines, err := s.buildLines(ctx, tx, doc)
		if err != nil {
			return err
		}
		if err := ValidateLines(lines); err != nil {
			return err
		}

		entry, err := tx.InsertEntry(ctx, JournalEntry{
			TenantID:    tenantID,
			PostingDate: doc.EffectiveDate,
			Memo:        fmt.Sprintf("%s %s", doc.Type, doc.Number),
			SourceDocID: &doc.ID,
		}, lines)
		if err != nil {
			return err
		}
		updated, err := tx.MarkDocumentPosted(ctx, tenantID, doc.ID, entry.ID)
		if err != nil {
			return err
		}
		if !updated {
			// Lost the race despite the row lock; treat as already posted.
			replay, err := tx.GetDocumentForUpdate(ctx, tenantID, docID)
			if err != nil {
				return err
			}
			if replay.JournalEntryID != nil {
				result = PostResult{JournalEntryID: *replay.JournalEntryID, Idempotent: true}
				return nil
			}
			return fmt.Errorf("%w: document state changed during posting", shared.ErrValidation)
		}
		result.JournalEntryID = entry.ID
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}
	if !result.Idempotent {
		s.record(ctx, tenantID, actorID, "ledger.post", "document", docID, map[string]any{
			"journal_entry_id":   result.JournalEntryID.String(),
			"document_type":      string(doc.Type),
			"soft_close_warning": result.SoftCloseWarning,
		})
	}
	return result, nil
}

// Reverse creates a mirror-image entry for a posted journal entry in the
// current open period. The original is never mutated.
func (s *Service) Reverse(ctx context.Context, tenantID, entryID uuid.UUID, actorID, memo string) (JournalEntry, error) {
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntryForUpdate(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		reversed, err := tx.HasReversal(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if reversed {
			return fmt.Errorf("%w: entry already reversed", shared.ErrValidation)
		}
		postingDate := s.now().UTC().Truncate(24 * time.Hour)
		p, err := tx.PeriodForDate(ctx, tenantID, postingDate)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: no accounting period covers %s",
					shared.ErrValidation, postingDate.Format(time.DateOnly))
			}
			return err
		}
		if p.Status == period.StatusHardClosed {
			return &PeriodClosedError{PeriodID: p.ID, PostingDate: postingDate}
		}
		lines := make([]LineInput, 0, len(original.Lines))
		for _, l := range original.Lines {
			lines = append(lines, LineInput{
				AccountID: l.AccountID,
				Debit:     l.Credit,
				Credit:    l.Debit,
			})
		}
		if memo == "" {
			memo = fmt.Sprintf("reversal of #%d", original.Number)
		}
		reversal, err = tx.InsertEntry(ctx, JournalEntry{
			TenantID:    tenantID,
			PostingDate: postingDate,
			Memo:        memo,
			ReversesID:  &original.ID,
		}, lines)
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, tenantID, actorID, "ledger.reverse", "journal_entry", entryID, map[string]any{
		"reversal_entry_id": reversal.ID.String(),
	})
	return reversal, nil
}

// VoidDocument marks a draft or posted document VOID. A posted document gets
// its entry reversed first; documents with posted allocations cannot be
// voided until the allocations are released.
func (s *Service) VoidDocument(ctx context.Context, tenantID, docID uuid.UUID, actorID, reason string) error {
	var reversalID *uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, tenantID, docID)
		if err != nil {
			return err
		}
		if doc.Status == DocStatusVoid {
			return nil
		}
		allocated, err := tx.PostedAllocationTotal(ctx, tenantID, docID)
		if err != nil {
			return err
		}
		if allocated.IsPositive() {
			return fmt.Errorf("%w: document has %s in posted allocations", shared.ErrValidation, allocated)
		}
		if doc.Status == DocStatusPosted && doc.JournalEntryID != nil {
			original, err := tx.GetEntryForUpdate(ctx, tenantID, *doc.JournalEntryID)
			if err != nil {
				return err
			}
			postingDate := s.now().UTC().Truncate(24 * time.Hour)
			p, err := tx.PeriodForDate(ctx, tenantID, postingDate)
			if err != nil {
				return err
			}
			if p.Status == period.StatusHardClosed {
				return &PeriodClosedError{PeriodID: p.ID, PostingDate: postingDate}
			}
			lines := make([]LineInput, 0, len(original.Lines))
			for _, l := range original.Lines {
				lines = append(lines, LineInput{AccountID: l.AccountID, Debit: l.Credit, Credit: l.Debit})
			}
			rev, err := tx.InsertEntry(ctx, JournalEntry{
				TenantID:    tenantID,
				PostingDate: postingDate,
				Memo:        fmt.Sprintf("void %s %s", doc.Type, doc.Number),
				ReversesID:  &original.ID,
			}, lines)
			if err != nil {
				return err
			}
			reversalID = &rev.ID
		}
		return tx.MarkDocumentVoid(ctx, tenantID, docID)
	})
	if err != nil {
		return err
	}
	meta := map[string]any{"reason": reason}
	if reversalID != nil {
		meta["reversal_entry_id"] = reversalID.String()
	}
	s.record(ctx, tenantID, actorID, "ledger.void", "document", docID, meta)
	return nil
}

// buildLines maps a document to its journal lines via the tenant account
// mappings. Any unresolved mapping key aborts the posting.
func (s *Service) buildLines(ctx context.Context, tx TxRepository, doc Document) ([]LineInput, error) {
	switch doc.Type {
	case DocTypeSalesInvoice:
		m, err := s.resolve(ctx, tx, doc.TenantID, MappingAR, MappingRevenue, MappingTaxPayable)
		if err != nil {
			return nil, err
		}
		lines := []LineInput{
			{AccountID: m[MappingAR], Debit: doc.Total},
			{AccountID: m[MappingRevenue], Credit: doc.Total.Sub(doc.TaxAmount)},
		}
		if doc.TaxAmount.IsPositive() {
			lines = append(lines, LineInput{AccountID: m[MappingTaxPayable], Credit: doc.TaxAmount})
		}
		return lines, nil

	case DocTypePurchaseInvoice:
		m, err := s.resolve(ctx, tx, doc.TenantID, MappingAP, MappingPurchaseExpense, MappingTaxReceivable)
		if err != nil {
			return nil, err
		}
		lines := []LineInput{
			{AccountID: m[MappingPurchaseExpense], Debit: doc.Total.Sub(doc.TaxAmount)},
		}
		if doc.TaxAmount.IsPositive() {
			lines = append(lines, LineInput{AccountID: m[MappingTaxReceivable], Debit: doc.TaxAmount})
		}
		lines = append(lines, LineInput{AccountID: m[MappingAP], Credit: doc.Total})
		return lines, nil

	case DocTypeTransfer:
		if doc.Transfer == nil {
			return nil, fmt.Errorf("%w: transfer document missing account pair", shared.ErrValidation)
		}
		if doc.Transfer.FromAccountID == doc.Transfer.ToAccountID {
			return nil, fmt.Errorf("%w: transfer accounts must differ", shared.ErrValidation)
		}
		return []LineInput{
			{AccountID: doc.Transfer.ToAccountID, Debit: doc.Total},
			{AccountID: doc.Transfer.FromAccountID, Credit: doc.Total},
		}, nil

	case DocTypePayrollRun:
		if doc.Payroll == nil {
			return nil, fmt.Errorf("%w: payroll document missing breakdown", shared.ErrValidation)
		}
		m, err := s.resolve(ctx, tx, doc.TenantID,
			MappingPayrollExpense, MappingPayrollTaxPayable, MappingPayrollDeductions, MappingCash)
		if err != nil {
			return nil, err
		}
		net := doc.Payroll.Net()
		if net.IsNegative() {
			return nil, fmt.Errorf("%w: payroll net pay is negative", shared.ErrValidation)
		}
		lines := []LineInput{
			{AccountID: m[MappingPayrollExpense], Debit: doc.Payroll.Gross},
		}
		if doc.Payroll.TaxHeld.IsPositive() {
			lines = append(lines, LineInput{AccountID: m[MappingPayrollTaxPayable], Credit: doc.Payroll.TaxHeld})
		}
		if doc.Payroll.Deductions.IsPositive() {
			lines = append(lines, LineInput{AccountID: m[MappingPayrollDeductions], Credit: doc.Payroll.Deductions})
		}
		lines = append(lines, LineInput{AccountID: m[MappingCash], Credit: net})
		return lines, nil

	default:
		return nil, fmt.Errorf("%w: unsupported document type %q", shared.ErrValidation, doc.Type)
	}
}

func (s *Service) resolve(ctx context.Context, tx TxRepository, tenantID uuid.UUID, keys ...MappingKey) (map[MappingKey]uuid.UUID, error) {
	mapped, err := tx.ResolveMappings(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if id, ok := mapped[key]; !ok || id == uuid.Nil {
			return nil, &AccountMappingError{TenantID: tenantID, Key: key}
		}
	}
	return mapped, nil
}

// CreateDocumentInput captures a new draft document.
type CreateDocumentInput struct {
	TenantID      uuid.UUID
	Type          DocumentType
	Number        string
	PartyID       uuid.UUID
	Total         decimal.Decimal
	TaxAmount     decimal.Decimal
	EffectiveDate time.Time
	Transfer      *TransferDetails
	Payroll       *PayrollDetails
}

// Validate checks structural coherence of the draft.
func (in CreateDocumentInput) Validate() error {
	if in.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if in.Number == "" {
		return fmt.Errorf("%w: document number required", shared.ErrValidation)
	}
	if !in.Total.IsPositive() {
		return fmt.Errorf("%w: total must be positive", shared.ErrValidation)
	}
	if in.TaxAmount.IsNegative() || in.TaxAmount.GreaterThan(in.Total) {
		return fmt.Errorf("%w: tax amount out of range", shared.ErrValidation)
	}
	if in.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: effective date required", shared.ErrValidation)
	}
	switch in.Type {
	case DocTypeSalesInvoice, DocTypePurchaseInvoice:
	case DocTypeTransfer:
		if in.Transfer == nil {
			return fmt.Errorf("%w: transfer details required", shared.ErrValidation)
		}
	case DocTypePayrollRun:
		if in.Payroll == nil {
			return fmt.Errorf("%w: payroll details required", shared.ErrValidation)
		}
		if !in.Payroll.Gross.Equal(in.Total) {
			return fmt.Errorf("%w: payroll gross must equal document total", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown document type %q", shared.ErrValidation, in.Type)
	}
	return nil
}

// CreateDocument stores a new draft document.
func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	return s.repo.CreateDocument(ctx, Document{
		TenantID:      in.TenantID,
		Type:          in.Type,
		Number:        in.Number,
		PartyID:       in.PartyID,
		Total:         in.Total,
		TaxAmount:     in.TaxAmount,
		EffectiveDate: in.EffectiveDate,
		Status:        DocStatusDraft,
		Transfer:      in.Transfer,
		Payroll:       in.Payroll,
	})
}

// GetDocument returns a single document by identifier.
func (s *Service) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (Document, error) {
	return s.repo.GetDocument(ctx, tenantID, id)
}

// ListDocuments returns documents matching the filter.
func (s *Service) ListDocuments(ctx context.Context, tenantID uuid.UUID, filter DocumentFilter) ([]Document, error) {
	return s.repo.ListDocuments(ctx, tenantID, filter)
}

// GetEntry returns a journal entry with its lines.
func (s *Service) GetEntry(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error) {
	return s.repo.GetEntry(ctx, tenantID, id)
}

// ListEntries returns journal entries matching the filter, lines included.
func (s *Service) ListEntries(ctx context.Context, tenantID uuid.UUID, filter EntryFilter) ([]JournalEntry, error) {
	return s.repo.ListEntries(ctx, tenantID, filter)
}

// ListAccounts returns the tenant chart of accounts.
func (s *Service) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error) {
	return s.repo.ListAccounts(ctx, tenantID)
}

// CreateAccountInput captures a new chart of accounts node.
type CreateAccountInput struct {
	TenantID uuid.UUID
	Code     string
	Name     string
	Type     AccountType
	IsBank   bool
}

// CreateAccount inserts a chart of accounts node.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if in.TenantID == uuid.Nil || in.Code == "" || in.Name == "" {
		return Account{}, fmt.Errorf("%w: tenant, code and name required", shared.ErrValidation)
	}
	switch in.Type {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
	default:
		return Account{}, fmt.Errorf("%w: unknown account type %q", shared.ErrValidation, in.Type)
	}
	if in.IsBank && in.Type != AccountTypeAsset {
		return Account{}, fmt.Errorf("%w: bank accounts must be assets", shared.ErrValidation)
	}
	return s.repo.CreateAccount(ctx, Account{
		TenantID: in.TenantID,
		Code:     in.Code,
		Name:     in.Name,
		Type:     in.Type,
		IsBank:   in.IsBank,
	})
}

// SetMapping binds a mapping key to a GL account for a tenant.
func (s *Service) SetMapping(ctx context.Context, tenantID uuid.UUID, key MappingKey, accountID uuid.UUID, actorID string) error {
	switch key {
	case MappingAR, MappingAP, MappingRevenue, MappingTaxPayable, MappingTaxReceivable,
		MappingPurchaseExpense, MappingCash, MappingPayrollExpense,
		MappingPayrollTaxPayable, MappingPayrollDeductions:
	default:
		return fmt.Errorf("%w: unknown mapping key %q", shared.ErrValidation, key)
	}
	if accountID == uuid.Nil {
		return fmt.Errorf("%w: account required", shared.ErrValidation)
	}
	if err := s.repo.UpsertMapping(ctx, tenantID, key, accountID); err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "ledger.mapping_set", "account_mapping", accountID, map[string]any{
		"key": string(key),
	})
	return nil
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

var errDocumentNotFound = fmt.Errorf("ledger: document %w", shared.ErrNotFound)

var errEntryNotFound = fmt.Errorf("ledger: journal entry %w", shared.ErrNotFound)
