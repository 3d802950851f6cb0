package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type stubRepo struct {
	docs     map[uuid.UUID]Document
	entries  map[uuid.UUID]JournalEntry
	periods  []period.Period
	mappings map[MappingKey]uuid.UUID
	// posted allocations per document
	allocations map[uuid.UUID]decimal.Decimal
	nextNumber  int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		docs:        make(map[uuid.UUID]Document),
		entries:     make(map[uuid.UUID]JournalEntry),
		mappings:    make(map[MappingKey]uuid.UUID),
		allocations: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (s *stubRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, s)
}

func (s *stubRepo) GetDocument(_ context.Context, _, id uuid.UUID) (Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, errDocumentNotFound
	}
	return doc, nil
}

func (s *stubRepo) ListDocuments(_ context.Context, _ uuid.UUID, _ DocumentFilter) ([]Document, error) {
	var out []Document
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}

func (s *stubRepo) GetEntry(_ context.Context, _, id uuid.UUID) (JournalEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return JournalEntry{}, errEntryNotFound
	}
	return e, nil
}

func (s *stubRepo) ListEntries(_ context.Context, _ uuid.UUID, _ EntryFilter) ([]JournalEntry, error) {
	var out []JournalEntry
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *stubRepo) ListAccounts(_ context.Context, _ uuid.UUID) ([]Account, error) {
	return nil, nil
}

func (s *stubRepo) CreateAccount(_ context.Context, a Account) (Account, error) {
	a.ID = uuid.New()
	return a, nil
}

func (s *stubRepo) CreateDocument(_ context.Context, d Document) (Document, error) {
	d.ID = uuid.New()
	d.Status = DocStatusDraft
	s.docs[d.ID] = d
	return d, nil
}

func (s *stubRepo) UpsertMapping(_ context.Context, _ uuid.UUID, key MappingKey, accountID uuid.UUID) error {
	s.mappings[key] = accountID
	return nil
}

func (s *stubRepo) GetDocumentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Document, error) {
	return s.GetDocument(ctx, tenantID, id)
}

func (s *stubRepo) PeriodForDate(_ context.Context, _ uuid.UUID, date time.Time) (period.Period, error) {
	for _, p := range s.periods {
		if !date.Before(p.StartDate) && !date.After(p.EndDate) {
			return p, nil
		}
	}
	return period.Period{}, shared.ErrNotFound
}

func (s *stubRepo) ResolveMappings(_ context.Context, _ uuid.UUID, keys []MappingKey) (map[MappingKey]uuid.UUID, error) {
	out := make(map[MappingKey]uuid.UUID)
	for _, k := range keys {
		if id, ok := s.mappings[k]; ok {
			out[k] = id
		}
	}
	return out, nil
}

func (s *stubRepo) GetEntryForUpdate(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error) {
	return s.GetEntry(ctx, tenantID, id)
}

func (s *stubRepo) InsertEntry(_ context.Context, e JournalEntry, lines []LineInput) (JournalEntry, error) {
	e.ID = uuid.New()
	s.nextNumber++
	e.Number = s.nextNumber
	for idx, l := range lines {
		e.Lines = append(e.Lines, JournalLine{
			ID:             uuid.New(),
			JournalEntryID: e.ID,
			AccountID:      l.AccountID,
			Debit:          l.Debit,
			Credit:         l.Credit,
			LineNo:         idx + 1,
		})
	}
	s.entries[e.ID] = e
	return e, nil
}

func (s *stubRepo) MarkDocumentPosted(_ context.Context, _, docID, entryID uuid.UUID) (bool, error) {
	doc, ok := s.docs[docID]
	if !ok || doc.Status != DocStatusDraft {
		return false, nil
	}
	doc.Status = DocStatusPosted
	doc.JournalEntryID = &entryID
	s.docs[docID] = doc
	return true, nil
}

func (s *stubRepo) MarkDocumentVoid(_ context.Context, _, docID uuid.UUID) error {
	doc := s.docs[docID]
	doc.Status = DocStatusVoid
	s.docs[docID] = doc
	return nil
}

func (s *stubRepo) PostedAllocationTotal(_ context.Context, _, docID uuid.UUID) (decimal.Decimal, error) {
	return s.allocations[docID], nil
}

func (s *stubRepo) HasReversal(_ context.Context, tenantID, entryID uuid.UUID) (bool, error) {
	for _, e := range s.entries {
		if e.ReversesID != nil && *e.ReversesID == entryID {
			return true, nil
		}
	}
	return false, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testTenant = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func openPeriod(year int, month time.Month, status period.Status) period.Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return period.Period{
		ID:        uuid.New(),
		TenantID:  testTenant,
		Year:      year,
		Month:     month,
		StartDate: start,
		EndDate:   start.AddDate(0, 1, -1),
		Status:    status,
	}
}

func seedMappings(repo *stubRepo, keys ...MappingKey) map[MappingKey]uuid.UUID {
	out := make(map[MappingKey]uuid.UUID)
	for _, k := range keys {
		id := uuid.New()
		repo.mappings[k] = id
		out[k] = id
	}
	return out
}

func TestPostSalesInvoiceBalanced(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}
	accounts := seedMappings(repo, MappingAR, MappingRevenue, MappingTaxPayable)

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1001",
		Total:         dec("1210.00"),
		TaxAmount:     dec("210.00"),
		EffectiveDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	result, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)
	require.False(t, result.Idempotent)
	require.False(t, result.SoftCloseWarning)

	entry := repo.entries[result.JournalEntryID]
	require.Len(t, entry.Lines, 3)

	byAccount := make(map[uuid.UUID]JournalLine)
	for _, l := range entry.Lines {
		byAccount[l.AccountID] = l
	}
	require.True(t, byAccount[accounts[MappingAR]].Debit.Equal(dec("1210.00")))
	require.True(t, byAccount[accounts[MappingRevenue]].Credit.Equal(dec("1000.00")))
	require.True(t, byAccount[accounts[MappingTaxPayable]].Credit.Equal(dec("210.00")))

	posted := repo.docs[doc.ID]
	require.Equal(t, DocStatusPosted, posted.Status)
	require.NotNil(t, posted.JournalEntryID)
}

func TestPostIsIdempotent(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}
	seedMappings(repo, MappingAR, MappingRevenue, MappingTaxPayable)

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1002",
		Total:         dec("500.00"),
		TaxAmount:     decimal.Zero,
		EffectiveDate: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	first, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)

	second, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)
	require.True(t, second.Idempotent)
	require.Equal(t, first.JournalEntryID, second.JournalEntryID)
	require.Len(t, repo.entries, 1)
}

func TestPostRejectsHardClosedPeriod(t *testing.T) {
	repo := newStubRepo()
	closed := openPeriod(2026, time.February, period.StatusHardClosed)
	repo.periods = []period.Period{closed}
	seedMappings(repo, MappingAR, MappingRevenue, MappingTaxPayable)

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1003",
		Total:         dec("100.00"),
		EffectiveDate: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	_, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	require.Empty(t, repo.entries)
	require.Equal(t, DocStatusDraft, repo.docs[doc.ID].Status)

	// Reopening the period makes the same posting succeed.
	repo.periods[0].Status = period.StatusOpen
	result, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)
	require.False(t, result.Idempotent)
}

func TestPostWarnsOnSoftClosedPeriod(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusSoftClosed)}
	seedMappings(repo, MappingAR, MappingRevenue, MappingTaxPayable)

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1004",
		Total:         dec("100.00"),
		EffectiveDate: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	result, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)
	require.True(t, result.SoftCloseWarning)
}

func TestPostFailsOnMissingMapping(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}
	seedMappings(repo, MappingAR, MappingRevenue) // TAX_PAYABLE deliberately absent

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1005",
		Total:         dec("1210.00"),
		TaxAmount:     dec("210.00"),
		EffectiveDate: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	_, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.ErrorIs(t, err, shared.ErrAccountMappingMissing)

	var mappingErr *AccountMappingError
	require.ErrorAs(t, err, &mappingErr)
	require.Equal(t, MappingTaxPayable, mappingErr.Key)
	require.Empty(t, repo.entries)
}

func TestPostPayrollRunBalances(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}
	accounts := seedMappings(repo,
		MappingPayrollExpense, MappingPayrollTaxPayable, MappingPayrollDeductions, MappingCash)

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypePayrollRun,
		Number:        "PAY-2026-03",
		Total:         dec("10000.00"),
		EffectiveDate: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
		Payroll: &PayrollDetails{
			Gross:      dec("10000.00"),
			TaxHeld:    dec("2200.00"),
			Deductions: dec("300.00"),
		},
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	result, err := svc.Post(context.Background(), testTenant, doc.ID, "payroll-bot")
	require.NoError(t, err)

	entry := repo.entries[result.JournalEntryID]
	debits, credits := decimal.Zero, decimal.Zero
	for _, l := range entry.Lines {
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	require.True(t, debits.Equal(credits))

	byAccount := make(map[uuid.UUID]JournalLine)
	for _, l := range entry.Lines {
		byAccount[l.AccountID] = l
	}
	require.True(t, byAccount[accounts[MappingCash]].Credit.Equal(dec("7500.00")))
}

func TestPostTransferSkipsMappings(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}
	from, to := uuid.New(), uuid.New()

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeTransfer,
		Number:        "TRF-77",
		Total:         dec("2500.00"),
		EffectiveDate: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
		Transfer:      &TransferDetails{FromAccountID: from, ToAccountID: to},
	}
	repo.docs[doc.ID] = doc

	svc := NewService(repo, nil)
	result, err := svc.Post(context.Background(), testTenant, doc.ID, "alice")
	require.NoError(t, err)

	entry := repo.entries[result.JournalEntryID]
	require.Len(t, entry.Lines, 2)
	require.True(t, entry.Lines[0].Debit.Equal(dec("2500.00")))
	require.Equal(t, to, entry.Lines[0].AccountID)
	require.Equal(t, from, entry.Lines[1].AccountID)
}

func TestValidateLinesRejectsImbalance(t *testing.T) {
	err := ValidateLines([]LineInput{
		{AccountID: uuid.New(), Debit: dec("100.00")},
		{AccountID: uuid.New(), Credit: dec("99.99")},
	})
	require.ErrorIs(t, err, shared.ErrImbalancedEntry)

	var imbalanced *ImbalancedEntryError
	require.ErrorAs(t, err, &imbalanced)
	require.True(t, imbalanced.Debits.Equal(dec("100.00")))
	require.True(t, imbalanced.Credits.Equal(dec("99.99")))
}

func TestReverseCreatesMirrorEntry(t *testing.T) {
	repo := newStubRepo()
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}

	a, b := uuid.New(), uuid.New()
	original, err := repo.InsertEntry(context.Background(), JournalEntry{TenantID: testTenant}, []LineInput{
		{AccountID: a, Debit: dec("300.00")},
		{AccountID: b, Credit: dec("300.00")},
	})
	require.NoError(t, err)

	svc := NewService(repo, nil)
	svc.WithNow(func() time.Time { return now })

	reversal, err := svc.Reverse(context.Background(), testTenant, original.ID, "alice", "")
	require.NoError(t, err)
	require.Equal(t, &original.ID, reversal.ReversesID)
	require.True(t, reversal.Lines[0].Credit.Equal(dec("300.00")))
	require.True(t, reversal.Lines[1].Debit.Equal(dec("300.00")))

	// A second reversal of the same entry is rejected.
	_, err = svc.Reverse(context.Background(), testTenant, original.ID, "alice", "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestVoidBlockedByPostedAllocations(t *testing.T) {
	repo := newStubRepo()
	repo.periods = []period.Period{openPeriod(2026, time.March, period.StatusOpen)}

	doc := Document{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          DocTypeSalesInvoice,
		Number:        "INV-1006",
		Total:         dec("1000.00"),
		EffectiveDate: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		Status:        DocStatusDraft,
	}
	repo.docs[doc.ID] = doc
	repo.allocations[doc.ID] = dec("400.00")

	svc := NewService(repo, nil)
	err := svc.VoidDocument(context.Background(), testTenant, doc.ID, "alice", "duplicate invoice")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, DocStatusDraft, repo.docs[doc.ID].Status)

	// Releasing the allocation unblocks the void.
	repo.allocations[doc.ID] = decimal.Zero
	require.NoError(t, svc.VoidDocument(context.Background(), testTenant, doc.ID, "alice", "duplicate invoice"))
	require.Equal(t, DocStatusVoid, repo.docs[doc.ID].Status)
}
