package allocation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type stubRepo struct {
	payments    map[uuid.UUID]Payment
	docs        map[uuid.UUID]TargetDocument
	allocations map[uuid.UUID]Allocation
	periods     []period.Period
	accounts    SettlementAccounts
	entries     int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		payments:    make(map[uuid.UUID]Payment),
		docs:        make(map[uuid.UUID]TargetDocument),
		allocations: make(map[uuid.UUID]Allocation),
		accounts:    SettlementAccounts{BankAccountID: uuid.New(), CounterAccountID: uuid.New()},
	}
}

func (s *stubRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, s)
}

func (s *stubRepo) CreatePayment(_ context.Context, p Payment) (Payment, error) {
	p.ID = uuid.New()
	p.Status = PaymentDraft
	s.payments[p.ID] = p
	return p, nil
}

func (s *stubRepo) GetPayment(_ context.Context, _, id uuid.UUID) (Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, errPaymentNotFound
	}
	return p, nil
}

func (s *stubRepo) ListPayments(_ context.Context, _ uuid.UUID, _ PaymentFilter) ([]Payment, error) {
	var out []Payment
	for _, p := range s.payments {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubRepo) Remaining(_ context.Context, _, docID uuid.UUID) (RemainingSummary, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return RemainingSummary{}, errTargetNotFound
	}
	allocated := s.allocatedTotal(docID, false)
	return RemainingSummary{
		DocumentID: docID,
		Total:      doc.Total,
		Allocated:  allocated,
		Remaining:  doc.Total.Sub(allocated),
		Status:     DeriveSettlement(doc.Total, allocated),
	}, nil
}

func (s *stubRepo) ListAllocations(_ context.Context, _, paymentID uuid.UUID) ([]Allocation, error) {
	var out []Allocation
	for _, a := range s.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubRepo) StatementRows(_ context.Context, _, _ uuid.UUID, _, _ time.Time) ([]StatementLine, error) {
	return nil, nil
}

func (s *stubRepo) OpeningBalance(_ context.Context, _, _ uuid.UUID, _ time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubRepo) OpenItems(_ context.Context, _ uuid.UUID, _ TargetType, _ time.Time) ([]OpenItem, error) {
	return nil, nil
}

func (s *stubRepo) OpenDocuments(_ context.Context, _ uuid.UUID, _ TargetType, _ uuid.UUID) ([]OpenDocument, error) {
	return nil, nil
}

func (s *stubRepo) GetPaymentForUpdate(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	return s.GetPayment(ctx, tenantID, id)
}

func (s *stubRepo) GetTargetForUpdate(_ context.Context, _, docID uuid.UUID) (TargetDocument, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return TargetDocument{}, errTargetNotFound
	}
	return doc, nil
}

func (s *stubRepo) allocatedTotal(docID uuid.UUID, includeDraft bool) decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.allocations {
		if a.DocumentID != docID {
			continue
		}
		p := s.payments[a.PaymentID]
		if p.Status == PaymentPosted || (includeDraft && p.Status == PaymentDraft) {
			total = total.Add(a.Amount)
		}
	}
	return total
}

func (s *stubRepo) AllocatedTotals(_ context.Context, _, docID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	return s.allocatedTotal(docID, false), s.allocatedTotal(docID, true), nil
}

func (s *stubRepo) PaymentAllocatedTotal(_ context.Context, _, paymentID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range s.allocations {
		if a.PaymentID == paymentID {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (s *stubRepo) InsertAllocation(_ context.Context, a Allocation) (Allocation, error) {
	a.ID = uuid.New()
	s.allocations[a.ID] = a
	return a, nil
}

func (s *stubRepo) GetAllocationForUpdate(_ context.Context, _, id uuid.UUID) (Allocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return Allocation{}, errAllocationNotFound
	}
	return a, nil
}

func (s *stubRepo) DeleteAllocation(_ context.Context, _, id uuid.UUID) error {
	delete(s.allocations, id)
	return nil
}

func (s *stubRepo) DocumentStatus(_ context.Context, _, docID uuid.UUID) (string, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return "", errTargetNotFound
	}
	return doc.Status, nil
}

func (s *stubRepo) PeriodForDate(_ context.Context, _ uuid.UUID, date time.Time) (period.Period, error) {
	for _, p := range s.periods {
		if !date.Before(p.StartDate) && !date.After(p.EndDate) {
			return p, nil
		}
	}
	return period.Period{}, shared.ErrNotFound
}

func (s *stubRepo) ResolveSettlementAccounts(_ context.Context, _ uuid.UUID, _ Direction) (SettlementAccounts, error) {
	return s.accounts, nil
}

func (s *stubRepo) InsertPaymentEntry(_ context.Context, _ Payment, _ SettlementAccounts) (uuid.UUID, error) {
	s.entries++
	return uuid.New(), nil
}

func (s *stubRepo) MarkPaymentPosted(_ context.Context, _, paymentID, entryID uuid.UUID) (bool, error) {
	p, ok := s.payments[paymentID]
	if !ok || p.Status != PaymentDraft {
		return false, nil
	}
	p.Status = PaymentPosted
	p.JournalEntryID = &entryID
	s.payments[paymentID] = p
	return true, nil
}

func (s *stubRepo) MarkPaymentVoid(_ context.Context, _, paymentID uuid.UUID) error {
	p := s.payments[paymentID]
	p.Status = PaymentVoid
	s.payments[paymentID] = p
	return nil
}

func (s *stubRepo) HasAllocations(_ context.Context, _, paymentID uuid.UUID) (bool, error) {
	for _, a := range s.allocations {
		if a.PaymentID == paymentID {
			return true, nil
		}
	}
	return false, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testTenant = uuid.MustParse("22222222-2222-2222-2222-222222222222")

func seedInvoice(repo *stubRepo, total string) TargetDocument {
	doc := TargetDocument{
		ID:            uuid.New(),
		TenantID:      testTenant,
		Type:          "SALES_INVOICE",
		Status:        "POSTED",
		PartyID:       uuid.New(),
		Total:         dec(total),
		EffectiveDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	repo.docs[doc.ID] = doc
	return doc
}

func seedPostedPayment(repo *stubRepo, amount string) Payment {
	p := Payment{
		ID:        uuid.New(),
		TenantID:  testTenant,
		Direction: DirectionIncoming,
		PartyID:   uuid.New(),
		Amount:    dec(amount),
		PaidAt:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Status:    PaymentPosted,
	}
	repo.payments[p.ID] = p
	return p
}

func TestAllocateDrivesSettlementStatus(t *testing.T) {
	repo := newStubRepo()
	invoice := seedInvoice(repo, "1000.00")
	svc := NewService(repo, nil)
	ctx := context.Background()

	summary, err := svc.GetRemaining(ctx, testTenant, TargetInvoice, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, SettlementUnpaid, summary.Status)

	first := seedPostedPayment(repo, "400.00")
	_, err = svc.Allocate(ctx, AllocateInput{
		TenantID: testTenant, PaymentID: first.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("400.00"),
	})
	require.NoError(t, err)

	summary, err = svc.GetRemaining(ctx, testTenant, TargetInvoice, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, SettlementPartial, summary.Status)
	require.True(t, summary.Remaining.Equal(dec("600.00")))

	second := seedPostedPayment(repo, "600.00")
	_, err = svc.Allocate(ctx, AllocateInput{
		TenantID: testTenant, PaymentID: second.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("600.00"),
	})
	require.NoError(t, err)

	summary, err = svc.GetRemaining(ctx, testTenant, TargetInvoice, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, SettlementPaid, summary.Status)
	require.True(t, summary.Remaining.IsZero())
}

func TestAllocateRejectsOverAllocation(t *testing.T) {
	repo := newStubRepo()
	invoice := seedInvoice(repo, "1000.00")
	payment := seedPostedPayment(repo, "2000.00")
	svc := NewService(repo, nil)

	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: testTenant, PaymentID: payment.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("1000.01"),
	})
	require.ErrorIs(t, err, shared.ErrOverAllocation)

	var overErr *OverAllocationError
	require.ErrorAs(t, err, &overErr)
	require.True(t, overErr.Remaining.Equal(dec("1000.00")))
	require.Empty(t, repo.allocations)
}

func TestDraftAllocationsReserveBalance(t *testing.T) {
	repo := newStubRepo()
	invoice := seedInvoice(repo, "1000.00")
	svc := NewService(repo, nil)
	ctx := context.Background()

	draft, err := svc.CreatePayment(ctx, CreatePaymentInput{
		TenantID:  testTenant,
		Direction: DirectionIncoming,
		PartyID:   invoice.PartyID,
		Amount:    dec("800.00"),
		PaidAt:    time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, AllocateInput{
		TenantID: testTenant, PaymentID: draft.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("800.00"),
	})
	require.NoError(t, err)

	// The draft does not settle the balance for reads...
	summary, err := svc.GetRemaining(ctx, testTenant, TargetInvoice, invoice.ID)
	require.NoError(t, err)
	require.True(t, summary.Remaining.Equal(dec("1000.00")))

	// ...but it does reserve it against a second promise.
	other := seedPostedPayment(repo, "500.00")
	_, err = svc.Allocate(ctx, AllocateInput{
		TenantID: testTenant, PaymentID: other.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("500.00"),
	})
	require.ErrorIs(t, err, shared.ErrOverAllocation)
}

func TestAllocateRejectsDirectionMismatch(t *testing.T) {
	repo := newStubRepo()
	invoice := seedInvoice(repo, "1000.00")
	payment := seedPostedPayment(repo, "500.00")
	payment.Direction = DirectionOutgoing
	repo.payments[payment.ID] = payment

	svc := NewService(repo, nil)
	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: testTenant, PaymentID: payment.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("500.00"),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUnallocateAllowedOnVoidDocument(t *testing.T) {
	repo := newStubRepo()
	invoice := seedInvoice(repo, "1000.00")
	payment := seedPostedPayment(repo, "400.00")
	svc := NewService(repo, nil)
	ctx := context.Background()

	a, err := svc.Allocate(ctx, AllocateInput{
		TenantID: testTenant, PaymentID: payment.ID,
		TargetType: TargetInvoice, TargetID: invoice.ID, Amount: dec("400.00"),
	})
	require.NoError(t, err)

	// Document voided after the allocation; removal cleans up the orphan.
	invoice.Status = "VOID"
	repo.docs[invoice.ID] = invoice

	require.NoError(t, svc.Unallocate(ctx, testTenant, a.ID, "alice"))
	require.Empty(t, repo.allocations)
}

func TestPostPaymentGatedByPeriod(t *testing.T) {
	repo := newStubRepo()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.periods = []period.Period{{
		ID: uuid.New(), TenantID: testTenant,
		StartDate: start, EndDate: start.AddDate(0, 1, -1),
		Status: period.StatusHardClosed,
	}}
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.CreatePayment(ctx, CreatePaymentInput{
		TenantID:  testTenant,
		Direction: DirectionIncoming,
		PartyID:   uuid.New(),
		Amount:    dec("250.00"),
		PaidAt:    time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = svc.PostPayment(ctx, testTenant, p.ID, "alice")
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	require.Equal(t, PaymentDraft, repo.payments[p.ID].Status)

	repo.periods[0].Status = period.StatusOpen
	posted, err := svc.PostPayment(ctx, testTenant, p.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, PaymentPosted, posted.Status)
	require.Equal(t, 1, repo.entries)

	// Replays are idempotent and do not write a second entry.
	_, err = svc.PostPayment(ctx, testTenant, p.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, repo.entries)
}

func TestBuildStatementOrderingAndBalance(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	payment := StatementLine{Date: day, Kind: KindPayment, RefID: uuid.New(), Number: "PMT-1", Credit: dec("400.00")}
	invoice := StatementLine{Date: day, Kind: KindDocument, RefID: uuid.New(), Number: "INV-1", Debit: dec("1000.00")}
	earlier := StatementLine{Date: day.AddDate(0, 0, -5), Kind: KindDocument, RefID: uuid.New(), Number: "INV-0", Debit: dec("200.00")}

	lines := BuildStatement(decimal.Zero, []StatementLine{payment, invoice, earlier})
	require.Equal(t, []string{"INV-0", "INV-1", "PMT-1"}, []string{lines[0].Number, lines[1].Number, lines[2].Number})
	require.True(t, lines[0].Balance.Equal(dec("200.00")))
	require.True(t, lines[1].Balance.Equal(dec("1200.00")))
	require.True(t, lines[2].Balance.Equal(dec("800.00")))

	// A carried-forward opening balance shifts every running balance.
	reopened := BuildStatement(dec("50.00"), []StatementLine{{
		Date: day, Kind: KindDocument, RefID: uuid.New(), Number: "INV-2", Debit: dec("100.00"),
	}})
	require.True(t, reopened[0].Balance.Equal(dec("150.00")))
}

func TestWriteStatementCSV(t *testing.T) {
	lines := BuildStatement(decimal.Zero, []StatementLine{
		{Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Kind: KindDocument, RefID: uuid.New(), Number: "INV-9", Debit: dec("1234.50")},
	})
	var sb strings.Builder
	require.NoError(t, WriteStatementCSV(&sb, lines, "en"))

	out := sb.String()
	require.Contains(t, out, "date,kind,reference,debit,credit,balance")
	require.Contains(t, out, "2026-03-01,DOCUMENT,INV-9")
	require.Contains(t, out, "1,234.50")
}

func TestWriteStatementCSVKeepsLargeAmountsExact(t *testing.T) {
	// Past float64's 53-bit mantissa; the cents must survive untouched.
	lines := BuildStatement(decimal.Zero, []StatementLine{
		{Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Kind: KindDocument, RefID: uuid.New(), Number: "INV-10", Debit: dec("1234567890123456.78")},
	})
	var sb strings.Builder
	require.NoError(t, WriteStatementCSV(&sb, lines, "en"))
	require.Contains(t, sb.String(), "1,234,567,890,123,456.78")

	var neg strings.Builder
	require.NoError(t, WriteStatementCSV(&neg, []StatementLine{
		{Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Kind: KindPayment, Number: "PMT-1", Balance: dec("-0.05")},
	}, "en"))
	require.Contains(t, neg.String(), "-0.05")
}

func TestBuildAgingBuckets(t *testing.T) {
	asOf := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	items := []OpenItem{
		{DocumentID: uuid.New(), EffectiveDate: asOf.AddDate(0, 0, -10), Remaining: dec("100.00")},
		{DocumentID: uuid.New(), EffectiveDate: asOf.AddDate(0, 0, -45), Remaining: dec("200.00")},
		{DocumentID: uuid.New(), EffectiveDate: asOf.AddDate(0, 0, -200), Remaining: dec("50.00")},
	}
	report := BuildAging(asOf, TargetInvoice, items)
	require.Len(t, report.Buckets, 5)
	require.True(t, report.Buckets[0].Total.Equal(dec("100.00")))
	require.True(t, report.Buckets[1].Total.Equal(dec("200.00")))
	require.True(t, report.Buckets[4].Total.Equal(dec("50.00")))
}
