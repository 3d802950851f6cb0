package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/ledgerd/internal/platform/httpx"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type allocationService interface {
	CreatePayment(ctx context.Context, in CreatePaymentInput) (Payment, error)
	GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, tenantID uuid.UUID, filter PaymentFilter) ([]Payment, error)
	PostPayment(ctx context.Context, tenantID, paymentID uuid.UUID, actorID string) (Payment, error)
	VoidPayment(ctx context.Context, tenantID, paymentID uuid.UUID, actorID, reason string) error
	Allocate(ctx context.Context, in AllocateInput) (Allocation, error)
	Unallocate(ctx context.Context, tenantID, allocationID uuid.UUID, actorID string) error
	ListAllocations(ctx context.Context, tenantID, paymentID uuid.UUID) ([]Allocation, error)
	GetRemaining(ctx context.Context, tenantID uuid.UUID, targetType TargetType, targetID uuid.UUID) (RemainingSummary, error)
	Statement(ctx context.Context, tenantID, partyID uuid.UUID, from, to time.Time) (Statement, error)
	ListOpenDocuments(ctx context.Context, tenantID uuid.UUID, side TargetType, partyID uuid.UUID) ([]OpenDocument, error)
	Aging(ctx context.Context, tenantID uuid.UUID, side TargetType, asOf time.Time) (AgingReport, error)
}

// Handler wires HTTP endpoints for payments, allocations and statements.
type Handler struct {
	logger     *slog.Logger
	service    allocationService
	validate   *validator.Validate
	statements singleflight.Group
}

// NewHandler constructs an allocation HTTP handler.
func NewHandler(logger *slog.Logger, service allocationService) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches allocation routes under the tenant scope. Statement
// endpoints are rate limited; they fan out into multi-table reads.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Get("/", h.listPayments)
		r.Post("/", h.createPayment)
		r.Get("/{paymentID}", h.getPayment)
		r.Post("/{paymentID}/post", h.postPayment)
		r.Post("/{paymentID}/void", h.voidPayment)
		r.Get("/{paymentID}/allocations", h.listAllocations)
		r.Post("/{paymentID}/allocations", h.allocate)
	})
	r.Delete("/allocations/{allocationID}", h.unallocate)
	r.Get("/balances/{targetType}/{targetID}", h.remaining)
	r.Get("/open-items", h.openItems)
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/parties/{partyID}/statement", h.statement)
		r.Get("/parties/{partyID}/statement.csv", h.statementCSV)
		r.Get("/aging", h.aging)
	})
}

type createPaymentRequest struct {
	Direction     string          `json:"direction" validate:"required,oneof=INCOMING OUTGOING"`
	PartyID       uuid.UUID       `json:"partyId" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        string          `json:"paidAt" validate:"required"`
	Reference     string          `json:"reference" validate:"max=128"`
	BankAccountID *uuid.UUID      `json:"bankAccountId"`
}

type allocateRequest struct {
	TargetType string          `json:"targetType" validate:"required,oneof=INVOICE BILL"`
	TargetID   uuid.UUID       `json:"targetId" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type voidPaymentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type paymentResponse struct {
	ID             uuid.UUID       `json:"id"`
	Direction      Direction       `json:"direction"`
	PartyID        uuid.UUID       `json:"partyId"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAt         string          `json:"paidAt"`
	Reference      string          `json:"reference"`
	Status         PaymentStatus   `json:"status"`
	JournalEntryID *uuid.UUID      `json:"journalEntryId,omitempty"`
}

type allocationResponse struct {
	ID         uuid.UUID       `json:"id"`
	PaymentID  uuid.UUID       `json:"paymentId"`
	DocumentID uuid.UUID       `json:"documentId"`
	Amount     decimal.Decimal `json:"amount"`
}

type remainingResponse struct {
	DocumentID uuid.UUID        `json:"documentId"`
	Total      decimal.Decimal  `json:"total"`
	Allocated  decimal.Decimal  `json:"allocated"`
	Remaining  decimal.Decimal  `json:"remaining"`
	Status     SettlementStatus `json:"status"`
}

type statementResponse struct {
	OpeningBalance decimal.Decimal         `json:"openingBalance"`
	ClosingBalance decimal.Decimal         `json:"closingBalance"`
	Lines          []statementLineResponse `json:"lines"`
}

type openDocumentResponse struct {
	DocumentID uuid.UUID       `json:"documentId"`
	Number     string          `json:"number"`
	PartyID    uuid.UUID       `json:"partyId"`
	Total      decimal.Decimal `json:"total"`
	Allocated  decimal.Decimal `json:"allocated"`
	Remaining  decimal.Decimal `json:"remaining"`
}

type statementLineResponse struct {
	Date    string          `json:"date"`
	Kind    StatementKind   `json:"kind"`
	RefID   uuid.UUID       `json:"refId"`
	Number  string          `json:"number"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Balance decimal.Decimal `json:"balance"`
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		Direction:      p.Direction,
		PartyID:        p.PartyID,
		Amount:         p.Amount,
		PaidAt:         p.PaidAt.Format(time.DateOnly),
		Reference:      p.Reference,
		Status:         p.Status,
		JournalEntryID: p.JournalEntryID,
	}
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := PaymentFilter{
		Direction: Direction(q.Get("direction")),
		Status:    PaymentStatus(q.Get("status")),
	}
	if party := q.Get("partyId"); party != "" {
		if id, err := uuid.Parse(party); err == nil {
			filter.PartyID = id
		}
	}
	payments, err := h.service.ListPayments(r.Context(), tenantID, filter)
	if err != nil {
		h.logger.Error("list payments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var req createPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	paidAt, err := time.Parse(time.DateOnly, req.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paidAt must be YYYY-MM-DD")
		return
	}
	p, err := h.service.CreatePayment(r.Context(), CreatePaymentInput{
		TenantID:      tenantID,
		Direction:     Direction(req.Direction),
		PartyID:       req.PartyID,
		Amount:        req.Amount,
		PaidAt:        paidAt,
		Reference:     req.Reference,
		BankAccountID: req.BankAccountID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, paymentID, ok := paymentScope(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), tenantID, paymentID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) postPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, paymentID, ok := paymentScope(w, r)
	if !ok {
		return
	}
	p, err := h.service.PostPayment(r.Context(), tenantID, paymentID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("post payment", slog.String("payment", paymentID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, paymentID, ok := paymentScope(w, r)
	if !ok {
		return
	}
	var req voidPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.VoidPayment(r.Context(), tenantID, paymentID, shared.ActorFromContext(r.Context()), req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	tenantID, paymentID, ok := paymentScope(w, r)
	if !ok {
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), tenantID, paymentID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, allocationResponse{ID: a.ID, PaymentID: a.PaymentID, DocumentID: a.DocumentID, Amount: a.Amount})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	tenantID, paymentID, ok := paymentScope(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	a, err := h.service.Allocate(r.Context(), AllocateInput{
		TenantID:   tenantID,
		PaymentID:  paymentID,
		TargetType: TargetType(req.TargetType),
		TargetID:   req.TargetID,
		Amount:     req.Amount,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Warn("allocate", slog.String("payment", paymentID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, allocationResponse{ID: a.ID, PaymentID: a.PaymentID, DocumentID: a.DocumentID, Amount: a.Amount})
}

func (h *Handler) unallocate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	allocationID, err := uuid.Parse(chi.URLParam(r, "allocationID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid allocation id")
		return
	}
	if err := h.service.Unallocate(r.Context(), tenantID, allocationID, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remaining(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "targetID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid target id")
		return
	}
	summary, err := h.service.GetRemaining(r.Context(), tenantID, TargetType(chi.URLParam(r, "targetType")), targetID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, remainingResponse{
		DocumentID: summary.DocumentID,
		Total:      summary.Total,
		Allocated:  summary.Allocated,
		Remaining:  summary.Remaining,
		Status:     summary.Status,
	})
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	statement, ok := h.loadStatement(w, r)
	if !ok {
		return
	}
	out := statementResponse{
		OpeningBalance: statement.OpeningBalance,
		ClosingBalance: statement.ClosingBalance,
		Lines:          make([]statementLineResponse, 0, len(statement.Lines)),
	}
	for _, l := range statement.Lines {
		out.Lines = append(out.Lines, statementLineResponse{
			Date:    l.Date.Format(time.DateOnly),
			Kind:    l.Kind,
			RefID:   l.RefID,
			Number:  l.Number,
			Debit:   l.Debit,
			Credit:  l.Credit,
			Balance: l.Balance,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) statementCSV(w http.ResponseWriter, r *http.Request) {
	statement, ok := h.loadStatement(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="statement.csv"`)
	if err := WriteStatementCSV(w, statement.Lines, r.URL.Query().Get("locale")); err != nil {
		h.logger.Error("statement csv", slog.Any("error", err))
	}
}

func (h *Handler) openItems(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var partyID uuid.UUID
	if v := q.Get("partyId"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid party id")
			return
		}
		partyID = parsed
	}
	docs, err := h.service.ListOpenDocuments(r.Context(), tenantID, TargetType(q.Get("side")), partyID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]openDocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, openDocumentResponse{
			DocumentID: d.DocumentID,
			Number:     d.Number,
			PartyID:    d.PartyID,
			Total:      d.Total,
			Allocated:  d.Allocated,
			Remaining:  d.Remaining,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// loadStatement collapses concurrent identical statement reads through
// singleflight; the key covers tenant, party and date range.
func (h *Handler) loadStatement(w http.ResponseWriter, r *http.Request) (Statement, bool) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return Statement{}, false
	}
	partyID, err := uuid.Parse(chi.URLParam(r, "partyID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid party id")
		return Statement{}, false
	}
	q := r.URL.Query()
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return Statement{}, false
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return Statement{}, false
		}
	}
	key := fmt.Sprintf("%s|%s|%s|%s", tenantID, partyID, from.Format(time.DateOnly), to.Format(time.DateOnly))
	result, err, _ := h.statements.Do(key, func() (any, error) {
		return h.service.Statement(r.Context(), tenantID, partyID, from, to)
	})
	if err != nil {
		h.logger.Error("statement", slog.Any("error", err))
		httpx.RespondError(w, err)
		return Statement{}, false
	}
	return result.(Statement), true
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	side := TargetType(q.Get("side"))
	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("asOf"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "asOf must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	report, err := h.service.Aging(r.Context(), tenantID, side, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func tenantScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return uuid.Nil, false
	}
	return tenantID, true
}

func paymentScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, paymentID, true
}
