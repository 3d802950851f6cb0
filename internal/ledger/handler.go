package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/platform/httpx"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type ledgerService interface {
	CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error)
	ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error)
	SetMapping(ctx context.Context, tenantID uuid.UUID, key MappingKey, accountID uuid.UUID, actorID string) error
	CreateDocument(ctx context.Context, in CreateDocumentInput) (Document, error)
	GetDocument(ctx context.Context, tenantID, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, tenantID uuid.UUID, filter DocumentFilter) ([]Document, error)
	Post(ctx context.Context, tenantID, docID uuid.UUID, actorID string) (PostResult, error)
	VoidDocument(ctx context.Context, tenantID, docID uuid.UUID, actorID, reason string) error
	GetEntry(ctx context.Context, tenantID, id uuid.UUID) (JournalEntry, error)
	ListEntries(ctx context.Context, tenantID uuid.UUID, filter EntryFilter) ([]JournalEntry, error)
	Reverse(ctx context.Context, tenantID, entryID uuid.UUID, actorID, memo string) (JournalEntry, error)
}

// Handler wires HTTP endpoints for accounts, documents and journal entries.
type Handler struct {
	logger   *slog.Logger
	service  ledgerService
	validate *validator.Validate
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(logger *slog.Logger, service ledgerService) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches ledger routes under the tenant scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.listAccounts)
		r.Post("/", h.createAccount)
	})
	r.Put("/mappings/{key}", h.setMapping)
	r.Route("/documents", func(r chi.Router) {
		r.Get("/", h.listDocuments)
		r.Post("/", h.createDocument)
		r.Get("/{docID}", h.getDocument)
		r.Post("/{docID}/post", h.postDocument)
		r.Post("/{docID}/void", h.voidDocument)
	})
	r.Route("/journal-entries", func(r chi.Router) {
		r.Get("/", h.listEntries)
		r.Get("/{entryID}", h.getEntry)
		r.Post("/{entryID}/reverse", h.reverseEntry)
	})
}

type createAccountRequest struct {
	Code   string `json:"code" validate:"required,max=32"`
	Name   string `json:"name" validate:"required,max=255"`
	Type   string `json:"type" validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	IsBank bool   `json:"isBank"`
}

type setMappingRequest struct {
	AccountID uuid.UUID `json:"accountId" validate:"required"`
}

type transferRequest struct {
	FromAccountID uuid.UUID `json:"fromAccountId" validate:"required"`
	ToAccountID   uuid.UUID `json:"toAccountId" validate:"required"`
}

type payrollRequest struct {
	Gross      decimal.Decimal `json:"gross"`
	TaxHeld    decimal.Decimal `json:"taxHeld"`
	Deductions decimal.Decimal `json:"deductions"`
}

type createDocumentRequest struct {
	Type          string           `json:"type" validate:"required,oneof=SALES_INVOICE PURCHASE_INVOICE TRANSFER PAYROLL_RUN"`
	Number        string           `json:"number" validate:"required,max=64"`
	PartyID       uuid.UUID        `json:"partyId"`
	Total         decimal.Decimal  `json:"total"`
	TaxAmount     decimal.Decimal  `json:"taxAmount"`
	EffectiveDate string           `json:"effectiveDate" validate:"required"`
	Transfer      *transferRequest `json:"transfer"`
	Payroll       *payrollRequest  `json:"payroll"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type reverseRequest struct {
	Memo string `json:"memo"`
}

type accountResponse struct {
	ID     uuid.UUID   `json:"id"`
	Code   string      `json:"code"`
	Name   string      `json:"name"`
	Type   AccountType `json:"type"`
	IsBank bool        `json:"isBank"`
}

type documentResponse struct {
	ID             uuid.UUID       `json:"id"`
	Type           DocumentType    `json:"type"`
	Number         string          `json:"number"`
	PartyID        uuid.UUID       `json:"partyId"`
	Total          decimal.Decimal `json:"total"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	EffectiveDate  string          `json:"effectiveDate"`
	Status         DocumentStatus  `json:"status"`
	JournalEntryID *uuid.UUID      `json:"journalEntryId,omitempty"`
}

type lineResponse struct {
	AccountID uuid.UUID       `json:"accountId"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	LineNo    int             `json:"lineNo"`
}

type entryResponse struct {
	ID          uuid.UUID      `json:"id"`
	Number      int64          `json:"number"`
	PostingDate string         `json:"postingDate"`
	Memo        string         `json:"memo"`
	SourceDocID *uuid.UUID     `json:"sourceDocId,omitempty"`
	ReversesID  *uuid.UUID     `json:"reversesId,omitempty"`
	Lines       []lineResponse `json:"lines"`
}

type postResponse struct {
	JournalEntryID   uuid.UUID `json:"journalEntryId"`
	Idempotent       bool      `json:"idempotent"`
	SoftCloseWarning bool      `json:"softCloseWarning,omitempty"`
}

func toDocumentResponse(d Document) documentResponse {
	return documentResponse{
		ID:             d.ID,
		Type:           d.Type,
		Number:         d.Number,
		PartyID:        d.PartyID,
		Total:          d.Total,
		TaxAmount:      d.TaxAmount,
		EffectiveDate:  d.EffectiveDate.Format(time.DateOnly),
		Status:         d.Status,
		JournalEntryID: d.JournalEntryID,
	}
}

func toEntryResponse(e JournalEntry) entryResponse {
	lines := make([]lineResponse, 0, len(e.Lines))
	for _, l := range e.Lines {
		lines = append(lines, lineResponse{AccountID: l.AccountID, Debit: l.Debit, Credit: l.Credit, LineNo: l.LineNo})
	}
	return entryResponse{
		ID:          e.ID,
		Number:      e.Number,
		PostingDate: e.PostingDate.Format(time.DateOnly),
		Memo:        e.Memo,
		SourceDocID: e.SourceDocID,
		ReversesID:  e.ReversesID,
		Lines:       lines,
	}
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{ID: a.ID, Code: a.Code, Name: a.Name, Type: a.Type, IsBank: a.IsBank})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	a, err := h.service.CreateAccount(r.Context(), CreateAccountInput{
		TenantID: tenantID,
		Code:     req.Code,
		Name:     req.Name,
		Type:     AccountType(req.Type),
		IsBank:   req.IsBank,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, accountResponse{ID: a.ID, Code: a.Code, Name: a.Name, Type: a.Type, IsBank: a.IsBank})
}

func (h *Handler) setMapping(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var req setMappingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key := MappingKey(chi.URLParam(r, "key"))
	err := h.service.SetMapping(r.Context(), tenantID, key, req.AccountID, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"key": string(key), "accountId": req.AccountID.String()})
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := DocumentFilter{
		Type:   DocumentType(q.Get("type")),
		Status: DocumentStatus(q.Get("status")),
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.DateOnly, from); err == nil {
			filter.From = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.DateOnly, to); err == nil {
			filter.To = t
		}
	}
	docs, err := h.service.ListDocuments(r.Context(), tenantID, filter)
	if err != nil {
		h.logger.Error("list documents", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	effectiveDate, err := time.Parse(time.DateOnly, req.EffectiveDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "effectiveDate must be YYYY-MM-DD")
		return
	}
	in := CreateDocumentInput{
		TenantID:      tenantID,
		Type:          DocumentType(req.Type),
		Number:        req.Number,
		PartyID:       req.PartyID,
		Total:         req.Total,
		TaxAmount:     req.TaxAmount,
		EffectiveDate: effectiveDate,
	}
	if req.Transfer != nil {
		in.Transfer = &TransferDetails{FromAccountID: req.Transfer.FromAccountID, ToAccountID: req.Transfer.ToAccountID}
	}
	if req.Payroll != nil {
		in.Payroll = &PayrollDetails{Gross: req.Payroll.Gross, TaxHeld: req.Payroll.TaxHeld, Deductions: req.Payroll.Deductions}
	}
	d, err := h.service.CreateDocument(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDocumentResponse(d))
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, docID, ok := docScope(w, r)
	if !ok {
		return
	}
	d, err := h.service.GetDocument(r.Context(), tenantID, docID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDocumentResponse(d))
}

func (h *Handler) postDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, docID, ok := docScope(w, r)
	if !ok {
		return
	}
	result, err := h.service.Post(r.Context(), tenantID, docID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("post document", slog.String("document", docID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	httpx.JSON(w, status, postResponse{
		JournalEntryID:   result.JournalEntryID,
		Idempotent:       result.Idempotent,
		SoftCloseWarning: result.SoftCloseWarning,
	})
}

func (h *Handler) voidDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, docID, ok := docScope(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.VoidDocument(r.Context(), tenantID, docID, shared.ActorFromContext(r.Context()), req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var filter EntryFilter
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.DateOnly, from); err == nil {
			filter.From = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.DateOnly, to); err == nil {
			filter.To = t
		}
	}
	entries, err := h.service.ListEntries(r.Context(), tenantID, filter)
	if err != nil {
		h.logger.Error("list entries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid entry id")
		return
	}
	e, err := h.service.GetEntry(r.Context(), tenantID, entryID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(e))
}

func (h *Handler) reverseEntry(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid entry id")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	e, err := h.service.Reverse(r.Context(), tenantID, entryID, shared.ActorFromContext(r.Context()), req.Memo)
	if err != nil {
		h.logger.Warn("reverse entry", slog.String("entry", entryID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(e))
}

func tenantScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return uuid.Nil, false
	}
	return tenantID, true
}

func docScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	docID, err := uuid.Parse(chi.URLParam(r, "docID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, docID, true
}
