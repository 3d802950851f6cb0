package reconcile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/platform/httpx"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type reconcileService interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	GetSession(ctx context.Context, tenantID, id uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, tenantID, accountID uuid.UUID) ([]Session, error)
	ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]StatementLine, error)
	BookTransactions(ctx context.Context, tenantID, sessionID uuid.UUID) ([]BookTransaction, error)
	ImportLines(ctx context.Context, tenantID, sessionID uuid.UUID, csvText, actorID string) (int, error)
	Match(ctx context.Context, tenantID, sessionID, lineID, bookTxID uuid.UUID, actorID string) error
	Unmatch(ctx context.Context, tenantID, sessionID, lineID uuid.UUID, actorID string) error
	AutoMatch(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string) (AutoMatchResult, error)
	Complete(ctx context.Context, tenantID, sessionID uuid.UUID, force bool, actorID string) (Session, error)
	Abandon(ctx context.Context, tenantID, sessionID uuid.UUID, actorID string) (Session, error)
}

// Handler wires HTTP endpoints for reconciliation sessions.
type Handler struct {
	logger   *slog.Logger
	service  reconcileService
	validate *validator.Validate
}

// NewHandler constructs a reconciliation HTTP handler.
func NewHandler(logger *slog.Logger, service reconcileService) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches reconciliation routes under the tenant scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/reconciliations", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{sessionID}", h.get)
		r.Get("/{sessionID}/lines", h.lines)
		r.Get("/{sessionID}/book-transactions", h.bookTransactions)
		r.Post("/{sessionID}/import", h.importLines)
		r.Post("/{sessionID}/match", h.match)
		r.Post("/{sessionID}/unmatch", h.unmatch)
		r.Post("/{sessionID}/auto-match", h.autoMatch)
		r.Post("/{sessionID}/complete", h.complete)
		r.Post("/{sessionID}/abandon", h.abandon)
	})
}

type createSessionRequest struct {
	AccountID              uuid.UUID       `json:"accountId" validate:"required"`
	StatementDate          string          `json:"statementDate" validate:"required"`
	StatementEndingBalance decimal.Decimal `json:"statementEndingBalance"`
}

type matchRequest struct {
	LineID   uuid.UUID `json:"lineId" validate:"required"`
	BookTxID uuid.UUID `json:"bookTxId" validate:"required"`
}

type unmatchRequest struct {
	LineID uuid.UUID `json:"lineId" validate:"required"`
}

type completeRequest struct {
	Force bool `json:"force"`
}

type sessionResponse struct {
	ID                     uuid.UUID        `json:"id"`
	AccountID              uuid.UUID        `json:"accountId"`
	StatementDate          string           `json:"statementDate"`
	StatementEndingBalance decimal.Decimal  `json:"statementEndingBalance"`
	Status                 SessionStatus    `json:"status"`
	Difference             *decimal.Decimal `json:"difference,omitempty"`
}

type lineResponse struct {
	ID          uuid.UUID       `json:"id"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Status      LineStatus      `json:"status"`
	MatchedTxID *uuid.UUID      `json:"matchedTxId,omitempty"`
}

type bookTxResponse struct {
	ID          uuid.UUID       `json:"id"`
	EntryID     uuid.UUID       `json:"entryId"`
	PostingDate string          `json:"postingDate"`
	Memo        string          `json:"memo"`
	Amount      decimal.Decimal `json:"amount"`
}

func toSessionResponse(s Session) sessionResponse {
	return sessionResponse{
		ID:                     s.ID,
		AccountID:              s.AccountID,
		StatementDate:          s.StatementDate.Format(time.DateOnly),
		StatementEndingBalance: s.StatementEndingBalance,
		Status:                 s.Status,
		Difference:             s.Difference,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var accountID uuid.UUID
	if v := r.URL.Query().Get("accountId"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
			return
		}
		accountID = parsed
	}
	sessions, err := h.service.ListSessions(r.Context(), tenantID, accountID)
	if err != nil {
		h.logger.Error("list sessions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	statementDate, err := time.Parse(time.DateOnly, req.StatementDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "statementDate must be YYYY-MM-DD")
		return
	}
	s, err := h.service.CreateSession(r.Context(), CreateSessionInput{
		TenantID:               tenantID,
		AccountID:              req.AccountID,
		StatementDate:          statementDate,
		StatementEndingBalance: req.StatementEndingBalance,
		ActorID:                shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSessionResponse(s))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	s, err := h.service.GetSession(r.Context(), tenantID, sessionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) lines(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	lines, err := h.service.ListLines(r.Context(), tenantID, sessionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]lineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineResponse{
			ID:          l.ID,
			Date:        l.Date.Format(time.DateOnly),
			Description: l.Description,
			Amount:      l.Amount,
			Status:      l.Status,
			MatchedTxID: l.MatchedTxID,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) bookTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	txs, err := h.service.BookTransactions(r.Context(), tenantID, sessionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]bookTxResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, bookTxResponse{
			ID:          tx.ID,
			EntryID:     tx.EntryID,
			PostingDate: tx.PostingDate.Format(time.DateOnly),
			Memo:        tx.Memo,
			Amount:      tx.Amount,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// importLines accepts the raw statement as text/csv in the request body.
func (h *Handler) importLines(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unreadable body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "empty statement")
		return
	}
	imported, err := h.service.ImportLines(r.Context(), tenantID, sessionID, string(body), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("import lines", slog.String("session", sessionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func (h *Handler) match(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	var req matchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Match(r.Context(), tenantID, sessionID, req.LineID, req.BookTxID, shared.ActorFromContext(r.Context())); err != nil {
		h.logger.Warn("match", slog.String("session", sessionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unmatch(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	var req unmatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Unmatch(r.Context(), tenantID, sessionID, req.LineID, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) autoMatch(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	result, err := h.service.AutoMatch(r.Context(), tenantID, sessionID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("auto match", slog.String("session", sessionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{
		"matched":   result.Matched,
		"remaining": result.Remaining,
	})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
			return
		}
	}
	s, err := h.service.Complete(r.Context(), tenantID, sessionID, req.Force, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("complete", slog.String("session", sessionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) abandon(w http.ResponseWriter, r *http.Request) {
	tenantID, sessionID, ok := sessionScope(w, r)
	if !ok {
		return
	}
	s, err := h.service.Abandon(r.Context(), tenantID, sessionID, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSessionResponse(s))
}

func tenantScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return uuid.Nil, false
	}
	return tenantID, true
}

func sessionScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid session id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, sessionID, true
}
