package period

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/ledgerd/internal/platform/httpx"
	"github.com/meridian-erp/ledgerd/internal/shared"
)

type periodService interface {
	CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error)
	GetPeriod(ctx context.Context, tenantID, id uuid.UUID) (Period, error)
	ListPeriods(ctx context.Context, tenantID uuid.UUID, year int) ([]Period, error)
	SoftClose(ctx context.Context, tenantID, periodID uuid.UUID, actorID string) (Period, error)
	HardClose(ctx context.Context, tenantID, periodID uuid.UUID, actorID string) (Period, error)
	Reopen(ctx context.Context, tenantID, periodID uuid.UUID, actorID, reason string) (Period, error)
}

// Handler wires HTTP endpoints for the period lifecycle.
type Handler struct {
	logger   *slog.Logger
	service  periodService
	validate *validator.Validate
}

// NewHandler constructs a period HTTP handler.
func NewHandler(logger *slog.Logger, service periodService) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches period routes under the tenant scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{periodID}", h.get)
		r.Post("/{periodID}/soft-close", h.softClose)
		r.Post("/{periodID}/hard-close", h.hardClose)
		r.Post("/{periodID}/reopen", h.reopen)
	})
}

type createPeriodRequest struct {
	Year  int `json:"year" validate:"required,gte=1900,lte=9999"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type periodResponse struct {
	ID        uuid.UUID          `json:"id"`
	Year      int                `json:"year"`
	Month     int                `json:"month"`
	StartDate string             `json:"startDate"`
	EndDate   string             `json:"endDate"`
	Status    Status             `json:"status"`
	Checklist *ChecklistSnapshot `json:"checklist,omitempty"`
	Totals    *LockedTotals      `json:"totals,omitempty"`
}

func toPeriodResponse(p Period) periodResponse {
	return periodResponse{
		ID:        p.ID,
		Year:      p.Year,
		Month:     int(p.Month),
		StartDate: p.StartDate.Format(time.DateOnly),
		EndDate:   p.EndDate.Format(time.DateOnly),
		Status:    p.Status,
		Checklist: p.Checklist,
		Totals:    p.Totals,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return
	}
	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	periods, err := h.service.ListPeriods(r.Context(), tenantID, year)
	if err != nil {
		h.logger.Error("list periods", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return
	}
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	p, err := h.service.CreatePeriod(r.Context(), CreatePeriodInput{
		TenantID: tenantID,
		Year:     req.Year,
		Month:    time.Month(req.Month),
		ActorID:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPeriodResponse(p))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, periodID, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPeriod(r.Context(), tenantID, periodID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) softClose(w http.ResponseWriter, r *http.Request) {
	tenantID, periodID, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.service.SoftClose(r.Context(), tenantID, periodID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("soft close", slog.String("period", periodID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) hardClose(w http.ResponseWriter, r *http.Request) {
	tenantID, periodID, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.service.HardClose(r.Context(), tenantID, periodID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("hard close", slog.String("period", periodID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	tenantID, periodID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req reopenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	p, err := h.service.Reopen(r.Context(), tenantID, periodID, shared.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return uuid.Nil, uuid.Nil, false
	}
	periodID, err := uuid.Parse(chi.URLParam(r, "periodID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, periodID, true
}
