package sales

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tessera-pos/tessera-pos/internal/history"
	"github.com/tessera-pos/tessera-pos/internal/ledger"
	"github.com/tessera-pos/tessera-pos/internal/platform/httpx"
	"github.com/tessera-pos/tessera-pos/internal/shared"
)

// Handler wires HTTP endpoints for sale and repair transactions.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	trail    *history.Service
	validate *validator.Validate
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service, trail *history.Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		trail:    trail,
		validate: validator.New(),
	}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sales", h.list)
	r.Post("/sales", h.create)
	r.Get("/sales/{id}", h.get)
	r.Get("/sales/{id}/history", h.getHistory)
	r.Get("/sales/{id}/receipt", h.getReceipt)
	r.Post("/sales/{id}/return", h.processReturn)
	r.Post("/sales/{id}/line-items/{itemID}/adjust", h.adjustLineItem)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromRequest(r)
	if actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Actor", "actor identifier required")
		return
	}
	var input CreateSaleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	t, err := h.service.CreateSale(r.Context(), input, actor)
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	transactions, total, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"pagination":   shared.NewPagination(offset/limit+1, limit, total),
	})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.trail.List(r.Context(), t.EntityID(), limit)
	if err != nil {
		h.logger.Error("list history", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice_number": t.InvoiceNumber,
		"lines":          ReceiptLines(t),
	})
}

func (h *Handler) processReturn(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromRequest(r)
	if actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Actor", "actor identifier required")
		return
	}
	var input ProcessReturnInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	counterpart, err := h.service.ProcessReturn(r.Context(), chi.URLParam(r, "id"), input.ReturnType, actor)
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, counterpart)
}

func (h *Handler) adjustLineItem(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromRequest(r)
	if actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Actor", "actor identifier required")
		return
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Line Item", "line item id must be numeric")
		return
	}
	var input AdjustLineItemInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	t, err := h.service.AdjustLineItem(r.Context(), chi.URLParam(r, "id"), itemID, input, actor)
	if err != nil {
		h.respondSalesError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) respondSalesError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsKind(err, KindNotFound), ledger.IsKind(err, ledger.KindNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case IsKind(err, KindPaymentMismatch):
		httpx.FieldProblem(w, http.StatusBadRequest, "Payment Mismatch", err.Error(), "payments")
	case IsKind(err, KindInvalidQuantity), ledger.IsKind(err, ledger.KindInvalidQuantity):
		httpx.FieldProblem(w, http.StatusBadRequest, "Invalid Quantity", err.Error(), "quantity")
	case ledger.IsKind(err, ledger.KindInsufficientStock):
		httpx.FieldProblem(w, http.StatusConflict, "Insufficient Stock", err.Error(), "quantity")
	case IsKind(err, KindConflict), ledger.IsKind(err, ledger.KindConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("sales operation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
