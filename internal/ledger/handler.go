package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tessera-pos/tessera-pos/internal/history"
	"github.com/tessera-pos/tessera-pos/internal/platform/httpx"
	"github.com/tessera-pos/tessera-pos/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	trail    *history.Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, trail *history.Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		trail:    trail,
		validate: validator.New(),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
	r.Get("/products/{id}/history", h.getHistory)
	r.Post("/products/{id}/sell", h.movement(h.service.Sell))
	r.Post("/products/{id}/restock", h.movement(h.service.Restock))
	r.Post("/products/{id}/write-off", h.movement(h.service.WriteOffDamaged))
	r.Post("/products/{id}/register-return", h.movement(h.service.RegisterReturn))
	r.Post("/products/{id}/release-return", h.movement(h.service.ReleaseReturn))
	r.Post("/products/{id}/undo-return", h.movement(h.service.UndoReturn))
}

type movementRequest struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) movement(op func(ctx context.Context, productID, qty int64, actor string) (Product, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Product", "product id must be numeric")
			return
		}
		actor := shared.ActorFromRequest(r)
		if actor == "" {
			httpx.Problem(w, http.StatusBadRequest, "Missing Actor", "actor identifier required")
			return
		}
		var req movementRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}

		product, err := op(r.Context(), id, req.Quantity, actor)
		if err != nil {
			h.respondLedgerError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, product)
	}
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromRequest(r)
	if actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Actor", "actor identifier required")
		return
	}
	var input CreateProductInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	product, err := h.service.CreateProduct(r.Context(), input, actor)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Product", "product id must be numeric")
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	products, err := h.service.ListProducts(r.Context(), limit, offset)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": products})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Product", "product id must be numeric")
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.trail.List(r.Context(), product.EntityID(), limit)
	if err != nil {
		h.logger.Error("list history", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsKind(err, KindNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case IsKind(err, KindInvalidQuantity):
		httpx.FieldProblem(w, http.StatusBadRequest, "Invalid Quantity", err.Error(), "quantity")
	case IsKind(err, KindInsufficientStock):
		httpx.FieldProblem(w, http.StatusConflict, "Insufficient Stock", err.Error(), "quantity")
	case IsKind(err, KindConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("ledger operation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
