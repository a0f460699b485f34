package sequence

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tessera-pos/tessera-pos/internal/platform/httpx"
)

// Handler exposes read access to the counters for back-office inspection.
// Numbers are only ever minted through Next; there is no write route here.
type Handler struct {
	logger *slog.Logger
	gen    *Generator
}

// NewHandler constructs the sequence handler.
func NewHandler(logger *slog.Logger, gen *Generator) *Handler {
	return &Handler{logger: logger, gen: gen}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{name}", h.current)
}

type counterResponse struct {
	Counter string `json:"counter"`
	Current int64  `json:"current"`
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, err := h.gen.Current(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			h.logger.Error("read counter", slog.String("name", name), slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Counter Unavailable", "counter storage unavailable")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Counter", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, counterResponse{Counter: name, Current: value})
}
