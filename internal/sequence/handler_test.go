package sequence

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(store Store) chi.Router {
	handler := NewHandler(slog.Default(), NewGenerator(store))
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestHandlerCurrentReflectsIssuedNumbers(t *testing.T) {
	store := newMemoryStore()
	gen := NewGenerator(store)
	ctx := context.Background()
	_, err := gen.Next(ctx, "invoice")
	require.NoError(t, err)
	_, err = gen.Next(ctx, "invoice")
	require.NoError(t, err)

	r := newTestRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/invoice", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Counter string `json:"counter"`
		Current int64  `json:"current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invoice", resp.Counter)
	assert.EqualValues(t, 2, resp.Current)
}

func TestHandlerCurrentUnusedCounterIsZero(t *testing.T) {
	r := newTestRouter(newMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/job", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current":0`)
}

func TestHandlerCurrentStorageDown(t *testing.T) {
	store := newMemoryStore()
	store.fail = true
	r := newTestRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/invoice", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
