package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/metrics"
)

// promauto registers on the default registry, so the collector is shared
// across tests.
var testCollector = metrics.NewCollector()

func newTestRouter(t *testing.T, ready func() error) *mux.Router {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{Debug: true}

	handlers := NewHandlers(nil, nil, nil, nil, testCollector, cfg, logger, ready)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, func() error { return nil })

	for _, path := range []string{"/health", "/health/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "healthy")
	}
}

func TestReadinessCheck(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		router := newTestRouter(t, func() error { return nil })
		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ready")
	})

	t.Run("not ready", func(t *testing.T) {
		router := newTestRouter(t, func() error { return fmt.Errorf("database down") })
		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "database down")
	})
}

func TestTreatDataRejectsInvalidDocument(t *testing.T) {
	router := newTestRouter(t, func() error { return nil })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/treat-data",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid ingestion document")
}

func TestQueryEndpointsRejectInvalidFilters(t *testing.T) {
	router := newTestRouter(t, func() error { return nil })

	paths := []string{
		"/api/v1/events/query",
		"/api/v1/annotations/query",
		"/api/v1/sources/query",
		"/api/v1/explicit-refs/query",
		"/api/v1/alerts/sources/query",
		"/api/v1/alerts/events/query",
		"/api/v1/alerts/explicit-refs/query",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("[broken"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}
