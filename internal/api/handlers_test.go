package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-exchange-core/internal/admin"
	"energy-exchange-core/internal/storage"
)

type stubEpochController struct {
	forceClearErr error
}

func (s *stubEpochController) ForceClear(_ context.Context, _ string) error { return s.forceClearErr }
func (s *stubEpochController) Pause()                                      {}
func (s *stubEpochController) Resume()                                     {}

func newTestHandler() *Handler {
	logger := logrus.New()
	logger.SetOutput(nullWriter{})
	store := storage.NewMemoryStore()
	adminController := admin.NewController(&stubEpochController{}, store, logger)
	return NewHandler(adminController, logger)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHealthCheckReportsHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler()

	router := gin.New()
	router.GET("/healthz", h.HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestForceClearEpochDelegatesToAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler()

	router := gin.New()
	router.POST("/admin/v1/epochs/:id/trigger", h.ForceClearEpoch)

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/epochs/epoch-1/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler()

	router := gin.New()
	router.Use(h.CORSMiddleware())
	router.GET("/healthz", h.HealthCheck)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
