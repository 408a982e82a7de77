package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wms-platform/occupation-service/pkg/errors"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/metrics"
)

func newTestRouter(mutate func(*Config)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := DefaultConfig("test-service", logging.NewNop().Logger)
	cfg.EnableTracing = false
	if mutate != nil {
		mutate(cfg)
	}
	Setup(router, cfg)
	return router
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIErrorResponse {
	t.Helper()
	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID_PropagatesHeader(t *testing.T) {
	router := newTestRouter(nil)
	var inContext string
	router.GET("/ping", func(c *gin.Context) {
		inContext, _ = c.Request.Context().Value(logging.RequestIDKey).(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := serve(router, req)

	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, "req-123", inContext)
}

func TestErrorHandler_DefaultMapper(t *testing.T) {
	router := newTestRouter(nil)
	router.GET("/conflict", WrapHandler(func(*gin.Context) error {
		return apperrors.ErrConflict("held by W-B").WithDetail("currentOwner", "W-B")
	}))
	router.GET("/plain", WrapHandler(func(*gin.Context) error {
		return errors.New("boom")
	}))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, apperrors.CodeConflict, body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "W-B", body.Details["currentOwner"])
	assert.Equal(t, "/conflict", body.Path)
	assert.NotEmpty(t, body.RequestID)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeInternalError, decode(t, rec).Code)
}

func TestErrorHandler_CustomMapper(t *testing.T) {
	sentinel := errors.New("lock gone")
	router := newTestRouter(func(cfg *Config) {
		cfg.ErrorMapper = func(err error) *apperrors.AppError {
			if errors.Is(err, sentinel) {
				return apperrors.ErrLockExpired("lock expired")
			}
			return apperrors.FromError(err)
		}
	})
	router.POST("/finish", WrapHandler(func(*gin.Context) error { return sentinel }))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/finish", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, apperrors.CodeLockExpired, body.Code)
	assert.False(t, body.Retryable)
}

func TestRecovery(t *testing.T) {
	router := newTestRouter(nil)
	router.GET("/panic", func(*gin.Context) { panic("slot table corrupted") })

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeInternalError, decode(t, rec).Code)
}

func TestContentType(t *testing.T) {
	router := newTestRouter(nil)
	router.POST("/begin", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/begin", bytes.NewBufferString(`workerId=W-A`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(router, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/begin", bytes.NewBufferString(`{"workerId":"W-A"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = serve(router, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	t.Run("allow list echoes the origin", func(t *testing.T) {
		router := newTestRouter(func(cfg *Config) { cfg.CORSOrigins = []string{"http://floor.local"} })
		router.POST("/begin", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodOptions, "/begin", nil)
		req.Header.Set("Origin", "http://floor.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := serve(router, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://floor.local", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

		req = httptest.NewRequest(http.MethodOptions, "/begin", nil)
		req.Header.Set("Origin", "http://elsewhere.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec = serve(router, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("empty list allows any origin", func(t *testing.T) {
		router := newTestRouter(nil)
		router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", "http://anywhere.example")
		rec := serve(router, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Length")
	})
}

func TestTimeout_SetsDeadline(t *testing.T) {
	router := newTestRouter(func(cfg *Config) { cfg.RequestTimeout = time.Second })
	var deadline time.Time
	var ok bool
	router.GET("/slow", func(c *gin.Context) {
		deadline, ok = c.Request.Context().Deadline()
		c.Status(http.StatusOK)
	})

	serve(router, httptest.NewRequest(http.MethodGet, "/slow", nil))

	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestNoRouteAndNoMethod(t *testing.T) {
	router := newTestRouter(nil)
	router.GET("/only-get", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", decode(t, rec).Code)

	rec = serve(router, httptest.NewRequest(http.MethodDelete, "/only-get", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decode(t, rec).Code)
}

func TestReadinessCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := true
	router := gin.New()
	router.GET("/ready", ReadinessCheck("test-service", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("redis unreachable")
	}))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unreachable")
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig("test-service"))
	router := newTestRouter(func(cfg *Config) { cfg.Metrics = m })
	router.GET("/work-units/:workUnitId", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", MetricsEndpoint(m))

	serve(router, httptest.NewRequest(http.MethodGet, "/work-units/WU-1", nil))
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/work-units/:workUnitId"`)
	assert.NotContains(t, rec.Body.String(), "WU-1")
}

type verbBody struct {
	WorkUnitID string `json:"workUnitId" validate:"required,work_unit_id"`
	WorkerID   string `json:"workerId" validate:"required,worker_id"`
	Operation  string `json:"operation" validate:"required,operation"`
}

func TestValidateStruct_CustomTags(t *testing.T) {
	InitValidator()

	assert.Nil(t, ValidateStruct(&verbBody{WorkUnitID: "WU-1", WorkerID: "W-A", Operation: "assembly"}))

	appErr := ValidateStruct(&verbBody{WorkUnitID: "WU 1", WorkerID: "", Operation: "Weld"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.CodeValidationError, appErr.Code)
	assert.Equal(t, "is required", appErr.Details["workerId"])
	assert.Contains(t, appErr.Details, "workUnitId")
	assert.Equal(t, "must be a lowercase operation name", appErr.Details["operation"])
}
