package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wms-platform/occupation-service/internal/application"
	"github.com/wms-platform/occupation-service/internal/conflict"
	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/internal/infrastructure/memory"
	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/middleware"
)

type stubService struct {
	beginFn     func(context.Context, application.BeginCommand) (*application.OccupationDTO, error)
	suspendFn   func(context.Context, application.SuspendCommand) (*application.OccupationDTO, error)
	finishFn    func(context.Context, application.FinishCommand) (*application.OccupationDTO, error)
	getStatusFn func(context.Context, application.GetStatusQuery) (*application.WorkUnitStatusDTO, error)
	getLockFn   func(context.Context, application.GetLockQuery) (*application.LockDTO, error)
	heartbeatFn func(context.Context, application.HeartbeatCommand) (*application.LockDTO, error)
}

func (s *stubService) Begin(ctx context.Context, cmd application.BeginCommand) (*application.OccupationDTO, error) {
	if s.beginFn != nil {
		return s.beginFn(ctx, cmd)
	}
	return &application.OccupationDTO{}, nil
}

func (s *stubService) Suspend(ctx context.Context, cmd application.SuspendCommand) (*application.OccupationDTO, error) {
	if s.suspendFn != nil {
		return s.suspendFn(ctx, cmd)
	}
	return &application.OccupationDTO{}, nil
}

func (s *stubService) Finish(ctx context.Context, cmd application.FinishCommand) (*application.OccupationDTO, error) {
	if s.finishFn != nil {
		return s.finishFn(ctx, cmd)
	}
	return &application.OccupationDTO{}, nil
}

func (s *stubService) GetStatus(ctx context.Context, query application.GetStatusQuery) (*application.WorkUnitStatusDTO, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, query)
	}
	return &application.WorkUnitStatusDTO{}, nil
}

func (s *stubService) GetLock(ctx context.Context, query application.GetLockQuery) (*application.LockDTO, error) {
	if s.getLockFn != nil {
		return s.getLockFn(ctx, query)
	}
	return nil, nil
}

func (s *stubService) Heartbeat(ctx context.Context, cmd application.HeartbeatCommand) (*application.LockDTO, error) {
	if s.heartbeatFn != nil {
		return s.heartbeatFn(ctx, cmd)
	}
	return &application.LockDTO{WorkUnitID: cmd.WorkUnitID, Owner: cmd.WorkerID}, nil
}

func (s *stubService) HotSpots(context.Context) *application.HotSpotsDTO {
	return &application.HotSpotsDTO{Threshold: conflict.HotSpotThreshold, HotSpots: []conflict.ConflictMetrics{}}
}

type apiError struct {
	Code      string            `json:"code"`
	Details   map[string]string `json:"details"`
	Retryable bool              `json:"retryable"`
}

func newRouter(svc OccupationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := middleware.DefaultConfig("occupation-service", logging.NewNop().Logger)
	cfg.EnableTracing = false
	cfg.ErrorMapper = application.ToAppError
	middleware.Setup(router, cfg)

	NewOccupationHandler(svc, logging.NewNop()).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func post(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var out apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestBegin_PassesCommand(t *testing.T) {
	var got application.BeginCommand
	router := newRouter(&stubService{beginFn: func(_ context.Context, cmd application.BeginCommand) (*application.OccupationDTO, error) {
		got = cmd
		return &application.OccupationDTO{WorkUnitID: cmd.WorkUnitID, State: "IN_PROGRESS"}, nil
	}})

	rec := post(t, router, "/api/v1/work-units/WU-1/operations/assembly/begin", `{"workerId":"W-A"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, application.BeginCommand{WorkUnitID: "WU-1", Operation: domain.OperationAssembly, WorkerID: "W-A"}, got)
	assert.Contains(t, rec.Body.String(), `"state":"IN_PROGRESS"`)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

func TestBegin_Validation(t *testing.T) {
	called := false
	router := newRouter(&stubService{beginFn: func(context.Context, application.BeginCommand) (*application.OccupationDTO, error) {
		called = true
		return &application.OccupationDTO{}, nil
	}})

	tests := []struct {
		name  string
		path  string
		body  string
		field string
	}{
		{"missing worker", "/api/v1/work-units/WU-1/operations/assembly/begin", `{}`, "workerId"},
		{"bad worker", "/api/v1/work-units/WU-1/operations/assembly/begin", `{"workerId":"  "}`, "workerId"},
		{"bad operation", "/api/v1/work-units/WU-1/operations/Assembly!/begin", `{"workerId":"W-A"}`, "operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, router, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", body.Code)
			assert.Contains(t, body.Details, tt.field)
		})
	}
	assert.False(t, called)
}

func TestVerbs_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"occupied", &domain.AlreadyOccupiedError{WorkUnitID: "WU-1", CurrentOwner: "W-B"}, http.StatusConflict, "CONFLICT", true},
		{"version", &domain.VersionConflictError{WorkUnitID: "WU-1", Expected: "v1", Actual: "v2"}, http.StatusConflict, "VERSION_CONFLICT", true},
		{"not owner", domain.ErrNotAuthorized, http.StatusForbidden, "FORBIDDEN", false},
		{"expired", domain.ErrLockExpired, http.StatusForbidden, "LOCK_EXPIRED", false},
		{"transition", &domain.InvalidTransitionError{From: domain.StatePending, Event: domain.EventPause}, http.StatusUnprocessableEntity, "INVALID_TRANSITION", false},
		{"missing", domain.ErrWorkUnitNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND", false},
		{"store down", domain.Unavailable("records", assert.AnError), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&stubService{finishFn: func(context.Context, application.FinishCommand) (*application.OccupationDTO, error) {
				return nil, tt.err
			}})

			rec := post(t, router, "/api/v1/work-units/WU-1/operations/weld/finish", `{"workerId":"W-A"}`)

			require.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.retryable, body.Retryable)
		})
	}
}

func TestGetLock_FreeUnit(t *testing.T) {
	router := newRouter(&stubService{})

	rec := get(router, "/api/v1/work-units/WU-1/lock")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"locked":false,"lock":null}}`, rec.Body.String())
}

func TestHeartbeat(t *testing.T) {
	var got application.HeartbeatCommand
	expires := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	router := newRouter(&stubService{heartbeatFn: func(_ context.Context, cmd application.HeartbeatCommand) (*application.LockDTO, error) {
		got = cmd
		if cmd.WorkUnitID == "WU-P" {
			return nil, lock.ErrExtendUnsupported
		}
		return &application.LockDTO{WorkUnitID: cmd.WorkUnitID, Owner: cmd.WorkerID, ExpiresAt: &expires}, nil
	}})

	rec := post(t, router, "/api/v1/work-units/WU-1/heartbeat", `{"workerId":"W-A"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, application.HeartbeatCommand{WorkUnitID: "WU-1", WorkerID: "W-A"}, got)
	assert.Contains(t, rec.Body.String(), `"expiresAt":"2026-03-01T09:00:00Z"`)

	rec = post(t, router, "/api/v1/work-units/WU-P/heartbeat", `{"workerId":"W-A"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decodeError(t, rec).Retryable)

	rec = post(t, router, "/api/v1/work-units/WU-1/heartbeat", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
}

func TestHotSpots(t *testing.T) {
	router := newRouter(&stubService{})

	rec := get(router, "/api/v1/conflicts/hot-spots")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"threshold":`)
}

func TestUnknownRoute(t *testing.T) {
	rec := get(newRouter(&stubService{}), "/api/v1/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", decodeError(t, rec).Code)
}

func TestOccupationAPI_EndToEnd(t *testing.T) {
	ready := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	records := memory.NewRecordStore()
	records.Put(&domain.WorkUnit{ID: "WU-9", Version: "v0", MaterialsReadyAt: &ready})

	logger := logging.NewNop()
	locks := lock.NewManager(lock.NewMemoryStore(), lock.RecordOccupants(records), lock.DefaultConfig(), logger)
	resolver := conflict.NewResolver(records, conflict.DefaultRetryPolicy(), conflict.NewMetrics(), logger)
	svc := application.NewOccupationService(records, locks, resolver, nopSink{}, logger)
	router := newRouter(svc)

	rec := post(t, router, "/api/v1/work-units/WU-9/operations/assembly/begin", `{"workerId":"W-A"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(t, router, "/api/v1/work-units/WU-9/operations/assembly/begin", `{"workerId":"W-B"}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "W-A", decodeError(t, rec).Details["currentOwner"])

	rec = get(router, "/api/v1/work-units/WU-9/lock")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owner":"W-A"`)
	assert.NotContains(t, rec.Body.String(), "token")

	rec = post(t, router, "/api/v1/work-units/WU-9/operations/assembly/finish", `{"workerId":"W-A"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = get(router, "/api/v1/work-units/WU-9")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data application.WorkUnitStatusDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	states := map[string]string{}
	events := map[string][]string{}
	for _, op := range status.Data.Operations {
		states[op.Operation] = op.State
		events[op.Operation] = op.Events
	}
	assert.Equal(t, "COMPLETED", states["assembly"])
	assert.Equal(t, "PENDING", states["weld"])
	assert.Empty(t, events["assembly"])
	assert.Equal(t, []string{"begin"}, events["weld"])
	assert.Empty(t, status.Data.Occupant)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, domain.DomainEvent) error { return nil }
