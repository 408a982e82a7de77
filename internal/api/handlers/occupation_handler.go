package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wms-platform/occupation-service/internal/application"
	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/errors"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/middleware"
)

// OccupationService is the application surface the handler drives
type OccupationService interface {
	Begin(ctx context.Context, cmd application.BeginCommand) (*application.OccupationDTO, error)
	Suspend(ctx context.Context, cmd application.SuspendCommand) (*application.OccupationDTO, error)
	Finish(ctx context.Context, cmd application.FinishCommand) (*application.OccupationDTO, error)
	GetStatus(ctx context.Context, query application.GetStatusQuery) (*application.WorkUnitStatusDTO, error)
	GetLock(ctx context.Context, query application.GetLockQuery) (*application.LockDTO, error)
	Heartbeat(ctx context.Context, cmd application.HeartbeatCommand) (*application.LockDTO, error)
	HotSpots(ctx context.Context) *application.HotSpotsDTO
}

// OccupationHandler handles HTTP requests for work unit occupation
type OccupationHandler struct {
	service OccupationService
	logger  *logging.Logger
}

// NewOccupationHandler creates a new OccupationHandler
func NewOccupationHandler(service OccupationService, logger *logging.Logger) *OccupationHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &OccupationHandler{
		service: service,
		logger:  logger.WithComponent("occupation-handler"),
	}
}

// verbRequest is the body of the BEGIN, SUSPEND and FINISH endpoints
type verbRequest struct {
	WorkerID string `json:"workerId" binding:"required,worker_id"`
}

// verbPath is bound from the route parameters
type verbPath struct {
	WorkUnitID string `uri:"workUnitId" json:"workUnitId" binding:"required,work_unit_id"`
	Operation  string `uri:"operation" json:"operation" binding:"required,operation"`
}

// RegisterRoutes mounts the occupation API under group. Handler errors are
// rendered by middleware.ErrorHandler.
func (h *OccupationHandler) RegisterRoutes(group *gin.RouterGroup) {
	units := group.Group("/work-units/:workUnitId")
	{
		units.GET("", middleware.WrapHandler(h.GetStatus))
		units.GET("/lock", middleware.WrapHandler(h.GetLock))
		units.POST("/heartbeat", middleware.WrapHandler(h.Heartbeat))
		units.POST("/operations/:operation/begin", middleware.WrapHandler(h.Begin))
		units.POST("/operations/:operation/suspend", middleware.WrapHandler(h.Suspend))
		units.POST("/operations/:operation/finish", middleware.WrapHandler(h.Finish))
	}
	group.GET("/conflicts/hot-spots", h.HotSpots)
}

func (h *OccupationHandler) bindVerb(c *gin.Context) (verbPath, verbRequest, error) {
	var path verbPath
	var body verbRequest

	if err := c.ShouldBindUri(&path); err != nil {
		return path, body, errors.ErrValidationWithFields("invalid path", middleware.ValidationErrorFormatter(err))
	}
	if appErr := middleware.BindAndValidate(c, &body); appErr != nil {
		return path, body, appErr
	}
	c.Request = c.Request.WithContext(logging.ContextWithWorkerID(c.Request.Context(), body.WorkerID))
	return path, body, nil
}

// Begin handles POST /api/v1/work-units/:workUnitId/operations/:operation/begin
func (h *OccupationHandler) Begin(c *gin.Context) error {
	path, body, err := h.bindVerb(c)
	if err != nil {
		return err
	}

	result, err := h.service.Begin(c.Request.Context(), application.BeginCommand{
		WorkUnitID: path.WorkUnitID,
		Operation:  domain.OperationType(path.Operation),
		WorkerID:   body.WorkerID,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
	return nil
}

// Suspend handles POST /api/v1/work-units/:workUnitId/operations/:operation/suspend
func (h *OccupationHandler) Suspend(c *gin.Context) error {
	path, body, err := h.bindVerb(c)
	if err != nil {
		return err
	}

	result, err := h.service.Suspend(c.Request.Context(), application.SuspendCommand{
		WorkUnitID: path.WorkUnitID,
		Operation:  domain.OperationType(path.Operation),
		WorkerID:   body.WorkerID,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
	return nil
}

// Finish handles POST /api/v1/work-units/:workUnitId/operations/:operation/finish
func (h *OccupationHandler) Finish(c *gin.Context) error {
	path, body, err := h.bindVerb(c)
	if err != nil {
		return err
	}

	result, err := h.service.Finish(c.Request.Context(), application.FinishCommand{
		WorkUnitID: path.WorkUnitID,
		Operation:  domain.OperationType(path.Operation),
		WorkerID:   body.WorkerID,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
	return nil
}

// GetStatus handles GET /api/v1/work-units/:workUnitId
func (h *OccupationHandler) GetStatus(c *gin.Context) error {
	result, err := h.service.GetStatus(c.Request.Context(), application.GetStatusQuery{
		WorkUnitID: c.Param("workUnitId"),
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
	return nil
}

// GetLock handles GET /api/v1/work-units/:workUnitId/lock. A free unit
// answers 200 with a null lock.
func (h *OccupationHandler) GetLock(c *gin.Context) error {
	result, err := h.service.GetLock(c.Request.Context(), application.GetLockQuery{
		WorkUnitID: c.Param("workUnitId"),
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"locked": result != nil, "lock": result}})
	return nil
}

// heartbeatPath is bound from the route parameters
type heartbeatPath struct {
	WorkUnitID string `uri:"workUnitId" json:"workUnitId" binding:"required,work_unit_id"`
}

// Heartbeat handles POST /api/v1/work-units/:workUnitId/heartbeat
func (h *OccupationHandler) Heartbeat(c *gin.Context) error {
	var path heartbeatPath
	if err := c.ShouldBindUri(&path); err != nil {
		return errors.ErrValidationWithFields("invalid path", middleware.ValidationErrorFormatter(err))
	}
	var body verbRequest
	if appErr := middleware.BindAndValidate(c, &body); appErr != nil {
		return appErr
	}

	result, err := h.service.Heartbeat(c.Request.Context(), application.HeartbeatCommand{
		WorkUnitID: path.WorkUnitID,
		WorkerID:   body.WorkerID,
	})
	if err != nil {
		return err
	}
	h.logger.Debug("Lease renewed", "workUnitId", path.WorkUnitID, "workerId", body.WorkerID)
	c.JSON(http.StatusOK, gin.H{"data": result})
	return nil
}

// HotSpots handles GET /api/v1/conflicts/hot-spots
func (h *OccupationHandler) HotSpots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.service.HotSpots(c.Request.Context())})
}
