package api

import (
	"context"
	"errors"
	"net/http"

	"ledgersync/internal/dto/req"
	"ledgersync/internal/dto/resp"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/internal/service"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SyncEngine interface {
	Enqueue(ctx context.Context, req v1.EnqueueRequest) (*v1.EnqueueResult, error)
	Get(ctx context.Context, id string) (*model.Operation, error)
	FailedItems(ctx context.Context, limit int) ([]model.Operation, error)
	DeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]model.DeadLetterEntry, error)
	Stats(ctx context.Context) (*v1.Stats, error)
	TriggerManualSync()
}

type DeadLetterRescuer interface {
	Rescue(ctx context.Context) (*service.RescueReport, error)
	Reinstate(ctx context.Context, id uint64, by string) (string, error)
	Discard(ctx context.Context, id uint64, by string) error
}

type OperationHandler struct {
	engine SyncEngine
	rescue DeadLetterRescuer
}

func NewOperationHandler(engine SyncEngine, rescue DeadLetterRescuer) *OperationHandler {
	return &OperationHandler{engine: engine, rescue: rescue}
}

func (h *OperationHandler) Enqueue(c *gin.Context) {
	var body v1.EnqueueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
		if body.UserID == "" {
			body.UserID = op.UserID
		}
		// operators bound to a business can only write into it
		if op.OwnerID != "" {
			body.OwnerID = op.OwnerID
		}
	}

	result, err := h.engine.Enqueue(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOperation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *OperationHandler) GetOperation(c *gin.Context) {
	op, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp.NewOperationItem(op))
}

func (h *OperationHandler) ListFailed(c *gin.Context) {
	var q req.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}

	ops, err := h.engine.FailedItems(c.Request.Context(), q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]resp.OperationItem, 0, len(ops))
	for i := range ops {
		items = append(items, resp.NewOperationItem(&ops[i]))
	}
	c.JSON(http.StatusOK, resp.OperationList{Items: items})
}

func (h *OperationHandler) TriggerSync(c *gin.Context) {
	h.engine.TriggerManualSync()
	c.JSON(http.StatusAccepted, gin.H{"message": "sync triggered"})
}

func (h *OperationHandler) Stats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *OperationHandler) ListDeadLetters(c *gin.Context) {
	var q req.DeadLetterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}

	entries, err := h.engine.DeadLetters(c.Request.Context(), q.Unresolved, q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	c.JSON(http.StatusOK, resp.DeadLetterList{Items: entries})
}

func (h *OperationHandler) RescueDeadLetters(c *gin.Context) {
	report, err := h.rescue.Rescue(c.Request.Context())
	if err != nil {
		logger.Error("rescue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report.Skipped {
		c.JSON(http.StatusConflict, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *OperationHandler) ReinstateDeadLetter(c *gin.Context) {
	var uri req.DeadLetterURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	operator := service.GetOperator(c.Request.Context())
	id, err := h.rescue.Reinstate(c.Request.Context(), uri.ID, operator)
	if err != nil {
		writeDeadLetterError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.ReinstateResp{OperationID: id})
}

func (h *OperationHandler) DiscardDeadLetter(c *gin.Context) {
	var uri req.DeadLetterURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	operator := service.GetOperator(c.Request.Context())
	if err := h.rescue.Discard(c.Request.Context(), uri.ID, operator); err != nil {
		writeDeadLetterError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeDeadLetterError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrDeadLetterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
	case errors.Is(err, repository.ErrDeadLetterResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "dead letter already resolved"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
