package api

import (
	"context"
	"net/http"
	"time"

	"ledgersync/internal/dto/resp"
	v1 "ledgersync/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	PingContext(ctx context.Context) error
}

type RemoteHealth interface {
	Health(ctx context.Context) error
}

type BreakerState interface {
	State() v1.BreakerState
}

// HealthHandler reports the local store as critical. An unreachable remote only
// degrades the service since operations keep queueing offline.
type HealthHandler struct {
	store   Pinger
	remote  RemoteHealth
	breaker BreakerState
}

func NewHealthHandler(store Pinger, remote RemoteHealth, breaker BreakerState) *HealthHandler {
	return &HealthHandler{store: store, remote: remote, breaker: breaker}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	out := resp.HealthResp{Status: "ok", Store: "ok", Remote: "ok"}
	if h.breaker != nil {
		out.Breaker = string(h.breaker.State())
	}

	if err := h.store.PingContext(ctx); err != nil {
		out.Status = "unhealthy"
		out.Store = err.Error()
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	if h.remote == nil {
		out.Remote = "disabled"
	} else if err := h.remote.Health(ctx); err != nil {
		out.Status = "degraded"
		out.Remote = err.Error()
	}
	c.JSON(http.StatusOK, out)
}
