package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type HealthService interface {
	Check(ctx context.Context) error
}

type HealthHandler struct {
	BaseHandler

	log *zap.Logger
	svc HealthService
}

func NewHealthHandler(log *zap.Logger, svc HealthService) *HealthHandler {
	return &HealthHandler{
		BaseHandler: BaseHandler{},
		log:         log,
		svc:         svc,
	}
}

// Ping
// @Summary Liveness check.
// @Tags Health
// @Produce json
// @Success 200 {object} ResponseWithMessage "pong"
// @Router /health/ping [get]
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, ResponseWithMessage{
		Status:  StatusSuccess,
		Message: "pong",
	})
}

// Health
// @Summary Readiness check: the database and the queue store answer.
// @Tags Health
// @Produce json
// @Success 200 {object} ResponseWithMessage "Service is healthy"
// @Failure 503 {object} ResponseWithMessage "A dependency is down"
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	if err := h.svc.Check(c.Request.Context()); err != nil {
		h.log.Warn("Health check failed", zap.Error(err))

		c.JSON(http.StatusServiceUnavailable, ResponseWithMessage{
			Status:  StatusErr,
			Message: err.Error(),
		})

		return
	}

	c.JSON(http.StatusOK, ResponseWithMessage{
		Status:  StatusSuccess,
		Message: "Service is healthy",
	})
}
