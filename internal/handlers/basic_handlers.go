package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const serviceName = "payswap-backend"

// HealthHandler reports liveness plus a database ping.
type HealthHandler struct {
	ping func(ctx context.Context) error
}

func NewHealthHandler(ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ping: ping}
}

// HealthCheckHandler GET /health
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	database := "healthy"
	status := http.StatusOK
	if h.ping != nil {
		if err := h.ping(ctx); err != nil {
			database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":   http.StatusText(status),
		"service":  serviceName,
		"database": database,
	})
}
