package router

import (
	"net/http"
	"strconv"
	"strings"

	"payswap-backend/internal/app"
	"payswap-backend/internal/config"
	"payswap-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const corsMaxAge = 3600

// corsMiddleware allows the configured origins; an empty list allows all.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		case origin != "":
			logrus.WithFields(logrus.Fields{
				"request_origin": origin,
				"path":           c.Request.URL.Path,
			}).Debug("🚫 CORS: Origin not in whitelist")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SetupRouter builds the gin engine for the exposed boundary.
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	cfg := container.Config
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(container.Logger))
	r.Use(corsMiddleware(cfg.CORS))

	// ============ Health & Metrics ============
	r.GET("/health", container.HealthHandler.HealthCheckHandler)
	r.GET("/metrics", container.LocalhostOnly.Restrict(), gin.WrapH(promhttp.Handler()))

	// ============ Custody webhook ============
	r.POST("/webhooks/custody", container.WebhookHandler.NotificationHandler)
	r.HEAD("/webhooks/custody", container.WebhookHandler.EndpointCheckHandler)

	// ============ API Routes ============
	api := r.Group("/api")
	{
		api.GET("/payments/handle/:handle", container.AuthMiddleware.RequireAuth(), container.PaymentHandler.GetPaymentsByHandleHandler)
		api.GET("/receipts/:publicId", container.PaymentHandler.GetReceiptHandler)
	}

	// ============ Live updates ============
	r.GET("/ws/handles/:handle", container.AuthMiddleware.RequireStreamAuth(), container.WebSocketHandler.HandleStream)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "Endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
