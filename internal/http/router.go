package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/ws"
)

// Status reports what the status endpoints need from the running relay.
type Status interface {
	Stats() connection.Stats
}

// RouterConfig holds the routes' static inputs.
type RouterConfig struct {
	WSPath string
	// AIConfigured is reported as features.openai on the health endpoints.
	AIConfigured bool
}

// NewRouter builds the gin engine serving the websocket and status endpoints.
func NewRouter(cfg RouterConfig, status Status, wsHandler *ws.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/api/voice"
	}

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"features":  gin.H{"openai": cfg.AIConfigured},
		})
	}
	router.GET("/health", health)
	router.GET("/api/health", health)

	router.GET("/api/connections", func(c *gin.Context) {
		stats := status.Stats()
		c.JSON(http.StatusOK, gin.H{
			"activeConnections": stats.Active,
			"totalConnections":  stats.Total,
			"connectionIds":     stats.ActiveIDs,
			"uptime":            stats.Uptime.Milliseconds(),
		})
	})

	router.GET(wsPath, func(c *gin.Context) {
		wsHandler.Handle(c.Writer, c.Request)
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
