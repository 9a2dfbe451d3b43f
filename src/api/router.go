// Package api wires the HTTP and WebSocket surface described in
// spec.md §4: session CRUD, config, executor/executor-key management,
// and the terminal/rich/control WebSocket endpoints. The middleware
// stack and route-registration style are carried over from the teacher's
// SetupRouter.
package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/handler"
	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/metrics"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/store"
)

// Deps bundles the services SetupRouter wires into handlers.
type Deps struct {
	Store      *store.Store
	Manager    *manager.Manager
	Registry   *registry.Registry
	Issuer     *auth.Issuer
	DataDir    string
	AgentToken string // EXECUTOR_TOKEN escape hatch for local dev, may be empty
}

// SetupRouter configures all the routes for the control plane.
// If disableRequestLogging is true, the logrus middleware will be skipped.
// If enableProcessingTime is true, the Server-Timing header middleware will be added.
func SetupRouter(deps Deps, disableRequestLogging, enableProcessingTime bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())

	if enableProcessingTime {
		r.Use(processingTimeMiddleware())
	}
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	head := headHandler()

	sessionsHandler := handler.NewSessionsHandler(deps.Manager)
	configHandler := handler.NewConfigHandler(deps.Store)
	executorsHandler := handler.NewExecutorsHandler(deps.Manager, deps.Registry)
	executorKeysHandler := handler.NewExecutorKeysHandler(deps.Store)
	systemHandler := handler.NewSystemHandler(deps.Manager)
	authFn := handler.Authenticate(deps.Store, deps.AgentToken)
	wsHandler := handler.NewWSHandler(deps.Manager, deps.Registry, deps.DataDir, authFn)

	r.GET("/health", systemHandler.HandleHealth)
	r.HEAD("/health", head)
	r.GET("/metrics", metrics.Handler())

	apiGroup := r.Group("/api", deps.Issuer.Middleware())
	{
		apiGroup.GET("/sessions", sessionsHandler.HandleList)
		apiGroup.POST("/sessions", sessionsHandler.HandleCreate)
		apiGroup.PUT("/sessions/reorder", sessionsHandler.HandleReorder)
		apiGroup.GET("/sessions/:name", sessionsHandler.HandleGet)
		apiGroup.PATCH("/sessions/:name", sessionsHandler.HandleUpdate)
		apiGroup.DELETE("/sessions/:name", sessionsHandler.HandleDelete)
		apiGroup.POST("/sessions/:name/fork", sessionsHandler.HandleFork)
		apiGroup.GET("/sessions/:name/snapshot", sessionsHandler.HandleSnapshot)

		apiGroup.POST("/jobs", sessionsHandler.HandleCreateJob)

		apiGroup.GET("/config", configHandler.HandleGetAll)
		apiGroup.PUT("/config/:key", configHandler.HandleSet)

		apiGroup.GET("/executors", executorsHandler.HandleList)
		apiGroup.POST("/executors/:id/upgrade", executorsHandler.HandleUpgrade)
		apiGroup.POST("/executors/upgrade-all", executorsHandler.HandleUpgradeAll)
		apiGroup.GET("/executors/logs", executorsHandler.HandleLogs)

		apiGroup.POST("/executor-keys", executorKeysHandler.HandleCreate)
		apiGroup.GET("/executor-keys", executorKeysHandler.HandleList)
		apiGroup.DELETE("/executor-keys/:id", executorKeysHandler.HandleDelete)
	}

	// Browser-facing WebSocket routes sit under the same owner-auth
	// middleware as the REST surface.
	wsGroup := r.Group("/ws", deps.Issuer.Middleware())
	{
		wsGroup.GET("/terminal/:name", wsHandler.HandleTerminalWS)
		wsGroup.GET("/rich/:name", wsHandler.HandleRichWS)
	}

	// Executor-facing WebSocket routes stay outside the /ws group's
	// owner-auth middleware. /agent/control checks the executor key or
	// EXECUTOR_TOKEN carried in the agent's hello frame; /agent/channel
	// checks no token and accepts only a channel id the registry currently
	// has pending.
	r.GET("/agent/control", wsHandler.HandleControlWS)
	r.GET("/agent/channel", wsHandler.HandleAgentChannelWS)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// headHandler returns a simple 200 OK for HEAD requests to check endpoint existence
func headHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
}

// noCacheMiddleware adds no-cache headers to all responses to prevent caching issues
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")

		c.Next()
	}
}

// sensitiveQueryParams contains query parameter names that should be redacted from logs
var sensitiveQueryParams = []string{
	"api_key", "apikey", "api-key",
	"token", "access_token", "refresh_token", "auth_token", "bearer",
	"password", "passwd", "pwd",
	"secret", "client_secret", "api_secret",
	"key", "private_key", "encryption_key",
	"authorization", "auth",
	"credential", "credentials",
	"session", "session_id", "sessionid",
	"jwt",
}

// redactSecrets redacts sensitive information from a URL path with query string
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery // No query string, return as-is
	}

	basePath := parts[0]
	queryString := parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	hasSecrets := false
	for _, param := range sensitiveQueryParams {
		if values.Get(param) != "" {
			hasSecrets = true
			break
		}
		for key := range values {
			if strings.EqualFold(key, param) {
				hasSecrets = true
				break
			}
		}
	}

	if !hasSecrets {
		return pathWithQuery
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				break
			}
		}
	}

	return basePath + "?" + values.Encode()
}

// redactQueryPatterns redacts secrets using regex patterns when URL parsing fails
func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	var skip map[string]struct{}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if _, ok := skip[path]; ok {
			return
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
			switch {
			case statusCode >= http.StatusInternalServerError:
				logrus.Error(msg)
			case statusCode >= http.StatusBadRequest:
				logrus.Error(msg)
			default:
				logrus.Info(msg)
			}
		}
	}
}
