package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessionfabric/control-plane/src/manager"
)

// Build information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// SystemHandler serves health and build information.
type SystemHandler struct {
	*BaseHandler
	mgr *manager.Manager
}

func NewSystemHandler(mgr *manager.Manager) *SystemHandler {
	return &SystemHandler{BaseHandler: NewBaseHandler(), mgr: mgr}
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	GitCommit       string  `json:"gitCommit"`
	BuildTime       string  `json:"buildTime"`
	GoVersion       string  `json:"goVersion"`
	OS              string  `json:"os"`
	Arch            string  `json:"arch"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	StartedAt       string  `json:"startedAt"`
	ExecutorsOnline int     `json:"executorsOnline"`
}

// HandleHealth handles GET /health.
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	uptime := time.Since(startTime)

	online := 0
	if execs, err := h.mgr.ListExecutors(); err == nil {
		for _, e := range execs {
			if e.Status == "online" {
				online++
			}
		}
	}

	h.SendJSON(c, http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         Version,
		GitCommit:       GitCommit,
		BuildTime:       BuildTime,
		GoVersion:       runtime.Version(),
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		StartedAt:       startTime.Format(time.RFC3339),
		ExecutorsOnline: online,
	})
}
