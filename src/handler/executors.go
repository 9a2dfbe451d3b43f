package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/registry"
)

// ExecutorsHandler serves the executor inventory and upgrade/log surface
// (spec.md §4.5).
type ExecutorsHandler struct {
	*BaseHandler
	mgr *manager.Manager
	reg *registry.Registry
}

func NewExecutorsHandler(mgr *manager.Manager, reg *registry.Registry) *ExecutorsHandler {
	return &ExecutorsHandler{BaseHandler: NewBaseHandler(), mgr: mgr, reg: reg}
}

// ExecutorView is the wire representation of an executor.
type ExecutorView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Labels   []string `json:"labels"`
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	LastSeen string   `json:"lastSeen"`
}

// HandleList handles GET /api/executors.
func (h *ExecutorsHandler) HandleList(c *gin.Context) {
	execs, err := h.mgr.ListExecutors()
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]ExecutorView, 0, len(execs))
	for _, e := range execs {
		views = append(views, ExecutorView{
			ID: e.ID, Name: e.Name, Labels: e.Labels,
			Status: string(e.Status), Version: e.Version,
			LastSeen: e.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	h.SendJSON(c, http.StatusOK, views)
}

type upgradeRequest struct {
	Reason string `json:"reason"`
}

// HandleUpgrade handles POST /api/executors/:id/upgrade.
func (h *ExecutorsHandler) HandleUpgrade(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	var req upgradeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.reg.Upgrade(id, req.Reason); err != nil {
		h.SendError(c, http.StatusServiceUnavailable, err)
		return
	}
	h.SendSuccess(c, "upgrade requested")
}

// HandleUpgradeAll handles POST /api/executors/upgrade-all.
func (h *ExecutorsHandler) HandleUpgradeAll(c *gin.Context) {
	var req upgradeRequest
	_ = c.ShouldBindJSON(&req)
	ids := h.reg.UpgradeAll(req.Reason)
	h.SendJSON(c, http.StatusOK, gin.H{"contacted": ids})
}

// HandleLogs handles GET /api/executors/logs?since=N.
func (h *ExecutorsHandler) HandleLogs(c *gin.Context) {
	since := int64(0)
	if s := c.Query("since"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = v
		}
	}
	h.SendJSON(c, http.StatusOK, h.reg.GetLogs(since))
}
