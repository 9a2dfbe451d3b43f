package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/model"
)

// SessionsHandler serves the session CRUD surface (spec.md §4.2).
type SessionsHandler struct {
	*BaseHandler
	mgr *manager.Manager
}

func NewSessionsHandler(mgr *manager.Manager) *SessionsHandler {
	return &SessionsHandler{BaseHandler: NewBaseHandler(), mgr: mgr}
}

// SessionView is the wire representation of a session.
type SessionView struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Mode         string  `json:"mode"`
	Command      string  `json:"command"`
	ExecutorID   string  `json:"executorId"`
	ParentName   *string `json:"parentName,omitempty"`
	OrderIndex   int64   `json:"orderIndex"`
	Alive        bool    `json:"alive"`
	CreatedAt    string  `json:"createdAt"`
	LastActivity string  `json:"lastActivity"`
}

func toView(rec *model.Session) SessionView {
	return SessionView{
		Name:         rec.Name,
		Description:  rec.Description,
		Mode:         string(rec.Mode),
		Command:      rec.Command,
		ExecutorID:   rec.ExecutorID,
		ParentName:   rec.ParentName,
		OrderIndex:   rec.OrderIndex,
		Alive:        rec.Alive,
		CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		LastActivity: rec.LastActivity.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (h *SessionsHandler) statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, model.ErrExecutorOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type createSessionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
	Command     string `json:"command"`
	ExecutorID  string `json:"executorId"`
}

// HandleCreate handles POST /api/sessions.
func (h *SessionsHandler) HandleCreate(c *gin.Context) {
	var req createSessionRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	mode := model.Mode(req.Mode)
	if mode != model.ModeRich {
		mode = model.ModeTerminal
	}

	rec, err := h.mgr.CreateSession(auth.OwnerID(c), req.Name, req.Description, mode, req.Command, req.ExecutorID)
	if err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendJSON(c, http.StatusCreated, toView(rec))
}

type createJobRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`
	ExecutorID  string `json:"executorId"`
	Prompt      string `json:"prompt" binding:"required"`
}

// HandleCreateJob handles POST /api/jobs, the rich-mode convenience that
// seeds an initial prompt (spec.md §4.2, §4.4).
func (h *SessionsHandler) HandleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	rec, err := h.mgr.CreateJob(auth.OwnerID(c), req.Name, req.Description, req.Command, req.ExecutorID, req.Prompt)
	if err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendJSON(c, http.StatusCreated, toView(rec))
}

// HandleList handles GET /api/sessions.
func (h *SessionsHandler) HandleList(c *gin.Context) {
	recs, err := h.mgr.ListSessions(auth.OwnerID(c))
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toView(rec))
	}
	h.SendJSON(c, http.StatusOK, views)
}

// HandleGet handles GET /api/sessions/:name.
func (h *SessionsHandler) HandleGet(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	rec, err := h.mgr.GetSession(auth.OwnerID(c), name)
	if err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendJSON(c, http.StatusOK, toView(rec))
}

type updateSessionRequest struct {
	Description string `json:"description"`
}

// HandleUpdate handles PATCH /api/sessions/:name.
func (h *SessionsHandler) HandleUpdate(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	var req updateSessionRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.mgr.UpdateDescription(auth.OwnerID(c), name, req.Description); err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendSuccess(c, "session updated")
}

// HandleDelete handles DELETE /api/sessions/:name. Idempotent
// (spec.md §4.2 Invariants).
func (h *SessionsHandler) HandleDelete(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.mgr.DeleteSession(auth.OwnerID(c), name); err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

type forkSessionRequest struct {
	NewName string `json:"newName"`
}

// HandleFork handles POST /api/sessions/:name/fork.
func (h *SessionsHandler) HandleFork(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	var req forkSessionRequest
	_ = c.ShouldBindJSON(&req) // body is optional; empty name triggers generation

	rec, err := h.mgr.ForkSession(auth.OwnerID(c), name, req.NewName)
	if err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendJSON(c, http.StatusCreated, toView(rec))
}

// HandleSnapshot handles GET /api/sessions/:name/snapshot.
func (h *SessionsHandler) HandleSnapshot(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	text, err := h.mgr.SnapshotSession(auth.OwnerID(c), name)
	if err != nil {
		h.SendError(c, h.statusFor(err), err)
		return
	}
	h.SendJSON(c, http.StatusOK, gin.H{"text": text})
}

type reorderRequest struct {
	Names []string `json:"names" binding:"required"`
}

// HandleReorder handles PUT /api/sessions/reorder.
func (h *SessionsHandler) HandleReorder(c *gin.Context) {
	var req reorderRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.mgr.Reorder(auth.OwnerID(c), req.Names); err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.SendSuccess(c, "order updated")
}
