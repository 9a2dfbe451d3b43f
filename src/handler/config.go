package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/store"
)

// ConfigHandler serves the owner-scoped UI preference store
// (spec.md §3, §4.6).
type ConfigHandler struct {
	*BaseHandler
	st *store.Store
}

func NewConfigHandler(st *store.Store) *ConfigHandler {
	return &ConfigHandler{BaseHandler: NewBaseHandler(), st: st}
}

// HandleGetAll handles GET /api/config.
func (h *ConfigHandler) HandleGetAll(c *gin.Context) {
	cfg, err := h.st.GetAllConfig(auth.OwnerID(c))
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.SendJSON(c, http.StatusOK, cfg)
}

type setConfigRequest struct {
	Value string `json:"value"`
}

// HandleSet handles PUT /api/config/:key. Only keys in
// model.RecognizedConfigKeys are accepted (spec.md §4.6).
func (h *ConfigHandler) HandleSet(c *gin.Context) {
	key, err := h.GetPathParam(c, "key")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if !model.RecognizedConfigKeys[key] {
		h.SendError(c, http.StatusBadRequest, fmt.Errorf("unrecognized config key %q", key))
		return
	}
	var req setConfigRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.st.SetConfig(auth.OwnerID(c), key, req.Value); err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.SendSuccess(c, "config updated")
}
