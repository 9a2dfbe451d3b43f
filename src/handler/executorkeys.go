package handler

import (
	"crypto/rand"
	"encoding/base32"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/store"
)

// ExecutorKeysHandler issues and revokes executor-agent bearer tokens
// (spec.md §4.5, §6). The plaintext token is returned exactly once, at
// issuance; only its bcrypt hash is ever persisted.
type ExecutorKeysHandler struct {
	*BaseHandler
	st *store.Store
}

func NewExecutorKeysHandler(st *store.Store) *ExecutorKeysHandler {
	return &ExecutorKeysHandler{BaseHandler: NewBaseHandler(), st: st}
}

type executorKeyView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Prefix    string  `json:"prefix"`
	CreatedAt string  `json:"createdAt"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

func toKeyView(k *model.ExecutorKey) executorKeyView {
	v := executorKeyView{
		ID: k.ID, Name: k.Name, Prefix: k.Prefix,
		CreatedAt: k.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if k.ExpiresAt != nil {
		s := k.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
		v.ExpiresAt = &s
	}
	return v
}

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

type createKeyResponse struct {
	executorKeyView
	Token string `json:"token"`
}

// generateToken returns a random, URL-safe executor bearer token and the
// short prefix used to identify it in listings without revealing it.
func generateToken() (token, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	prefix = token[:8]
	return token, prefix, nil
}

// HandleCreate handles POST /api/executor-keys.
func (h *ExecutorKeysHandler) HandleCreate(c *gin.Context) {
	var req createKeyRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}

	token, prefix, err := generateToken()
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}

	k := &model.ExecutorKey{
		ID:          uuid.NewString(),
		OwnerID:     auth.OwnerID(c),
		Name:        req.Name,
		Prefix:      prefix,
		HashedToken: string(hashed),
		CreatedAt:   time.Now(),
	}
	if err := h.st.CreateExecutorKey(k); err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}

	h.SendJSON(c, http.StatusCreated, createKeyResponse{executorKeyView: toKeyView(k), Token: token})
}

// HandleList handles GET /api/executor-keys.
func (h *ExecutorKeysHandler) HandleList(c *gin.Context) {
	keys, err := h.st.ListExecutorKeys(auth.OwnerID(c))
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]executorKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, toKeyView(k))
	}
	h.SendJSON(c, http.StatusOK, views)
}

// HandleDelete handles DELETE /api/executor-keys/:id.
func (h *ExecutorKeysHandler) HandleDelete(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.st.DeleteExecutorKey(auth.OwnerID(c), id); err != nil {
		status := http.StatusInternalServerError
		if err == model.ErrNotFound {
			status = http.StatusNotFound
		}
		h.SendError(c, status, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Authenticate validates a bearer token against every issued executor key
// (bcrypt compare, since the prefix alone isn't authenticating) plus the
// EXECUTOR_TOKEN escape hatch for local development (spec.md §6). It
// returns the owning principal on success.
func Authenticate(st *store.Store, devToken string) func(token string) (string, bool) {
	return func(token string) (string, bool) {
		if devToken != "" && token == devToken {
			return model.LocalOwnerID, true
		}
		keys, err := st.ListAllExecutorKeys()
		if err != nil {
			return "", false
		}
		for _, k := range keys {
			if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(k.HashedToken), []byte(token)) == nil {
				return k.OwnerID, true
			}
		}
		return "", false
	}
}
