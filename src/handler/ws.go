package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/rich"
)

const remoteChannelWait = 10 * time.Second

// WSHandler serves every WebSocket surface: browser terminal and rich
// attaches (dispatched local-vs-remote per spec.md §9 Design notes), the
// executor control connection, and the agent side-channel callback.
type WSHandler struct {
	*BaseHandler
	mgr      *manager.Manager
	reg      *registry.Registry
	dataDir  string
	upgrader websocket.Upgrader
	authFn   func(token string) (string, bool)
}

func NewWSHandler(mgr *manager.Manager, reg *registry.Registry, dataDir string, authFn func(string) (string, bool)) *WSHandler {
	return &WSHandler{
		BaseHandler: NewBaseHandler(),
		mgr:         mgr,
		reg:         reg,
		dataDir:     dataDir,
		authFn:      authFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func parseSize(c *gin.Context) (cols, rows uint16) {
	cols, rows = 80, 24
	if v, err := strconv.ParseUint(c.Query("cols"), 10, 16); err == nil && v > 0 {
		cols = uint16(v)
	}
	if v, err := strconv.ParseUint(c.Query("rows"), 10, 16); err == nil && v > 0 {
		rows = uint16(v)
	}
	return
}

// terminalWSMessage mirrors the teacher's terminal.go wire shape
// (spec.md §4.3).
type terminalWSMessage struct {
	Type string `json:"type"` // "input", "output", "resize", "error"
	Data string `json:"data,omitempty"`
	Cols uint16  `json:"cols,omitempty"`
	Rows uint16  `json:"rows,omitempty"`
}

// HandleTerminalWS handles GET /ws/terminal/:name.
func (h *WSHandler) HandleTerminalWS(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	ownerID := auth.OwnerID(c)
	cols, rows := parseSize(c)

	rec, err := h.mgr.GetSession(ownerID, name)
	if err != nil {
		h.SendError(c, http.StatusNotFound, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("ws terminal: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if rec.ExecutorID == "" || rec.ExecutorID == model.LocalExecutorID {
		h.serveLocalTerminal(conn, ownerID, name, cols, rows)
		return
	}
	h.serveRemoteChannel(conn, ownerID, name, "terminal")
}

func (h *WSHandler) serveLocalTerminal(conn *websocket.Conn, ownerID, name string, cols, rows uint16) {
	client, br, _, err := h.mgr.AttachLocal(ownerID, name, cols, rows)
	if err != nil {
		_ = conn.WriteJSON(terminalWSMessage{Type: "error", Data: err.Error()})
		return
	}
	defer br.Detach(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case data, ok := <-client.Ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(terminalWSMessage{Type: "output", Data: string(data)}); err != nil {
					return
				}
			case <-client.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg terminalWSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			_ = br.Write([]byte(msg.Data))
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				br.Resize(client, msg.Cols, msg.Rows)
			}
		}
	}
}

// HandleRichWS handles GET /ws/rich/:name.
func (h *WSHandler) HandleRichWS(c *gin.Context) {
	name, err := h.GetPathParam(c, "name")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	ownerID := auth.OwnerID(c)

	rec, err := h.mgr.GetSession(ownerID, name)
	if err != nil {
		h.SendError(c, http.StatusNotFound, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("ws rich: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if rec.ExecutorID == "" || rec.ExecutorID == model.LocalExecutorID {
		h.serveLocalRich(conn, rec)
		return
	}
	h.serveRemoteChannel(conn, ownerID, name, "rich")
}

func (h *WSHandler) serveLocalRich(conn *websocket.Conn, rec *model.Session) {
	ch := h.mgr.RichChannelFor(rec)
	stop := make(chan struct{})

	go func() {
		defer close(stop)
		for {
			var msg rich.InboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "prompt" {
				if err := ch.WritePrompt(msg.Text); err != nil {
					logrus.Warnf("ws rich: write prompt for %s: %v", rec.Name, err)
				}
			}
		}
	}()

	sender := func(v any) error { return conn.WriteJSON(v) }
	aliveFunc := func() bool { return h.mgr.SessionExistsLocally(rec) }
	if err := ch.Run(stop, sender, aliveFunc); err != nil {
		logrus.Debugf("ws rich: %s tail loop ended: %v", rec.Name, err)
	}
}

// serveRemoteChannel handles both the terminal and rich remote paths: it
// allocates a side channel on the owning executor, waits for the agent to
// dial back, then relays raw frames between the browser and the agent
// connections until either side closes (spec.md §4.5 Side-channels).
func (h *WSHandler) serveRemoteChannel(browserConn *websocket.Conn, ownerID, name, kind string) {
	channelID, _, _, err := h.mgr.AttachRemote(ownerID, name, kind)
	if err != nil {
		_ = browserConn.WriteJSON(terminalWSMessage{Type: "error", Data: err.Error()})
		return
	}

	agentConn, err := h.reg.WaitForChannel(channelID, remoteChannelWait)
	if err != nil {
		_ = browserConn.WriteJSON(terminalWSMessage{Type: "error", Data: err.Error()})
		return
	}
	defer agentConn.Close()

	done := make(chan struct{})
	go relay(agentConn, browserConn, done)
	relay(browserConn, agentConn, done)
}

// relay copies frames from src to dst until src errors or done fires.
func relay(src, dst *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		msgType, data, err := src.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			return
		}
	}
}

// HandleControlWS handles GET /agent/control, the executor agent's long-lived
// control connection (spec.md §4.5).
func (h *WSHandler) HandleControlWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("ws control: upgrade failed: %v", err)
		return
	}
	h.reg.ServeControlConn(conn, h.authFn)
}

// HandleAgentChannelWS handles GET /agent/channel?channel_id=..., the
// agent's dial-back for a side channel the registry allocated.
func (h *WSHandler) HandleAgentChannelWS(c *gin.Context) {
	channelID := c.Query("channel_id")
	if channelID == "" {
		h.SendError(c, http.StatusBadRequest, model.ErrBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("ws agent-channel: upgrade failed: %v", err)
		return
	}
	if !h.reg.DeliverChannel(channelID, conn) {
		_ = conn.WriteJSON(terminalWSMessage{Type: "error", Data: "unknown or already claimed channel"})
		conn.Close()
	}
}
