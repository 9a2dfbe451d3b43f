package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/registry"
)

// Backoff is a doubling reconnect delay, grounded on
// ehrlich-b-wingthing/internal/ws.Backoff.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

const (
	heartbeatInterval = 5 * time.Second
	inventoryInterval = 20 * time.Second
)

// UpgradeExitCode is the process exit code the runner (systemd, a
// supervisor, a container orchestrator) should interpret as "restart me
// with the newer binary", per spec.md §4.5 Upgrade.
const UpgradeExitCode = 42

// Config is everything Run needs to identify and authenticate this agent
// to the control plane.
type Config struct {
	URL          string // base ws(s):// URL of the control plane, e.g. ws://host:8080
	Token        string // executor bearer token
	ID           string
	Name         string
	Labels       []string
	Version      string
	DataDir      string
	DefaultShell string
	NoUpgrade    bool
}

// Client is the executor agent's control-connection runtime: it holds the
// long-lived control WebSocket, the local session Runtime, and every
// pending side-channel dial-back.
type Client struct {
	cfg Config
	rt  *Runtime

	conn    *websocket.Conn
	writeMu chan struct{} // 1-buffered mutex, lets dispatch goroutines write safely
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		rt:      NewRuntime(cfg.DataDir, cfg.DefaultShell),
		writeMu: make(chan struct{}, 1),
	}
	c.writeMu <- struct{}{}
	return c
}

// Run connects to the control plane and serves RPCs until stop is closed.
// It reconnects with exponential backoff on any disconnect, mirroring
// wingthing's ws.Client.Run. Returns only when stop fires or the agent is
// told to upgrade (in which case the caller should exit with
// UpgradeExitCode).
func (c *Client) Run(stop <-chan struct{}) (upgrade bool) {
	backoff := NewBackoff(time.Second, 30*time.Second)
	for {
		select {
		case <-stop:
			return false
		default:
		}

		upgraded, err := c.connectAndServe(stop, backoff)
		if upgraded {
			return true
		}
		if err != nil {
			logrus.Warnf("agent: control connection lost: %v", err)
		}

		delay := backoff.Next()
		select {
		case <-stop:
			return false
		case <-time.After(delay):
		}
	}
}

func (c *Client) controlURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("agent: invalid control plane URL %q: %w", c.cfg.URL, err)
	}
	u.Path = "/agent/control"
	return u.String(), nil
}

func (c *Client) connectAndServe(stop <-chan struct{}, backoff *Backoff) (upgraded bool, err error) {
	target, err := c.controlURL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	conn, _, dialErr := websocket.DefaultDialer.Dial(target, header)
	if dialErr != nil {
		return false, fmt.Errorf("dial %s: %w", target, dialErr)
	}
	c.conn = conn
	defer conn.Close()

	hello := registry.HelloMsg{
		Type: registry.MsgHello, ID: c.cfg.ID, Name: c.cfg.Name,
		Labels: c.cfg.Labels, Version: c.cfg.Version, Token: c.cfg.Token,
	}
	if err := c.writeJSON(hello); err != nil {
		return false, fmt.Errorf("hello: %w", err)
	}

	var ack registry.HelloAckMsg
	if err := conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("hello_ack: %w", err)
	}
	logrus.Infof("agent: connected to control plane as %s (server version %s)", c.cfg.ID, ack.ServerVersion)
	backoff.Reset()

	done := make(chan struct{})
	go c.heartbeatLoop(stop, done)
	go func() {
		c.inventoryLoop(stop, done)
	}()

	for {
		select {
		case <-stop:
			return false, nil
		default:
		}
		_, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			close(done)
			return false, readErr
		}
		var env registry.Envelope
		if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
			continue
		}
		switch env.Type {
		case registry.MsgRPC:
			var msg registry.RPCMsg
			if json.Unmarshal(raw, &msg) == nil {
				go c.handleRPC(msg)
			}
		case registry.MsgUpgrade:
			if c.cfg.NoUpgrade {
				logrus.Infof("agent: upgrade requested but --no-upgrade set, ignoring")
				continue
			}
			logrus.Infof("agent: upgrade requested, exiting with code %d", UpgradeExitCode)
			close(done)
			return true, nil
		default:
			logrus.Debugf("agent: unhandled frame type %q", env.Type)
		}
	}
}

func (c *Client) writeJSON(v any) error {
	<-c.writeMu
	defer func() { c.writeMu <- struct{}{} }()
	return c.conn.WriteJSON(v)
}

func (c *Client) heartbeatLoop(stop <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeJSON(registry.HeartbeatMsg{Type: registry.MsgHeartbeat, TS: time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) inventoryLoop(stop <-chan struct{}, done <-chan struct{}) {
	send := func() {
		result := c.rt.ListSessions()
		_ = c.writeJSON(registry.InventoryMsg{Type: registry.MsgInventory, Sessions: result.Sessions})
	}
	send() // report what we're already hosting immediately on (re)connect
	ticker := time.NewTicker(inventoryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (c *Client) reply(id string, result any, err error) {
	msg := registry.RPCReplyMsg{Type: registry.MsgRPCReply, ID: id}
	if err != nil {
		msg.OK = false
		msg.Error = err.Error()
	} else {
		msg.OK = true
		if result != nil {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				msg.OK = false
				msg.Error = mErr.Error()
			} else {
				msg.Result = raw
			}
		}
	}
	if sendErr := c.writeJSON(msg); sendErr != nil {
		logrus.Warnf("agent: failed to send rpc_reply for %s: %v", id, sendErr)
	}
}

// handleRPC dispatches one inbound RPC frame to the local Runtime (or, for
// the two channel-opening methods, to channels.go's dial-back logic) and
// replies on the same control connection.
func (c *Client) handleRPC(msg registry.RPCMsg) {
	switch msg.Method {
	case registry.RPCCreateSession:
		var p registry.CreateSessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		c.reply(msg.ID, nil, c.rt.CreateSession(p))

	case registry.RPCDeleteSession:
		var p registry.DeleteSessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		c.reply(msg.ID, nil, c.rt.DeleteSession(p))

	case registry.RPCForkSession:
		var p registry.ForkSessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		c.reply(msg.ID, nil, c.rt.ForkSession(p))

	case registry.RPCSnapshotSession:
		var p registry.SnapshotSessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		result, err := c.rt.SnapshotSession(p)
		c.reply(msg.ID, result, err)

	case registry.RPCListSessions:
		c.reply(msg.ID, c.rt.ListSessions(), nil)

	case registry.RPCDiagnoseRichSession:
		var p registry.DiagnoseRichSessionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		result, err := c.rt.DiagnoseRichSession(p)
		c.reply(msg.ID, result, err)

	case registry.RPCOpenTerminalChannel:
		var p registry.OpenTerminalChannelParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		c.reply(msg.ID, nil, nil)
		go c.openTerminalChannel(p)

	case registry.RPCOpenRichChannel:
		var p registry.OpenRichChannelParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		c.reply(msg.ID, nil, nil)
		go c.openRichChannel(p)

	default:
		c.reply(msg.ID, nil, fmt.Errorf("agent: unknown rpc method %q", msg.Method))
	}
}
