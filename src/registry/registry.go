package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/metrics"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/store"
)

const (
	defaultHeartbeatIntervalMS = 10_000
	defaultRPCTimeout          = 30 * time.Second
	logRingCapacity            = 2000
)

// conn wraps one executor's control WebSocket. gorilla/websocket requires
// writes to be serialized, so every outbound frame goes through writeMu.
type conn struct {
	ws         *websocket.Conn
	executorID string

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
	closeCh  chan struct{}
}

func (c *conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
}

// pendingRPC is a single in-flight request/response keyed by correlation id.
type pendingRPC struct {
	reply   chan RPCReplyMsg
	timer   *time.Timer
	once    sync.Once
}

// PendingChannel records who is waiting on a side-channel the registry told
// an agent to open (spec.md §4.5 Side-channels).
type PendingChannel struct {
	ExecutorID  string
	SessionName string
	Kind        string // "terminal" | "rich"
}

// LogEntry is one ring-buffer row. Seq is a strictly increasing counter
// that orders entries even within the same microsecond; Time is the
// wall-clock time in Unix microseconds (spec.md §4.5).
type LogEntry struct {
	Seq     int64  `json:"seq"`
	Time    int64  `json:"time_micros"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// AdoptionCallback is invoked when an executor's inventory reports a
// session the store does not know about; the Session Manager supplies
// this to absorb the orphan under the reporting executor's id.
type AdoptionCallback func(executorID string, info InventorySessionInfo)

// Registry is the control-plane side of the executor fabric.
type Registry struct {
	st *store.Store

	mu      sync.Mutex
	conns   map[string]*conn // executor id -> live connection
	pending map[string]*pendingRPC
	chans   map[string]PendingChannel
	waits   map[string]chan *websocket.Conn
	rpcSeq  uint64
	logSeq  int64
	logRing []LogEntry
	logHead int

	adopt AdoptionCallback

	heartbeatIntervalMS int
}

func New(st *store.Store) *Registry {
	return &Registry{
		st:                  st,
		conns:               make(map[string]*conn),
		pending:             make(map[string]*pendingRPC),
		chans:               make(map[string]PendingChannel),
		waits:               make(map[string]chan *websocket.Conn),
		logRing:             make([]LogEntry, 0, logRingCapacity),
		heartbeatIntervalMS: defaultHeartbeatIntervalMS,
	}
}

// SetAdoptionCallback wires the Session Manager's orphan-adoption hook
// (spec.md §9 Cyclic/shared ownership).
func (r *Registry) SetAdoptionCallback(cb AdoptionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adopt = cb
}

func (r *Registry) appendLog(source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logSeq++
	entry := LogEntry{Seq: r.logSeq, Time: time.Now().UnixMicro(), Source: source, Message: message}
	if len(r.logRing) < logRingCapacity {
		r.logRing = append(r.logRing, entry)
	} else {
		r.logRing[r.logHead] = entry
		r.logHead = (r.logHead + 1) % logRingCapacity
	}
}

// GetLogs returns ring entries with Seq > since, oldest first.
func (r *Registry) GetLogs(since int64) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, 0, len(r.logRing))
	n := len(r.logRing)
	for i := 0; i < n; i++ {
		idx := (r.logHead + i) % n
		if n < logRingCapacity {
			idx = i
		}
		e := r.logRing[idx]
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out
}

// IsOnline reports whether executorID currently has a live control
// connection.
func (r *Registry) IsOnline(executorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[executorID]
	return ok
}

// ServeControlConn owns one executor's control connection end to end: the
// hello handshake, then a read loop dispatching heartbeat/inventory/
// rpc_reply/log frames until the socket closes. Callers upgrade the HTTP
// request and hand the resulting *websocket.Conn here.
func (r *Registry) ServeControlConn(ws *websocket.Conn, authenticate func(token string) (ownerID string, ok bool)) {
	defer ws.Close()

	var hello HelloMsg
	if err := ws.ReadJSON(&hello); err != nil {
		logrus.Warnf("registry: hello read failed: %v", err)
		return
	}
	if hello.Type != MsgHello {
		logrus.Warnf("registry: expected hello, got %q", hello.Type)
		return
	}

	c, err := r.HandleHello(ws, hello, authenticate)
	if err != nil {
		logrus.Warnf("registry: hello rejected for %s: %v", hello.ID, err)
		return
	}
	defer r.Disconnected(hello.ID, c)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logrus.Warnf("registry: malformed frame from %s: %v", hello.ID, err)
			continue
		}
		switch env.Type {
		case MsgHeartbeat:
			r.Heartbeat(c)
		case MsgInventory:
			var msg InventoryMsg
			if err := json.Unmarshal(raw, &msg); err == nil {
				r.Heartbeat(c)
				r.HandleInventory(hello.ID, msg)
			}
		case MsgRPCReply:
			var msg RPCReplyMsg
			if err := json.Unmarshal(raw, &msg); err == nil {
				r.Heartbeat(c)
				r.HandleRPCReply(msg)
			}
		case MsgLog:
			var msg LogMsg
			if err := json.Unmarshal(raw, &msg); err == nil {
				r.appendLog(hello.ID, msg.Message)
			}
		default:
			logrus.Debugf("registry: unhandled frame type %q from %s", env.Type, hello.ID)
		}
	}
}

// HandleHello authenticates and registers a new control connection,
// superseding any prior connection for the same executor id. It validates
// the bearer token against the owner's issued executor keys (bcrypt) or,
// when set, the single shared EXECUTOR_TOKEN escape hatch (spec.md §6 env).
func (r *Registry) HandleHello(ws *websocket.Conn, hello HelloMsg, authenticate func(token string) (ownerID string, ok bool)) (*conn, error) {
	ownerID, ok := authenticate(hello.Token)
	if !ok {
		return nil, fmt.Errorf("registry: invalid executor token")
	}
	_ = ownerID

	c := &conn{ws: ws, executorID: hello.ID, lastSeen: time.Now(), closeCh: make(chan struct{})}

	r.mu.Lock()
	if old, exists := r.conns[hello.ID]; exists {
		r.mu.Unlock()
		old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded"), time.Now().Add(time.Second))
		old.ws.Close()
		old.markClosed()
		r.mu.Lock()
	}
	r.conns[hello.ID] = c
	r.mu.Unlock()

	exec := &model.Executor{
		ID:       hello.ID,
		Name:     hello.Name,
		Labels:   hello.Labels,
		Status:   model.ExecutorOnline,
		Version:  hello.Version,
		LastSeen: time.Now(),
	}
	if err := r.st.UpsertExecutor(exec); err != nil {
		logrus.Errorf("registry: persist executor %s: %v", hello.ID, err)
	}
	r.appendLog(hello.ID, "connected")

	if err := c.send(HelloAckMsg{Type: MsgHelloAck, ServerVersion: "1", HeartbeatIntervalMS: r.heartbeatIntervalMS}); err != nil {
		return nil, err
	}
	return c, nil
}

// Disconnected marks an executor offline and cleans up its connection
// entry once its control WebSocket has closed. Pending RPCs addressed to
// it are failed with model.ErrDisconnected.
func (r *Registry) Disconnected(executorID string, c *conn) {
	r.mu.Lock()
	if cur, ok := r.conns[executorID]; ok && cur == c {
		delete(r.conns, executorID)
	} else {
		r.mu.Unlock()
		return // already superseded by a newer connection; don't mark offline
	}
	r.mu.Unlock()
	c.markClosed()

	if e, err := r.st.GetExecutor(executorID); err == nil && e.Status == model.ExecutorUpgrading {
		r.appendLog(executorID, "disconnected")
		return // stays "upgrading" until the next hello
	}
	if err := r.st.SetExecutorStatus(executorID, model.ExecutorOffline); err != nil {
		logrus.Errorf("registry: mark %s offline: %v", executorID, err)
	}
	r.appendLog(executorID, "disconnected")
}

// HandleInventory reconciles an agent's reported session list: unknown
// sessions are adopted via the callback. Records missing from the report
// are not marked dead; the Session Manager lists a remote session as alive
// whenever its executor is online.
func (r *Registry) HandleInventory(executorID string, msg InventoryMsg) {
	r.mu.Lock()
	cb := r.adopt
	r.mu.Unlock()
	if cb == nil {
		return
	}
	for _, s := range msg.Sessions {
		cb(executorID, s)
	}
}

// Heartbeat records inbound activity for liveness tracking. Either party
// may initiate a heartbeat; the server never requires symmetric replies.
func (r *Registry) Heartbeat(c *conn) {
	c.touch()
}

// MonitorHeartbeats runs for the lifetime of the registry, flipping
// executors offline after 3x the heartbeat interval of silence
// (spec.md §5 Cancellation & timeouts).
func (r *Registry) MonitorHeartbeats(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(r.heartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	threshold := time.Duration(3*r.heartbeatIntervalMS) * time.Millisecond

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			stale := make([]string, 0)
			for id, c := range r.conns {
				if c.idleSince() > threshold {
					stale = append(stale, id)
				}
			}
			r.mu.Unlock()
			for _, id := range stale {
				r.mu.Lock()
				c := r.conns[id]
				r.mu.Unlock()
				if c != nil {
					c.ws.Close()
					r.Disconnected(id, c)
				}
			}
		}
	}
}

// SendRPC issues a typed request to executorID and blocks until a reply
// arrives, the deadline elapses (Timeout), or the connection drops
// (Disconnected).
func (r *Registry) SendRPC(executorID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.RPCDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	}()

	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	r.mu.Lock()
	c, ok := r.conns[executorID]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrExecutorOffline
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%d", atomic.AddUint64(&r.rpcSeq, 1))
	pr := &pendingRPC{reply: make(chan RPCReplyMsg, 1)}

	r.mu.Lock()
	r.pending[id] = pr
	r.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		if _, still := r.pending[id]; still {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		pr.once.Do(func() {
			pr.reply <- RPCReplyMsg{ID: id, OK: false, Error: model.ErrTimeout.Error(), ErrorKind: "Timeout"}
		})
	})

	if err := c.send(RPCMsg{Type: MsgRPC, ID: id, Method: method, Params: raw}); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		pr.timer.Stop()
		return nil, model.ErrDisconnected
	}

	var reply RPCReplyMsg
	select {
	case reply = <-pr.reply:
	case <-c.closeCh:
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		reply = RPCReplyMsg{ID: id, OK: false, Error: model.ErrDisconnected.Error(), ErrorKind: "Disconnected"}
	}
	pr.timer.Stop()
	if !reply.OK {
		switch reply.ErrorKind {
		case "Timeout":
			return nil, model.ErrTimeout
		case "Disconnected":
			return nil, model.ErrDisconnected
		default:
			return nil, fmt.Errorf("%s", reply.Error)
		}
	}
	outcome = "ok"
	return reply.Result, nil
}

// HandleRPCReply completes the pending entry for msg.ID, if any. Late
// replies for an id already completed by timeout are discarded.
func (r *Registry) HandleRPCReply(msg RPCReplyMsg) {
	r.mu.Lock()
	pr, ok := r.pending[msg.ID]
	if ok {
		delete(r.pending, msg.ID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	pr.once.Do(func() {
		pr.reply <- msg
	})
}

// DeliverChannel pairs an inbound side-channel WebSocket from an agent
// (identified by the channel id it was told to dial back with) to whoever
// is blocked in WaitForChannel. Returns false if the channel id is unknown
// or was already claimed.
func (r *Registry) DeliverChannel(channelID string, ws *websocket.Conn) bool {
	r.mu.Lock()
	waitCh, ok := r.waits[channelID]
	if ok {
		delete(r.waits, channelID)
		delete(r.chans, channelID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	waitCh <- ws
	return true
}

// WaitForChannel blocks until the agent's side-channel connection for
// channelID arrives or timeout elapses. Called by the browser-facing HTTP
// handler right after AllocateSideChannel, so it can then relay bytes
// directly between the browser's WebSocket and the returned agent one.
func (r *Registry) WaitForChannel(channelID string, timeout time.Duration) (*websocket.Conn, error) {
	r.mu.Lock()
	waitCh, ok := r.waits[channelID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown channel %s", channelID)
	}
	select {
	case ws := <-waitCh:
		return ws, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.waits, channelID)
		r.mu.Unlock()
		return nil, model.ErrTimeout
	}
}

// AllocateSideChannel records a pending, one-shot side-channel and issues
// the open_*_channel RPC (fire-and-forget: the agent opens its own
// WebSocket back to the server rather than replying on the control
// connection) (spec.md §4.5).
func (r *Registry) AllocateSideChannel(executorID, sessionName, kind string) (string, error) {
	r.mu.Lock()
	c, ok := r.conns[executorID]
	r.mu.Unlock()
	if !ok {
		return "", model.ErrExecutorOffline
	}

	channelID := fmt.Sprintf("ch-%d", atomic.AddUint64(&r.rpcSeq, 1))
	r.mu.Lock()
	r.chans[channelID] = PendingChannel{ExecutorID: executorID, SessionName: sessionName, Kind: kind}
	r.waits[channelID] = make(chan *websocket.Conn, 1)
	r.mu.Unlock()

	var method string
	var params any
	if kind == "rich" {
		method = RPCOpenRichChannel
		params = OpenRichChannelParams{ChannelID: channelID, SessionName: sessionName}
	} else {
		method = RPCOpenTerminalChannel
		params = OpenTerminalChannelParams{ChannelID: channelID, SessionName: sessionName}
	}
	raw, _ := json.Marshal(params)
	id := fmt.Sprintf("%d", atomic.AddUint64(&r.rpcSeq, 1))
	if err := c.send(RPCMsg{Type: MsgRPC, ID: id, Method: method, Params: raw}); err != nil {
		r.mu.Lock()
		delete(r.chans, channelID)
		r.mu.Unlock()
		return "", model.ErrDisconnected
	}
	return channelID, nil
}

// ResolveTerminalChannel atomically tests-and-removes a pending side
// channel record, so it can be claimed exactly once (spec.md §4.5). The
// agent's dial-back WebSocket is paired through DeliverChannel instead.
func (r *Registry) ResolveTerminalChannel(channelID string) (PendingChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.chans[channelID]
	if ok {
		delete(r.chans, channelID)
	}
	return pc, ok
}

// Upgrade sends one upgrade RPC to executorID and marks it "upgrading"
// until it reconnects with a hello (spec.md §4.5, §9 Open Questions: no
// version comparison required, cleared on any reconnect).
func (r *Registry) Upgrade(executorID, reason string) error {
	r.mu.Lock()
	c, ok := r.conns[executorID]
	r.mu.Unlock()
	if !ok {
		return model.ErrExecutorOffline
	}
	if err := r.st.SetExecutorStatus(executorID, model.ExecutorUpgrading); err != nil {
		logrus.Warnf("registry: mark %s upgrading: %v", executorID, err)
	}
	r.appendLog(executorID, "upgrading")
	return c.send(UpgradeMsg{Type: MsgUpgrade, Reason: reason})
}

// UpgradeAll fans upgrade out to every currently connected executor and
// returns the ids contacted.
func (r *Registry) UpgradeAll(reason string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	contacted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.Upgrade(id, reason); err == nil {
			contacted = append(contacted, id)
		}
	}
	return contacted
}

// ListExecutors returns every known executor from the store.
func (r *Registry) ListExecutors() ([]*model.Executor, error) {
	return r.st.ListExecutors()
}
