// Package agent implements the Executor Agent runtime (spec.md §4.5,
// §9): the process that runs on a remote executor host, dials back to the
// control plane's control connection, and serves the same RPCs the Session
// Manager issues for local placements — but against a local tma.Manager,
// bridge.Registry, and rich.Channel set of its own. The control-connection
// shape (hello/heartbeat/reconnect-with-backoff) is grounded on
// ehrlich-b-wingthing's internal/ws.Client; the local session bookkeeping
// reuses the control plane's own src/tma, src/bridge, and src/rich packages
// verbatim, since an executor host runs the identical adapters the control
// plane does for local sessions.
package agent

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sessionfabric/control-plane/src/bridge"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/rich"
	"github.com/sessionfabric/control-plane/src/tma"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// localSession is the agent's bookkeeping for one session it is hosting.
// Unlike the control plane, the agent has no durable store: its inventory
// report on every reconnect is what lets the control plane reconcile state
// after an agent restart (spec.md §4.5 Adoption).
type localSession struct {
	name         string
	mode         string
	command      string
	cwd          string
	env          map[string]string
	createdAt    time.Time
	lastActivity time.Time
}

func (s *localSession) backingName() string {
	if s.mode == "rich" {
		return "rich-" + s.name
	}
	return s.name
}

// sessionStore tracks every session the agent has spawned, independent of
// the tma.Manager's own bookkeeping, so inventory reports can include
// sessions whose process already exited.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*localSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*localSession)}
}

func (st *sessionStore) put(s *localSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.name] = s
}

func (st *sessionStore) get(name string) (*localSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[name]
	return s, ok
}

func (st *sessionStore) delete(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, name)
}

func (st *sessionStore) list() []*localSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*localSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Runtime bundles the local adapters an executor host needs: the terminal
// multiplexer, the PTY bridge fanout, and the rich-session event channels.
// It fulfills the same RPC surface the control plane calls locally on
// itself for LocalExecutorID placements (src/manager/manager.go), just
// reached over the wire instead of an in-process call.
type Runtime struct {
	dataDir      string
	defaultShell string

	tmaMgr  *tma.Manager
	bridges *bridge.Registry
	store   *sessionStore
}

func NewRuntime(dataDir, defaultShell string) *Runtime {
	tmaMgr := tma.NewManager()
	return &Runtime{
		dataDir:      dataDir,
		defaultShell: defaultShell,
		tmaMgr:       tmaMgr,
		bridges:      bridge.NewRegistry(tmaMgr),
		store:        newSessionStore(),
	}
}

func (rt *Runtime) richChannel(name string) *rich.Channel {
	return rich.New(rt.dataDir, name)
}

// CreateSession spawns a new local backing session of the requested mode.
func (rt *Runtime) CreateSession(p registry.CreateSessionParams) error {
	if p.Command == "" {
		p.Command = rt.defaultShell
	}
	s := &localSession{
		name: p.Name, mode: p.Mode, command: p.Command, cwd: p.Cwd, env: p.Env,
		createdAt: time.Now(), lastActivity: time.Now(),
	}
	if err := rt.tmaMgr.Spawn(s.backingName(), s.command, s.cwd, s.env, defaultCols, defaultRows); err != nil {
		return err
	}
	if p.Mode == "rich" {
		if err := rt.richChannel(s.backingName()).EnsureDirs(); err != nil {
			rt.tmaMgr.Kill(s.backingName())
			return err
		}
	}
	rt.store.put(s)
	return nil
}

// DeleteSession tears down a session's backing process and, for rich
// sessions, its event log directory. Idempotent.
func (rt *Runtime) DeleteSession(p registry.DeleteSessionParams) error {
	s, ok := rt.store.get(p.Name)
	if !ok {
		return nil
	}
	rt.tmaMgr.Kill(s.backingName())
	if s.mode == "rich" {
		_ = os.RemoveAll(rt.richChannel(s.backingName()).Dir)
	}
	rt.store.delete(p.Name)
	return nil
}

// ForkSession spawns a fresh backing process for newName from source's
// command/mode, copying the rich event log when applicable.
func (rt *Runtime) ForkSession(p registry.ForkSessionParams) error {
	src, ok := rt.store.get(p.SourceName)
	if !ok {
		return fmt.Errorf("agent: no session %s", p.SourceName)
	}
	fork := &localSession{
		name: p.NewName, mode: src.mode, command: src.command, cwd: src.cwd, env: src.env,
		createdAt: time.Now(), lastActivity: time.Now(),
	}
	if err := rt.tmaMgr.Spawn(fork.backingName(), fork.command, fork.cwd, fork.env, defaultCols, defaultRows); err != nil {
		return err
	}
	if fork.mode == "rich" {
		dst := rt.richChannel(fork.backingName())
		if err := dst.EnsureDirs(); err != nil {
			rt.tmaMgr.Kill(fork.backingName())
			return err
		}
		if err := copyEventLog(rt.richChannel(src.backingName()), dst); err != nil {
			rt.tmaMgr.Kill(fork.backingName())
			return err
		}
	}
	rt.store.put(fork)
	return nil
}

// SnapshotSession returns the current scrollback text for a session.
func (rt *Runtime) SnapshotSession(p registry.SnapshotSessionParams) (registry.SnapshotSessionResult, error) {
	s, ok := rt.store.get(p.Name)
	if !ok {
		return registry.SnapshotSessionResult{}, fmt.Errorf("agent: no session %s", p.Name)
	}
	text, err := rt.tmaMgr.Capture(s.backingName())
	if err != nil {
		return registry.SnapshotSessionResult{}, err
	}
	return registry.SnapshotSessionResult{Text: text}, nil
}

// ListSessions reports every session this agent is hosting, for inventory
// reconciliation (spec.md §4.5 Adoption).
func (rt *Runtime) ListSessions() registry.ListSessionsResult {
	sessions := rt.store.list()
	out := make([]registry.InventorySessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, registry.InventorySessionInfo{
			Name:         s.backingName(),
			Mode:         s.mode,
			Alive:        rt.tmaMgr.Exists(s.backingName()),
			LastActivity: s.lastActivity.Unix(),
		})
	}
	return registry.ListSessionsResult{Sessions: out}
}

// DiagnoseRichSession reports whether a rich session's process is alive and
// how many events its log has accumulated.
func (rt *Runtime) DiagnoseRichSession(p registry.DiagnoseRichSessionParams) (registry.DiagnoseRichSessionResult, error) {
	s, ok := rt.store.get(p.Name)
	if !ok {
		return registry.DiagnoseRichSessionResult{}, fmt.Errorf("agent: no session %s", p.Name)
	}
	alive := rt.tmaMgr.Exists(s.backingName())
	return registry.DiagnoseRichSessionResult{
		ProcessAlive: alive,
		Detail:       fmt.Sprintf("backing=%s alive=%v", s.backingName(), alive),
	}, nil
}

// copyEventLog duplicates a rich session's events.ndjson byte-for-byte into
// a freshly created fork target, mirroring the control plane's own
// src/manager.Manager.copyEventLog for the local-placement case.
func copyEventLog(src, dst *rich.Channel) error {
	in, err := os.Open(src.EventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
