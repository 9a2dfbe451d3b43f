// Package manager implements the Session Manager (spec.md §4.2): the
// single place that mutates session records and decides, per session's
// ExecutorID, whether an operation is carried out in-process against TMA
// and the PTY Bridge or dispatched as an RPC through the Executor
// Registry. It follows the teacher's handler/terminal/session_manager.go
// singleton-registry shape, generalized from "one pty per session" to
// "one placement decision per session".
package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/bridge"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/rich"
	"github.com/sessionfabric/control-plane/src/store"
	"github.com/sessionfabric/control-plane/src/tma"
)

const (
	defaultCols = 80
	defaultRows = 24

	remoteRPCTimeout = 15 * time.Second
)

// RegistryClient is the subset of *registry.Registry the manager needs,
// kept as an interface so tests can substitute a fake rather than stand up
// a real control connection.
type RegistryClient interface {
	IsOnline(executorID string) bool
	SendRPC(executorID, method string, params any, timeout time.Duration) (json.RawMessage, error)
	AllocateSideChannel(executorID, sessionName, kind string) (string, error)
}

// Manager is the Session Manager. One instance owns every session
// regardless of placement.
type Manager struct {
	st           *store.Store
	tma          *tma.Manager
	bridges      *bridge.Registry
	reg          RegistryClient
	dataDir      string
	defaultShell string
}

func New(st *store.Store, tmaMgr *tma.Manager, bridges *bridge.Registry, dataDir, defaultShell string) *Manager {
	return &Manager{st: st, tma: tmaMgr, bridges: bridges, dataDir: dataDir, defaultShell: defaultShell}
}

// SetRegistry wires in the Executor Registry for remote placements. Call
// reg.SetAdoptionCallback(mgr.AdoptSession) separately at startup — kept
// out of here so this package never needs to know registry.Registry's
// concrete type, only the RegistryClient it consumes.
func (m *Manager) SetRegistry(reg RegistryClient) {
	m.reg = reg
}

func (m *Manager) isLocal(executorID string) bool {
	return executorID == "" || executorID == model.LocalExecutorID
}

// uniqueName draws generated names until one is not taken by any owner's
// session, giving up after a bounded number of attempts.
func (m *Manager) uniqueName() string {
	name := model.GenerateName()
	for i := 0; i < 10; i++ {
		if _, err := m.st.GetSessionAnyOwner(name); err != nil {
			break
		}
		name = model.GenerateName()
	}
	return name
}

// richChannel returns the rich-channel handle for a session name, valid
// only for sessions placed locally.
func (m *Manager) richChannel(name string) *rich.Channel {
	return rich.New(m.dataDir, name)
}

// CreateSession spawns the backing process (locally via TMA, or remotely
// via create_session RPC) and persists the session record. An empty name
// triggers server-side name generation (spec.md §4.2).
func (m *Manager) CreateSession(ownerID, name, description string, mode model.Mode, command, executorID string) (*model.Session, error) {
	if name == "" {
		name = m.uniqueName()
	}
	if executorID == "" {
		executorID = model.LocalExecutorID
	}

	rec := &model.Session{
		Name:         name,
		Description:  description,
		Mode:         mode,
		Command:      command,
		ExecutorID:   executorID,
		OwnerID:      ownerID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	idx, err := m.st.NextOrderIndex(ownerID)
	if err != nil {
		return nil, err
	}
	rec.OrderIndex = idx

	if err := m.spawnBacking(rec); err != nil {
		return nil, err
	}

	if err := m.st.CreateSession(rec); err != nil {
		m.teardownBacking(rec)
		return nil, err
	}
	return rec, nil
}

// CreateJob is the rich-mode convenience that also seeds the initial
// prompt, for the "start a background AI job" flow (spec.md §4.2, §4.4).
func (m *Manager) CreateJob(ownerID, name, description, command, executorID, prompt string) (*model.Session, error) {
	rec, err := m.CreateSession(ownerID, name, description, model.ModeRich, command, executorID)
	if err != nil {
		return nil, err
	}
	rec.JobPrompt = &prompt

	if m.isLocal(rec.ExecutorID) {
		ch := m.richChannel(rec.BackingName())
		if err := ch.WritePrompt(prompt); err != nil {
			logrus.Warnf("manager: seed prompt for %s: %v", rec.Name, err)
		}
	} else {
		// For a remote placement the prompt is not sent to the agent: the
		// create_session RPC carries no prompt, and no other RPC does.
		logrus.Debugf("manager: remote rich job %s created, prompt not sent to the agent", rec.Name)
	}
	return rec, nil
}

func (m *Manager) spawnBacking(rec *model.Session) error {
	backing := rec.BackingName()
	if m.isLocal(rec.ExecutorID) {
		if rec.Mode == model.ModeRich {
			ch := m.richChannel(backing)
			if err := ch.EnsureDirs(); err != nil {
				return fmt.Errorf("manager: prepare rich channel for %s: %w", rec.Name, err)
			}
		}
		if err := m.tma.Spawn(backing, rec.Command, "", nil, defaultCols, defaultRows); err != nil {
			return fmt.Errorf("manager: spawn %s: %w", rec.Name, err)
		}
		return nil
	}

	if m.reg == nil || !m.reg.IsOnline(rec.ExecutorID) {
		return model.ErrExecutorOffline
	}
	params := registry.CreateSessionParams{Name: backing, Mode: string(rec.Mode), Command: rec.Command}
	_, err := m.reg.SendRPC(rec.ExecutorID, registry.RPCCreateSession, params, remoteRPCTimeout)
	return err
}

func (m *Manager) teardownBacking(rec *model.Session) {
	if m.isLocal(rec.ExecutorID) {
		m.tma.Kill(rec.BackingName())
		return
	}
	if m.reg != nil && m.reg.IsOnline(rec.ExecutorID) {
		_, _ = m.reg.SendRPC(rec.ExecutorID, registry.RPCDeleteSession,
			registry.DeleteSessionParams{Name: rec.BackingName()}, remoteRPCTimeout)
	}
}

// GetSession returns the session owned by ownerID with Alive populated.
func (m *Manager) GetSession(ownerID, name string) (*model.Session, error) {
	rec, err := m.st.GetSession(ownerID, name)
	if err != nil {
		return nil, err
	}
	m.enrichAlive(rec)
	return rec, nil
}

// ListSessions returns every session ownerID owns, ordered and enriched
// with a live-computed Alive flag (spec.md §4.2).
func (m *Manager) ListSessions(ownerID string) ([]*model.Session, error) {
	recs, err := m.st.ListSessions(ownerID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		m.enrichAlive(rec)
	}
	return recs, nil
}

func (m *Manager) enrichAlive(rec *model.Session) {
	if m.isLocal(rec.ExecutorID) {
		rec.Alive = m.tma.Exists(rec.BackingName())
		return
	}
	// For a remote placement we only know the executor's control
	// connection is up, not that the individual backing process is still
	// running — a precise answer would need a list_sessions RPC round
	// trip per row, which ListSessions callers (the session list view)
	// cannot afford. Diagnose/attach paths get the precise answer.
	rec.Alive = m.reg != nil && m.reg.IsOnline(rec.ExecutorID)
}

// ListExecutors returns every known executor record.
func (m *Manager) ListExecutors() ([]*model.Executor, error) {
	return m.st.ListExecutors()
}

// Reorder persists a new order_index sequence for ownerID's sessions.
func (m *Manager) Reorder(ownerID string, names []string) error {
	return m.st.Reorder(ownerID, names)
}

// UpdateDescription changes a session's mutable description field.
func (m *Manager) UpdateDescription(ownerID, name, description string) error {
	return m.st.UpdateSessionMeta(ownerID, name, description)
}

// ForkSession creates a new session from an existing one: same mode,
// command and placement, sharing no process but — for rich sessions —
// starting from a copy of the source's event log up to the moment of the
// fork, so the new session's transcript review shows the shared history
// before it diverges (spec.md §4.2 Fork).
func (m *Manager) ForkSession(ownerID, sourceName, newName string) (*model.Session, error) {
	src, err := m.st.GetSession(ownerID, sourceName)
	if err != nil {
		return nil, err
	}
	if newName == "" {
		newName = m.uniqueName()
	}

	rec := &model.Session{
		Name:         newName,
		Description:  src.Description,
		Mode:         src.Mode,
		Command:      src.Command,
		ExecutorID:   src.ExecutorID,
		OwnerID:      ownerID,
		ParentName:   &sourceName,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	idx, err := m.st.NextOrderIndex(ownerID)
	if err != nil {
		return nil, err
	}
	rec.OrderIndex = idx

	if m.isLocal(rec.ExecutorID) {
		if err := m.spawnBacking(rec); err != nil {
			return nil, err
		}
		if rec.Mode == model.ModeRich {
			if err := m.copyEventLog(src.BackingName(), rec.BackingName()); err != nil {
				logrus.Warnf("manager: fork event log copy %s -> %s: %v", sourceName, newName, err)
			}
		}
	} else {
		if m.reg == nil || !m.reg.IsOnline(rec.ExecutorID) {
			return nil, model.ErrExecutorOffline
		}
		params := registry.ForkSessionParams{SourceName: src.BackingName(), NewName: rec.BackingName(), Mode: string(rec.Mode)}
		if _, err := m.reg.SendRPC(rec.ExecutorID, registry.RPCForkSession, params, remoteRPCTimeout); err != nil {
			return nil, err
		}
	}

	if err := m.st.CreateSession(rec); err != nil {
		m.teardownBacking(rec)
		return nil, err
	}
	return rec, nil
}

// copyEventLog duplicates a rich session's events.ndjson byte-for-byte
// into a freshly created channel directory for the fork target.
func (m *Manager) copyEventLog(sourceBacking, targetBacking string) error {
	target := m.richChannel(targetBacking)
	if err := target.EnsureDirs(); err != nil {
		return err
	}
	src, err := os.Open(m.richChannel(sourceBacking).EventsPath())
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target.EventsPath(), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// DeleteSession kills the backing process (if any) and removes the
// record. Deleting an unknown name is a no-op, not an error — repeated
// delete calls against the same name must all succeed (spec.md §4.2
// Invariants).
func (m *Manager) DeleteSession(ownerID, name string) error {
	rec, err := m.st.GetSession(ownerID, name)
	if err == model.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	m.teardownBacking(rec)
	if rec.Mode == model.ModeRich && m.isLocal(rec.ExecutorID) {
		if err := os.RemoveAll(m.richChannel(rec.BackingName()).Dir); err != nil {
			logrus.Warnf("manager: remove rich channel dir for %s: %v", name, err)
		}
	}
	if err := m.st.DeleteSession(ownerID, name); err != nil && err != model.ErrNotFound {
		return err
	}
	return nil
}

// SnapshotSession returns the session's current scrollback as plain text.
func (m *Manager) SnapshotSession(ownerID, name string) (string, error) {
	rec, err := m.st.GetSession(ownerID, name)
	if err != nil {
		return "", err
	}
	if m.isLocal(rec.ExecutorID) {
		return m.tma.Capture(rec.BackingName())
	}
	if m.reg == nil || !m.reg.IsOnline(rec.ExecutorID) {
		return "", model.ErrExecutorOffline
	}
	raw, err := m.reg.SendRPC(rec.ExecutorID, registry.RPCSnapshotSession,
		registry.SnapshotSessionParams{Name: rec.BackingName()}, remoteRPCTimeout)
	if err != nil {
		return "", err
	}
	var res registry.SnapshotSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("manager: decode snapshot reply: %w", err)
	}
	return res.Text, nil
}

// AttachLocal returns the local-placement attach primitives for a
// session; callers (the WebSocket handler) use this for the local branch
// of the two-variant local/remote dispatch (spec.md §9 Design notes).
// It returns an error when the session is not placed locally.
func (m *Manager) AttachLocal(ownerID, name string, cols, rows uint16) (*bridge.Client, *bridge.Bridge, *model.Session, error) {
	rec, err := m.st.GetSession(ownerID, name)
	if err != nil {
		return nil, nil, nil, err
	}
	if !m.isLocal(rec.ExecutorID) {
		return nil, nil, nil, fmt.Errorf("manager: %s is not a local placement", name)
	}
	client, br, err := m.bridges.Attach(rec.BackingName(), cols, rows)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, br, rec, nil
}

// AttachRemote allocates a side channel on the session's executor and
// returns the channel id for the WebSocket handler's remote branch.
func (m *Manager) AttachRemote(ownerID, name, kind string) (channelID string, executorID string, rec *model.Session, err error) {
	rec, err = m.st.GetSession(ownerID, name)
	if err != nil {
		return "", "", nil, err
	}
	if m.isLocal(rec.ExecutorID) {
		return "", "", nil, fmt.Errorf("manager: %s is a local placement", name)
	}
	if m.reg == nil {
		return "", "", nil, model.ErrExecutorOffline
	}
	channelID, err = m.reg.AllocateSideChannel(rec.ExecutorID, rec.BackingName(), kind)
	if err != nil {
		return "", "", nil, err
	}
	return channelID, rec.ExecutorID, rec, nil
}

// RichChannelFor returns the local rich-channel handle backing a session,
// for the rich WebSocket handler's local branch.
func (m *Manager) RichChannelFor(rec *model.Session) *rich.Channel {
	return m.richChannel(rec.BackingName())
}

// SessionExistsLocally reports whether the local TMA still has a live
// process for rec, used by the rich channel's aliveFunc.
func (m *Manager) SessionExistsLocally(rec *model.Session) bool {
	return m.tma.Exists(rec.BackingName())
}

// AdoptSession reconciles an executor's inventory report against the
// store: a session name the inventory knows about but the store does not
// is adopted as a record owned by model.LocalOwnerID so it shows up in
// listings rather than silently vanishing after a control-plane restart
// (spec.md §9 Cyclic/shared ownership between SM and ER).
func (m *Manager) AdoptSession(executorID string, info registry.InventorySessionInfo) {
	mode := model.Mode(info.Mode)
	// info.Name is the backing name the agent knows; strip the rich-
	// prefix so the adopted record's logical Name round-trips back
	// through BackingName() instead of double-prefixing.
	name := info.Name
	if mode == model.ModeRich && len(name) > len("rich-") && name[:len("rich-")] == "rich-" {
		name = name[len("rich-"):]
	}

	if _, err := m.st.GetSessionAnyOwner(name); err == nil {
		return // already known
	} else if err != model.ErrNotFound {
		logrus.Warnf("manager: adoption lookup for %s: %v", name, err)
		return
	}

	rec := &model.Session{
		Name:         name,
		Description:  "adopted from executor " + executorID,
		Mode:         mode,
		ExecutorID:   executorID,
		OwnerID:      model.LocalOwnerID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	idx, err := m.st.NextOrderIndex(rec.OwnerID)
	if err != nil {
		logrus.Warnf("manager: adoption order index for %s: %v", name, err)
		return
	}
	rec.OrderIndex = idx

	if err := m.st.CreateSession(rec); err != nil {
		logrus.Warnf("manager: adopt %s from %s: %v", name, executorID, err)
	}
}
