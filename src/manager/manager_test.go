package manager

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfabric/control-plane/src/bridge"
	"github.com/sessionfabric/control-plane/src/model"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/store"
	"github.com/sessionfabric/control-plane/src/tma"
)

const ownerID = "owner-1"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tmaMgr := tma.NewManager()
	bridges := bridge.NewRegistry(tmaMgr)
	return New(st, tmaMgr, bridges, t.TempDir(), "/bin/sh")
}

func TestCreateAndListLocalSession(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.CreateSession(ownerID, "", "test shell", model.ModeTerminal, "true", "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Name)
	assert.Equal(t, model.LocalExecutorID, rec.ExecutorID)

	sessions, err := m.ListSessions(ownerID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.Name, sessions[0].Name)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.CreateSession(ownerID, "", "", model.ModeTerminal, "true", "")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(ownerID, rec.Name))
	require.NoError(t, m.DeleteSession(ownerID, rec.Name), "deleting a second time must stay a no-op")
	require.NoError(t, m.DeleteSession(ownerID, "never-existed"))
}

func TestForkRichSessionCopiesEventLog(t *testing.T) {
	m := newTestManager(t)

	src, err := m.CreateSession(ownerID, "source-session", "", model.ModeRich, "true", "")
	require.NoError(t, err)

	ch := m.RichChannelFor(src)
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"system","subtype":"init"}`)))
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"assistant","text":"hi"}`)))

	fork, err := m.ForkSession(ownerID, "source-session", "forked-session")
	require.NoError(t, err)
	assert.Equal(t, "source-session", *fork.ParentName)

	forkedContent, err := os.ReadFile(m.RichChannelFor(fork).EventsPath())
	require.NoError(t, err)
	assert.Contains(t, string(forkedContent), `"assistant"`)
}

func TestReorderPersists(t *testing.T) {
	m := newTestManager(t)

	a, err := m.CreateSession(ownerID, "session-a", "", model.ModeTerminal, "true", "")
	require.NoError(t, err)
	b, err := m.CreateSession(ownerID, "session-b", "", model.ModeTerminal, "true", "")
	require.NoError(t, err)

	require.NoError(t, m.Reorder(ownerID, []string{b.Name, a.Name}))

	sessions, err := m.ListSessions(ownerID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, b.Name, sessions[0].Name)
	assert.Equal(t, a.Name, sessions[1].Name)
}

type fakeRegistry struct {
	online map[string]bool
}

func (f *fakeRegistry) IsOnline(executorID string) bool { return f.online[executorID] }
func (f *fakeRegistry) SendRPC(executorID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (f *fakeRegistry) AllocateSideChannel(executorID, sessionName, kind string) (string, error) {
	return "ch-1", nil
}

func TestCreateSessionOnOfflineExecutorFails(t *testing.T) {
	m := newTestManager(t)
	m.SetRegistry(&fakeRegistry{online: map[string]bool{}})

	_, err := m.CreateSession(ownerID, "remote-session", "", model.ModeTerminal, "true", "exec-1")
	assert.ErrorIs(t, err, model.ErrExecutorOffline)
}

func TestAdoptSessionSkipsKnownNames(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.CreateSession(ownerID, "known-session", "", model.ModeTerminal, "true", "")
	require.NoError(t, err)

	m.AdoptSession("exec-1", registry.InventorySessionInfo{Name: rec.Name, Mode: "terminal"})

	sessions, err := m.ListSessions(ownerID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "adoption must not duplicate an already-known session")
}

func TestAdoptSessionStripsRichPrefix(t *testing.T) {
	m := newTestManager(t)
	m.AdoptSession("exec-1", registry.InventorySessionInfo{Name: "rich-swift-otter-1234", Mode: "rich"})

	sessions, err := m.ListSessions(model.LocalOwnerID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "swift-otter-1234", sessions[0].Name)
	assert.Equal(t, "rich-swift-otter-1234", sessions[0].BackingName())
}

