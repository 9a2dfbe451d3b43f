package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfabric/control-plane/src/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenIsIdempotentAcrossMigrations(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/control-plane.db"

	st1, err := Open(path)
	require.NoError(t, err)
	st1.Close()

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()

	var count int
	require.NoError(t, st2.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Greater(t, count, 0)
}

func TestCreateAndGetSession(t *testing.T) {
	st := newTestStore(t)
	rec := &model.Session{
		Name: "term-1", Mode: model.ModeTerminal, Command: "/bin/sh",
		ExecutorID: model.LocalExecutorID, OwnerID: "owner-1",
		CreatedAt: time.Now(), LastActivity: time.Now(),
	}
	require.NoError(t, st.CreateSession(rec))

	got, err := st.GetSession("owner-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, "term-1", got.Name)
	assert.Equal(t, model.ModeTerminal, got.Mode)

	_, err = st.GetSession("someone-else", "term-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateSessionDuplicateNameFails(t *testing.T) {
	st := newTestStore(t)
	rec := &model.Session{Name: "dup", Mode: model.ModeTerminal, Command: "/bin/sh", ExecutorID: model.LocalExecutorID, OwnerID: "o1", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, st.CreateSession(rec))
	err := st.CreateSession(rec)
	assert.ErrorIs(t, err, model.ErrNameTaken)
}

func TestDeleteSessionIsOwnerScoped(t *testing.T) {
	st := newTestStore(t)
	rec := &model.Session{Name: "s1", Mode: model.ModeTerminal, Command: "/bin/sh", ExecutorID: model.LocalExecutorID, OwnerID: "owner-a", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, st.CreateSession(rec))

	require.NoError(t, st.DeleteSession("owner-b", "s1"))
	_, err := st.GetSession("owner-a", "s1")
	assert.NoError(t, err)

	require.NoError(t, st.DeleteSession("owner-a", "s1"))
	_, err = st.GetSession("owner-a", "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReorderRenumbersDensely(t *testing.T) {
	st := newTestStore(t)
	for _, name := range []string{"a", "b", "c"} {
		idx, err := st.NextOrderIndex("owner-1")
		require.NoError(t, err)
		require.NoError(t, st.CreateSession(&model.Session{
			Name: name, Mode: model.ModeTerminal, Command: "/bin/sh", ExecutorID: model.LocalExecutorID,
			OwnerID: "owner-1", OrderIndex: idx, CreatedAt: time.Now(), LastActivity: time.Now(),
		}))
	}

	require.NoError(t, st.Reorder("owner-1", []string{"c", "a", "b"}))

	sessions, err := st.ListSessions("owner-1")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{sessions[0].Name, sessions[1].Name, sessions[2].Name})
}

func TestUpsertAndGetExecutor(t *testing.T) {
	st := newTestStore(t)
	exec := &model.Executor{ID: "exec-1", Name: "worker", Labels: []string{"gpu"}, Status: model.ExecutorOnline, Version: "1.0", LastSeen: time.Now()}
	require.NoError(t, st.UpsertExecutor(exec))

	got, err := st.GetExecutor("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "worker", got.Name)
	assert.Equal(t, []string{"gpu"}, got.Labels)

	require.NoError(t, st.SetExecutorStatus("exec-1", model.ExecutorOffline))
	got, err = st.GetExecutor("exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutorOffline, got.Status)
}

func TestConfigSetAndGetAll(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SetConfig("owner-1", "theme", "dark"))
	require.NoError(t, st.SetConfig("owner-1", "theme", "light"))
	require.NoError(t, st.SetConfig("owner-1", "fontSize", "14"))

	cfg, err := st.GetAllConfig("owner-1")
	require.NoError(t, err)
	assert.Equal(t, "light", cfg["theme"])
	assert.Equal(t, "14", cfg["fontSize"])
}
