package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfabric/control-plane/src/model"
)

func TestLogRingOrderingAndSince(t *testing.T) {
	r := &Registry{logRing: make([]LogEntry, 0, logRingCapacity)}

	r.appendLog("exec-1", "connected")
	r.appendLog("exec-1", "heartbeat")
	r.appendLog("exec-2", "connected")

	all := r.GetLogs(0)
	require.Len(t, all, 3)
	assert.Equal(t, "connected", all[0].Message)
	assert.Equal(t, "heartbeat", all[1].Message)

	since := r.GetLogs(all[1].Seq)
	require.Len(t, since, 1)
	assert.Equal(t, "connected", since[0].Message)
	assert.Equal(t, "exec-2", since[0].Source)
}

func TestLogRingWraps(t *testing.T) {
	r := &Registry{logRing: make([]LogEntry, 0, logRingCapacity)}
	// Overfill the ring by three entries so the three oldest are overwritten.
	for i := 0; i < logRingCapacity+3; i++ {
		r.appendLog("exec", "line")
	}
	entries := r.GetLogs(0)
	require.Len(t, entries, logRingCapacity)
	assert.Equal(t, int64(4), entries[0].Seq)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestResolveTerminalChannelIsOneShot(t *testing.T) {
	r := New(nil)
	r.mu.Lock()
	r.chans["ch-1"] = PendingChannel{ExecutorID: "exec-1", SessionName: "swift-otter-1234", Kind: "terminal"}
	r.mu.Unlock()

	pc, ok := r.ResolveTerminalChannel("ch-1")
	require.True(t, ok)
	assert.Equal(t, "exec-1", pc.ExecutorID)
	assert.Equal(t, "swift-otter-1234", pc.SessionName)

	_, ok = r.ResolveTerminalChannel("ch-1")
	assert.False(t, ok, "a side channel must be claimable exactly once")
}

func TestSendRPCToOfflineExecutorFailsFast(t *testing.T) {
	r := New(nil)
	_, err := r.SendRPC("not-connected", RPCListSessions, struct{}{}, 0)
	assert.ErrorIs(t, err, model.ErrExecutorOffline)
}

func TestAllocateSideChannelRequiresOnlineExecutor(t *testing.T) {
	r := New(nil)
	_, err := r.AllocateSideChannel("not-connected", "swift-otter-1234", "terminal")
	assert.ErrorIs(t, err, model.ErrExecutorOffline)
}

func TestUpgradeRequiresOnlineExecutor(t *testing.T) {
	r := New(nil)
	err := r.Upgrade("not-connected", "rolling upgrade")
	assert.ErrorIs(t, err, model.ErrExecutorOffline)
}

func TestUpgradeAllWithNoConnectionsContactsNobody(t *testing.T) {
	r := New(nil)
	ids := r.UpgradeAll("rolling upgrade")
	assert.Empty(t, ids)
}

func TestIsOnlineReflectsConnectionMap(t *testing.T) {
	r := New(nil)
	assert.False(t, r.IsOnline("exec-1"))

	r.mu.Lock()
	r.conns["exec-1"] = &conn{closeCh: make(chan struct{})}
	r.mu.Unlock()

	assert.True(t, r.IsOnline("exec-1"))
}
