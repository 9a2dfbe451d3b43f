package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfabric/control-plane/src/tma"
)

func newTestBridgeRegistry(t *testing.T, sessionName string) (*Registry, *tma.Manager) {
	t.Helper()
	mgr := tma.NewManager()
	require.NoError(t, mgr.Spawn(sessionName, "/bin/sh", "", nil, 80, 24))
	t.Cleanup(func() { mgr.Kill(sessionName) })
	return NewRegistry(mgr), mgr
}

func recvUntil(t *testing.T, ch <-chan []byte, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	var got []byte
	for {
		select {
		case b := <-ch:
			got = append(got, b...)
			if strings.Contains(string(got), want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, string(got))
		}
	}
}

func TestAttachFirstClientStreamsOutput(t *testing.T) {
	reg, _ := newTestBridgeRegistry(t, "s1")

	client, br, err := reg.Attach("s1", 80, 24)
	require.NoError(t, err)
	assert.Equal(t, Streaming, br.State())
	assert.Equal(t, 1, br.ClientCount())

	require.NoError(t, br.Write([]byte("echo bridge-hello\n")))
	recvUntil(t, client.Ch, "bridge-hello", 5*time.Second)
}

func TestSecondClientSharesUpstream(t *testing.T) {
	reg, _ := newTestBridgeRegistry(t, "s2")

	c1, br, err := reg.Attach("s2", 80, 24)
	require.NoError(t, err)
	c2, br2, err := reg.Attach("s2", 100, 40)
	require.NoError(t, err)
	assert.Same(t, br, br2)
	assert.Equal(t, 2, br.ClientCount())

	require.NoError(t, br.Write([]byte("echo shared\n")))
	recvUntil(t, c1.Ch, "shared", 5*time.Second)
	recvUntil(t, c2.Ch, "shared", 5*time.Second)
}

func TestAttachUnknownSessionFails(t *testing.T) {
	mgr := tma.NewManager()
	reg := NewRegistry(mgr)
	_, _, err := reg.Attach("does-not-exist", 80, 24)
	assert.Error(t, err)
}

func TestDetachLastClientEntersDraining(t *testing.T) {
	reg, _ := newTestBridgeRegistry(t, "s3")

	client, br, err := reg.Attach("s3", 80, 24)
	require.NoError(t, err)

	br.Detach(client)
	assert.Equal(t, Draining, br.State())
	assert.Equal(t, 0, br.ClientCount())

	select {
	case <-client.Done():
	default:
		t.Fatal("client.Done() should be closed after Detach")
	}
}

func TestResizePicksMaxOfAllClients(t *testing.T) {
	reg, _ := newTestBridgeRegistry(t, "s4")

	c1, br, err := reg.Attach("s4", 80, 24)
	require.NoError(t, err)
	c2, _, err := reg.Attach("s4", 100, 20)
	require.NoError(t, err)

	br.Resize(c1, 80, 24)
	br.Resize(c2, 100, 20)

	var maxCols, maxRows uint16
	for c := range br.clients {
		c.mu.Lock()
		if c.cols > maxCols {
			maxCols = c.cols
		}
		if c.rows > maxRows {
			maxRows = c.rows
		}
		c.mu.Unlock()
	}
	assert.Equal(t, uint16(100), maxCols)
	assert.Equal(t, uint16(24), maxRows)
}
