package tma

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, att *Attachment, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	var got strings.Builder
	for {
		select {
		case b, ok := <-att.Output:
			if !ok {
				t.Fatalf("output channel closed before %q seen, got %q", want, got.String())
			}
			got.Write(b)
			if strings.Contains(got.String(), want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
		}
	}
}

func TestSpawnAttachWriteAndCapture(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Spawn("sess-1", "/bin/sh", "", nil, 80, 24))
	assert.True(t, m.Exists("sess-1"))

	att, err := m.Attach("sess-1")
	require.NoError(t, err)

	_, err = att.Write([]byte("echo hello-tma\n"))
	require.NoError(t, err)

	drain(t, att, "hello-tma", 5*time.Second)

	text, err := m.Capture("sess-1")
	require.NoError(t, err)
	assert.Contains(t, text, "hello-tma")

	m.Kill("sess-1")
	assert.False(t, m.Exists("sess-1"))
}

func TestSpawnDuplicateNameFails(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Spawn("dup", "/bin/sh", "", nil, 80, 24))
	defer m.Kill("dup")

	err := m.Spawn("dup", "/bin/sh", "", nil, 80, 24)
	assert.Error(t, err)
}

func TestAttachUnknownSessionFails(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("does-not-exist")
	assert.Error(t, err)
}

func TestKillIsIdempotent(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Spawn("s1", "/bin/sh", "", nil, 80, 24))
	m.Kill("s1")
	m.Kill("s1")
	assert.False(t, m.Exists("s1"))
}

func TestDoneClosesOnProcessExit(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Spawn("short-lived", "/bin/sh -c true", "", nil, 80, 24))
	defer m.Kill("short-lived")

	select {
	case <-m.Done("short-lived"):
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit in time")
	}
}

func TestPreflightRejectsMissingShell(t *testing.T) {
	err := Preflight("/no/such/shell-binary")
	assert.Error(t, err)
}

func TestPreflightAcceptsRealShell(t *testing.T) {
	assert.NoError(t, Preflight("/bin/sh"))
}
