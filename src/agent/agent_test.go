package agent

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sessionfabric/control-plane/src/registry"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestRuntimeCreateListDeleteSession(t *testing.T) {
	rt := NewRuntime(t.TempDir(), "/bin/sh")

	err := rt.CreateSession(registry.CreateSessionParams{Name: "term-1", Mode: "terminal", Command: "/bin/sh"})
	assert.NoError(t, err)

	result := rt.ListSessions()
	assert.Len(t, result.Sessions, 1)
	assert.Equal(t, "term-1", result.Sessions[0].Name)
	assert.True(t, result.Sessions[0].Alive)

	err = rt.DeleteSession(registry.DeleteSessionParams{Name: "term-1"})
	assert.NoError(t, err)
	assert.Len(t, rt.ListSessions().Sessions, 0)
}

func TestRuntimeForkRichSessionCopiesEventLog(t *testing.T) {
	rt := NewRuntime(t.TempDir(), "/bin/sh")
	assert.NoError(t, rt.CreateSession(registry.CreateSessionParams{Name: "src", Mode: "rich", Command: "/bin/sh"}))

	ch := rt.richChannel("rich-src")
	assert.NoError(t, ch.AppendEvent([]byte(`{"type":"assistant","text":"hi"}`)))

	assert.NoError(t, rt.ForkSession(registry.ForkSessionParams{SourceName: "src", NewName: "dst", Mode: "rich"}))

	dst := rt.richChannel("rich-dst")
	data, err := os.ReadFile(dst.EventsPath())
	assert.NoError(t, err)
	assert.Contains(t, string(data), "hi")
}
