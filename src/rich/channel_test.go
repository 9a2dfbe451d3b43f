package rich

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirsCreatesEventsFileAndFifo(t *testing.T) {
	ch := New(t.TempDir(), "sess-1")
	require.NoError(t, ch.EnsureDirs())

	_, err := os.Stat(ch.EventsPath())
	assert.NoError(t, err)

	info, err := os.Stat(ch.FifoPath())
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	// Idempotent: calling again must not error.
	assert.NoError(t, ch.EnsureDirs())
}

func TestAppendEventPersistsLines(t *testing.T) {
	ch := New(t.TempDir(), "sess-1")
	require.NoError(t, ch.EnsureDirs())

	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"assistant","text":"hi"}`)))
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"system","subtype":"init"}`)))

	data, err := os.ReadFile(ch.EventsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hi")
	assert.Contains(t, string(data), "init")
}

func TestWritePromptWithoutReaderDoesNotError(t *testing.T) {
	ch := New(t.TempDir(), "sess-1")
	require.NoError(t, ch.EnsureDirs())

	// No one has the fifo open for reading; the write must be dropped
	// silently rather than blocking or erroring (spec.md §4.4).
	done := make(chan error, 1)
	go func() { done <- ch.WritePrompt("hello") }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WritePrompt blocked with no fifo reader")
	}
}

type fakeConn struct {
	sent chan any
}

func (f *fakeConn) send(v any) error {
	f.sent <- v
	return nil
}

func TestRunReplaysSkipsStreamEventsAndDedupesInit(t *testing.T) {
	ch := New(t.TempDir(), "sess-1")
	require.NoError(t, ch.EnsureDirs())

	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"system","subtype":"init"}`)))
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"stream_event"}`)))
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"assistant","text":"hi"}`)))
	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"system","subtype":"init"}`)))

	conn := &fakeConn{sent: make(chan any, 16)}
	stop := make(chan struct{})
	defer close(stop)

	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(stop, conn.send, func() bool { return true }) }()

	first, ok := (<-conn.sent).(SessionStateMsg)
	require.True(t, ok)
	assert.False(t, first.Streaming)
	assert.True(t, first.ProcessAlive)

	var events []EventMsg
	for i := 0; i < 2; i++ {
		select {
		case v := <-conn.sent:
			ev, ok := v.(EventMsg)
			require.True(t, ok)
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for replayed event %d", i)
		}
	}
	require.Len(t, events, 2)
	assert.Contains(t, string(events[0].Event), `"init"`)
	assert.Contains(t, string(events[1].Event), "hi")

	select {
	case extra := <-conn.sent:
		t.Fatalf("unexpected extra message during replay: %#v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRunTailsNewlyAppendedEvents(t *testing.T) {
	ch := New(t.TempDir(), "sess-1")
	require.NoError(t, ch.EnsureDirs())

	conn := &fakeConn{sent: make(chan any, 16)}
	stop := make(chan struct{})
	defer close(stop)

	go func() { _ = ch.Run(stop, conn.send, func() bool { return true }) }()

	<-conn.sent // session_state

	require.NoError(t, ch.AppendEvent(json.RawMessage(`{"type":"assistant","text":"tailed"}`)))

	select {
	case v := <-conn.sent:
		ev, ok := v.(EventMsg)
		require.True(t, ok)
		assert.Contains(t, string(ev.Event), "tailed")
	case <-time.After(3 * time.Second):
		t.Fatal("tailed event was not delivered")
	}
}
