// Package rich implements the Rich Channel (spec.md §4.4): tailing a rich
// session's append-only events.ndjson to the browser and relaying prompts
// through a named pipe. The tailer combines an fsnotify watch with a
// low-rate poll the way the teacher's handler/filesystem.go directory
// watcher does, so editors/processes that rename-rotate the log are not
// missed.
package rich

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const pollInterval = 500 * time.Millisecond // ~2 Hz, spec.md §4.4

// Channel is bound to one rich session's on-disk directory:
// DATA_DIR/rich/{name}/{events.ndjson,prompt.fifo}.
type Channel struct {
	Dir string
}

func New(dataDir, name string) *Channel {
	return &Channel{Dir: filepath.Join(dataDir, "rich", name)}
}

func (c *Channel) EventsPath() string { return filepath.Join(c.Dir, "events.ndjson") }
func (c *Channel) FifoPath() string   { return filepath.Join(c.Dir, "prompt.fifo") }

// EnsureDirs creates the session directory, the events file, and the fifo
// if they do not already exist.
func (c *Channel) EnsureDirs() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("rich: mkdir %s: %w", c.Dir, err)
	}
	f, err := os.OpenFile(c.EventsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rich: create events log: %w", err)
	}
	f.Close()

	if _, err := os.Stat(c.FifoPath()); os.IsNotExist(err) {
		if err := syscall.Mkfifo(c.FifoPath(), 0o600); err != nil {
			return fmt.Errorf("rich: mkfifo: %w", err)
		}
	}
	return nil
}

// AppendEvent appends one event line to events.ndjson, creating the file
// if needed.
func (c *Channel) AppendEvent(raw json.RawMessage) error {
	f, err := os.OpenFile(c.EventsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return err
	}
	_, err = f.Write([]byte("\n"))
	return err
}

// WritePrompt writes one prompt line to the fifo in non-blocking mode. If
// no reader has the fifo open, the write fails with ENXIO and the prompt
// is silently dropped — the caller (the browser's WebSocket) must never
// block on this (spec.md §4.4).
func (c *Channel) WritePrompt(text string) error {
	line, err := json.Marshal(NewPrompt(text))
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(c.FifoPath(), os.O_WRONLY|os.O_NONBLOCK, 0)
	if err != nil {
		logrus.Debugf("rich: prompt dropped for %s, no reader on fifo: %v", c.Dir, err)
		return nil
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		logrus.Debugf("rich: prompt write failed for %s: %v", c.Dir, err)
	}
	return nil
}

// Sender is how the channel emits outbound messages; callers adapt this to
// a websocket.Conn.WriteJSON.
type Sender func(v any) error

// Run performs the replay-then-tail protocol against the WebSocket bound
// to sender, until stop is closed or a send fails. aliveFunc reports
// whether the backing rich-<name> emulator session currently exists.
func (c *Channel) Run(stop <-chan struct{}, sender Sender, aliveFunc func() bool) error {
	if err := sender(SessionStateMsg{Type: "session_state", Streaming: false, ProcessAlive: aliveFunc()}); err != nil {
		return err
	}

	f, err := os.Open(c.EventsPath())
	if err != nil {
		return fmt.Errorf("rich: open events log: %w", err)
	}
	defer f.Close()

	seenInit := false
	var partial bytes.Buffer

	emitLine := func(line []byte) error {
		if len(bytes.TrimSpace(line)) == 0 {
			return nil
		}
		et, ok := parseEventType(line)
		if !ok {
			return nil // malformed line: skipped (spec.md §4.4 Failure)
		}
		if et.Type == "stream_event" {
			return nil // never forwarded to browsers
		}
		if et.Type == "system" && et.Subtype == "init" {
			if seenInit {
				return nil
			}
			seenInit = true
		}
		return sender(EventMsg{Type: "event", Event: json.RawMessage(line)})
	}

	reader := bufio.NewReader(f)
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\n")
			if err := emitLine(trimmed); err != nil {
				return err
			}
		}
		if rerr != nil {
			break // EOF reached; replay done
		}
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(c.Dir)
	} else {
		logrus.Warnf("rich: fsnotify unavailable for %s, falling back to poll only: %v", c.Dir, werr)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	drainNew := func() error {
		for {
			chunk := make([]byte, 4096)
			n, rerr := f.Read(chunk)
			if n > 0 {
				partial.Write(chunk[:n])
				for {
					idx := bytes.IndexByte(partial.Bytes(), '\n')
					if idx < 0 {
						break
					}
					line := make([]byte, idx)
					copy(line, partial.Bytes()[:idx])
					partial.Next(idx + 1)
					if err := emitLine(line); err != nil {
						return err
					}
				}
			}
			if rerr != nil {
				return nil
			}
			if n == 0 {
				return nil
			}
		}
	}

	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if filepath.Base(ev.Name) == filepath.Base(c.EventsPath()) {
				if err := drainNew(); err != nil {
					return err
				}
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			logrus.Warnf("rich: watch error for %s: %v", c.Dir, err)
		case <-ticker.C:
			if err := drainNew(); err != nil {
				return err
			}
		}
	}
}
