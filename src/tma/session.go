// Package tma is the Terminal Multiplexer Adapter (spec.md §4.1): a thin
// wrapper providing named, detachable emulator sessions with scrollback
// capture and resize. It is grounded directly on the teacher's
// handler/terminal/terminal.go PTY wrapper, generalized to spawn an
// arbitrary command (not just a login shell) so it can back both plain
// terminal sessions and rich AI-CLI sessions.
package tma

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ptySession is one spawned process attached to a pty. It has no notion of
// subscribers or buffering — that is layered on by Session (manager.go).
type ptySession struct {
	ptmx    *os.File
	cmd     *exec.Cmd
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	usePgrp bool
}

func newPtySession(command, workingDir string, env map[string]string, cols, rows uint16) (*ptySession, error) {
	argv := splitCommand(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	if workingDir != "" {
		cmd.Dir = workingDir
	}

	systemEnv := os.Environ()
	overrides := make(map[string]bool, len(env))
	for k := range env {
		overrides[k] = true
	}
	finalEnv := make([]string, 0, len(systemEnv)+len(env))
	for _, kv := range systemEnv {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			if !overrides[kv[:idx]] {
				finalEnv = append(finalEnv, kv)
			}
		}
	}
	for k, v := range env {
		finalEnv = append(finalEnv, k+"="+v)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color")
	cmd.Env = finalEnv

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	return &ptySession{
		ptmx:    ptmx,
		cmd:     cmd,
		closeCh: make(chan struct{}),
		usePgrp: usePgrp,
	}, nil
}

// splitCommand does minimal shell-free argv splitting on whitespace. The
// session's command string is spec'd as "argv string"; sessions needing
// shell features (pipes, globs) pass a shell invocation explicitly, e.g.
// "bash -lc 'cmd1 | cmd2'".
func splitCommand(command string) []string {
	return strings.Fields(command)
}

func (p *ptySession) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptySession) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptySession) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// SendCtrlC writes a raw Ctrl-C byte (0x03) to the pty, interrupting the
// foreground process the same way a terminal's signal-generating key does.
// This is how TMA satisfies the "programmatic send-keys" requirement
// (spec.md §4.1) for interrupting rich sessions.
func (p *ptySession) SendCtrlC() error {
	_, err := p.Write([]byte{0x03})
	return err
}

func (p *ptySession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closeCh)

	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if p.usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	}
	return nil
}

func (p *ptySession) Done() <-chan struct{} { return p.closeCh }
