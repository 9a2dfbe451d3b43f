package tma

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// outputChanSize buffers bytes between TMA's single reader goroutine and
// whatever is currently attached (normally the PTY Bridge).
const outputChanSize = 256

// Attachment is TMA's single-consumer attach contract (spec.md §4.1):
// a byte stream, a write sink, and resize. The PTY Bridge is the layer
// that fans this one attachment out to N browser clients.
type Attachment struct {
	Output <-chan []byte
	parent *Session
}

func (a *Attachment) Write(p []byte) (int, error) { return a.parent.pty.Write(p) }
func (a *Attachment) Resize(cols, rows uint16) error {
	a.parent.vt.Resize(int(cols), int(rows))
	return a.parent.pty.Resize(cols, rows)
}

// Detach tells the session no one is directly consuming its output right
// now. The backing process is untouched — it keeps running and its
// scrollback keeps accumulating via the vterm, satisfying "backing session
// outlives client disconnects" (spec.md §4.3).
func (a *Attachment) Detach() {
	a.parent.detach(a)
}

// Session is one named, spawned, pty-backed emulator session.
type Session struct {
	name string
	pty  *ptySession
	vt   *vterm

	mu       sync.Mutex
	attached *Attachment
	outCh    chan []byte
	dead     bool
	doneCh   chan struct{}
}

func newSession(name, command, cwd string, env map[string]string, cols, rows uint16) (*Session, error) {
	p, err := newPtySession(command, cwd, env, cols, rows)
	if err != nil {
		return nil, err
	}
	s := &Session{
		name:   name,
		pty:    p,
		vt:     newVTerm(int(cols), int(rows)),
		doneCh: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("tma: readLoop panic in session %s: %v", s.name, r)
		}
		s.markDead()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.vt.Write(data)

		s.mu.Lock()
		ch := s.outCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- data:
			default:
				// Attached consumer (the PTY Bridge) is behind; it owns its
				// own per-client backpressure, so TMA drops here rather
				// than blocking the PTY.
			}
		}
	}
}

func (s *Session) markDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	close(s.doneCh)
}

func (s *Session) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *Session) attach() (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, fmt.Errorf("session %s: %w", s.name, errDead)
	}
	ch := make(chan []byte, outputChanSize)
	s.outCh = ch
	a := &Attachment{Output: ch, parent: s}
	s.attached = a
	return a, nil
}

func (s *Session) detach(a *Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == a {
		s.attached = nil
		s.outCh = nil
	}
}

func (s *Session) capture() string {
	return s.vt.PlainText()
}

func (s *Session) close() {
	s.pty.Close()
	s.vt.Close()
	s.markDead()
}

var errDead = fmt.Errorf("session already exited")

// Manager multiplexes named pty sessions. It is the concrete local
// implementation of the Terminal Multiplexer Adapter; a remote placement
// uses the identical type on the executor agent host.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Preflight confirms the default shell binary used for bare terminal
// sessions is resolvable, failing fast with a clear diagnostic the way
// spec.md §4.1 asks of a real multiplexer binary. This adapter multiplexes
// in-process rather than shelling out to an external multiplexer (see
// DESIGN.md), so the equivalent check is that the shell it will spawn
// actually exists on PATH.
func Preflight(defaultShell string) error {
	if defaultShell == "" {
		defaultShell = "/bin/sh"
	}
	argv := splitCommand(defaultShell)
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("tma preflight: shell %q not found: %w", argv[0], err)
	}
	return nil
}

// Spawn starts a new named session. It is an error to spawn over a name
// that already has a live session.
func (m *Manager) Spawn(name, command, cwd string, env map[string]string, cols, rows uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[name]; ok && !existing.isDead() {
		return fmt.Errorf("tma: session %s already running", name)
	}

	s, err := newSession(name, command, cwd, env, cols, rows)
	if err != nil {
		return err
	}
	m.sessions[name] = s
	logrus.Infof("tma: spawned session %s", name)
	return nil
}

// Attach returns the single-consumer attachment for name.
func (m *Manager) Attach(name string) (*Attachment, error) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok || s.isDead() {
		return nil, fmt.Errorf("tma: no live session %s", name)
	}
	return s.attach()
}

// Exists reports whether a live backing session exists for name.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	return ok && !s.isDead()
}

// Capture returns the current visible screen plus scrollback as plain text.
func (m *Manager) Capture(name string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("tma: no session %s", name)
	}
	return s.capture(), nil
}

// Kill terminates and forgets the named session. Idempotent.
func (m *Manager) Kill(name string) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// Done returns a channel closed when the named session's process exits,
// or nil if the session is unknown.
func (m *Manager) Done(name string) <-chan struct{} {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.doneCh
}

// SendCtrlC interrupts the foreground process of the named session.
func (m *Manager) SendCtrlC(name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("tma: no session %s", name)
	}
	return s.pty.SendCtrlC()
}
