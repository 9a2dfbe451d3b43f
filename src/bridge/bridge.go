// Package bridge implements the PTY Bridge (spec.md §4.3): fanning one
// upstream TMA attach out to N browser WebSocket clients, with the
// Idle -> Attaching -> Streaming -> Draining -> Closed state machine and
// max-of-all-clients resize authority. It is grounded on the teacher's
// handler/terminal/session_manager.go ManagedSession/Subscriber fanout,
// generalized to attach through tma.Manager instead of owning the pty
// directly.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/tma"
)

// State is the per-bridge lifecycle state (spec.md §4.3).
type State int

const (
	Idle State = iota
	Attaching
	Streaming
	Draining
	Closed
)

const (
	// lingerDuration is how long a bridge with zero clients keeps its
	// upstream attach warm, to absorb rapid browser reconnects.
	lingerDuration = 5 * time.Second
	// drainTimeout bounds how long Draining waits to flush pending output.
	drainTimeout   = 100 * time.Millisecond
	clientChanSize = 128
)

// Client is one attached browser WebSocket's view of the bridge.
type Client struct {
	Ch   chan []byte
	done chan struct{}

	mu   sync.Mutex
	cols uint16
	rows uint16
}

func newClient() *Client {
	return &Client{Ch: make(chan []byte, clientChanSize), done: make(chan struct{})}
}

// Done is closed when the bridge disconnects this client (e.g. it was too
// slow and got dropped, or the session died).
func (c *Client) Done() <-chan struct{} { return c.done }

// Bridge fans one session's TMA attachment out to its attached clients.
type Bridge struct {
	name string
	mgr  *tma.Manager

	mu         sync.Mutex
	state      State
	attachment *tma.Attachment
	clients    map[*Client]struct{}
	lingerTmr  *time.Timer
	stopUpstream chan struct{}
}

func newBridge(name string, mgr *tma.Manager) *Bridge {
	return &Bridge{name: name, mgr: mgr, clients: make(map[*Client]struct{})}
}

// Registry owns one Bridge per session name, analogous to the teacher's
// singleton SessionManager registry of ManagedSessions.
type Registry struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
	mgr     *tma.Manager
}

func NewRegistry(mgr *tma.Manager) *Registry {
	return &Registry{bridges: make(map[string]*Bridge), mgr: mgr}
}

func (r *Registry) get(name string) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[name]
	if !ok {
		b = newBridge(name, r.mgr)
		r.bridges[name] = b
	}
	return b
}

// Attach attaches a new browser client to the session's bridge, attaching
// upstream through TMA if this is the first client. Fails with
// model.ErrNotFound-equivalent if the backing session does not exist.
func (r *Registry) Attach(name string, cols, rows uint16) (*Client, *Bridge, error) {
	b := r.get(name)
	c, err := b.addClient(cols, rows)
	if err != nil {
		return nil, nil, err
	}
	return c, b, nil
}

func (b *Bridge) addClient(cols, rows uint16) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lingerTmr != nil {
		b.lingerTmr.Stop()
		b.lingerTmr = nil
	}

	if b.attachment == nil {
		b.state = Attaching
		att, err := b.mgr.Attach(b.name)
		if err != nil {
			b.state = Idle
			return nil, fmt.Errorf("bridge %s: attach: %w", b.name, err)
		}
		b.attachment = att
		b.stopUpstream = make(chan struct{})
		go b.pump(att, b.stopUpstream)
	}

	c := newClient()
	c.cols, c.rows = cols, rows
	b.clients[c] = struct{}{}
	b.state = Streaming
	b.recomputeSizeLocked()
	return c, nil
}

// pump reads from the single TMA attachment and broadcasts to every
// currently-attached client, dropping for any client whose buffer is full
// rather than blocking the others (spec.md §5 Backpressure).
func (b *Bridge) pump(att *tma.Attachment, stop chan struct{}) {
	for {
		select {
		case data, ok := <-att.Output:
			if !ok {
				return
			}
			b.broadcast(data)
		case <-stop:
			return
		}
	}
}

func (b *Bridge) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.Ch <- data:
		default:
			// Slow client: disconnect it rather than block the others.
			logrus.Warnf("bridge %s: dropping slow client", b.name)
			delete(b.clients, c)
			close(c.done)
		}
	}
}

// Resize updates one client's requested size; the bridge then pushes
// max(cols), max(rows) across all attached clients upstream.
func (b *Bridge) Resize(c *Client, cols, rows uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	b.recomputeSizeLocked()
}

func (b *Bridge) recomputeSizeLocked() {
	if b.attachment == nil {
		return
	}
	var maxCols, maxRows uint16
	for c := range b.clients {
		c.mu.Lock()
		if c.cols > maxCols {
			maxCols = c.cols
		}
		if c.rows > maxRows {
			maxRows = c.rows
		}
		c.mu.Unlock()
	}
	if maxCols > 0 && maxRows > 0 {
		_ = b.attachment.Resize(maxCols, maxRows)
	}
}

// Write forwards raw client input to the upstream session.
func (b *Bridge) Write(p []byte) error {
	b.mu.Lock()
	att := b.attachment
	b.mu.Unlock()
	if att == nil {
		return fmt.Errorf("bridge %s: not attached", b.name)
	}
	_, err := att.Write(p)
	return err
}

// Detach removes a client. When the last client detaches, the bridge
// drains briefly then tears down the upstream attach after lingerDuration,
// so rapid reconnects don't pay the attach cost again.
func (b *Bridge) Detach(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	remaining := len(b.clients)
	if remaining == 0 {
		b.state = Draining
	}
	b.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}

	if remaining > 0 {
		return
	}

	time.AfterFunc(drainTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.clients) > 0 {
			return // someone reconnected during the drain window
		}
		b.lingerTmr = time.AfterFunc(lingerDuration, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if len(b.clients) > 0 || b.attachment == nil {
				return
			}
			close(b.stopUpstream)
			b.attachment.Detach()
			b.attachment = nil
			b.state = Closed
		})
	})
}

// State returns the bridge's current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ClientCount returns the number of currently attached clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
