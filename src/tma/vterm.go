package tma

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring of rendered lines kept for capture().
// Grounded on ehrlich-b-wingthing/internal/egg/vterm.go.
const maxScrollbackLines = 20000

// vterm feeds raw PTY bytes through a real terminal emulator so that
// capture() can return clean, escape-free text instead of a raw ANSI
// buffer, and so reconnecting clients can be given a faithful repaint.
//
// The published charmbracelet/x/vt.Emulator has no scrollback/alt-screen/
// cursor-visibility hook — ehrlich-b-wingthing's VTerm only gets one by
// vendoring a private fork of the module (see DESIGN.md). This package
// depends on the real, unforked module instead, and tracks those three
// things itself by scanning the raw byte stream for the DEC private-mode
// sequences that drive them (DEC 1049/1047/47 for the alt screen, DEC 25
// for cursor visibility), in parallel with feeding the same bytes to the
// emulator for grid and cursor-position rendering.
type vterm struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int

	lineBuf strings.Builder
	escSt   escState
	escBuf  []byte
}

type escState int

const (
	escNone escState = iota
	escSawEsc
	escInCSI
)

func newVTerm(cols, rows int) *vterm {
	return &vterm{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
}

func (v *vterm) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trackLocked(p)
	return v.emu.Write(p)
}

// trackLocked scans p for DEC private-mode sequences and completed lines,
// feeding the scrollback ring the same way a ScrollOut hook would if the
// published module exposed one. escSt/escBuf persist across calls so a
// sequence split across two PTY reads is still recognized. Must be called
// with mu held, before p reaches the emulator.
func (v *vterm) trackLocked(p []byte) {
	for _, b := range p {
		switch v.escSt {
		case escNone:
			switch {
			case b == 0x1b:
				v.escSt = escSawEsc
			case b == '\n':
				if !v.altScreen {
					v.pushScrollbackLocked(v.lineBuf.String())
				}
				v.lineBuf.Reset()
			default:
				if !v.altScreen {
					v.lineBuf.WriteByte(b)
				}
			}
		case escSawEsc:
			if b == '[' {
				v.escSt = escInCSI
				v.escBuf = v.escBuf[:0]
			} else {
				v.escSt = escNone
			}
		case escInCSI:
			if b >= 0x40 && b <= 0x7e {
				v.applyCSILocked(v.escBuf, b)
				v.escSt = escNone
			} else {
				v.escBuf = append(v.escBuf, b)
			}
		}
	}
}

// applyCSILocked interprets a completed "ESC [ params final" sequence,
// updating altScreen/cursorHidden for the DEC private modes this session
// cares about. Every other CSI sequence (cursor movement, SGR colors,
// etc.) is left to the emulator and ignored here.
func (v *vterm) applyCSILocked(params []byte, final byte) {
	if len(params) == 0 || params[0] != '?' || (final != 'h' && final != 'l') {
		return
	}
	on := final == 'h'
	switch string(params[1:]) {
	case "1049", "1047", "47":
		v.altScreen = on
		if on {
			v.lineBuf.Reset()
		}
	case "25":
		v.cursorHidden = !on
	}
}

func (v *vterm) pushScrollbackLocked(line string) {
	if v.sbLen == len(v.scrollback) {
		v.scrollback[v.sbHead] = ""
	}
	v.scrollback[v.sbHead] = line
	v.sbHead = (v.sbHead + 1) % len(v.scrollback)
	if v.sbLen < len(v.scrollback) {
		v.sbLen++
	}
}

func (v *vterm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

// Snapshot returns a reconnect payload: scrollback + current grid + cursor
// restore, valid ANSI any terminal can render directly.
func (v *vterm) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	lines := v.scrollbackLinesLocked()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

// PlainText renders scrollback plus the current grid with no ANSI control
// codes — this is what TMA.Capture returns for the snapshot HTTP endpoint.
func (v *vterm) PlainText() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	for _, line := range v.scrollbackLinesLocked() {
		buf.WriteString(stripANSI(line))
		buf.WriteByte('\n')
	}
	buf.WriteString(stripANSI(v.emu.Render()))
	return buf.String()
}

func (v *vterm) scrollbackLinesLocked() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}

func (v *vterm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// stripANSI removes CSI/OSC escape sequences from rendered lines so
// capture() returns plain text rather than a colorized terminal dump.
func stripANSI(s string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == 0x1b && i+1 < len(s) {
			switch s[i+1] {
			case '[':
				j := i + 2
				for j < len(s) && !(s[j] >= 0x40 && s[j] <= 0x7e) {
					j++
				}
				i = j + 1
				continue
			case ']':
				j := i + 2
				for j < len(s) && s[j] != 0x07 && s[j] != 0x1b {
					j++
				}
				i = j + 1
				continue
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}
