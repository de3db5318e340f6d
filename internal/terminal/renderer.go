// Package terminal renders serial traffic as a timestamped scrollback log and
// provides the interactive console around a uart.Manager.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	uart "github.com/luhtfiimanal/go-uart"
)

// Kind selects how a message is decorated.
type Kind int

const (
	KindNormal Kind = iota
	KindIncoming
	KindOutgoing
	KindError
	KindSystem
)

const (
	ansiReset  = "\x1b[0m"
	ansiGray   = "\x1b[90m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiClear  = "\x1b[H\x1b[2J"
)

func (k Kind) color() string {
	switch k {
	case KindIncoming:
		return ansiGreen
	case KindOutgoing:
		return ansiBlue
	case KindError:
		return ansiRed
	case KindSystem:
		return ansiYellow
	default:
		return ""
	}
}

func (k Kind) marker() string {
	switch k {
	case KindIncoming:
		return "<< "
	case KindOutgoing:
		return ">> "
	default:
		return ""
	}
}

// ColorEnabled reports whether f is a terminal that understands ANSI colours.
func ColorEnabled(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Renderer writes one line per message. It is safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	now   func() time.Time
}

// NewRenderer creates a Renderer writing to out.
func NewRenderer(out io.Writer, color bool) *Renderer {
	return &Renderer{out: out, color: color, now: time.Now}
}

// Print writes msg as a line of the given kind. Trailing line breaks of
// received chunks are dropped.
func (r *Renderer) Print(kind Kind, msg string) {
	msg = strings.TrimRight(msg, "\r\n")
	ts := r.now().Format("15:04:05")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.color {
		fmt.Fprintf(r.out, "%s[%s]%s %s%s%s%s\n", ansiGray, ts, ansiReset, kind.marker(), kind.color(), msg, ansiReset)
		return
	}
	fmt.Fprintf(r.out, "[%s] %s%s\n", ts, kind.marker(), msg)
}

// Printf formats and prints a message.
func (r *Renderer) Printf(kind Kind, format string, args ...any) {
	r.Print(kind, fmt.Sprintf(format, args...))
}

// Clear empties the scrollback. Without colour support it is a no-op.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.color {
		io.WriteString(r.out, ansiClear)
	}
}

// Attach renders every event published on h.
func (r *Renderer) Attach(h *uart.Hub) {
	h.OnConnectionChange(func(ev uart.ConnectionEvent) {
		switch {
		case ev.Connected:
			r.Printf(KindSystem, "Connected to %s at %d baud", ev.Port, ev.BaudRate)
		case ev.Err != nil:
			r.Printf(KindError, "Connection error: %v", ev.Err)
		default:
			r.Print(KindSystem, "Disconnected from device")
		}
	})
	h.OnDataReceived(func(ev uart.DataEvent) {
		if ev.Kind == uart.DataError {
			r.Print(KindError, ev.Payload)
			return
		}
		r.Print(KindIncoming, ev.Payload)
	})
	h.OnDataSent(func(ev uart.DataEvent) {
		r.Print(KindOutgoing, ev.Payload)
	})
}
