package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultBaudRate is used when Connect is called without a positive baud rate.
const DefaultBaudRate = 9600

// Fixed line framing. Every port is opened 8N1 without flow control.
const (
	DataBits = 8
	StopBits = 1
)

var (
	// ErrUnsupported is returned when no serial capability is available on the host.
	ErrUnsupported = errors.New("serial capability missing")
	// ErrNoPortSelected is returned when port selection was cancelled.
	ErrNoPortSelected = errors.New("no port selected")

	// Open failures reported by the drivers.
	ErrPortBusy        = errors.New("port busy")
	ErrPortNotFound    = errors.New("port not found")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidBaudRate = errors.New("invalid baud rate")

	// ErrNotConnected is returned by Send when no connection is held.
	ErrNotConnected = errors.New("not connected to device")
	// ErrBusy is returned when an operation is attempted in the wrong state.
	ErrBusy = errors.New("connection manager busy")
	// ErrConnectAborted is returned by Connect when Disconnect was called
	// before the port finished opening.
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

// Mode describes how a port is opened. Only the baud rate is negotiable,
// the rest of the framing is fixed to 8N1 with no flow control.
type Mode struct {
	BaudRate int
}

func (m Mode) String() string {
	return fmt.Sprintf("%d 8N1", m.BaudRate)
}

// Port is an open serial device.
//
// Drain blocks until all written bytes have been transmitted. Close must
// unblock any pending Read or Write.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

// ReadCanceler is implemented by ports that can wake a pending Read without
// closing the device. A cancelled Read returns io.EOF.
type ReadCanceler interface {
	CancelRead() error
}

// PortInfo describes a port that can be selected.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	var b strings.Builder
	b.WriteString(p.Name)
	fmt.Fprintf(&b, " [%s:%s]", p.VID, p.PID)
	if p.Product != "" {
		b.WriteString(" " + p.Product)
	}
	return b.String()
}

// Platform is the host serial capability.
type Platform interface {
	// RequestPort selects the device to connect to, typically by asking the user.
	RequestPort(ctx context.Context) (string, error)
	// Open opens the named device with the given mode.
	Open(name string, mode Mode) (Port, error)
}

// Lister is implemented by platforms that can enumerate their ports.
type Lister interface {
	Ports() ([]PortInfo, error)
}

// Chooser picks one of the candidate ports. Returning ErrNoPortSelected
// signals that the selection was cancelled.
type Chooser func(ctx context.Context, ports []PortInfo) (string, error)

// FixedPort returns a Chooser that always selects name.
func FixedPort(name string) Chooser {
	return func(ctx context.Context, ports []PortInfo) (string, error) {
		if name == "" {
			return "", ErrNoPortSelected
		}
		return name, nil
	}
}

// FirstPort returns a Chooser that selects the first candidate.
func FirstPort() Chooser {
	return func(ctx context.Context, ports []PortInfo) (string, error) {
		if len(ports) == 0 {
			return "", fmt.Errorf("%w: no candidate ports", ErrNoPortSelected)
		}
		return ports[0].Name, nil
	}
}

// requestPort runs the common selection flow shared by the platforms.
func requestPort(ctx context.Context, choose Chooser, list func() ([]PortInfo, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if choose == nil {
		choose = FirstPort()
	}
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("list ports: %w", err)
	}
	name, err := choose(ctx, ports)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrNoPortSelected
	}
	return name, nil
}
