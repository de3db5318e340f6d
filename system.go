package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// TCPPrefix marks a port name as a serial-over-TCP address, e.g. "tcp://localhost:9999".
const TCPPrefix = "tcp://"

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultDialTimeout  = 2 * time.Second
)

// SystemPlatform is the cross-platform serial capability backed by go.bug.st/serial.
type SystemPlatform struct {
	// Chooser selects the port on RequestPort. Defaults to FirstPort.
	Chooser Chooser
	// PollInterval bounds every driver read so that cancellation is noticed.
	PollInterval time.Duration
	// DialTimeout applies to tcp:// ports.
	DialTimeout time.Duration
}

var (
	_ Platform = (*SystemPlatform)(nil)
	_ Lister   = (*SystemPlatform)(nil)
)

// RequestPort lists the attached devices and lets the Chooser pick one.
func (p *SystemPlatform) RequestPort(ctx context.Context) (string, error) {
	return requestPort(ctx, p.Chooser, p.Ports)
}

// Ports enumerates serial ports, with USB details where the OS reports them.
func (p *SystemPlatform) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Fall back to plain names
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, err
		}
		ports := make([]PortInfo, 0, len(names))
		for _, n := range names {
			if skipPort(n) {
				continue
			}
			ports = append(ports, PortInfo{Name: n})
		}
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if skipPort(d.Name) {
			continue
		}
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

func skipPort(name string) bool {
	return strings.Contains(strings.ToLower(name), "bluetooth")
}

// Open opens a physical serial port, or a TCP connection when name carries TCPPrefix.
func (p *SystemPlatform) Open(name string, mode Mode) (Port, error) {
	if mode.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaudRate, mode.BaudRate)
	}
	if addr, ok := strings.CutPrefix(name, TCPPrefix); ok {
		tp, err := openTCPPort(addr, p.dialTimeout(), p.pollInterval())
		if err != nil {
			return nil, err
		}
		return tp, nil
	}

	sp, err := serial.Open(name, &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, classifyPortError(err))
	}

	if err := sp.SetReadTimeout(p.pollInterval()); err != nil {
		sp.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &systemPort{port: sp, name: name}, nil
}

func (p *SystemPlatform) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return defaultPollInterval
}

func (p *SystemPlatform) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return defaultDialTimeout
}

func classifyPortError(err error) error {
	var pe *serial.PortError
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code() {
	case serial.PortBusy:
		return fmt.Errorf("%w: %v", ErrPortBusy, err)
	case serial.PortNotFound:
		return fmt.Errorf("%w: %v", ErrPortNotFound, err)
	case serial.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case serial.InvalidSpeed:
		return fmt.Errorf("%w: %v", ErrInvalidBaudRate, err)
	default:
		return err
	}
}

// systemPort adapts a go.bug.st/serial port. Reads time out every poll
// interval so a pending CancelRead can be observed.
type systemPort struct {
	port      serial.Port
	name      string
	cancelled atomic.Bool
	closed    atomic.Bool
}

var _ ReadCanceler = (*systemPort)(nil)

func (s *systemPort) Read(p []byte) (int, error) {
	for {
		if s.cancelled.CompareAndSwap(true, false) {
			return 0, io.EOF
		}
		n, err := s.port.Read(p)
		if err != nil {
			var pe *serial.PortError
			if s.closed.Load() || (errors.As(err, &pe) && pe.Code() == serial.PortClosed) {
				return n, os.ErrClosed
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		// read timeout, poll again
	}
}

func (s *systemPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *systemPort) Drain() error {
	return s.port.Drain()
}

func (s *systemPort) CancelRead() error {
	s.cancelled.Store(true)
	return nil
}

func (s *systemPort) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.port.Close()
}

// tcpPort wraps a TCP connection to a serial-over-TCP device.
type tcpPort struct {
	conn      net.Conn
	address   string
	poll      time.Duration
	cancelled atomic.Bool
	closed    atomic.Bool
}

var _ ReadCanceler = (*tcpPort)(nil)

func openTCPPort(address string, dialTimeout, poll time.Duration) (*tcpPort, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return &tcpPort{conn: conn, address: address, poll: poll}, nil
}

func (t *tcpPort) Read(p []byte) (int, error) {
	for {
		if t.cancelled.CompareAndSwap(true, false) {
			return 0, io.EOF
		}
		t.conn.SetReadDeadline(time.Now().Add(t.poll))
		n, err := t.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return 0, os.ErrClosed
		}
		if err != nil {
			return 0, err
		}
	}
}

func (t *tcpPort) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

// Drain is a no-op, writes are handed to the kernel synchronously.
func (t *tcpPort) Drain() error {
	if t.closed.Load() {
		return os.ErrClosed
	}
	return nil
}

func (t *tcpPort) CancelRead() error {
	t.cancelled.Store(true)
	return nil
}

func (t *tcpPort) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}
