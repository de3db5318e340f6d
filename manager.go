package uart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

const defaultReadBufferSize = 4096

// Manager owns at most one serial connection. It opens the port, runs a
// single read loop per connection and forwards everything it observes to
// its Hub. None of its methods panic on I/O failure; errors are returned
// and reported as events.
type Manager struct {
	platform   Platform
	hub        *Hub
	logger     *slog.Logger
	display    DisplayMode
	lineEnding string
	bufSize    int

	mu       sync.Mutex
	state    State
	sess     *session
	baudRate int

	// set by Disconnect while Connecting
	abort         bool
	cancelConnect context.CancelFunc
}

// session is one open connection and its read loop.
type session struct {
	port      Port
	name      string
	baudRate  int
	cancelled atomic.Bool
	writeMu   sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithHub makes the Manager publish to h instead of a private Hub.
func WithHub(h *Hub) Option {
	return func(m *Manager) { m.hub = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDisplayMode sets how received chunks are rendered. Default DisplayAuto.
func WithDisplayMode(d DisplayMode) Option {
	return func(m *Manager) { m.display = d }
}

// WithLineEnding sets what SendLine appends. Default "\n".
func WithLineEnding(s string) Option {
	return func(m *Manager) { m.lineEnding = s }
}

// WithReadBufferSize sets the maximum chunk size of the read loop.
func WithReadBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

// NewManager creates a Manager on top of platform. A nil platform means the
// host has no serial capability; every Connect then fails with ErrUnsupported.
func NewManager(platform Platform, opts ...Option) *Manager {
	m := &Manager{
		platform:   platform,
		lineEnding: "\n",
		bufSize:    defaultReadBufferSize,
		baudRate:   DefaultBaudRate,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = discardLogger()
	}
	if m.hub == nil {
		m.hub = NewHub(m.logger)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Hub returns the hub events are published on.
func (m *Manager) Hub() *Hub { return m.hub }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a connection is currently held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.sess != nil
}

// BaudRate returns the rate of the current or last connection, or
// DefaultBaudRate before the first one.
func (m *Manager) BaudRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baudRate
}

// PortName returns the name of the connected port, or "".
func (m *Manager) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.name
}

// AvailablePorts lists the ports the platform knows about.
func (m *Manager) AvailablePorts() ([]PortInfo, error) {
	l, ok := m.platform.(Lister)
	if !ok {
		return nil, ErrUnsupported
	}
	ports, err := l.Ports()
	if err != nil {
		m.logger.Error("listing ports failed", slog.Any("error", err))
		return nil, err
	}
	return ports, nil
}

// Connect asks the platform to select a port and opens it at baudRate
// (DefaultBaudRate when baudRate is 0). On success it fires
// connection-change(true) and starts the read loop before returning. On
// failure it fires connection-change(false, err) and returns err.
func (m *Manager) Connect(ctx context.Context, baudRate int) error {
	return m.connect(ctx, "", baudRate)
}

// ConnectPort is like Connect but opens the named port without asking the
// platform to select one.
func (m *Manager) ConnectPort(ctx context.Context, name string, baudRate int) error {
	return m.connect(ctx, name, baudRate)
}

func (m *Manager) connect(ctx context.Context, name string, baudRate int) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrBusy, st)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state = StateConnecting
	m.abort = false
	m.cancelConnect = cancel
	m.mu.Unlock()

	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	sess, err := m.open(ctx, name, baudRate)

	m.mu.Lock()
	aborted := m.abort
	m.abort = false
	m.cancelConnect = nil
	if err == nil && !aborted {
		m.sess = sess
		m.baudRate = baudRate
		m.state = StateConnected
	}
	m.mu.Unlock()

	if err == nil && aborted {
		// Disconnect arrived while opening; drop the fresh port
		err = multierr.Append(ErrConnectAborted, sess.teardown())
		name = sess.name
	} else if aborted {
		err = fmt.Errorf("%w: %w", ErrConnectAborted, err)
	}

	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()

		m.logger.Error("connect failed",
			slog.String("port", name),
			slog.Int("baud_rate", baudRate),
			slog.Any("error", err))
		m.hub.emitConnection(ConnectionEvent{Connected: false, Err: err, Port: name, BaudRate: baudRate})
		return err
	}

	m.logger.Info("connected", slog.String("port", sess.name), slog.Int("baud_rate", baudRate))
	m.hub.emitConnection(ConnectionEvent{Connected: true, Port: sess.name, BaudRate: baudRate})

	go m.readLoop(sess)
	return nil
}

func (m *Manager) open(ctx context.Context, name string, baudRate int) (*session, error) {
	if m.platform == nil {
		return nil, ErrUnsupported
	}
	if baudRate < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaudRate, baudRate)
	}
	if name == "" {
		var err error
		name, err = m.platform.RequestPort(ctx)
		if err != nil {
			return nil, fmt.Errorf("request port: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := m.platform.Open(name, Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	return &session{
		port:     port,
		name:     name,
		baudRate: baudRate,
	}, nil
}

// Disconnect tears down the current connection, if any. Cancelling the
// read, draining the writer and closing the port are each attempted even
// when an earlier step fails. Disconnect always leaves the Manager
// disconnected and fires exactly one connection-change(false). The returned
// error combines the teardown failures.
//
// While a Connect is in flight, Disconnect aborts it instead: the pending
// Connect closes whatever it opened, fires connection-change(false) with
// ErrConnectAborted and returns that error.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.abort = true
		if m.cancelConnect != nil {
			m.cancelConnect()
		}
		m.mu.Unlock()
		m.logger.Info("disconnect requested while connecting")
		return nil
	}
	sess := m.sess
	m.mu.Unlock()

	if sess != nil {
		if released, err := m.release(sess); released {
			return err
		}
	}

	m.hub.emitConnection(ConnectionEvent{Connected: false, BaudRate: m.BaudRate()})
	return nil
}

// release tears sess down if it is still the current connection. It
// reports whether it did so.
func (m *Manager) release(sess *session) (bool, error) {
	m.mu.Lock()
	if m.sess != sess || m.state != StateConnected {
		m.mu.Unlock()
		return false, nil
	}
	m.state = StateDisconnecting
	m.mu.Unlock()

	err := sess.teardown()

	m.mu.Lock()
	m.sess = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("disconnect incomplete", slog.String("port", sess.name), slog.Any("error", err))
	} else {
		m.logger.Info("disconnected", slog.String("port", sess.name))
	}
	m.hub.emitConnection(ConnectionEvent{Connected: false, Err: err, Port: sess.name, BaudRate: sess.baudRate})
	return true, err
}

func (s *session) teardown() error {
	s.cancelled.Store(true)

	var err error
	if rc, ok := s.port.(ReadCanceler); ok {
		err = multierr.Append(err, step("cancel read", rc.CancelRead()))
	}
	err = multierr.Append(err, step("release writer", s.port.Drain()))
	err = multierr.Append(err, step("close port", s.port.Close()))
	return err
}

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Send writes data to the device. It fails with ErrNotConnected when no
// connection is held. A write failure tears the connection down.
func (m *Manager) Send(data string) error {
	return m.send([]byte(data), data)
}

// SendLine writes line followed by the configured line ending.
func (m *Manager) SendLine(line string) error {
	return m.send([]byte(line+m.lineEnding), line)
}

func (m *Manager) send(b []byte, display string) error {
	m.mu.Lock()
	sess := m.sess
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || sess == nil {
		return ErrNotConnected
	}

	sess.writeMu.Lock()
	n, err := sess.port.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	sess.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("write: %w", err)
		if sess.cancelled.Load() {
			// lost the race against a disconnect
			return err
		}
		m.logger.Error("send failed", slog.String("port", sess.name), slog.Any("error", err))
		m.hub.emitData(DataEvent{Kind: DataError, Payload: "Send error: " + err.Error()})
		m.release(sess)
		return err
	}

	m.hub.emitData(DataEvent{Kind: DataOutgoing, Payload: display, Raw: b})
	return nil
}

// readLoop forwards chunks until end of stream, cancellation or a read error.
func (m *Manager) readLoop(sess *session) {
	log := m.logger.With(slog.String("port", sess.name))
	log.Debug("read loop started")

	buf := make([]byte, m.bufSize)
	var partial []byte // trailing bytes of a rune split across reads
	for !sess.cancelled.Load() {
		n, err := sess.port.Read(buf)
		if n > 0 && !sess.cancelled.Load() {
			chunk := append(partial, buf[:n]...)
			partial = nil
			if m.display != DisplayHex {
				if k := completeRunes(chunk); k < len(chunk) {
					partial = bytes.Clone(chunk[k:])
					chunk = chunk[:k]
				}
			}
			if len(chunk) > 0 {
				m.emitIncoming(chunk)
			}
		}
		if err == nil {
			continue
		}

		switch {
		case sess.cancelled.Load():
			log.Debug("read loop cancelled")
		case errors.Is(err, io.EOF):
			if len(partial) > 0 {
				m.emitIncoming(partial)
			}
			log.Debug("end of stream")
		default:
			log.Error("read failed", slog.Any("error", err))
			m.hub.emitData(DataEvent{Kind: DataError, Payload: "Read error: " + err.Error()})
			m.release(sess)
		}
		return
	}
	log.Debug("read loop cancelled")
}

func (m *Manager) emitIncoming(chunk []byte) {
	m.hub.emitData(DataEvent{Kind: DataIncoming, Payload: m.display.Render(chunk), Raw: chunk})
}
