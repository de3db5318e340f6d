package uart

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is either a ConnectionEvent or a DataEvent.
type Event interface {
	event()
	When() time.Time
}

// ConnectionEvent reports a connection state change. Err is set when a
// connect attempt failed or when teardown did not complete cleanly.
type ConnectionEvent struct {
	Connected bool
	Err       error
	Port      string
	BaudRate  int
	Time      time.Time
}

// DataKind classifies a DataEvent.
type DataKind int

const (
	DataIncoming DataKind = iota
	DataOutgoing
	DataError
)

func (k DataKind) String() string {
	switch k {
	case DataIncoming:
		return "incoming"
	case DataOutgoing:
		return "outgoing"
	case DataError:
		return "error"
	default:
		return fmt.Sprintf("DataKind(%d)", int(k))
	}
}

// DataEvent carries one received chunk, one sent payload, or a read error.
// Raw holds the bytes behind Payload and is nil for errors.
type DataEvent struct {
	Kind    DataKind
	Payload string
	Raw     []byte
	Time    time.Time
}

func (ConnectionEvent) event() {}
func (DataEvent) event()       {}

func (e ConnectionEvent) When() time.Time { return e.Time }
func (e DataEvent) When() time.Time       { return e.Time }

// Hub dispatches connection and data events to registered callbacks and
// channel subscriptions. Callbacks run synchronously in registration order.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	conn    []func(ConnectionEvent)
	data    []func(DataEvent)
	sent    []func(DataEvent)
	subs    map[uint64]*Subscription
	nextSub uint64
}

// NewHub creates an empty Hub. A nil logger discards log output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = discardLogger()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// OnConnectionChange registers fn for connection state changes, including
// failed connects.
func (h *Hub) OnConnectionChange(fn func(ConnectionEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = append(h.conn, fn)
}

// OnDataReceived registers fn for received chunks and read errors.
func (h *Hub) OnDataReceived(fn func(DataEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, fn)
}

// OnDataSent registers fn for payloads successfully written to the device.
func (h *Hub) OnDataSent(fn func(DataEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, fn)
}

// Subscribe returns a subscription that receives every event on a channel
// with the given buffer size. Events that do not fit are dropped.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	s := &Subscription{
		id:  h.nextSub,
		hub: h,
		ch:  make(chan Event, buffer),
	}
	h.subs[s.id] = s
	return s
}

func (h *Hub) emitConnection(ev ConnectionEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	handlers := h.conn
	h.mu.RUnlock()

	for i, fn := range handlers {
		h.invoke("connection", i, func() { fn(ev) })
	}
	h.publish(ev)
}

func (h *Hub) emitData(ev DataEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	handlers := h.data
	if ev.Kind == DataOutgoing {
		handlers = h.sent
	}
	h.mu.RUnlock()

	for i, fn := range handlers {
		h.invoke("data", i, func() { fn(ev) })
	}
	h.publish(ev)
}

// invoke runs one callback. A panicking callback is logged and does not
// stop the remaining ones.
func (h *Hub) invoke(kind string, idx int, call func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event callback panicked",
				slog.String("event", kind),
				slog.Int("callback", idx),
				slog.Any("panic", r))
		}
	}()
	call()
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.logger.Warn("subscriber too slow, event dropped", slog.Uint64("subscription", s.id))
		}
	}
}

// Subscription is a channel based registration on a Hub.
type Subscription struct {
	id      uint64
	hub     *Hub
	ch      chan Event
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit into the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
