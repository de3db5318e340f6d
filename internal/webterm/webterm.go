// Package webterm bridges a uart.Manager to browser clients over websockets.
// Every client receives all connection and data events and may issue
// connect, disconnect, send, ports and status commands.
package webterm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	uart "github.com/luhtfiimanal/go-uart"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// Request is a command sent by a client.
type Request struct {
	ID       string `json:"id,omitempty"`
	Command  string `json:"command"` // "connect", "disconnect", "send", "ports", "status"
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`
	Data     string `json:"data,omitempty"`
	Line     bool   `json:"line,omitempty"` // append the configured line ending
}

// Response answers a Request.
type Response struct {
	Type    string `json:"type"` // always "response"
	ID      string `json:"id,omitempty"`
	Client  string `json:"client"` // id assigned to the connection by the server
	Status  string `json:"status"` // "success" or "error"
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ConnectionMessage mirrors uart.ConnectionEvent.
type ConnectionMessage struct {
	Type      string    `json:"type"` // always "connection"
	Connected bool      `json:"connected"`
	Port      string    `json:"port,omitempty"`
	BaudRate  int       `json:"baud_rate,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// DataMessage mirrors uart.DataEvent.
type DataMessage struct {
	Type    string    `json:"type"` // always "data"
	Kind    string    `json:"kind"` // "incoming", "outgoing" or "error"
	Payload string    `json:"payload"`
	Time    time.Time `json:"time"`
}

// Status is the payload of a "status" response.
type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Port      string `json:"port,omitempty"`
	BaudRate  int    `json:"baud_rate"`
}

// Server serves the websocket endpoint.
type Server struct {
	mgr      *uart.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server for mgr. A nil logger discards output.
func NewServer(mgr *uart.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		mgr:    mgr,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: /ws for the websocket and /status for a
// plain JSON status snapshot.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.status())
	})
	return mux
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	client := uuid.NewString()
	log := s.logger.With(slog.String("client", client))
	log.Info("client connected", slog.String("remote", r.RemoteAddr))
	defer log.Info("client disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.mgr.Hub().Subscribe(eventBuffer)
	defer sub.Close()

	replies := make(chan Response, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx, conn, sub, replies, log)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(msg, &req); err != nil {
			resp = Response{Status: "error", Message: "Invalid JSON"}
		} else {
			resp = s.handle(ctx, req)
		}
		resp.Type = "response"
		resp.ID = req.ID
		resp.Client = client

		select {
		case replies <- resp:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	wg.Wait()
}

// writeLoop is the only goroutine writing to conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *uart.Subscription, replies <-chan Response, log *slog.Logger) {
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg = eventMessage(ev)
		case resp := <-replies:
			msg = resp
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("write failed", slog.Any("error", err))
			// unblock the reader
			conn.Close()
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	switch req.Command {
	case "connect":
		var err error
		if req.Port != "" {
			err = s.mgr.ConnectPort(ctx, req.Port, req.BaudRate)
		} else {
			err = s.mgr.Connect(ctx, req.BaudRate)
		}
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: "success", Message: "Connected to device", Data: s.status()}

	case "disconnect":
		if err := s.mgr.Disconnect(); err != nil {
			return Response{Status: "error", Message: "Disconnected with errors: " + err.Error()}
		}
		return Response{Status: "success", Message: "Disconnected from device"}

	case "send":
		var err error
		if req.Line {
			err = s.mgr.SendLine(req.Data)
		} else {
			err = s.mgr.Send(req.Data)
		}
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: "success"}

	case "ports":
		ports, err := s.mgr.AvailablePorts()
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: "success", Data: ports}

	case "status":
		return Response{Status: "success", Data: s.status()}

	default:
		return Response{Status: "error", Message: "Unknown Command"}
	}
}

func errorResponse(err error) Response {
	msg := err.Error()
	if errors.Is(err, uart.ErrNotConnected) {
		msg = "Not connected to device"
	}
	return Response{Status: "error", Message: msg}
}

func (s *Server) status() Status {
	return Status{
		Connected: s.mgr.IsConnected(),
		State:     s.mgr.State().String(),
		Port:      s.mgr.PortName(),
		BaudRate:  s.mgr.BaudRate(),
	}
}

func eventMessage(ev uart.Event) any {
	switch e := ev.(type) {
	case uart.ConnectionEvent:
		m := ConnectionMessage{
			Type:      "connection",
			Connected: e.Connected,
			Port:      e.Port,
			BaudRate:  e.BaudRate,
			Time:      e.Time,
		}
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
		return m
	case uart.DataEvent:
		return DataMessage{
			Type:    "data",
			Kind:    e.Kind.String(),
			Payload: e.Payload,
			Time:    e.Time,
		}
	default:
		return nil
	}
}
