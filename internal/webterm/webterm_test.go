package webterm

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	uart "github.com/luhtfiimanal/go-uart"
)

func echoDevice(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return uart.TCPPrefix + ln.Addr().String()
}

func startServer(t *testing.T, platform uart.Platform) (*uart.Manager, *websocket.Conn) {
	t.Helper()
	mgr := uart.NewManager(platform)
	t.Cleanup(func() { mgr.Disconnect() })

	srv := httptest.NewServer(NewServer(mgr, nil).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return mgr, conn
}

// waitFor reads messages until match returns true.
func waitFor(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

// collect reads messages until every matcher has matched one, in any order.
func collect(t *testing.T, conn *websocket.Conn, matchers ...func(map[string]any) bool) []map[string]any {
	t.Helper()
	got := make([]map[string]any, len(matchers))
	remaining := len(matchers)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for remaining > 0 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		for i, match := range matchers {
			if got[i] == nil && match(msg) {
				got[i] = msg
				remaining--
				break
			}
		}
	}
	return got
}

func response(id string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == "response" && m["id"] == id }
}

func TestServer_Session(t *testing.T) {
	device := echoDevice(t)
	mgr, conn := startServer(t, &uart.SystemPlatform{PollInterval: 10 * time.Millisecond})

	require.NoError(t, conn.WriteJSON(Request{ID: "1", Command: "status"}))
	msg := waitFor(t, conn, response("1"))
	require.Equal(t, "success", msg["status"])
	require.Equal(t, "DISCONNECTED", msg["data"].(map[string]any)["state"])

	require.NoError(t, conn.WriteJSON(Request{ID: "2", Command: "send", Data: "early"}))
	msg = waitFor(t, conn, response("2"))
	require.Equal(t, "error", msg["status"])
	require.Equal(t, "Not connected to device", msg["message"])

	require.NoError(t, conn.WriteJSON(Request{ID: "3", Command: "connect", Port: device, BaudRate: 115200}))
	msg = waitFor(t, conn, func(m map[string]any) bool { return m["type"] == "connection" })
	require.Equal(t, true, msg["connected"])
	require.Equal(t, float64(115200), msg["baud_rate"])
	require.True(t, mgr.IsConnected())

	require.NoError(t, conn.WriteJSON(Request{ID: "4", Command: "send", Data: "ping"}))
	msgs := collect(t, conn,
		func(m map[string]any) bool { return m["type"] == "data" && m["kind"] == "outgoing" },
		func(m map[string]any) bool { return m["type"] == "data" && m["kind"] == "incoming" },
	)
	require.Equal(t, "ping", msgs[0]["payload"])
	require.Equal(t, "ping", msgs[1]["payload"])

	require.NoError(t, conn.WriteJSON(Request{ID: "5", Command: "disconnect"}))
	msg = waitFor(t, conn, func(m map[string]any) bool { return m["type"] == "connection" && m["connected"] == false })
	require.Nil(t, msg["error"])
	require.False(t, mgr.IsConnected())
}

func TestServer_ConnectFailure(t *testing.T) {
	_, conn := startServer(t, nil)

	require.NoError(t, conn.WriteJSON(Request{ID: "c", Command: "connect"}))
	msgs := collect(t, conn,
		func(m map[string]any) bool { return m["type"] == "connection" },
		response("c"),
	)
	require.Equal(t, false, msgs[0]["connected"])
	require.Equal(t, "serial capability missing", msgs[0]["error"])
	require.Equal(t, "error", msgs[1]["status"])
	require.Equal(t, "serial capability missing", msgs[1]["message"])
}

func TestServer_BadRequests(t *testing.T) {
	_, conn := startServer(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := waitFor(t, conn, func(m map[string]any) bool { return m["type"] == "response" })
	require.Equal(t, "Invalid JSON", msg["message"])

	require.NoError(t, conn.WriteJSON(Request{ID: "x", Command: "reboot"}))
	msg = waitFor(t, conn, response("x"))
	require.Equal(t, "Unknown Command", msg["message"])

	require.NoError(t, conn.WriteJSON(Request{ID: "p", Command: "ports"}))
	msg = waitFor(t, conn, response("p"))
	require.Equal(t, "error", msg["status"])
}

func TestServer_ClientID(t *testing.T) {
	mgr := uart.NewManager(nil)
	srv := httptest.NewServer(NewServer(mgr, nil).Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	clientOf := func(conn *websocket.Conn, id string) string {
		require.NoError(t, conn.WriteJSON(Request{ID: id, Command: "status"}))
		msg := waitFor(t, conn, response(id))
		client, ok := msg["client"].(string)
		require.True(t, ok)
		_, err := uuid.Parse(client)
		require.NoError(t, err)
		return client
	}

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	first := clientOf(a, "1")
	require.Equal(t, first, clientOf(a, "2"))
	require.NotEqual(t, first, clientOf(b, "1"))
}

func TestServer_StatusEndpoint(t *testing.T) {
	mgr := uart.NewManager(nil)
	srv := httptest.NewServer(NewServer(mgr, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.False(t, st.Connected)
	require.Equal(t, "DISCONNECTED", st.State)
	require.Equal(t, uart.DefaultBaudRate, st.BaudRate)
}
