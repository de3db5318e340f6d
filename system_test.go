package uart

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoServer accepts one connection and writes back whatever it reads.
func echoServer(t *testing.T) string {
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
	return TCPPrefix + ln.Addr().String()
}

func TestSystemPlatform_TCPPort(t *testing.T) {
	p := &SystemPlatform{PollInterval: 10 * time.Millisecond}
	port, err := p.Open(echoServer(t), Mode{BaudRate: 9600})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })

	_, err = port.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, port.Drain())

	buf := make([]byte, 4)
	_, err = io.ReadFull(port, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestSystemPlatform_TCPCancelRead(t *testing.T) {
	p := &SystemPlatform{PollInterval: 10 * time.Millisecond}
	port, err := p.Open(echoServer(t), Mode{BaudRate: 9600})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 16))
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, port.(ReadCanceler).CancelRead())

	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Read to return after CancelRead")
	}

	require.NoError(t, port.Close())
	require.NoError(t, port.Close())
	_, err = port.Read(make([]byte, 16))
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestSystemPlatform_OpenErrors(t *testing.T) {
	p := &SystemPlatform{DialTimeout: 200 * time.Millisecond}

	_, err := p.Open("/dev/ttyUSB0", Mode{BaudRate: 0})
	require.ErrorIs(t, err, ErrInvalidBaudRate)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = p.Open(TCPPrefix+addr, Mode{BaudRate: 9600})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), addr))
}

func TestManager_LoopbackOverTCP(t *testing.T) {
	addr := echoServer(t)
	m := NewManager(&SystemPlatform{Chooser: FixedPort(addr), PollInterval: 10 * time.Millisecond})
	rec := record(m.Hub())

	require.NoError(t, m.Connect(context.Background(), 0))
	require.Equal(t, DefaultBaudRate, m.BaudRate())

	require.NoError(t, m.SendLine("hello"))
	require.Eventually(t, func() bool {
		var b strings.Builder
		for _, ev := range rec.Data() {
			b.WriteString(ev.Payload)
		}
		return b.String() == "hello\n"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
	require.Equal(t, 0, rec.errorEvents())
}

func TestChoosers(t *testing.T) {
	ctx := context.Background()
	ports := []PortInfo{{Name: "/dev/ttyACM0"}, {Name: "/dev/ttyUSB0"}}

	name, err := FirstPort()(ctx, ports)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", name)

	_, err = FirstPort()(ctx, nil)
	require.ErrorIs(t, err, ErrNoPortSelected)

	name, err = FixedPort("/dev/ttyUSB9")(ctx, ports)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB9", name)

	_, err = FixedPort("")(ctx, ports)
	require.ErrorIs(t, err, ErrNoPortSelected)
}

func TestTermiosPlatform_Ports(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"ttyUSB1", "ttyUSB0", "ttyACM0", "other"} {
		f, err := os.Create(dir + "/" + n)
		require.NoError(t, err)
		f.Close()
	}

	p := &TermiosPlatform{Globs: []string{dir + "/ttyUSB*", dir + "/ttyACM*", dir + "/ttyUSB0"}}
	ports, err := p.Ports()
	require.NoError(t, err)
	require.Equal(t, []PortInfo{
		{Name: dir + "/ttyACM0"},
		{Name: dir + "/ttyUSB0"},
		{Name: dir + "/ttyUSB1"},
	}, ports)

	name, err := p.RequestPort(context.Background())
	require.NoError(t, err)
	require.Equal(t, dir+"/ttyACM0", name)
}

func TestPortInfo_String(t *testing.T) {
	require.Equal(t, "/dev/ttyS0", PortInfo{Name: "/dev/ttyS0"}.String())
	require.Equal(t, "/dev/ttyACM0 [2e8a:000a] Pico",
		PortInfo{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "000a", Product: "Pico"}.String())
}
