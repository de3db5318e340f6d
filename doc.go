// Package uart is a small serial terminal core: it opens one serial device at
// a time, drains it from a single read loop and publishes what happens on a
// Hub of typed events.
//
// A Manager owns the connection. Connect asks the Platform to select a port,
// opens it at the requested baud rate with fixed 8N1 framing and no flow
// control, fires a ConnectionEvent and starts the read loop. Every chunk read
// is published as a DataEvent; binary chunks are rendered as hex pairs
// ("0a ff"). Disconnect cancels the pending read, drains the writer and
// closes the port, attempting every step even if an earlier one fails.
//
// Two platforms are provided:
//   - SystemPlatform, cross-platform, backed by go.bug.st/serial. Port names
//     starting with "tcp://" open a serial-over-TCP connection instead.
//   - TermiosPlatform, Linux only, raw termios through golang.org/x/sys with a
//     self-pipe so that reads are cancellable without closing the device.
//
// Errors never escape as panics. Connect, Disconnect and Send return them
// and the Manager reports them as events as well.
//
// Example usage:
//
//	m := uart.NewManager(&uart.SystemPlatform{
//	    Chooser: uart.FixedPort("/dev/ttyUSB0"),
//	})
//	m.Hub().OnDataReceived(func(ev uart.DataEvent) {
//	    fmt.Println("Received:", ev.Payload)
//	})
//	m.Hub().OnConnectionChange(func(ev uart.ConnectionEvent) {
//	    log.Println("connected:", ev.Connected, ev.Err)
//	})
//
//	if err := m.Connect(ctx, 115200); err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Disconnect()
//
//	if err := m.SendLine("C,START"); err != nil {
//	    log.Println("Write failed:", err)
//	}
package uart
