package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	uart "github.com/luhtfiimanal/go-uart"
)

// Console is the interactive front end: plain input is sent to the device,
// input starting with '/' is a command.
type Console struct {
	mgr      *uart.Manager
	out      *Renderer
	baudRate int
}

// NewConsole creates a console for mgr. baudRate is used by /connect when
// no rate is given.
func NewConsole(mgr *uart.Manager, out *Renderer, baudRate int) *Console {
	return &Console{mgr: mgr, out: out, baudRate: baudRate}
}

// NewReadline creates the line editor used by Run.
func NewReadline() (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "uart> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return rl, nil
}

// Run reads lines from rl until /quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) error {
	c.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !c.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec handles one line of input. It returns false when the console should exit.
func (c *Console) Exec(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return true
	}
	if !strings.HasPrefix(input, "/") {
		c.send(input)
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help", "/?":
		c.printHelp()
	case "/connect", "/c":
		c.cmdConnect(ctx, args)
	case "/disconnect", "/d":
		c.cmdDisconnect()
	case "/ports", "/p":
		c.cmdPorts()
	case "/status":
		c.cmdStatus()
	case "/clear":
		c.out.Clear()
	case "/quit", "/exit", "/q":
		if c.mgr.IsConnected() {
			c.mgr.Disconnect()
		}
		return false
	default:
		c.out.Printf(KindError, "Unknown command: %s (type /help for commands)", cmd)
	}
	return true
}

func (c *Console) send(line string) {
	err := c.mgr.SendLine(line)
	switch {
	case err == nil:
	case errors.Is(err, uart.ErrNotConnected):
		c.out.Print(KindError, "Not connected to device")
	default:
		// write failures are reported by the manager's events
	}
}

func (c *Console) cmdConnect(ctx context.Context, args []string) {
	baud := c.baudRate
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			c.out.Printf(KindError, "Invalid baud rate: %s", args[0])
			return
		}
		baud = n
	}
	if err := c.mgr.Connect(ctx, baud); errors.Is(err, uart.ErrBusy) {
		c.out.Print(KindError, "Already connected, use /disconnect first")
	}
}

func (c *Console) cmdDisconnect() {
	// the outcome is rendered from the connection event
	c.mgr.Disconnect()
}

func (c *Console) cmdPorts() {
	ports, err := c.mgr.AvailablePorts()
	if err != nil {
		c.out.Printf(KindError, "Listing ports failed: %v", err)
		return
	}
	if len(ports) == 0 {
		c.out.Print(KindSystem, "No serial ports found")
		return
	}
	for i, p := range ports {
		c.out.Printf(KindSystem, "%d) %s", i+1, p)
	}
}

func (c *Console) cmdStatus() {
	if c.mgr.IsConnected() {
		c.out.Printf(KindSystem, "Connected to %s at %d baud", c.mgr.PortName(), c.mgr.BaudRate())
		return
	}
	c.out.Printf(KindSystem, "%s (baud rate %d)", c.mgr.State(), c.mgr.BaudRate())
}

func (c *Console) printHelp() {
	c.out.Print(KindSystem, `Commands:
  <text>             - Send text followed by the line ending
  /connect [baud]    - Select a port and connect
  /disconnect        - Close the connection
  /ports             - List available ports
  /status            - Show connection state
  /clear             - Clear the screen
  /quit              - Disconnect and exit`)
}

// PromptChooser returns a Chooser that lists the ports on out and reads the
// selection with readLine. Input may be a list number or a port name; empty
// input cancels the selection.
func PromptChooser(out *Renderer, readLine func() (string, error)) uart.Chooser {
	return func(ctx context.Context, ports []uart.PortInfo) (string, error) {
		if len(ports) == 0 {
			out.Print(KindSystem, "No serial ports found, enter a device path")
		}
		for i, p := range ports {
			out.Printf(KindSystem, "%d) %s", i+1, p)
		}
		out.Print(KindSystem, "Select port (empty to cancel):")

		line, err := readLine()
		if err != nil {
			return "", fmt.Errorf("%w: %v", uart.ErrNoPortSelected, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return "", uart.ErrNoPortSelected
		}
		if n, err := strconv.Atoi(line); err == nil {
			if n < 1 || n > len(ports) {
				return "", fmt.Errorf("%w: no port number %d", uart.ErrNoPortSelected, n)
			}
			return ports[n-1].Name, nil
		}
		return line, nil
	}
}
