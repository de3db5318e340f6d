// Command uartterm is a serial terminal. It opens a serial device, shows
// everything the device sends as a timestamped log and sends each line typed
// at the prompt.
//
// Usage:
//
//	uartterm [flags]
//
// Flags:
//
//	-config string       YAML configuration file
//	-device string       Serial device, or tcp://host:port (empty: choose interactively)
//	-baud int            Baud rate (default 9600)
//	-driver string       Serial driver: system, linux (default "system")
//	-display string      Received data display: auto, text, hex (default "auto")
//	-line-ending string  Appended to sent lines: crlf, lf, cr, none (default "lf")
//	-web string          Serve the websocket bridge on this address instead of the console
//	-log-level string    Log level: debug, info, warn, error (default "warn")
//	-no-color            Disable coloured output
//
// Examples:
//
//	# Talk to an Arduino at 115200 baud
//	uartterm -device /dev/ttyACM0 -baud 115200
//
//	# Show raw bytes of a binary protocol
//	uartterm -device /dev/ttyUSB0 -display hex
//
//	# Let a browser drive the port
//	uartterm -device /dev/ttyUSB0 -web :8989
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	uart "github.com/luhtfiimanal/go-uart"
	"github.com/luhtfiimanal/go-uart/internal/config"
	"github.com/luhtfiimanal/go-uart/internal/terminal"
	"github.com/luhtfiimanal/go-uart/internal/webterm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "uartterm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	device := flag.String("device", "", "Serial device, or tcp://host:port (empty: choose interactively)")
	baud := flag.Int("baud", 0, "Baud rate (default 9600)")
	driver := flag.String("driver", "", "Serial driver: system, linux")
	display := flag.String("display", "", "Received data display: auto, text, hex")
	lineEnding := flag.String("line-ending", "", "Appended to sent lines: crlf, lf, cr, none")
	webAddr := flag.String("web", "", "Serve the websocket bridge on this address instead of the console")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	noColor := flag.Bool("no-color", false, "Disable coloured output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = *device
		case "baud":
			cfg.BaudRate = *baud
		case "driver":
			cfg.Driver = *driver
		case "display":
			cfg.Display = *display
		case "line-ending":
			cfg.LineEnding = *lineEnding
		case "web":
			cfg.WebAddr = *webAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "no-color":
			cfg.NoColor = *noColor
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WebAddr != "" {
		return serveWeb(ctx, cfg)
	}
	return runConsole(ctx, cfg)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, _ := config.ParseLevel(level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newPlatform(cfg config.Config, choose uart.Chooser) uart.Platform {
	if cfg.Device != "" {
		choose = uart.FixedPort(cfg.Device)
	}
	if cfg.Driver == config.DriverLinux {
		return &uart.TermiosPlatform{Chooser: choose}
	}
	return &uart.SystemPlatform{Chooser: choose}
}

func newManager(cfg config.Config, platform uart.Platform, logger *slog.Logger) *uart.Manager {
	return uart.NewManager(platform,
		uart.WithLogger(logger),
		uart.WithDisplayMode(cfg.DisplayMode()),
		uart.WithLineEnding(cfg.LineEndingBytes()),
	)
}

func runConsole(ctx context.Context, cfg config.Config) error {
	rl, err := terminal.NewReadline()
	if err != nil {
		return err
	}
	defer rl.Close()

	color := !cfg.NoColor && terminal.ColorEnabled(os.Stdout)
	out := terminal.NewRenderer(rl.Stdout(), color)
	logger := newLogger(rl.Stderr(), cfg.LogLevel)

	platform := newPlatform(cfg, terminal.PromptChooser(out, rl.Readline))
	mgr := newManager(cfg, platform, logger)
	out.Attach(mgr.Hub())

	console := terminal.NewConsole(mgr, out, cfg.BaudRate)

	// Connect right away when the device is known
	if cfg.Device != "" {
		mgr.Connect(ctx, cfg.BaudRate)
	}

	// readline blocks on stdin; closing it on shutdown unblocks Run
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	err = console.Run(ctx, rl)
	if mgr.IsConnected() {
		mgr.Disconnect()
	}
	return err
}

func serveWeb(ctx context.Context, cfg config.Config) error {
	logger := newLogger(os.Stderr, cfg.LogLevel)

	platform := newPlatform(cfg, uart.FirstPort())
	mgr := newManager(cfg, platform, logger)
	defer func() {
		if mgr.IsConnected() {
			mgr.Disconnect()
		}
	}()

	srv := &http.Server{
		Addr:              cfg.WebAddr,
		Handler:           webterm.NewServer(mgr, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web terminal listening", slog.String("addr", cfg.WebAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
