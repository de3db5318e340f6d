package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvDevice, "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 9600, cfg.BaudRate)
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	t.Setenv(EnvDevice, "")

	path := filepath.Join(t.TempDir(), "uartterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device: /dev/ttyACM0
baud_rate: 115200
display: hex
line_ending: crlf
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/dev/ttyACM0", cfg.Device)
	require.Equal(t, 115200, cfg.BaudRate)
	require.Equal(t, DriverSystem, cfg.Driver)
	require.Equal(t, "\r\n", cfg.LineEndingBytes())
	require.Equal(t, "hex", cfg.DisplayMode().String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uartterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: /dev/ttyACM0\n"), 0o644))
	t.Setenv(EnvDevice, "/dev/ttyUSB7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB7", cfg.Device)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baud_rate: [fast]\n"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "parse config")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.BaudRate = -5
	cfg.Driver = "usb"
	cfg.Display = "binary"
	cfg.LineEnding = "tab"
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"baud_rate", "driver", "display mode", "line ending", "log level"} {
		require.ErrorContains(t, err, want)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, lvl)
}
