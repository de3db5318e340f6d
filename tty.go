package uart

import (
	"context"
	"path/filepath"
	"sort"
)

// DefaultTTYGlobs are the device patterns TermiosPlatform lists by default.
var DefaultTTYGlobs = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}

// TermiosPlatform opens devices directly through termios ioctls. It is only
// functional on Linux; elsewhere Open fails with ErrUnsupported.
type TermiosPlatform struct {
	// Chooser selects the port on RequestPort. Defaults to FirstPort.
	Chooser Chooser
	// Globs overrides DefaultTTYGlobs.
	Globs []string
}

var (
	_ Platform = (*TermiosPlatform)(nil)
	_ Lister   = (*TermiosPlatform)(nil)
)

// RequestPort lists the candidate devices and lets the Chooser pick one.
func (p *TermiosPlatform) RequestPort(ctx context.Context) (string, error) {
	return requestPort(ctx, p.Chooser, p.Ports)
}

// Open opens name in raw 8N1 mode.
func (p *TermiosPlatform) Open(name string, mode Mode) (Port, error) {
	return openTTY(name, mode)
}

// Ports returns the devices matching the configured globs, sorted by name.
func (p *TermiosPlatform) Ports() ([]PortInfo, error) {
	globs := p.Globs
	if len(globs) == 0 {
		globs = DefaultTTYGlobs
	}
	seen := map[string]bool{}
	for _, g := range globs {
		ms, err := filepath.Glob(g)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			seen[m] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}
