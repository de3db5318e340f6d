//go:build !linux

package uart

import "fmt"

func openTTY(name string, mode Mode) (Port, error) {
	return nil, fmt.Errorf("open %s: %w", name, ErrUnsupported)
}
