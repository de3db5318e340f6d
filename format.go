package uart

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DisplayMode controls how received chunks are turned into event payloads.
type DisplayMode int

const (
	// DisplayAuto keeps valid UTF-8 text as text and renders anything else as hex.
	// The read loop holds back a multi-byte rune split across reads so that
	// text does not flip to hex mid-line.
	DisplayAuto DisplayMode = iota
	// DisplayText always decodes chunks as text.
	DisplayText
	// DisplayHex always renders chunks as hex byte pairs.
	DisplayHex
)

func (d DisplayMode) String() string {
	switch d {
	case DisplayAuto:
		return "auto"
	case DisplayText:
		return "text"
	case DisplayHex:
		return "hex"
	default:
		return fmt.Sprintf("DisplayMode(%d)", int(d))
	}
}

// ParseDisplayMode parses "auto", "text" or "hex".
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DisplayAuto, nil
	case "text":
		return DisplayText, nil
	case "hex":
		return DisplayHex, nil
	default:
		return DisplayAuto, fmt.Errorf("unknown display mode %q", s)
	}
}

// Render converts a received chunk into its display payload.
func (d DisplayMode) Render(chunk []byte) string {
	switch d {
	case DisplayText:
		return string(chunk)
	case DisplayHex:
		return FormatHex(chunk)
	default:
		if utf8.Valid(chunk) {
			return string(chunk)
		}
		return FormatHex(chunk)
	}
}

// completeRunes returns the length of the prefix of b that does not end in
// a truncated UTF-8 sequence. Invalid bytes count as complete.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

const hexDigits = "0123456789abcdef"

// FormatHex renders b as space separated, two digit, lowercase hex pairs.
// []byte{0x0a, 0xff} becomes "0a ff".
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(out)
}

// ParseLineEnding maps "crlf", "lf", "cr" and "none" to the bytes appended by SendLine.
func ParseLineEnding(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crlf":
		return "\r\n", nil
	case "", "lf":
		return "\n", nil
	case "cr":
		return "\r", nil
	case "none":
		return "", nil
	default:
		return "", fmt.Errorf("unknown line ending %q", s)
	}
}
