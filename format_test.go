package uart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatHex(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, ""},
		{[]byte{0x0a, 0xff}, "0a ff"},
		{[]byte{0x00}, "00"},
		{[]byte("AT\r\n"), "41 54 0d 0a"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FormatHex(tt.in))
	}
}

func TestCompleteRunes(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"caf\xc3", 3},
		{"\xe2\x82", 0},
		{"\xe2\x82\xac", 3},
		{"a\xf0\x9f\x98", 1},
		{"a\xf0\x9f\x98\x80", 5},
		{"\x0a\xff", 2},
		{"\x80\x80\x80\x80", 4},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, completeRunes([]byte(tt.in)), "%q", tt.in)
	}
}

func TestDisplayMode_Render(t *testing.T) {
	binary := []byte{0x0a, 0xff}

	require.Equal(t, "hello", DisplayAuto.Render([]byte("hello")))
	require.Equal(t, "0a ff", DisplayAuto.Render(binary))
	require.Equal(t, "68 69", DisplayHex.Render([]byte("hi")))
	require.Equal(t, string(binary), DisplayText.Render(binary))
}

func TestParseDisplayMode(t *testing.T) {
	for in, want := range map[string]DisplayMode{
		"":     DisplayAuto,
		"auto": DisplayAuto,
		"TEXT": DisplayText,
		" hex": DisplayHex,
	} {
		got, err := ParseDisplayMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
		if in != "" {
			require.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParseDisplayMode("binary")
	require.Error(t, err)
}

func TestParseLineEnding(t *testing.T) {
	for in, want := range map[string]string{
		"crlf": "\r\n",
		"lf":   "\n",
		"":     "\n",
		"CR":   "\r",
		"none": "",
	} {
		got, err := ParseLineEnding(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseLineEnding("\\n")
	require.Error(t, err)
}
