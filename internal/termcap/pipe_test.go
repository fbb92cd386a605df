package termcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePipe(t *testing.T) {
	caps, _ := Lookup("no-such-terminal-xyz")
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"fg", "|01red", "\x1b[31mred"},
		{"bright", "|12x", "\x1b[1m\x1b[34mx"},
		{"bg", "|16x", "\x1b[40mx"},
		{"escaped", "||02", "|02"},
		{"lone", "a | b", "a | b"},
		{"trailing", "end|", "end|"},
		{"one digit", "|1x", "|1x"},
		{"out of range", "|24", "|24"},
		{"double then code", "|||03", "|\x1b[33m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodePipe(tt.in, caps))
		})
	}
}

func TestEscapePipeRoundTrip(t *testing.T) {
	caps, _ := Lookup("no-such-terminal-xyz")
	for _, s := range []string{"a|b", "|01", "||", "|", "x||02y"} {
		assert.Equal(t, s, DecodePipe(EscapePipe(s), caps), s)
	}
}

func TestStripPipe(t *testing.T) {
	assert.Equal(t, "red|02 a|b", StripPipe("|01red||02 a|b"))
}
