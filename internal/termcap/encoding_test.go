package termcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCP437RoundTrip(t *testing.T) {
	enc, err := LookupEncoding(CP437, '?')
	require.NoError(t, err)

	in := "░▒▓█ ╔═╗ é ñ ß"
	wire := enc.Encode(in)
	assert.Equal(t, len([]rune(in)), len(wire))
	assert.Equal(t, in, enc.Decode(wire))
	assert.Equal(t, byte(0xB0), wire[0])
}

func TestEncodeSubstitutesAndIsIdempotent(t *testing.T) {
	for _, name := range []string{CP437, Amiga} {
		enc, err := LookupEncoding(name, '?')
		require.NoError(t, err)

		once := enc.Decode(enc.Encode("snow ☃ man"))
		assert.Equal(t, "snow ? man", once, name)
		assert.Equal(t, once, enc.Decode(enc.Encode(once)), name)
	}
}

func TestSubstituteFallsBackWhenUnrepresentable(t *testing.T) {
	enc, err := LookupEncoding(CP437, '☃')
	require.NoError(t, err)
	assert.Equal(t, '?', enc.Substitute())
}

func TestAmigaIsLatin1(t *testing.T) {
	enc, err := LookupEncoding(Amiga, '?')
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE9}, enc.Encode("é"))
	assert.Equal(t, []byte{'?'}, enc.Encode("█"))
}

func TestUTF8Encoding(t *testing.T) {
	enc, err := LookupEncoding("UTF-8", '?')
	require.NoError(t, err)
	assert.Equal(t, UTF8, enc.Name())
	assert.Equal(t, []byte("☃"), enc.Encode("☃"))
	assert.Equal(t, "a?b", enc.Decode([]byte{'a', 0xff, 'b'}))

	_, err = LookupEncoding("ebcdic-ish", '?')
	assert.Error(t, err)
}

func TestDecoderHoldsPartialUTF8(t *testing.T) {
	enc, _ := LookupEncoding(UTF8, '?')
	d := enc.NewDecoder()
	snow := []byte("☃")

	assert.Empty(t, d.Feed(snow[:1]))
	assert.Empty(t, d.Feed(snow[1:2]))
	assert.Equal(t, []rune{'☃', 'x'}, d.Feed(append(snow[2:], 'x')))
	assert.Equal(t, []rune{'?'}, d.Feed([]byte{0xff}))
}

func TestDecoderSingleByte(t *testing.T) {
	enc, _ := LookupEncoding(CP437, '?')
	d := enc.NewDecoder()
	assert.Equal(t, []rune{'░', '\r'}, d.Feed([]byte{0xB0, '\r'}))
}
