package termcap

import (
	"fmt"
	"strings"
	"unicode/utf8"

	gdenc "github.com/gdamore/encoding"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Encoding names accepted in configuration.
const (
	UTF8  = "utf8"
	CP437 = "cp437"
	Amiga = "amiga"
)

// Encoding translates between Go strings and the bytes a terminal
// expects. Encode never fails: runes the code page cannot represent
// become the substitute glyph.
type Encoding struct {
	name       string
	substitute rune
	// single-byte code pages only
	toByte map[rune]byte
	toRune [256]rune
}

// LookupEncoding returns the named encoding. The substitute is replaced by
// '?' when the code page cannot represent it itself.
func LookupEncoding(name string, substitute rune) (*Encoding, error) {
	var cm encoding.Encoding
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "", UTF8:
		if substitute == 0 || substitute == utf8.RuneError {
			substitute = '?'
		}
		return &Encoding{name: UTF8, substitute: substitute}, nil
	case CP437, "ibm437", "pc":
		cm = charmap.CodePage437
	case Amiga, "topaz", "latin1", "iso88591":
		// The Amiga character set is ISO 8859-1.
		cm = gdenc.ISO8859_1
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}

	e := &Encoding{name: strings.ToLower(name), toByte: make(map[rune]byte, 256)}
	dec := cm.NewDecoder()
	for b := 0; b < 256; b++ {
		out, err := dec.Bytes([]byte{byte(b)})
		r, _ := utf8.DecodeRune(out)
		if err != nil || r == utf8.RuneError {
			r = utf8.RuneError
		} else if _, dup := e.toByte[r]; !dup {
			e.toByte[r] = byte(b)
		}
		e.toRune[b] = r
	}
	if _, ok := e.toByte[substitute]; !ok {
		substitute = '?'
	}
	e.substitute = substitute
	return e, nil
}

func (e *Encoding) Name() string { return e.name }

func (e *Encoding) Substitute() rune { return e.substitute }

// SingleByte reports whether every character is one byte on the wire.
func (e *Encoding) SingleByte() bool { return e.toByte != nil }

// Encode translates s for the wire.
func (e *Encoding) Encode(s string) []byte {
	if e.toByte == nil {
		if utf8.ValidString(s) {
			return []byte(s)
		}
		return []byte(strings.ToValidUTF8(s, string(e.substitute)))
	}
	out := make([]byte, 0, len(s))
	sub := e.toByte[e.substitute]
	for _, r := range s {
		if b, ok := e.toByte[r]; ok {
			out = append(out, b)
		} else {
			out = append(out, sub)
		}
	}
	return out
}

// Decode translates wire bytes. Invalid input decodes to the substitute.
func (e *Encoding) Decode(p []byte) string {
	if e.toByte == nil {
		return strings.ToValidUTF8(string(p), string(e.substitute))
	}
	var sb strings.Builder
	sb.Grow(len(p))
	for _, b := range p {
		r := e.toRune[b]
		if r == utf8.RuneError {
			r = e.substitute
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Decoder turns a byte stream into runes, holding back an incomplete UTF-8
// sequence until the rest arrives.
type Decoder struct {
	enc     *Encoding
	pending []byte
}

func (e *Encoding) NewDecoder() *Decoder {
	return &Decoder{enc: e}
}

// Feed decodes p and returns the complete runes.
func (d *Decoder) Feed(p []byte) []rune {
	if d.enc.toByte != nil {
		out := make([]rune, len(p))
		for i, b := range p {
			r := d.enc.toRune[b]
			if r == utf8.RuneError {
				r = d.enc.substitute
			}
			out[i] = r
		}
		return out
	}

	buf := append(d.pending, p...)
	d.pending = nil
	out := make([]rune, 0, len(buf))
	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			d.pending = append([]byte(nil), buf...)
			break
		}
		r, n := utf8.DecodeRune(buf)
		if r == utf8.RuneError && n <= 1 {
			r = d.enc.substitute
		}
		out = append(out, r)
		buf = buf[n:]
	}
	return out
}
