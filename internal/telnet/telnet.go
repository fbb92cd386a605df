// Package telnet decodes the telnet command stream (RFC 854) and the
// sub-negotiations a BBS needs: TTYPE (RFC 1091), NAWS (RFC 1073) and
// NEW-ENVIRON (RFC 1572). It has no I/O of its own.
package telnet

import (
	"bytes"
	"strconv"
)

// Commands.
const (
	SE   byte = 240
	NOP  byte = 241
	DM   byte = 242
	BRK  byte = 243
	IP   byte = 244
	AO   byte = 245
	AYT  byte = 246
	EC   byte = 247
	EL   byte = 248
	GA   byte = 249
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// Options.
const (
	OptBinary     byte = 0
	OptEcho       byte = 1
	OptSGA        byte = 3
	OptStatus     byte = 5
	OptTTYPE      byte = 24
	OptNAWS       byte = 31
	OptLinemode   byte = 34
	OptNewEnviron byte = 39
)

// Sub-negotiation codes shared by TTYPE and NEW-ENVIRON.
const (
	IS   byte = 0
	SEND byte = 1
	INFO byte = 2
)

// NEW-ENVIRON variable types.
const (
	EnvVar     byte = 0
	EnvValue   byte = 1
	EnvEsc     byte = 2
	EnvUserVar byte = 3
)

// MaxSubnegotiation bounds the bytes buffered between IAC SB and IAC SE.
const MaxSubnegotiation = 1024

var optionNames = map[byte]string{
	OptBinary:     "BINARY",
	OptEcho:       "ECHO",
	OptSGA:        "SGA",
	OptStatus:     "STATUS",
	OptTTYPE:      "TTYPE",
	OptNAWS:       "NAWS",
	OptLinemode:   "LINEMODE",
	OptNewEnviron: "NEW-ENVIRON",
}

// OptionName returns a printable name for opt.
func OptionName(opt byte) string {
	if name, ok := optionNames[opt]; ok {
		return name
	}
	return "OPT-" + strconv.Itoa(int(opt))
}

// Command encodes IAC verb opt.
func Command(verb, opt byte) []byte {
	return []byte{IAC, verb, opt}
}

// Subnegotiation encodes IAC SB opt data IAC SE, escaping IAC in data.
func Subnegotiation(opt byte, data ...byte) []byte {
	out := make([]byte, 0, len(data)+5)
	out = append(out, IAC, SB, opt)
	out = append(out, Escape(data)...)
	return append(out, IAC, SE)
}

// Escape doubles every IAC in p.
func Escape(p []byte) []byte {
	if bytes.IndexByte(p, IAC) < 0 {
		return p
	}
	out := make([]byte, 0, len(p)+4)
	for _, c := range p {
		if c == IAC {
			out = append(out, IAC)
		}
		out = append(out, c)
	}
	return out
}

// RequestTerminalType is IAC SB TTYPE SEND IAC SE.
func RequestTerminalType() []byte {
	return Subnegotiation(OptTTYPE, SEND)
}

// RequestEnviron asks for the given variables, or all when none are named.
func RequestEnviron(names ...string) []byte {
	data := []byte{SEND}
	for _, n := range names {
		data = append(data, EnvVar)
		data = append(data, n...)
	}
	return Subnegotiation(OptNewEnviron, data...)
}
