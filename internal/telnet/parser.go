package telnet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Event is produced by Parser for everything that is not user data.
type Event interface{ isEvent() }

// Negotiation is IAC WILL/WONT/DO/DONT opt.
type Negotiation struct {
	Verb   byte
	Option byte
}

// Signal is a single-byte command such as AYT or IP.
type Signal struct{ Command byte }

type TerminalType struct{ Name string }

type WindowSize struct{ Cols, Rows int }

// Environ carries NEW-ENVIRON IS or INFO variables.
type Environ struct{ Vars map[string]string }

// Malformed reports a sub-negotiation that could not be decoded. The parser
// has already recovered; the stream continues after it.
type Malformed struct {
	Option byte
	Reason string
}

func (Negotiation) isEvent()  {}
func (Signal) isEvent()       {}
func (TerminalType) isEvent() {}
func (WindowSize) isEvent()   {}
func (Environ) isEvent()      {}
func (Malformed) isEvent()    {}

func (m Malformed) Error() string {
	return fmt.Sprintf("malformed %s sub-negotiation: %s", OptionName(m.Option), m.Reason)
}

type state int

const (
	stateData state = iota
	stateIAC
	stateVerb
	stateSBOption
	stateSB
	stateSBIAC
	stateSBDiscard
	stateSBDiscardIAC
)

// Parser splits a raw telnet stream into data and events. Feed may be
// called with arbitrary fragments; state carries across calls.
type Parser struct {
	state state
	verb  byte
	opt   byte
	sb    []byte
	cr    bool
}

// Feed consumes in and returns the user data it contained and the events
// completed by it. CR NUL and CR LF are reduced to CR.
func (p *Parser) Feed(in []byte) ([]byte, []Event) {
	data := make([]byte, 0, len(in))
	var events []Event

	for _, c := range in {
		switch p.state {
		case stateData:
			if c == IAC {
				p.state = stateIAC
				continue
			}
			if p.cr {
				p.cr = false
				if c == 0 || c == '\n' {
					continue
				}
			}
			if c == '\r' {
				p.cr = true
			}
			data = append(data, c)

		case stateIAC:
			switch c {
			case IAC:
				p.cr = false
				data = append(data, IAC)
				p.state = stateData
			case WILL, WONT, DO, DONT:
				p.verb = c
				p.state = stateVerb
			case SB:
				p.state = stateSBOption
			default:
				if c != NOP && c != GA && c != SE {
					events = append(events, Signal{Command: c})
				}
				p.state = stateData
			}

		case stateVerb:
			events = append(events, Negotiation{Verb: p.verb, Option: c})
			p.state = stateData

		case stateSBOption:
			p.opt = c
			p.sb = p.sb[:0]
			p.state = stateSB

		case stateSB:
			if c == IAC {
				p.state = stateSBIAC
				continue
			}
			if len(p.sb) >= MaxSubnegotiation {
				events = append(events, Malformed{Option: p.opt, Reason: "exceeds buffer"})
				p.sb = p.sb[:0]
				p.state = stateSBDiscard
				continue
			}
			p.sb = append(p.sb, c)

		case stateSBIAC:
			switch c {
			case SE:
				if ev := decodeSubnegotiation(p.opt, p.sb); ev != nil {
					events = append(events, ev)
				}
				p.state = stateData
			case IAC:
				p.sb = append(p.sb, IAC)
				p.state = stateSB
			default:
				// The peer started a new command inside SB: the
				// sub-negotiation was cut short.
				events = append(events, Malformed{Option: p.opt, Reason: "unterminated"})
				p.state = stateIAC
				d, ev := p.Feed([]byte{c})
				data = append(data, d...)
				events = append(events, ev...)
			}
			if p.state != stateSB && p.state != stateSBIAC {
				p.sb = p.sb[:0]
			}

		case stateSBDiscard:
			if c == IAC {
				p.state = stateSBDiscardIAC
			}

		case stateSBDiscardIAC:
			switch c {
			case SE:
				p.state = stateData
			default:
				p.state = stateSBDiscard
			}
		}
	}
	return data, events
}

func decodeSubnegotiation(opt byte, sb []byte) Event {
	switch opt {
	case OptNAWS:
		if len(sb) != 4 {
			return Malformed{Option: opt, Reason: fmt.Sprintf("length %d, want 4", len(sb))}
		}
		return WindowSize{
			Cols: int(binary.BigEndian.Uint16(sb[0:2])),
			Rows: int(binary.BigEndian.Uint16(sb[2:4])),
		}

	case OptTTYPE:
		if len(sb) < 1 || sb[0] != IS {
			return Malformed{Option: opt, Reason: "expected IS"}
		}
		name := strings.TrimSpace(string(sb[1:]))
		if name == "" || !printable(name) {
			return Malformed{Option: opt, Reason: "bad terminal type"}
		}
		return TerminalType{Name: strings.ToLower(name)}

	case OptNewEnviron:
		if len(sb) < 1 || (sb[0] != IS && sb[0] != INFO) {
			return Malformed{Option: opt, Reason: "expected IS or INFO"}
		}
		vars, err := decodeEnviron(sb[1:])
		if err != nil {
			return Malformed{Option: opt, Reason: err.Error()}
		}
		return Environ{Vars: vars}
	}
	return nil
}

func decodeEnviron(p []byte) (map[string]string, error) {
	vars := make(map[string]string)
	var (
		name, value []byte
		inValue     bool
		started     bool
	)
	flush := func() {
		if started && len(name) > 0 {
			vars[string(name)] = string(value)
		}
		name, value, inValue = nil, nil, false
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case EnvVar, EnvUserVar:
			flush()
			started = true
		case EnvValue:
			if !started {
				return nil, fmt.Errorf("value before variable")
			}
			inValue = true
		case EnvEsc:
			i++
			if i >= len(p) {
				return nil, fmt.Errorf("dangling escape")
			}
			c = p[i]
			fallthrough
		default:
			if !started {
				return nil, fmt.Errorf("data before variable")
			}
			if inValue {
				value = append(value, c)
			} else {
				name = append(name, c)
			}
		}
	}
	flush()
	return vars, nil
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
