package telnet

import (
	"bytes"
	"reflect"
	"testing"
)

func feedAll(p *Parser, chunks ...[]byte) ([]byte, []Event) {
	var data []byte
	var events []Event
	for _, c := range chunks {
		d, ev := p.Feed(c)
		data = append(data, d...)
		events = append(events, ev...)
	}
	return data, events
}

func TestParserData(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", []byte("hello"), []byte("hello")},
		{"escaped iac", []byte{'a', IAC, IAC, 'b'}, []byte{'a', IAC, 'b'}},
		{"cr nul", []byte("a\r\x00b"), []byte("a\rb")},
		{"cr lf", []byte("a\r\nb"), []byte("a\rb")},
		{"bare lf", []byte("a\nb"), []byte("a\nb")},
		{"nop dropped", []byte{'a', IAC, NOP, 'b'}, []byte("ab")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			data, events := p.Feed(tt.in)
			if !bytes.Equal(data, tt.want) {
				t.Errorf("data = %q, want %q", data, tt.want)
			}
			if len(events) != 0 {
				t.Errorf("unexpected events %v", events)
			}
		})
	}
}

func TestParserCRLFSplitAcrossFeeds(t *testing.T) {
	var p Parser
	data, _ := feedAll(&p, []byte("x\r"), []byte("\ny"))
	if string(data) != "x\ry" {
		t.Errorf("data = %q", data)
	}
}

func TestParserNegotiationAndSignal(t *testing.T) {
	var p Parser
	_, events := p.Feed([]byte{IAC, WILL, OptNAWS, IAC, DONT, OptEcho, IAC, AYT})
	want := []Event{
		Negotiation{Verb: WILL, Option: OptNAWS},
		Negotiation{Verb: DONT, Option: OptEcho},
		Signal{Command: AYT},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v", events)
	}
}

func TestParserNAWS(t *testing.T) {
	var p Parser
	in := []byte{IAC, SB, OptNAWS, 0, 80, 0, 25, IAC, SE}
	// Fragment byte by byte to exercise state carry-over.
	var events []Event
	for _, c := range in {
		_, ev := p.Feed([]byte{c})
		events = append(events, ev...)
	}
	if len(events) != 1 || events[0] != (WindowSize{Cols: 80, Rows: 25}) {
		t.Errorf("events = %#v", events)
	}
}

func TestParserNAWSWithEscapedIAC(t *testing.T) {
	var p Parser
	_, events := p.Feed([]byte{IAC, SB, OptNAWS, 0, IAC, IAC, 0, 24, IAC, SE})
	if len(events) != 1 || events[0] != (WindowSize{Cols: 255, Rows: 24}) {
		t.Errorf("events = %#v", events)
	}
}

func TestParserTruncatedNAWSThenValidInput(t *testing.T) {
	var p Parser
	data, events := p.Feed([]byte{IAC, SB, OptNAWS, 0, 80, 0, IAC, SE, 'o', 'k'})
	if string(data) != "ok" {
		t.Errorf("data = %q, want ok", data)
	}
	if len(events) != 1 {
		t.Fatalf("events = %#v", events)
	}
	if m, ok := events[0].(Malformed); !ok || m.Option != OptNAWS {
		t.Errorf("event = %#v, want Malformed NAWS", events[0])
	}
}

func TestParserUnterminatedSubnegotiation(t *testing.T) {
	var p Parser
	data, events := p.Feed([]byte{IAC, SB, OptTTYPE, IS, 'x', IAC, WILL, OptSGA, 'h', 'i'})
	if string(data) != "hi" {
		t.Errorf("data = %q", data)
	}
	want := []Event{
		Malformed{Option: OptTTYPE, Reason: "unterminated"},
		Negotiation{Verb: WILL, Option: OptSGA},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v", events)
	}
}

func TestParserOverflow(t *testing.T) {
	var p Parser
	in := append([]byte{IAC, SB, OptTTYPE, IS}, bytes.Repeat([]byte{'a'}, 2*MaxSubnegotiation)...)
	in = append(in, IAC, SE, 'z')
	data, events := p.Feed(in)
	if string(data) != "z" {
		t.Errorf("data = %q", data)
	}
	if len(events) != 1 {
		t.Fatalf("events = %#v", events)
	}
	if _, ok := events[0].(Malformed); !ok {
		t.Errorf("event = %#v", events[0])
	}
}

func TestParserTerminalType(t *testing.T) {
	var p Parser
	_, events := p.Feed(append(append([]byte{IAC, SB, OptTTYPE, IS}, "XTERM-256color"...), IAC, SE))
	if len(events) != 1 || events[0] != (TerminalType{Name: "xterm-256color"}) {
		t.Errorf("events = %#v", events)
	}

	_, events = p.Feed([]byte{IAC, SB, OptTTYPE, IS, 0x1b, IAC, SE})
	if _, ok := events[0].(Malformed); !ok {
		t.Errorf("control character accepted: %#v", events)
	}
}

func TestParserEnviron(t *testing.T) {
	var p Parser
	sb := []byte{IS, EnvVar}
	sb = append(sb, "TERM"...)
	sb = append(sb, EnvValue)
	sb = append(sb, "ansi"...)
	sb = append(sb, EnvUserVar)
	sb = append(sb, "A"...)
	sb = append(sb, EnvEsc, EnvValue)
	sb = append(sb, EnvValue)
	sb = append(sb, "b"...)
	_, events := p.Feed(Subnegotiation(OptNewEnviron, sb...))
	if len(events) != 1 {
		t.Fatalf("events = %#v", events)
	}
	env, ok := events[0].(Environ)
	if !ok {
		t.Fatalf("event = %#v", events[0])
	}
	want := map[string]string{"TERM": "ansi", "A\x01": "b"}
	if !reflect.DeepEqual(env.Vars, want) {
		t.Errorf("vars = %q", env.Vars)
	}

	_, events = p.Feed(Subnegotiation(OptNewEnviron, IS, EnvValue, 'x'))
	if _, ok := events[0].(Malformed); !ok {
		t.Errorf("value before var accepted: %#v", events)
	}
}

func TestEscapeAndSubnegotiation(t *testing.T) {
	if got := Escape([]byte{1, IAC, 2}); !bytes.Equal(got, []byte{1, IAC, IAC, 2}) {
		t.Errorf("Escape = %v", got)
	}
	if got := RequestTerminalType(); !bytes.Equal(got, []byte{IAC, SB, OptTTYPE, SEND, IAC, SE}) {
		t.Errorf("RequestTerminalType = %v", got)
	}
	if OptionName(OptNAWS) != "NAWS" || OptionName(200) != "OPT-200" || OptionName(2) != "OPT-2" {
		t.Error("OptionName")
	}
}
