package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/telnet"
)

const DefaultNegotiateTimeout = 2500 * time.Millisecond

// TelnetListener accepts telnet connections and negotiates terminal type,
// window size and environment before handing them out.
type TelnetListener struct {
	*base
	timeout time.Duration
}

// ListenTelnet binds addr. Bind failure is the caller's to treat as fatal.
func ListenTelnet(addr string, guard *Guard, auditor *audit.Auditor, negotiateTimeout time.Duration) (*TelnetListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if negotiateTimeout <= 0 {
		negotiateTimeout = DefaultNegotiateTimeout
	}
	l := &TelnetListener{base: newBase(ProtoTelnet, ln, guard, auditor), timeout: negotiateTimeout}
	l.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	go l.serve(l.handshake)
	return l, nil
}

func (l *TelnetListener) handshake(raw net.Conn) {
	c := NewTelnetConn(raw)
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := c.Negotiate(ctx); err != nil {
		logTransportError(&TransportError{Protocol: ProtoTelnet, Remote: c.info.Remote, Op: "negotiate", Err: err})
		c.Close()
		return
	}
	l.deliver(c)
}

// TelnetConn is a Conn over a raw telnet stream.
type TelnetConn struct {
	raw    net.Conn
	parser telnet.Parser
	log    zerolog.Logger

	wmu sync.Mutex

	mu         sync.Mutex
	info       Info
	local      map[byte]bool // options we perform
	remote     map[byte]bool // options the peer performs
	pendLocal  map[byte]bool // WILL/WONT we sent and await an answer to
	pendRemote map[byte]bool // DO/DONT we sent and await an answer to
	gotTType   bool
	gotNAWS    bool
	negotiated bool

	rbuf   []byte
	resize chan Size
	done   chan struct{}
	once   sync.Once
}

// NewTelnetConn wraps raw. Call Negotiate before use.
func NewTelnetConn(raw net.Conn) *TelnetConn {
	return &TelnetConn{
		raw: raw,
		log: logging.For(ProtoTelnet).With().Str("remote", remoteIP(raw.RemoteAddr())).Logger(),
		info: Info{
			Protocol:    ProtoTelnet,
			Remote:      remoteIP(raw.RemoteAddr()),
			Env:         map[string]string{},
			ConnectedAt: time.Now(),
		},
		local:      map[byte]bool{},
		remote:     map[byte]bool{},
		pendLocal:  map[byte]bool{},
		pendRemote: map[byte]bool{},
		resize:     make(chan Size, 1),
		done:       make(chan struct{}),
	}
}

var acceptRemote = map[byte]bool{
	telnet.OptBinary:     true,
	telnet.OptSGA:        true,
	telnet.OptTTYPE:      true,
	telnet.OptNAWS:       true,
	telnet.OptNewEnviron: true,
}

var acceptLocal = map[byte]bool{
	telnet.OptBinary: true,
	telnet.OptEcho:   true,
	telnet.OptSGA:    true,
}

// Negotiate sends the server's option requests and reads replies until the
// terminal type and window size are known (or refused) or ctx expires.
// User data arriving meanwhile is kept for Read.
func (c *TelnetConn) Negotiate(ctx context.Context) error {
	var out []byte
	c.mu.Lock()
	for _, opt := range []byte{telnet.OptEcho, telnet.OptSGA, telnet.OptBinary} {
		out = append(out, c.requestLocal(opt, true)...)
	}
	for _, opt := range []byte{telnet.OptSGA, telnet.OptBinary, telnet.OptTTYPE, telnet.OptNAWS, telnet.OptNewEnviron} {
		out = append(out, c.requestRemote(opt, true)...)
	}
	c.mu.Unlock()
	if _, err := c.writeRaw(out); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultNegotiateTimeout)
	}
	defer c.raw.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	for !c.settled() {
		c.raw.SetReadDeadline(deadline)
		n, err := c.raw.Read(buf)
		if n > 0 {
			data := c.consume(buf[:n])
			c.mu.Lock()
			c.rbuf = append(c.rbuf, data...)
			c.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	c.negotiated = true
	c.fillFromEnv()
	c.mu.Unlock()
	c.log.Debug().Str("term", c.info.TermType).Int("cols", c.info.Size.Cols).
		Int("rows", c.info.Size.Rows).Msg("negotiated")
	return nil
}

func (c *TelnetConn) settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gotTType && c.gotNAWS
}

// fillFromEnv uses NEW-ENVIRON TERM/LINES/COLUMNS for anything TTYPE and
// NAWS did not provide. Must be called with c.mu held.
func (c *TelnetConn) fillFromEnv() {
	if c.info.TermType == "" {
		c.info.TermType = c.info.Env["TERM"]
	}
	if c.info.Size.Cols == 0 && c.info.Size.Rows == 0 {
		cols, _ := strconv.Atoi(c.info.Env["COLUMNS"])
		rows, _ := strconv.Atoi(c.info.Env["LINES"])
		c.info.Size = Size{Cols: cols, Rows: rows}
	}
}

// requestLocal returns IAC WILL/WONT opt if it changes state. Must be
// called with c.mu held.
func (c *TelnetConn) requestLocal(opt byte, enable bool) []byte {
	if c.local[opt] == enable || c.pendLocal[opt] {
		return nil
	}
	c.pendLocal[opt] = true
	if enable {
		return telnet.Command(telnet.WILL, opt)
	}
	return telnet.Command(telnet.WONT, opt)
}

// requestRemote returns IAC DO/DONT opt if it changes state. Must be
// called with c.mu held.
func (c *TelnetConn) requestRemote(opt byte, enable bool) []byte {
	if c.remote[opt] == enable || c.pendRemote[opt] {
		return nil
	}
	c.pendRemote[opt] = true
	if enable {
		return telnet.Command(telnet.DO, opt)
	}
	return telnet.Command(telnet.DONT, opt)
}

// consume parses raw bytes, answers negotiation and returns user data.
func (c *TelnetConn) consume(p []byte) []byte {
	data, events := c.parser.Feed(p)
	var reply []byte

	c.mu.Lock()
	for _, ev := range events {
		switch ev := ev.(type) {
		case telnet.Negotiation:
			reply = append(reply, c.negotiation(ev)...)
		case telnet.TerminalType:
			if c.info.TermType == "" {
				c.info.TermType = ev.Name
			}
			c.gotTType = true
		case telnet.WindowSize:
			c.gotNAWS = true
			size := Size{Cols: ev.Cols, Rows: ev.Rows}
			if c.negotiated {
				pushSize(c.resize, size)
			} else {
				c.info.Size = size
			}
		case telnet.Environ:
			for k, v := range ev.Vars {
				c.info.Env[k] = v
			}
		case telnet.Signal:
			if ev.Command == telnet.AYT {
				reply = append(reply, "\r\n[yes]\r\n"...)
			}
		case telnet.Malformed:
			logTransportError(&TransportError{Protocol: ProtoTelnet, Remote: c.info.Remote, Op: "sub-negotiation", Err: ev})
			if ev.Option == telnet.OptTTYPE {
				c.gotTType = true
			}
			if ev.Option == telnet.OptNAWS {
				c.gotNAWS = true
			}
		}
	}
	c.mu.Unlock()

	if len(reply) > 0 {
		if _, err := c.writeRaw(reply); err != nil {
			c.log.Debug().Err(err).Msg("write negotiation reply")
		}
	}
	return data
}

// negotiation applies a peer WILL/WONT/DO/DONT and returns our reply. Only
// state changes are answered, so two endpoints can never loop. Must be
// called with c.mu held.
func (c *TelnetConn) negotiation(n telnet.Negotiation) []byte {
	opt := n.Option
	switch n.Verb {
	case telnet.WILL:
		if c.pendRemote[opt] {
			delete(c.pendRemote, opt)
			c.remote[opt] = true
			return c.remoteEnabled(opt)
		}
		if c.remote[opt] {
			return nil
		}
		if !acceptRemote[opt] {
			return telnet.Command(telnet.DONT, opt)
		}
		c.remote[opt] = true
		return append(telnet.Command(telnet.DO, opt), c.remoteEnabled(opt)...)

	case telnet.WONT:
		delete(c.pendRemote, opt)
		was := c.remote[opt]
		c.remote[opt] = false
		c.remoteRefused(opt)
		if was {
			return telnet.Command(telnet.DONT, opt)
		}
		return nil

	case telnet.DO:
		if c.pendLocal[opt] {
			delete(c.pendLocal, opt)
			c.local[opt] = true
			return nil
		}
		if c.local[opt] {
			return nil
		}
		if !acceptLocal[opt] {
			return telnet.Command(telnet.WONT, opt)
		}
		c.local[opt] = true
		return telnet.Command(telnet.WILL, opt)

	case telnet.DONT:
		delete(c.pendLocal, opt)
		was := c.local[opt]
		c.local[opt] = false
		if was {
			return telnet.Command(telnet.WONT, opt)
		}
	}
	return nil
}

// remoteEnabled returns the follow-up request for a newly enabled option.
func (c *TelnetConn) remoteEnabled(opt byte) []byte {
	switch opt {
	case telnet.OptTTYPE:
		return telnet.RequestTerminalType()
	case telnet.OptNewEnviron:
		return telnet.RequestEnviron("TERM", "LINES", "COLUMNS")
	}
	return nil
}

func (c *TelnetConn) remoteRefused(opt byte) {
	switch opt {
	case telnet.OptTTYPE:
		c.gotTType = true
	case telnet.OptNAWS:
		c.gotNAWS = true
	}
}

func (c *TelnetConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.rbuf) > 0 {
			n := copy(p, c.rbuf)
			c.rbuf = c.rbuf[n:]
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		buf := make([]byte, len(p)+16)
		n, err := c.raw.Read(buf)
		if n > 0 {
			if data := c.consume(buf[:n]); len(data) > 0 {
				c.mu.Lock()
				c.rbuf = append(c.rbuf, data...)
				c.mu.Unlock()
				continue
			}
		}
		if err != nil {
			c.Close()
			return 0, err
		}
	}
}

// Write escapes IAC and sends p.
func (c *TelnetConn) Write(p []byte) (int, error) {
	if _, err := c.writeRaw(telnet.Escape(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *TelnetConn) writeRaw(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.raw.Write(p)
}

func (c *TelnetConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

func (c *TelnetConn) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.Env = make(map[string]string, len(c.info.Env))
	for k, v := range c.info.Env {
		info.Env[k] = v
	}
	return info
}

func (c *TelnetConn) Resize() <-chan Size { return c.resize }

func (c *TelnetConn) Done() <-chan struct{} { return c.done }
