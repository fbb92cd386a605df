// Package transport accepts telnet, SSH, SFTP and websocket connections and
// presents the interactive ones as a uniform Conn: a duplex byte stream with
// the negotiated terminal type, window size and an asynchronous resize feed.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tehmaze/x84/internal/logging"
)

const (
	ProtoTelnet = "telnet"
	ProtoSSH    = "ssh"
	ProtoSFTP   = "sftp"
	ProtoWeb    = "web"
)

// Size is a terminal window size in character cells.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Login carries the identity established by the transport, if any. SSH
// resolves it during authentication; telnet and websocket leave it empty
// and the login script prompts.
type Login struct {
	Handle    string
	Anonymous bool
	New       bool
}

// Info describes a connection as negotiated at accept time.
type Info struct {
	Protocol    string
	Remote      string
	TermType    string
	Size        Size
	Env         map[string]string
	Login       Login
	ConnectedAt time.Time
}

// Conn is one interactive connection. Resize delivers window changes
// reported after the initial negotiation, possibly (0,0) from buggy
// clients; the consumer decides what to keep. Done closes when the
// underlying stream is gone.
type Conn interface {
	io.ReadWriteCloser
	Info() Info
	Resize() <-chan Size
	Done() <-chan struct{}
}

// Listener is a protocol endpoint producing interactive connections.
type Listener interface {
	Protocol() string
	Addr() net.Addr
	Accept() (Conn, error)
	Close() error
}

// Handler runs one connection to completion.
type Handler func(Conn)

// Serve accepts from l until it is closed, running h for each connection in
// its own goroutine.
func Serve(l Listener, h Handler) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go h(c)
	}
}

// ErrClosed is the cause recorded when the peer goes away.
var ErrClosed = errors.New("connection closed")

// TransportError is an I/O or negotiation failure contained to one
// connection.
type TransportError struct {
	Protocol string
	Remote   string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s from %s: %v", e.Protocol, e.Op, e.Remote, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func logTransportError(e *TransportError) {
	logger := logging.For(e.Protocol)
	logger.Warn().Err(e).Str("remote", e.Remote).Str("op", e.Op).Msg("transport error")
}

// pushSize replaces any undelivered size in ch with s.
func pushSize(ch chan Size, s Size) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
