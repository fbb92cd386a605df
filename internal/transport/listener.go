package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/logging"
)

// base runs a raw TCP accept loop and hands connections that finish their
// handshake to Accept through a channel, so one slow handshake never
// blocks the loop.
type base struct {
	proto   string
	ln      net.Listener
	guard   *Guard
	auditor *audit.Auditor
	log     zerolog.Logger

	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newBase(proto string, ln net.Listener, guard *Guard, auditor *audit.Auditor) *base {
	return &base{
		proto:   proto,
		ln:      ln,
		guard:   guard,
		auditor: auditor,
		log:     logging.For(proto),
		conns:   make(chan Conn),
		closed:  make(chan struct{}),
	}
}

func (b *base) Protocol() string { return b.proto }

func (b *base) Addr() net.Addr { return b.ln.Addr() }

func (b *base) Accept() (Conn, error) {
	select {
	case c := <-b.conns:
		return c, nil
	case <-b.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting and waits for in-flight handshakes.
func (b *base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.ln.Close()
	})
	b.wg.Wait()
	return err
}

// deliver passes c to Accept, or closes it if the listener is closing.
func (b *base) deliver(c Conn) bool {
	select {
	case b.conns <- c:
		return true
	case <-b.closed:
		c.Close()
		return false
	}
}

// serve accepts raw connections until the listener closes, checks them
// against the guard and runs handshake for each in its own goroutine.
func (b *base) serve(handshake func(net.Conn)) {
	var delay time.Duration
	for {
		raw, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				b.log.Warn().Err(err).Dur("retry", delay).Msg("accept error")
				time.Sleep(delay)
				continue
			}
			b.log.Error().Err(err).Msg("accept failed")
			return
		}
		delay = 0

		ip := remoteIP(raw.RemoteAddr())
		if err := b.guard.Admit(ip); err != nil {
			b.log.Warn().Err(err).Str("remote", ip).Msg("connection refused")
			b.auditor.Log(audit.Entry{Kind: audit.EventBlocked, Remote: ip, Protocol: b.proto, Details: err.Error()})
			raw.Close()
			continue
		}
		b.auditor.Log(audit.Entry{Kind: audit.EventConnect, Remote: ip, Protocol: b.proto})

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			handshake(raw)
		}()
	}
}
