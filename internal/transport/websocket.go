package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/tehmaze/x84/internal/audit"
)

// webControlMsg is a text frame from the browser terminal. Binary frames
// carry keyboard input.
type webControlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Term string `json:"term"`
}

// WebOptions configures the websocket listener.
type WebOptions struct {
	Addr           string
	Path           string
	TLS            *tls.Config
	OriginPatterns []string
	Guard          *Guard
	Auditor        *audit.Auditor
}

// WebListener serves a terminal over websocket.
type WebListener struct {
	*base
	srv *http.Server
}

func ListenWeb(o WebOptions) (*WebListener, error) {
	ln, err := net.Listen("tcp", o.Addr)
	if err != nil {
		return nil, err
	}
	if o.TLS != nil {
		ln = tls.NewListener(ln, o.TLS)
	}
	if o.Path == "" {
		o.Path = "/ws"
	}

	l := &WebListener{base: newBase(ProtoWeb, ln, o.Guard, o.Auditor)}
	r := chi.NewRouter()
	r.Get(o.Path, l.handle(o.OriginPatterns))
	l.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	l.log.Info().Str("addr", ln.Addr().String()).Str("path", o.Path).Bool("tls", o.TLS != nil).Msg("listening")
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			l.log.Error().Err(err).Msg("http serve failed")
		}
	}()
	return l, nil
}

func (l *WebListener) Close() error {
	err := l.base.Close()
	l.srv.Close()
	return err
}

func (l *WebListener) handle(origins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(addrString(r.RemoteAddr))
		if err := l.guard.Admit(ip); err != nil {
			l.log.Warn().Err(err).Str("remote", ip).Msg("connection refused")
			l.auditor.Log(audit.Entry{Kind: audit.EventBlocked, Remote: ip, Protocol: ProtoWeb, Details: err.Error()})
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			logTransportError(&TransportError{Protocol: ProtoWeb, Remote: ip, Op: "upgrade", Err: err})
			return
		}
		l.auditor.Log(audit.Entry{Kind: audit.EventConnect, Remote: ip, Protocol: ProtoWeb})
		ws.SetReadLimit(64 * 1024)

		q := r.URL.Query()
		c := newWebConn(ws, Info{
			Protocol:    ProtoWeb,
			Remote:      ip,
			TermType:    strings.ToLower(q.Get("term")),
			Size:        Size{Cols: atoi(q.Get("cols")), Rows: atoi(q.Get("rows"))},
			Env:         map[string]string{},
			ConnectedAt: time.Now(),
		})
		go c.readLoop()
		if !l.deliver(c) {
			return
		}
		// The HTTP handler owns the hijacked connection; hold it until the
		// session is finished with it.
		<-c.Done()
	}
}

// WebConn is a Conn over a websocket.
type WebConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	info   Info
	buf    []byte
	data   chan []byte
	resize chan Size
	once   sync.Once
}

func newWebConn(ws *websocket.Conn, info Info) *WebConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebConn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		info:   info,
		data:   make(chan []byte, 16),
		resize: make(chan Size, 1),
	}
}

func (c *WebConn) readLoop() {
	defer c.Close()
	for {
		typ, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logTransportError(&TransportError{Protocol: ProtoWeb, Remote: c.info.Remote, Op: "read", Err: err})
			}
			return
		}
		if typ == websocket.MessageBinary {
			select {
			case c.data <- msg:
			case <-c.ctx.Done():
				return
			}
			continue
		}

		var m webControlMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			logTransportError(&TransportError{Protocol: ProtoWeb, Remote: c.info.Remote, Op: "control", Err: err})
			continue
		}
		switch m.Type {
		case "resize":
			pushSize(c.resize, Size{Cols: m.Cols, Rows: m.Rows})
		case "term":
			c.mu.Lock()
			c.info.TermType = strings.ToLower(m.Term)
			c.mu.Unlock()
		}
	}
}

func (c *WebConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		select {
		case b := <-c.data:
			c.buf = b
		case <-c.ctx.Done():
			return 0, net.ErrClosed
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *WebConn) Write(p []byte) (int, error) {
	if err := c.ws.Write(c.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WebConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *WebConn) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.Env = make(map[string]string, len(c.info.Env))
	for k, v := range c.info.Env {
		info.Env[k] = v
	}
	return info
}

func (c *WebConn) Resize() <-chan Size { return c.resize }

func (c *WebConn) Done() <-chan struct{} { return c.ctx.Done() }

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }
