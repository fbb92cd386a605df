// Package session runs one connection: it owns the transport, the
// capability context and the continuation stack, keeps the online
// directory entry current and ends everything when the connection goes
// away, the caller idles out or an operator kills it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/transport"
)

var (
	ErrIdle   = errors.New("idle timeout")
	ErrKilled = errors.New("disconnected by sysop")

	ErrShuttingDown = errors.New("server shutting down")

	// ErrTimeout is returned by ReadRune when its timeout expires.
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string { return "input timeout" }

func (timeoutError) Timeout() bool { return true }

// Options are shared by every session of a server.
type Options struct {
	Config   *config.BBS
	Store    *store.Store
	Registry *runtime.Registry
	Auditor  *audit.Auditor
	Termcap  termcap.Options

	IdleTimeout time.Duration
	MaxDepth    int

	// manager is set by NewManager so scripts can disconnect other callers.
	manager *Manager
}

type Session struct {
	ID      string
	Started time.Time

	conn transport.Conn
	info transport.Info
	opts *Options
	term *termcap.Context

	ctx    context.Context
	cancel context.CancelCauseFunc

	input   chan rune
	resized chan struct{}
	// lastInput is unix nanoseconds.
	lastInput atomic.Int64
	writeMu   sync.Mutex

	mu     sync.RWMutex
	handle string
}

// New prepares a session for conn. Nothing runs until Run.
func New(conn transport.Conn, opts *Options) *Session {
	info := conn.Info()
	s := &Session{
		ID:      uuid.New().String(),
		Started: time.Now(),
		conn:    conn,
		info:    info,
		opts:    opts,
		term:    termcap.New(opts.Termcap, info.TermType, info.Size.Cols, info.Size.Rows),
		input:   make(chan rune, 256),
		resized: make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.lastInput.Store(s.Started.UnixNano())
	return s
}

// Run drives the session to completion. The stack is unwound before the
// session leaves the online directory.
func (s *Session) Run(parent context.Context) error {
	logger := logging.For("session").With().Str("session", s.ID).Str("remote", s.info.Remote).Str("protocol", s.info.Protocol).Logger()
	stop := context.AfterFunc(parent, func() { s.cancel(context.Cause(parent)) })
	defer stop()
	defer s.cancel(nil)

	online := s.opts.Store.Online
	if err := online.Register(s.ID, store.Snapshot{
		Protocol:    s.info.Protocol,
		Remote:      s.info.Remote,
		ConnectedAt: s.Started,
		IdleSince:   s.Started,
	}); err != nil {
		s.conn.Close()
		return err
	}
	defer online.Unregister(s.ID)
	defer s.conn.Close()

	logger.Info().Str("term", logging.Sanitize(s.info.TermType)).Str("encoding", s.term.Encoding().Name()).Msg("session started")

	go s.readLoop()
	go s.watchResize()
	go s.watchIdle()
	go func() {
		select {
		case <-s.conn.Done():
			s.cancel(transport.ErrClosed)
		case <-s.ctx.Done():
		}
	}()

	rt := runtime.New(s.opts.Registry, s.opts.MaxDepth, s.observe)
	_, err := rt.Run(WithSession(s.ctx, s), s.opts.Config.Matrix.Script, s.initialArgs())

	cause := context.Cause(s.ctx)
	var sf *runtime.ScriptFailure
	switch {
	case errors.As(err, &sf):
		s.opts.Auditor.Log(audit.Entry{Kind: audit.EventScriptFailure, Handle: s.Handle(), Remote: s.info.Remote,
			Protocol: s.info.Protocol, SessionID: s.ID, Details: sf.Error()})
		if cause == nil {
			s.Print("\r\n\r\nSorry, something went wrong. Goodbye.\r\n")
		}
	case err != nil && cause == nil:
		logger.Warn().Err(err).Msg("session ended with error")
	}

	s.cancel(nil)
	logger.Info().Str("handle", logging.Sanitize(s.Handle())).Dur("duration", time.Since(s.Started)).
		AnErr("cause", context.Cause(s.ctx)).Msg("session ended")
	s.opts.Auditor.Log(audit.Entry{Kind: audit.EventDisconnect, Handle: s.Handle(), Remote: s.info.Remote,
		Protocol: s.info.Protocol, SessionID: s.ID, Details: fmt.Sprint(context.Cause(s.ctx))})
	if sf != nil {
		return sf
	}
	return nil
}

// initialArgs selects the login flow the transport already established.
func (s *Session) initialArgs() runtime.Args {
	login := s.info.Login
	switch {
	case login.Anonymous:
		return runtime.Args{{Name: "anonymous", Value: runtime.Bool(true)}}
	case login.New:
		return runtime.Args{{Name: "new", Value: runtime.Bool(true)}}
	case login.Handle != "":
		return runtime.Args{{Name: "handle", Value: runtime.Handle(login.Handle)}}
	}
	return nil
}

func (s *Session) observe(script string, depth int) {
	s.opts.Store.Online.Modify(s.ID, func(snap *store.Snapshot) {
		snap.Script = script
		snap.Depth = depth
	})
}

// Kill ends the session with cause.
func (s *Session) Kill(cause error) {
	s.cancel(cause)
	s.conn.Close()
}

// Disconnect kills another live session. It reports whether id was found.
func (s *Session) Disconnect(id string) bool {
	if id == s.ID || s.opts.manager == nil {
		return false
	}
	return s.opts.manager.Kill(id)
}

// SetEncoding switches input and output to the named encoding.
func (s *Session) SetEncoding(name string) error {
	enc, err := termcap.LookupEncoding(name, s.opts.Termcap.Substitute)
	if err != nil {
		return err
	}
	s.term.SetEncoding(enc)
	return nil
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Info() transport.Info { return s.info }

func (s *Session) Term() *termcap.Context { return s.term }

func (s *Session) Store() *store.Store { return s.opts.Store }

func (s *Session) Config() *config.BBS { return s.opts.Config }

func (s *Session) Auditor() *audit.Auditor { return s.opts.Auditor }

// Registry is the script registry the session runs from.
func (s *Session) Registry() *runtime.Registry { return s.opts.Registry }

// Handle is the logged-in user, empty before login.
func (s *Session) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// SetHandle records a successful login and publishes it.
func (s *Session) SetHandle(handle string) {
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.opts.Store.Online.Modify(s.ID, func(snap *store.Snapshot) { snap.Handle = handle })
}

// Idle is the time since the last keystroke.
func (s *Session) Idle() time.Duration {
	return time.Since(time.Unix(0, s.lastInput.Load()))
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session a script runs in, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
