package scripts

import (
	"context"
	"errors"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

// AnonymousHandle is shown for anonymous callers.
const AnonymousHandle = "anonymous"

// matrix is the login flow. A transport that already authenticated the
// caller passes handle, anonymous or new and the matching step runs
// without asking.
func matrix(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	cfg := s.Config().Matrix
	l := &loginFlow{s: s}
	if h, ok := f.Args.Handle("handle"); ok {
		return l.login(h)
	}
	if f.Args.Bool("anonymous") {
		if cfg.EnableAnonymous {
			return l.anonymous()
		}
		s.Print("\r\nAnonymous logins are disabled.\r\n")
	}
	if f.Args.Bool("new") {
		if cfg.AllowNewUsers {
			return runtime.Gosub(cfg.NewUserScript, nil, l.afterNewUser)
		}
		s.Print("\r\nNew user accounts are closed.\r\n")
	}
	s.Pipe("\r\n|15" + s.Config().System.Name + "|07\r\n")
	return l.step(ctx, f)
}

type loginFlow struct {
	s        *session.Session
	failures int
}

func (l *loginFlow) step(ctx context.Context, f *runtime.Frame) runtime.Transition {
	s := l.s
	cfg := s.Config().Matrix
	attempts := max(cfg.LoginAttempts, 1)
	for l.failures < attempts {
		handle, err := prompt(s, "\r\n|03handle|08: |07", &ui.LineEditor{Width: store.MaxHandleLength})
		if err != nil {
			return runtime.Fail(err)
		}
		switch {
		case handle == "":
			continue
		case cfg.IsBye(handle):
			s.Print("Goodbye.\r\n")
			return runtime.Return(nil)
		case cfg.IsNewUser(handle):
			if !cfg.AllowNewUsers {
				s.Print("New user accounts are closed.\r\n")
				continue
			}
			return runtime.Gosub(cfg.NewUserScript, nil, l.afterNewUser)
		case cfg.IsAnonymous(handle):
			if !cfg.EnableAnonymous {
				s.Print("Anonymous logins are disabled.\r\n")
				continue
			}
			return l.anonymous()
		}

		password, err := prompt(s, "|03password|08: |07", &ui.LineEditor{Width: 64, Mask: '*'})
		if err != nil {
			return runtime.Fail(err)
		}
		rec, err := s.Store().Users.Authenticate(handle, password)
		if err == nil {
			return l.login(rec.Handle)
		}
		if !errors.Is(err, store.ErrAuth) {
			return runtime.Fail(err)
		}
		l.failures++
		info := s.Info()
		s.Auditor().Log(audit.Entry{Kind: audit.EventAuthFailure, Handle: handle, Remote: info.Remote,
			Protocol: info.Protocol, SessionID: s.ID, Details: "matrix"})
		s.Print("Invalid login.\r\n")
	}
	s.Print("\r\nToo many failed attempts. Goodbye.\r\n")
	return runtime.Return(nil)
}

// afterNewUser receives the handle created by the new user application,
// or an empty string if the caller gave up.
func (l *loginFlow) afterNewUser(ctx context.Context, f *runtime.Frame, result any) runtime.Transition {
	if h, ok := result.(string); ok && h != "" {
		return l.login(h)
	}
	return l.step(ctx, f)
}

func (l *loginFlow) login(handle string) runtime.Transition {
	s := l.s
	info := s.Info()
	rec, err := s.Store().Users.RecordLogin(handle, info.Protocol, info.Remote)
	if err != nil {
		return runtime.Fail(err)
	}
	s.SetHandle(rec.Handle)
	s.Auditor().Log(audit.Entry{Kind: audit.EventLogin, Handle: rec.Handle, Remote: info.Remote,
		Protocol: info.Protocol, SessionID: s.ID})
	logger := logging.For("matrix")
	logger.Info().Str("handle", logging.Sanitize(rec.Handle)).Str("session", s.ID).Int("calls", rec.Calls).Msg("login")

	s.Pipe("\r\n|07Welcome back, |15" + termcap.EscapePipe(rec.Handle) + "|07.\r\n")
	return runtime.Goto(s.Config().Matrix.MainScript, runtime.Args{{Name: "handle", Value: runtime.Handle(rec.Handle)}})
}

func (l *loginFlow) anonymous() runtime.Transition {
	s := l.s
	s.SetHandle(AnonymousHandle)
	info := s.Info()
	s.Auditor().Log(audit.Entry{Kind: audit.EventLogin, Handle: AnonymousHandle, Remote: info.Remote,
		Protocol: info.Protocol, SessionID: s.ID, Details: "anonymous"})
	return runtime.Goto(s.Config().Matrix.MainScript, runtime.Args{{Name: "anonymous", Value: runtime.Bool(true)}})
}
