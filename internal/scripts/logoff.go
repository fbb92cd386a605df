package scripts

import (
	"context"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/termcap"
)

// logoff confirms and ends the session by emptying the stack. Declining
// returns to the main menu with the same arguments.
func logoff(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	ok, err := confirm(s, "|07Log off now?")
	if err != nil {
		return runtime.Fail(err)
	}
	if !ok {
		return runtime.Goto(s.Config().Matrix.MainScript, f.Args)
	}
	s.Pipe("\r\n|07Goodbye, |15" + termcap.EscapePipe(s.Handle()) + "|07. Call again soon.\r\n")
	return runtime.Return(nil)
}
