package scripts

import (
	"context"
	"fmt"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/ui"
)

// newUser collects a handle and password and creates the account. It
// returns the new handle, or "" when the caller escapes.
func newUser(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	cfg := s.Config().Matrix
	users := s.Store().Users
	s.Pipe("\r\n|11New user application|07\r\n|08Press escape at any prompt to cancel.|07\r\n")

	for {
		handle, err := prompt(s, "\r\n|03handle|08: |07", &ui.LineEditor{Width: store.MaxHandleLength})
		if err != nil {
			return runtime.Fail(err)
		}
		if handle == "" {
			return runtime.Return("")
		}
		if err := store.ValidateHandle(handle); err != nil {
			s.Printf("Invalid handle: %v\r\n", err)
			continue
		}
		if cfg.IsAnonymous(handle) || cfg.IsNewUser(handle) || cfg.IsBye(handle) {
			s.Print("That handle is reserved.\r\n")
			continue
		}
		if users.Exists(handle) {
			s.Print("That handle is taken.\r\n")
			continue
		}

		password, err := prompt(s, "|03password|08: |07", &ui.LineEditor{Width: 64, Mask: '*'})
		if err != nil {
			return runtime.Fail(err)
		}
		if len([]rune(password)) < store.MinPasswordLength {
			s.Printf("Passwords need at least %d characters.\r\n", store.MinPasswordLength)
			continue
		}
		again, err := prompt(s, "|03again|08: |07", &ui.LineEditor{Width: 64, Mask: '*'})
		if err != nil {
			return runtime.Fail(err)
		}
		if again != password {
			s.Print("Passwords do not match.\r\n")
			continue
		}
		location, err := prompt(s, "|03location|08: |07", &ui.LineEditor{Width: 40})
		if err != nil {
			return runtime.Fail(err)
		}
		email, err := prompt(s, "|03e-mail|08: |07", &ui.LineEditor{Width: 60})
		if err != nil {
			return runtime.Fail(err)
		}

		ok, err := confirm(s, fmt.Sprintf("|07Create account |15%s|07?", handle))
		if err != nil {
			return runtime.Fail(err)
		}
		if !ok {
			return runtime.Return("")
		}
		rec, err := users.Create(handle, password)
		if store.IsConflict(err) {
			s.Print("That handle was just taken.\r\n")
			continue
		}
		if err != nil {
			return runtime.Fail(err)
		}
		if err := users.UpdateProfile(rec.Handle, store.Profile{Location: &location, Email: &email}); err != nil {
			return runtime.Fail(err)
		}
		return runtime.Return(rec.Handle)
	}
}
