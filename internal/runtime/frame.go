package runtime

import "github.com/tehmaze/x84/internal/logging"

// Frame is one activation of a script.
type Frame struct {
	Script string
	Args   Args
	Depth  int

	// then is the pending-return slot: where the value of a script this
	// frame called is delivered.
	then     Continuation
	releases []func()
}

// Defer registers fn to run when the frame leaves the stack, whether it
// returns, is replaced or is unwound. Releases run last-in first-out.
func (f *Frame) Defer(fn func()) {
	f.releases = append(f.releases, fn)
}

func (f *Frame) release() {
	for i := len(f.releases) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger := logging.For("runtime")
					logger.Error().Str("script", f.Script).Interface("panic", p).Msg("release panicked")
				}
			}()
			f.releases[i]()
		}()
	}
	f.releases = nil
}
