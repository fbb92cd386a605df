package door

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/termcap"
)

// pollInterval bounds how long the input pump blocks before rechecking
// whether the door has exited.
const pollInterval = 100 * time.Millisecond

// Terminal is the caller side of a door.
type Terminal interface {
	ReadRune(timeout time.Duration) (rune, error)
	Print(s string) error
}

// Runner starts one door program on a pty.
type Runner struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Encoding is the character set the door speaks; nil means UTF-8.
	Encoding *termcap.Encoding
	Cols     int
	Rows     int
	// Resized fires when the caller's window changes; Size reports it.
	Resized <-chan struct{}
	Size    func() (cols, rows int)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Run relays between t and the door until the program exits or ctx ends.
// It returns the wall-clock time the door ran.
func (r *Runner) Run(ctx context.Context, t Terminal) (time.Duration, error) {
	logger := logging.For("door").With().Str("door", r.Name).Logger()
	enc := r.Encoding
	if enc == nil {
		enc, _ = termcap.LookupEncoding(termcap.UTF8, '?')
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)

	started := time.Now()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(r.Cols), Rows: uint16(r.Rows)})
	if err != nil {
		return 0, fmt.Errorf("start door %s: %w", r.Name, err)
	}
	defer ptmx.Close()
	logger.Info().Int("pid", cmd.Process.Pid).Msg("door started")

	exited := make(chan struct{})
	var wg sync.WaitGroup

	// pty -> caller
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		dec := enc.NewDecoder()
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				if perr := t.Print(string(dec.Feed(buf[:n]))); perr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// caller -> pty
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-exited:
				return
			default:
			}
			ch, err := t.ReadRune(pollInterval)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				cmd.Process.Kill()
				return
			}
			if _, err := ptmx.Write(enc.Encode(string(ch))); err != nil {
				return
			}
		}
	}()

	if r.Resized != nil && r.Size != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-exited:
					return
				case <-r.Resized:
					cols, rows := r.Size()
					if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
						logger.Warn().Err(err).Msg("resize failed")
					}
				}
			}
		}()
	}

	waitErr := cmd.Wait()
	close(exited)
	select {
	case <-outDone:
	case <-time.After(time.Second):
	}
	ptmx.Close()
	wg.Wait()

	elapsed := time.Since(started)
	logger.Info().Dur("elapsed", elapsed).AnErr("exit", waitErr).Msg("door finished")
	if ctx.Err() != nil {
		return elapsed, ctx.Err()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return elapsed, fmt.Errorf("door %s: %w", r.Name, waitErr)
	}
	return elapsed, nil
}
