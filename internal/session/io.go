package session

import (
	"context"
	"fmt"
	"time"

	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/transport"
)

// idleRefresh limits how often keystrokes touch the online directory.
const idleRefresh = time.Second

func (s *Session) readLoop() {
	enc := s.term.Encoding()
	dec := enc.NewDecoder()
	buf := make([]byte, 1024)
	var published time.Time
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if cur := s.term.Encoding(); cur != enc {
				enc, dec = cur, cur.NewDecoder()
			}
			now := time.Now()
			s.lastInput.Store(now.UnixNano())
			if now.Sub(published) >= idleRefresh {
				published = now
				s.opts.Store.Online.Modify(s.ID, func(snap *store.Snapshot) { snap.IdleSince = now })
			}
			for _, r := range dec.Feed(buf[:n]) {
				select {
				case s.input <- r:
				case <-s.ctx.Done():
					return
				}
			}
		}
		if err != nil {
			s.cancel(fmt.Errorf("%w: %v", transport.ErrClosed, err))
			return
		}
	}
}

func (s *Session) watchResize() {
	for {
		select {
		case size := <-s.conn.Resize():
			if s.term.Resize(size.Cols, size.Rows) {
				select {
				case s.resized <- struct{}{}:
				default:
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) watchIdle() {
	limit := s.opts.IdleTimeout
	if limit <= 0 {
		return
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			idle := s.Idle()
			if idle < limit {
				timer.Reset(limit - idle)
				continue
			}
			logger := logging.For("session")
			logger.Info().Str("session", s.ID).Dur("idle", idle).Msg("idle timeout")
			s.Print("\r\n\r\nIdle timeout exceeded. Goodbye.\r\n")
			s.cancel(ErrIdle)
			s.conn.Close()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Resized fires after the window size changed.
func (s *Session) Resized() <-chan struct{} { return s.resized }

// ReadRune waits for the next input character. A zero timeout waits until
// the session ends.
func (s *Session) ReadRune(timeout time.Duration) (rune, error) {
	select {
	case r := <-s.input:
		return r, nil
	default:
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-s.input:
		return r, nil
	case <-expired:
		return 0, ErrTimeout
	case <-s.ctx.Done():
		return 0, context.Cause(s.ctx)
	}
}

// Write sends raw bytes.
func (s *Session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.conn.Write(p)
	if err != nil {
		s.cancel(fmt.Errorf("%w: %v", transport.ErrClosed, err))
	}
	return n, err
}

// Print encodes text for the terminal.
func (s *Session) Print(text string) error {
	_, err := s.Write(s.term.Encoding().Encode(text))
	return err
}

func (s *Session) Printf(format string, args ...any) error {
	return s.Print(fmt.Sprintf(format, args...))
}

// Pipe expands pipe codes and prints the result.
func (s *Session) Pipe(text string) error {
	return s.Print(termcap.DecodePipe(text, s.term.Caps()))
}
