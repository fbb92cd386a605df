package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/transport"
)

// DefaultShutdownGrace is how long Shutdown lets sessions finish on their
// own before unwinding them.
const DefaultShutdownGrace = 30 * time.Second

// Manager tracks every live session of the server.
type Manager struct {
	opts *Options
	ctx  context.Context
	stop context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(opts *Options) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{opts: opts, ctx: ctx, stop: stop, sessions: make(map[string]*Session)}
	opts.manager = m
	return m
}

// Handle runs a session for conn. It matches transport.Handler.
func (m *Manager) Handle(conn transport.Conn) {
	m.Serve(conn)
}

// Serve runs a session for conn and returns what Session.Run returned.
func (m *Manager) Serve(conn transport.Conn) error {
	s := New(conn, m.opts)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	}
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		m.wg.Done()
	}()
	return s.Run(m.ctx)
}

// Get returns a live session by id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Kill disconnects one session. It reports whether the id was live.
func (m *Manager) Kill(id string) bool {
	s := m.Get(id)
	if s == nil {
		return false
	}
	logger := logging.For("session")
	logger.Info().Str("session", id).Str("handle", logging.Sanitize(s.Handle())).Msg("killed by operator")
	s.Kill(ErrKilled)
	return true
}

// Track registers a non-interactive session, such as a file transfer, in
// the online directory. It satisfies transport.Tracker.
func (m *Manager) Track(info transport.Info, script string) func() {
	id := uuid.New().String()
	now := time.Now()
	err := m.opts.Store.Online.Register(id, store.Snapshot{
		Handle:      info.Login.Handle,
		Script:      script,
		Depth:       1,
		Protocol:    info.Protocol,
		Remote:      info.Remote,
		ConnectedAt: now,
		IdleSince:   now,
	})
	if err != nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(func() { m.opts.Store.Online.Unregister(id) }) }
}

// Shutdown refuses new sessions, waits up to grace for the live ones to
// end and then cancels the rest, which unwinds their stacks.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	logger := logging.For("session")
	m.mu.Lock()
	m.closing = true
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	m.mu.Unlock()

	n := m.Count()
	if n > 0 {
		logger.Info().Int("sessions", n).Dur("grace", grace).Msg("waiting for sessions to end")
		for _, s := range m.List() {
			s.Print("\r\n\r\nThe system is going down. Please finish up.\r\n")
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		m.stop()
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	logger.Warn().Int("sessions", m.Count()).Msg("grace period over, disconnecting sessions")
	m.stop()
	for _, s := range m.List() {
		s.Kill(ErrKilled)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
