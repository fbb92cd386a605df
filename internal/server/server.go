// Package server assembles a running BBS from its configuration: the shared
// store, the script registry, the session manager, one listener per enabled
// section, the message network endpoint and the background jobs.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/msgsync"
	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/scripts"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/transport"
)

// ProtoMsgNet names the message network endpoint in Addr.
const ProtoMsgNet = "msgnet"

// pruneSchedule is how often idle rate limiter entries are dropped.
const pruneSchedule = "@every 10m"

// endpoint is anything bound by Start: the interactive listeners, the SFTP
// listener and the message network HTTP server.
type endpoint interface {
	Addr() net.Addr
	Close() error
}

type Server struct {
	cfg      *config.BBS
	db       *gorm.DB
	store    *store.Store
	auditor  *audit.Auditor
	registry *runtime.Registry
	sessions *session.Manager
	limiter  *transport.RateLimiter
	client   *msgsync.Client

	mu        sync.Mutex
	endpoints map[string]endpoint
	serving   sync.WaitGroup
	scheduler *msgsync.Scheduler
	jobs      *cron.Cron
}

// New builds the server over an open database. Nothing is bound until
// Start.
func New(cfg *config.BBS, db *gorm.DB) (*Server, error) {
	logger := logging.For("server")

	reg := runtime.NewRegistry()
	scripts.Register(reg)
	dir := config.DataFile(cfg.System.ScriptsPath)
	names, err := runtime.LoadLuaDir(reg, dir, scripts.LuaHost)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		logger.Info().Strs("scripts", names).Str("dir", dir).Msg("loaded lua scripts")
	}
	if _, ok := reg.Lookup(cfg.Matrix.Script); !ok {
		return nil, fmt.Errorf("matrix script %q is not registered", cfg.Matrix.Script)
	}

	st := store.New(db, cfg)
	auditor := audit.NewAuditor(db, cfg.System.AuditRetentionDays)
	s := &Server{
		cfg:       cfg,
		db:        db,
		store:     st,
		auditor:   auditor,
		registry:  reg,
		limiter:   transport.NewRateLimiter(transport.RateLimitConfigFrom(cfg.RateLimit)),
		client:    msgsync.NewClient(cfg.MsgNet, st.Messages, db),
		endpoints: make(map[string]endpoint),
	}
	s.sessions = session.NewManager(&session.Options{
		Config:      cfg,
		Store:       st,
		Registry:    reg,
		Auditor:     auditor,
		Termcap:     termcap.OptionsFrom(cfg.Session),
		IdleTimeout: config.Duration(cfg.Session.IdleTimeout, 30*time.Minute),
		MaxDepth:    cfg.Session.MaxStackDepth,
	})
	return s, nil
}

func (s *Server) Store() *store.Store { return s.store }

func (s *Server) Sessions() *session.Manager { return s.sessions }

// Addr returns the bound address of a protocol endpoint, or nil when that
// section is disabled.
func (s *Server) Addr(proto string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[proto]; ok {
		return e.Addr()
	}
	return nil
}

// Start binds every enabled listener and starts the background jobs. A
// bind failure closes whatever was already bound and is returned; the
// caller treats it as fatal.
func (s *Server) Start() error {
	logger := logging.For("server")

	if err := s.bindAll(); err != nil {
		s.closeEndpoints()
		return err
	}
	s.mu.Lock()
	n := len(s.endpoints)
	s.mu.Unlock()
	if n == 0 {
		logger.Warn().Msg("no listener is enabled; set enabled = true in a listener section")
	}

	if err := s.startJobs(); err != nil {
		s.closeEndpoints()
		return err
	}
	return nil
}

func (s *Server) bindAll() error {
	cfg := s.cfg
	if cfg.Telnet.Enabled {
		guard, err := s.guard(cfg.Telnet)
		if err != nil {
			return err
		}
		l, err := transport.ListenTelnet(cfg.Telnet.Address(), guard, s.auditor,
			config.Duration(cfg.Session.NegotiateTimeout, transport.DefaultNegotiateTimeout))
		if err != nil {
			return bindError(transport.ProtoTelnet, cfg.Telnet, err)
		}
		s.serve(transport.ProtoTelnet, l)
	}

	if cfg.SSH.Enabled || cfg.SFTP.Enabled {
		key, err := transport.LoadOrCreateHostKey(config.DataFile(cfg.SSH.HostKey), cfg.SSH.HostKeyType, cfg.SSH.HostKeyBits)
		if err != nil {
			return fmt.Errorf("ssh host key: %w", err)
		}
		if cfg.SSH.Enabled {
			guard, err := s.guard(cfg.SSH.Listener)
			if err != nil {
				return err
			}
			l, err := transport.ListenSSH(s.sshOptions(cfg.SSH.Listener, key, guard))
			if err != nil {
				return bindError(transport.ProtoSSH, cfg.SSH.Listener, err)
			}
			s.serve(transport.ProtoSSH, l)
		}
		if cfg.SFTP.Enabled {
			guard, err := s.guard(cfg.SFTP.Listener)
			if err != nil {
				return err
			}
			l, err := transport.ListenSFTP(transport.SFTPOptions{
				SSHOptions: s.sshOptions(cfg.SFTP.Listener, key, guard),
				Root:       config.DataFile(cfg.System.FilesPath),
				Uploads:    cfg.SFTP.Uploads,
				Tracker:    s.sessions,
			})
			if err != nil {
				return bindError(transport.ProtoSFTP, cfg.SFTP.Listener, err)
			}
			s.add(transport.ProtoSFTP, l)
		}
	}

	if cfg.Web.Listener.Enabled {
		guard, err := s.guard(cfg.Web.Listener)
		if err != nil {
			return err
		}
		var tlsConfig *tls.Config
		if cfg.Web.TLS.Enabled() {
			if tlsConfig, err = cfg.Web.TLS.ServerConfig(); err != nil {
				return fmt.Errorf("web tls: %w", err)
			}
		}
		l, err := transport.ListenWeb(transport.WebOptions{
			Addr:    cfg.Web.Listener.Address(),
			Path:    cfg.Web.Path,
			TLS:     tlsConfig,
			Guard:   guard,
			Auditor: s.auditor,
		})
		if err != nil {
			return bindError(transport.ProtoWeb, cfg.Web.Listener, err)
		}
		s.serve(transport.ProtoWeb, l)
	}

	if cfg.MsgNet.Listener.Enabled {
		e, err := s.listenMsgNet()
		if err != nil {
			return err
		}
		s.add(ProtoMsgNet, e)
	}
	return nil
}

func bindError(proto string, l config.Listener, err error) error {
	return fmt.Errorf("%s listener on %s: %w", proto, l.Address(), err)
}

func (s *Server) guard(l config.Listener) (*transport.Guard, error) {
	g, err := transport.NewGuard(l.AllowedIPs, s.limiter)
	if err != nil {
		return nil, fmt.Errorf("allowed_ips %q: %w", l.AllowedIPs, err)
	}
	return g, nil
}

func (s *Server) sshOptions(l config.Listener, key ssh.Signer, guard *transport.Guard) transport.SSHOptions {
	return transport.SSHOptions{
		Addr:    l.Address(),
		HostKey: key,
		Users:   s.store.Users,
		Matrix:  s.cfg.Matrix,
		Guard:   guard,
		Auditor: s.auditor,
	}
}

func (s *Server) add(proto string, e endpoint) {
	s.mu.Lock()
	s.endpoints[proto] = e
	s.mu.Unlock()
}

// serve registers an interactive listener and hands its connections to
// the session manager.
func (s *Server) serve(proto string, l transport.Listener) {
	s.add(proto, l)
	s.serving.Add(1)
	go func() {
		defer s.serving.Done()
		if err := transport.Serve(l, s.sessions.Handle); err != nil {
			logger := logging.For("server")
			logger.Error().Err(err).Str("protocol", proto).Msg("accept loop stopped")
		}
	}()
}

// msgnetEndpoint is the HTTP server of the message network.
type msgnetEndpoint struct {
	ln  net.Listener
	srv *http.Server
}

func (e *msgnetEndpoint) Addr() net.Addr { return e.ln.Addr() }

func (e *msgnetEndpoint) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}

func (s *Server) listenMsgNet() (*msgnetEndpoint, error) {
	l := s.cfg.MsgNet.Listener
	ln, err := net.Listen("tcp", l.Address())
	if err != nil {
		return nil, bindError(ProtoMsgNet, l, err)
	}
	if s.cfg.MsgNet.TLS.Enabled() {
		tlsConfig, err := s.cfg.MsgNet.TLS.ServerConfig()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("msgnet tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	e := &msgnetEndpoint{
		ln: ln,
		srv: &http.Server{
			Handler:           msgsync.NewServer(s.cfg.MsgNet, s.store.Messages).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	logger := logging.For("msgsync")
	logger.Info().Str("addr", ln.Addr().String()).Str("node", s.cfg.MsgNet.Node).Msg("listening")
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("msgnet server stopped")
		}
	}()
	return e, nil
}

// startJobs schedules the message network exchange, audit retention and
// rate limiter pruning.
func (s *Server) startJobs() error {
	logger := logging.For("server")

	if len(s.client.Peers()) > 0 {
		sched, err := msgsync.NewScheduler(s.cfg.MsgNet.Schedule, s.client,
			config.Duration(s.cfg.MsgNet.Timeout, 30*time.Second))
		if err != nil {
			return err
		}
		s.scheduler = sched
		sched.Start()
		logger.Info().Int("peers", len(s.client.Peers())).Str("schedule", s.cfg.MsgNet.Schedule).Msg("message network sync scheduled")
	}

	cronLog := logging.CronLogger{Module: "maintenance"}
	jobs := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := jobs.AddFunc(s.cfg.System.Maintenance, s.maintain); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.System.Maintenance, err)
	}
	if _, err := jobs.AddFunc(pruneSchedule, s.limiter.Prune); err != nil {
		return err
	}
	s.jobs = jobs
	jobs.Start()
	return nil
}

// maintain purges audit events past their retention.
func (s *Server) maintain() {
	if _, err := s.auditor.PurgeOlderThan(s.auditor.RetentionDays()); err != nil {
		logger := logging.For("maintenance")
		logger.Error().Err(err).Msg("audit purge failed")
	}
}

func (s *Server) closeEndpoints() {
	logger := logging.For("server")
	s.mu.Lock()
	endpoints := s.endpoints
	s.endpoints = make(map[string]endpoint)
	s.mu.Unlock()
	for proto, e := range endpoints {
		if err := e.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn().Err(err).Str("protocol", proto).Msg("close listener")
		}
	}
}

// Shutdown stops accepting, stops the background jobs, then gives live
// sessions the configured grace before unwinding them.
func (s *Server) Shutdown(ctx context.Context) {
	logger := logging.For("server")
	logger.Info().Msg("shutting down")

	s.closeEndpoints()
	s.serving.Wait()

	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
	}
	if s.jobs != nil {
		select {
		case <-s.jobs.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.sessions.Shutdown(ctx, config.Duration(s.cfg.System.ShutdownGrace, session.DefaultShutdownGrace))
	logger.Info().Msg("server stopped")
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	grace := config.Duration(s.cfg.System.ShutdownGrace, session.DefaultShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return nil
}
