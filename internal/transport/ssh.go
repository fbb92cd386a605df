package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/store"
)

// Permission extension keys set during authentication.
const (
	extFlow   = "x84-flow"
	extHandle = "x84-handle"

	flowHandle    = "handle"
	flowAnonymous = "anonymous"
	flowNew       = "new"
)

// Authenticator verifies user credentials.
type Authenticator interface {
	Authenticate(handle, password string) (*store.UserRecord, error)
	AuthenticateKey(handle string, key ssh.PublicKey) (*store.UserRecord, error)
}

// SSHOptions configures an SSH or SFTP listener.
type SSHOptions struct {
	Addr    string
	HostKey ssh.Signer
	Users   Authenticator
	Matrix  config.Matrix
	Guard   *Guard
	Auditor *audit.Auditor
	// AllowAliases permits the anonymous and new-user handles.
	AllowAliases bool
}

// serverConfig builds the ssh.ServerConfig shared by the SSH and SFTP
// listeners. Handles listed in anoncmds or newcmds log in without a
// password and select the matching flow; everyone else needs a password or
// their registered public key.
func serverConfig(proto string, o SSHOptions) *ssh.ServerConfig {
	fail := func(meta ssh.ConnMetadata, reason string) {
		ip := remoteIP(meta.RemoteAddr())
		o.Guard.Failure(ip)
		o.Auditor.Log(audit.Entry{Kind: audit.EventAuthFailure, Handle: meta.User(), Remote: ip, Protocol: proto, Details: reason})
	}
	ok := func(meta ssh.ConnMetadata, rec *store.UserRecord) *ssh.Permissions {
		o.Guard.Success(remoteIP(meta.RemoteAddr()))
		return &ssh.Permissions{Extensions: map[string]string{extFlow: flowHandle, extHandle: rec.Handle}}
	}
	alias := func(meta ssh.ConnMetadata) *ssh.Permissions {
		if !o.AllowAliases {
			return nil
		}
		switch {
		case o.Matrix.EnableAnonymous && o.Matrix.IsAnonymous(meta.User()):
			return &ssh.Permissions{Extensions: map[string]string{extFlow: flowAnonymous}}
		case o.Matrix.AllowNewUsers && o.Matrix.IsNewUser(meta.User()):
			return &ssh.Permissions{Extensions: map[string]string{extFlow: flowNew}}
		}
		return nil
	}

	cfg := &ssh.ServerConfig{
		MaxAuthTries: o.Matrix.LoginAttempts,
		NoClientAuth: true,
		NoClientAuthCallback: func(meta ssh.ConnMetadata) (*ssh.Permissions, error) {
			if p := alias(meta); p != nil {
				return p, nil
			}
			return nil, errors.New("authentication required")
		},
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if p := alias(meta); p != nil {
				return p, nil
			}
			rec, err := o.Users.Authenticate(meta.User(), string(password))
			if err != nil {
				fail(meta, err.Error())
				return nil, err
			}
			return ok(meta, rec), nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			rec, err := o.Users.AuthenticateKey(meta.User(), key)
			if err != nil {
				// Clients offer every key they hold; only count the miss
				// once the user has a key on file.
				var ae *store.AuthError
				if errors.As(err, &ae) && ae.Reason == "public key mismatch" {
					fail(meta, err.Error())
				}
				return nil, err
			}
			return ok(meta, rec), nil
		},
		ServerVersion: "SSH-2.0-x84",
	}
	cfg.AddHostKey(o.HostKey)
	return cfg
}

func loginFrom(perms *ssh.Permissions, user string) Login {
	if perms == nil {
		return Login{}
	}
	switch perms.Extensions[extFlow] {
	case flowAnonymous:
		return Login{Handle: user, Anonymous: true}
	case flowNew:
		return Login{Handle: user, New: true}
	default:
		return Login{Handle: perms.Extensions[extHandle]}
	}
}

// SSHListener accepts interactive SSH sessions.
type SSHListener struct {
	*base
	config *ssh.ServerConfig
}

func ListenSSH(o SSHOptions) (*SSHListener, error) {
	ln, err := net.Listen("tcp", o.Addr)
	if err != nil {
		return nil, err
	}
	o.AllowAliases = true
	l := &SSHListener{
		base:   newBase(ProtoSSH, ln, o.Guard, o.Auditor),
		config: serverConfig(ProtoSSH, o),
	}
	l.log.Info().Str("addr", ln.Addr().String()).
		Str("fingerprint", ssh.FingerprintSHA256(o.HostKey.PublicKey())).Msg("listening")
	go l.serve(l.handshake)
	return l, nil
}

// ptyRequest is the payload of "pty-req" (RFC 4254 6.2).
type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

// windowChange is the payload of "window-change" (RFC 4254 6.7).
type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type envRequest struct {
	Name  string
	Value string
}

func (l *SSHListener) handshake(raw net.Conn) {
	ip := remoteIP(raw.RemoteAddr())
	raw.SetDeadline(time.Now().Add(2 * time.Minute))
	sconn, chans, reqs, err := ssh.NewServerConn(raw, l.config)
	if err != nil {
		logTransportError(&TransportError{Protocol: ProtoSSH, Remote: ip, Op: "handshake", Err: err})
		raw.Close()
		return
	}
	raw.SetDeadline(time.Time{})
	go ssh.DiscardRequests(reqs)

	c := &SSHConn{
		sconn: sconn,
		info: Info{
			Protocol:    ProtoSSH,
			Remote:      ip,
			Env:         map[string]string{},
			Login:       loginFrom(sconn.Permissions, sconn.User()),
			ConnectedAt: time.Now(),
		},
		resize: make(chan Size, 1),
		done:   make(chan struct{}),
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	go func() {
		for nc := range chans {
			if nc.ChannelType() != "session" {
				nc.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			c.mu.Lock()
			taken := c.ch != nil
			c.mu.Unlock()
			if taken {
				nc.Reject(ssh.ResourceShortage, "one session per connection")
				continue
			}
			ch, requests, err := nc.Accept()
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.ch = ch
			c.mu.Unlock()
			go c.handleRequests(requests, func() { readyOnce.Do(func() { close(ready) }) })
		}
		c.Close()
	}()

	select {
	case <-ready:
		l.deliver(c)
	case <-c.done:
	case <-time.After(time.Minute):
		logTransportError(&TransportError{Protocol: ProtoSSH, Remote: ip, Op: "session", Err: errors.New("no shell requested")})
		c.Close()
	}
}

// SSHConn is a Conn over an SSH session channel.
type SSHConn struct {
	sconn *ssh.ServerConn
	ch    ssh.Channel

	mu     sync.Mutex
	info   Info
	shell  bool
	resize chan Size
	done   chan struct{}
	once   sync.Once
}

func (c *SSHConn) handleRequests(requests <-chan *ssh.Request, onShell func()) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				c.malformed(req, err)
				continue
			}
			c.mu.Lock()
			c.info.TermType = strings.ToLower(p.Term)
			c.info.Size = Size{Cols: int(p.Cols), Rows: int(p.Rows)}
			c.mu.Unlock()
			req.Reply(true, nil)

		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err != nil {
				c.malformed(req, err)
				continue
			}
			size := Size{Cols: int(w.Cols), Rows: int(w.Rows)}
			c.mu.Lock()
			if c.shell {
				pushSize(c.resize, size)
			} else {
				c.info.Size = size
			}
			c.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "env":
			var e envRequest
			if err := ssh.Unmarshal(req.Payload, &e); err != nil {
				c.malformed(req, err)
				continue
			}
			c.mu.Lock()
			if len(c.info.Env) < 64 {
				c.info.Env[e.Name] = e.Value
			}
			c.mu.Unlock()
			req.Reply(true, nil)

		case "shell":
			c.mu.Lock()
			already := c.shell
			c.shell = true
			if c.info.TermType == "" {
				c.info.TermType = strings.ToLower(c.info.Env["TERM"])
			}
			c.mu.Unlock()
			req.Reply(!already, nil)
			if !already {
				onShell()
			}

		case "subsystem":
			// File transfer has its own listener.
			req.Reply(false, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (c *SSHConn) malformed(req *ssh.Request, err error) {
	logTransportError(&TransportError{Protocol: ProtoSSH, Remote: c.info.Remote, Op: req.Type, Err: fmt.Errorf("decode payload: %w", err)})
	if req.WantReply {
		req.Reply(false, nil)
	}
}

func (c *SSHConn) Read(p []byte) (int, error) {
	n, err := c.ch.Read(p)
	if err != nil {
		c.Close()
	}
	return n, err
}

func (c *SSHConn) Write(p []byte) (int, error) { return c.ch.Write(p) }

func (c *SSHConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		ch := c.ch
		c.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		err = c.sconn.Close()
	})
	return err
}

func (c *SSHConn) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.Env = make(map[string]string, len(c.info.Env))
	for k, v := range c.info.Env {
		info.Env[k] = v
	}
	return info
}

func (c *SSHConn) Resize() <-chan Size { return c.resize }

func (c *SSHConn) Done() <-chan struct{} { return c.done }
