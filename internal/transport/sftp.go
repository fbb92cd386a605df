package transport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tehmaze/x84/internal/logging"
)

// Tracker is told about non-interactive sessions (file transfer) so they
// appear in the online directory for their lifetime.
type Tracker interface {
	Track(info Info, script string) (release func())
}

// SFTPOptions extends SSHOptions with the file area.
type SFTPOptions struct {
	SSHOptions
	Root    string // files directory
	Uploads string // per-user writable area below Root
	Tracker Tracker
}

// SFTPListener serves the files directory over SFTP. Registered users may
// write below <uploads>/<handle>; anonymous callers may only read.
type SFTPListener struct {
	ln     net.Listener
	config *ssh.ServerConfig
	opts   SFTPOptions
	root   string
	log    zerolog.Logger
	acc    *base
}

func ListenSFTP(o SFTPOptions) (*SFTPListener, error) {
	root, err := filepath.Abs(o.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create files directory: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, err
	}
	if o.Uploads == "" {
		o.Uploads = "uploads"
	}

	ln, err := net.Listen("tcp", o.Addr)
	if err != nil {
		return nil, err
	}
	o.AllowAliases = true
	l := &SFTPListener{
		ln:     ln,
		config: serverConfig(ProtoSFTP, o.SSHOptions),
		opts:   o,
		root:   root,
		log:    logging.For(ProtoSFTP),
		acc:    newBase(ProtoSFTP, ln, o.Guard, o.Auditor),
	}
	l.log.Info().Str("addr", ln.Addr().String()).Str("root", root).Msg("listening")
	go l.acc.serve(l.handshake)
	return l, nil
}

func (l *SFTPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *SFTPListener) Close() error { return l.acc.Close() }

func (l *SFTPListener) handshake(raw net.Conn) {
	ip := remoteIP(raw.RemoteAddr())
	raw.SetDeadline(time.Now().Add(2 * time.Minute))
	sconn, chans, reqs, err := ssh.NewServerConn(raw, l.config)
	if err != nil {
		logTransportError(&TransportError{Protocol: ProtoSFTP, Remote: ip, Op: "handshake", Err: err})
		raw.Close()
		return
	}
	raw.SetDeadline(time.Time{})
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	login := loginFrom(sconn.Permissions, sconn.User())
	if login.New {
		logTransportError(&TransportError{Protocol: ProtoSFTP, Remote: ip, Op: "login", Err: errors.New("new-user flow has no file access")})
		return
	}

	info := Info{Protocol: ProtoSFTP, Remote: ip, Login: login, ConnectedAt: time.Now()}
	if l.opts.Tracker != nil {
		release := l.opts.Tracker.Track(info, "sftp")
		defer release()
	}

	fsys := &sftpFS{
		root:     l.root,
		uploads:  path.Join("/", filepath.ToSlash(l.opts.Uploads)),
		handle:   login.Handle,
		readOnly: login.Anonymous,
		log:      l.log.With().Str("remote", ip).Str("handle", logging.Sanitize(login.Handle)).Logger(),
	}
	if !fsys.readOnly {
		if err := os.MkdirAll(fsys.real(fsys.home()), 0755); err != nil {
			l.log.Error().Err(err).Msg("create upload directory")
		}
	}

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go l.session(ch, requests, fsys)
	}
}

func (l *SFTPListener) session(ch ssh.Channel, requests <-chan *ssh.Request, fsys *sftpFS) {
	defer ch.Close()
	for req := range requests {
		var sub struct{ Name string }
		if req.Type != "subsystem" || ssh.Unmarshal(req.Payload, &sub) != nil || sub.Name != "sftp" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		req.Reply(true, nil)
		go ssh.DiscardRequests(requests)

		srv := sftp.NewRequestServer(ch, fsys.handlers())
		if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
			fsys.log.Debug().Err(err).Msg("sftp session ended")
		}
		srv.Close()
		return
	}
}

// sftpFS maps virtual SFTP paths onto the files directory. Every path is
// cleaned against "/" and re-checked after symlink resolution, so no
// request can reach outside root.
type sftpFS struct {
	root     string
	uploads  string
	handle   string
	readOnly bool
	log      zerolog.Logger
}

func (f *sftpFS) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: f, FilePut: f, FileCmd: f, FileList: f}
}

func (f *sftpFS) home() string {
	return path.Join(f.uploads, f.handle)
}

func (f *sftpFS) real(virtual string) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+virtual)))
}

// resolve returns the host path for virtual, refusing anything that
// resolves outside root.
func (f *sftpFS) resolve(virtual string) (string, error) {
	full := f.real(virtual)
	existing := full
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			full = filepath.Join(append([]string{resolved}, rest...)...)
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", sftp.ErrSSHFxPermissionDenied
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", sftp.ErrSSHFxNoSuchFile
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		f.log.Warn().Str("path", logging.Sanitize(virtual)).Msg("path escapes files root")
		return "", sftp.ErrSSHFxPermissionDenied
	}
	return full, nil
}

// writable reports whether virtual lies inside the caller's upload area.
func (f *sftpFS) writable(virtual string) bool {
	if f.readOnly || f.handle == "" {
		return false
	}
	clean := path.Clean("/" + virtual)
	home := f.home()
	return clean == home || strings.HasPrefix(clean, home+"/")
}

func (f *sftpFS) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	p, err := f.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, mapErr(err)
	}
	return file, nil
}

func (f *sftpFS) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if !f.writable(r.Filepath) {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	p, err := f.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, mapErr(err)
	}
	f.log.Info().Str("path", logging.Sanitize(r.Filepath)).Msg("upload")
	return file, nil
}

func (f *sftpFS) Filecmd(r *sftp.Request) error {
	if !f.writable(r.Filepath) {
		return sftp.ErrSSHFxPermissionDenied
	}
	p, err := f.resolve(r.Filepath)
	if err != nil {
		return err
	}
	switch r.Method {
	case "Setstat":
		return nil
	case "Mkdir":
		return mapErr(os.Mkdir(p, 0755))
	case "Remove":
		return mapErr(os.Remove(p))
	case "Rmdir":
		if path.Clean("/"+r.Filepath) == f.home() {
			return sftp.ErrSSHFxPermissionDenied
		}
		return mapErr(os.Remove(p))
	case "Rename":
		if !f.writable(r.Target) {
			return sftp.ErrSSHFxPermissionDenied
		}
		target, err := f.resolve(r.Target)
		if err != nil {
			return err
		}
		return mapErr(os.Rename(p, target))
	}
	return sftp.ErrSSHFxOpUnsupported
}

func (f *sftpFS) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	p, err := f.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	switch r.Method {
	case "List":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, mapErr(err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				infos = append(infos, info)
			}
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
		return listerAt(infos), nil
	case "Stat":
		info, err := os.Stat(p)
		if err != nil {
			return nil, mapErr(err)
		}
		return listerAt{info}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(out []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(out, l[offset:])
	if n+int(offset) >= len(l) {
		return n, io.EOF
	}
	return n, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrExist):
		return sftp.ErrSSHFxPermissionDenied
	}
	return sftp.ErrSSHFxFailure
}
