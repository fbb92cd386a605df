package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// BBS is the sectioned configuration file. Every listener section carries an
// explicit Enabled flag; a missing section leaves its service disabled.
type BBS struct {
	System    System          `mapstructure:"system" toml:"system"`
	Session   Session         `mapstructure:"session" toml:"session"`
	Matrix    Matrix          `mapstructure:"matrix" toml:"matrix"`
	Telnet    Listener        `mapstructure:"telnet" toml:"telnet"`
	SSH       SSH             `mapstructure:"ssh" toml:"ssh"`
	SFTP      SFTP            `mapstructure:"sftp" toml:"sftp"`
	Web       Web             `mapstructure:"web" toml:"web"`
	RateLimit RateLimit       `mapstructure:"ratelimit" toml:"ratelimit"`
	Msg       Messages        `mapstructure:"msg" toml:"msg"`
	MsgNet    MsgNet          `mapstructure:"msgnet" toml:"msgnet"`
	Doors     map[string]Door `mapstructure:"doors" toml:"doors"`
}

type System struct {
	Name         string `mapstructure:"name" toml:"name"`
	Sysop        string `mapstructure:"sysop" toml:"sysop"`
	DatabasePath string `mapstructure:"database" toml:"database"`
	ScriptsPath  string `mapstructure:"scripts" toml:"scripts"`
	FilesPath    string `mapstructure:"files" toml:"files"`
	DropfilePath string `mapstructure:"dropfiles" toml:"dropfiles"`
	BcryptCost   int    `mapstructure:"bcrypt_cost" toml:"bcrypt_cost"`
	// LastCallers bounds the last-caller log.
	LastCallers        int    `mapstructure:"last_callers" toml:"last_callers"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days" toml:"audit_retention_days"`
	Maintenance        string `mapstructure:"maintenance" toml:"maintenance"`
	ShutdownGrace      string `mapstructure:"shutdown_grace" toml:"shutdown_grace"`
}

type Session struct {
	DefaultEncoding string `mapstructure:"default_encoding" toml:"default_encoding"`
	// TermEncodings maps a terminal type prefix to the code page it needs.
	TermEncodings map[string]string `mapstructure:"term_encodings" toml:"term_encodings"`
	Substitute    string            `mapstructure:"substitute" toml:"substitute"`

	TermcapCoerce  bool   `mapstructure:"termcap_coerce" toml:"termcap_coerce"`
	TermcapPrefix  string `mapstructure:"termcap_prefix" toml:"termcap_prefix"`
	TermcapTarget  string `mapstructure:"termcap_target" toml:"termcap_target"`
	TermcapUnknown string `mapstructure:"termcap_unknown" toml:"termcap_unknown"`

	IdleTimeout      string `mapstructure:"idle_timeout" toml:"idle_timeout"`
	NegotiateTimeout string `mapstructure:"negotiate_timeout" toml:"negotiate_timeout"`
	MaxStackDepth    int    `mapstructure:"max_stack_depth" toml:"max_stack_depth"`
}

// Matrix configures the login flow.
type Matrix struct {
	Script          string   `mapstructure:"script" toml:"script"`
	MainScript      string   `mapstructure:"main" toml:"main"`
	NewUserScript   string   `mapstructure:"nua" toml:"nua"`
	AnonCmds        []string `mapstructure:"anoncmds" toml:"anoncmds"`
	NewCmds         []string `mapstructure:"newcmds" toml:"newcmds"`
	ByeCmds         []string `mapstructure:"byecmds" toml:"byecmds"`
	EnableAnonymous bool     `mapstructure:"enable_anonymous" toml:"enable_anonymous"`
	AllowNewUsers   bool     `mapstructure:"allow_new_users" toml:"allow_new_users"`
	LoginAttempts   int      `mapstructure:"login_attempts" toml:"login_attempts"`
}

type Listener struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
	Port    int    `mapstructure:"port" toml:"port"`
	// AllowedIPs is a comma-separated list of IPs and CIDR ranges.
	AllowedIPs string `mapstructure:"allowed_ips" toml:"allowed_ips"`
}

// Address returns host:port for net.Listen.
func (l Listener) Address() string {
	return fmt.Sprintf("%s:%d", l.Addr, l.Port)
}

type TLS struct {
	Cert  string `mapstructure:"cert" toml:"cert"`
	Key   string `mapstructure:"key" toml:"key"`
	Chain string `mapstructure:"chain" toml:"chain"`
}

type SSH struct {
	Listener    `mapstructure:",squash"`
	HostKey     string `mapstructure:"hostkey" toml:"hostkey"`
	HostKeyType string `mapstructure:"hostkey_type" toml:"hostkey_type"`
	HostKeyBits int    `mapstructure:"hostkey_bits" toml:"hostkey_bits"`
}

type SFTP struct {
	Listener `mapstructure:",squash"`
	// Uploads is the per-user writable directory below the files root.
	Uploads string `mapstructure:"uploads" toml:"uploads"`
}

type Web struct {
	Listener `mapstructure:",squash"`
	TLS      `mapstructure:",squash"`
	Path     string `mapstructure:"path" toml:"path"`
}

type RateLimit struct {
	MaxAttemptsPerMinute int    `mapstructure:"max_attempts_per_minute" toml:"max_attempts_per_minute"`
	MaxConsecFailures    int    `mapstructure:"max_consec_failures" toml:"max_consec_failures"`
	BlockDuration        string `mapstructure:"block_duration" toml:"block_duration"`
}

type Messages struct {
	// Moderators are the groups allowed to moderate and to post into
	// moderated tags that do not name their own groups.
	Moderators []string `mapstructure:"moderators" toml:"moderators"`
	// ModeratedTags maps a tag to the groups allowed to post into it.
	ModeratedTags map[string][]string `mapstructure:"moderated_tags" toml:"moderated_tags"`
	LeaseTimeout  string              `mapstructure:"lease_timeout" toml:"lease_timeout"`
}

type Peer struct {
	Name   string `mapstructure:"name" toml:"name"`
	URL    string `mapstructure:"url" toml:"url"`
	Secret string `mapstructure:"secret" toml:"secret"`
}

type MsgNet struct {
	Listener `mapstructure:",squash"`
	TLS      `mapstructure:",squash"`
	Node     string   `mapstructure:"node" toml:"node"`
	Schedule string   `mapstructure:"schedule" toml:"schedule"`
	Tags     []string `mapstructure:"tags" toml:"tags"`
	Peers    []Peer   `mapstructure:"peers" toml:"peers"`
	Timeout  string   `mapstructure:"timeout" toml:"timeout"`
}

type Door struct {
	Command  string   `mapstructure:"command" toml:"command"`
	Args     []string `mapstructure:"args" toml:"args"`
	Dir      string   `mapstructure:"dir" toml:"dir"`
	Dropfile string   `mapstructure:"dropfile" toml:"dropfile"`
	Encoding string   `mapstructure:"encoding" toml:"encoding"`
	// TimeLimit is the per-call allowance in minutes written to the dropfile.
	TimeLimit int `mapstructure:"time_limit" toml:"time_limit"`
}

// Default returns the built-in settings. No listener is enabled.
func Default() BBS {
	return BBS{
		System: System{
			Name:               "x/84",
			Sysop:              "sysop",
			DatabasePath:       "x84.db",
			ScriptsPath:        "scripts",
			FilesPath:          "files",
			DropfilePath:       "dropfiles",
			BcryptCost:         12,
			LastCallers:        100,
			AuditRetentionDays: 90,
			Maintenance:        "@daily",
			ShutdownGrace:      "30s",
		},
		Session: Session{
			DefaultEncoding: "utf8",
			TermEncodings: map[string]string{
				"ansi":     "cp437",
				"pcansi":   "cp437",
				"syncterm": "cp437",
				"cterm":    "cp437",
				"amiga":    "amiga",
			},
			Substitute:       "?",
			TermcapCoerce:    true,
			TermcapPrefix:    "ansi",
			TermcapTarget:    "ansi",
			TermcapUnknown:   "ansi",
			IdleTimeout:      "30m",
			NegotiateTimeout: "2500ms",
			MaxStackDepth:    64,
		},
		Matrix: Matrix{
			Script:        "matrix",
			MainScript:    "main",
			NewUserScript: "nua",
			AnonCmds:      []string{"anonymous"},
			NewCmds:       []string{"new"},
			ByeCmds:       []string{"bye", "logoff", "quit"},
			AllowNewUsers: true,
			LoginAttempts: 3,
		},
		Telnet: Listener{Addr: "127.0.0.1", Port: 6023},
		SSH: SSH{
			Listener:    Listener{Addr: "127.0.0.1", Port: 6022},
			HostKey:     "ssh_host_key",
			HostKeyType: "rsa",
			HostKeyBits: 2048,
		},
		SFTP: SFTP{
			Listener: Listener{Addr: "127.0.0.1", Port: 6044},
			Uploads:  "uploads",
		},
		Web: Web{
			Listener: Listener{Addr: "127.0.0.1", Port: 6080},
			Path:     "/ws",
		},
		RateLimit: RateLimit{
			MaxAttemptsPerMinute: 10,
			MaxConsecFailures:    5,
			BlockDuration:        "5m",
		},
		Msg: Messages{
			Moderators:    []string{"sysop", "moderator"},
			ModeratedTags: map[string][]string{},
			LeaseTimeout:  "10m",
		},
		MsgNet: MsgNet{
			Listener: Listener{Addr: "127.0.0.1", Port: 6088},
			Node:     "x84",
			Schedule: "@every 5m",
			Tags:     []string{"public"},
			Timeout:  "30s",
		},
		Doors: map[string]Door{},
	}
}

// LoadBBS reads the TOML file at path over Default. A missing file yields
// the defaults.
func LoadBBS(path string) (*BBS, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.normalize()
	return &cfg, nil
}

// WriteDefault writes the default configuration as TOML. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// normalize lowercases keys and aliases compared case-insensitively.
func (c *BBS) normalize() {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	c.Matrix.AnonCmds = lower(c.Matrix.AnonCmds)
	c.Matrix.NewCmds = lower(c.Matrix.NewCmds)
	c.Matrix.ByeCmds = lower(c.Matrix.ByeCmds)
	c.Msg.Moderators = lower(c.Msg.Moderators)

	tags := make(map[string][]string, len(c.Msg.ModeratedTags))
	for tag, groups := range c.Msg.ModeratedTags {
		tags[strings.ToLower(tag)] = lower(groups)
	}
	c.Msg.ModeratedTags = tags

	encs := make(map[string]string, len(c.Session.TermEncodings))
	for prefix, enc := range c.Session.TermEncodings {
		encs[strings.ToLower(prefix)] = strings.ToLower(enc)
	}
	c.Session.TermEncodings = encs
}

// IsAnonymous reports whether handle is one of the anonymous aliases.
func (m Matrix) IsAnonymous(handle string) bool {
	return contains(m.AnonCmds, handle)
}

// IsNewUser reports whether handle requests the new-user flow.
func (m Matrix) IsNewUser(handle string) bool {
	return contains(m.NewCmds, handle)
}

// IsBye reports whether handle requests an immediate disconnect.
func (m Matrix) IsBye(handle string) bool {
	return contains(m.ByeCmds, handle)
}

func contains(list []string, s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
