// Package termcap holds a session's negotiated terminal capabilities: the
// resolved terminal type and its terminfo entry, the window size and the
// character encoding used on the wire.
package termcap

import (
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2/terminfo"
	_ "github.com/gdamore/tcell/v2/terminfo/base"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
)

const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200

	DefaultCols = 80
	DefaultRows = 24
)

// Options are the coercion and encoding rules from the [session] section.
type Options struct {
	Coerce bool
	Prefix string
	Target string
	// Unknown is used for capability lookup when the type has no terminfo
	// entry.
	Unknown string

	DefaultEncoding string
	TermEncodings   map[string]string
	Substitute      rune
}

func OptionsFrom(s config.Session) Options {
	sub := '?'
	if r := []rune(s.Substitute); len(r) > 0 {
		sub = r[0]
	}
	return Options{
		Coerce:          s.TermcapCoerce,
		Prefix:          strings.ToLower(s.TermcapPrefix),
		Target:          strings.ToLower(s.TermcapTarget),
		Unknown:         strings.ToLower(s.TermcapUnknown),
		DefaultEncoding: s.DefaultEncoding,
		TermEncodings:   s.TermEncodings,
		Substitute:      sub,
	}
}

// CoerceType rewrites term to the configured target when it begins with the
// configured prefix. The literal type "no" is never rewritten.
func (o Options) CoerceType(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	if !o.Coerce || term == "no" || o.Prefix == "" || o.Target == "" {
		return term
	}
	if strings.HasPrefix(term, o.Prefix) {
		return o.Target
	}
	return term
}

// EncodingFor picks the code page for a reported terminal type: the
// longest configured prefix wins, otherwise the default encoding.
func (o Options) EncodingFor(term string) string {
	term = strings.ToLower(term)
	best, enc := -1, o.DefaultEncoding
	for prefix, name := range o.TermEncodings {
		if strings.HasPrefix(term, prefix) && len(prefix) > best {
			best, enc = len(prefix), name
		}
	}
	if enc == "" {
		enc = UTF8
	}
	return enc
}

// Clamp bounds a window size to what the layout code supports. A zero
// dimension takes the default.
func Clamp(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return min(max(cols, MinCols), MaxCols), min(max(rows, MinRows), MaxRows)
}

// Context is the capability state of one session. Size changes arrive from
// the transport while scripts render, so access is synchronized.
type Context struct {
	mu       sync.RWMutex
	reported string
	term     string
	cols     int
	rows     int
	caps     *Caps
	enc      *Encoding
}

// New resolves term through the coercion rule and the terminfo database
// and selects the encoding for the reported type.
func New(o Options, term string, cols, rows int) *Context {
	logger := logging.For("termcap")
	reported := strings.ToLower(strings.TrimSpace(term))
	resolved := o.CoerceType(reported)
	if resolved == "" {
		resolved = o.Unknown
	}

	caps, err := Lookup(resolved)
	if err != nil {
		logger.Debug().Str("term", logging.Sanitize(resolved)).Str("fallback", o.Unknown).Msg("no terminfo entry")
		caps, _ = Lookup(o.Unknown)
	}

	encName := o.EncodingFor(reported)
	enc, err := LookupEncoding(encName, o.Substitute)
	if err != nil {
		logger.Warn().Err(err).Msg("using utf8")
		enc, _ = LookupEncoding(UTF8, o.Substitute)
	}

	c := &Context{reported: reported, term: resolved, caps: caps, enc: enc}
	c.cols, c.rows = Clamp(cols, rows)
	return c
}

// Resize applies a window change. A (0,0) report is noise from clients
// that send it around reconnects and is dropped; the return value says
// whether the size changed.
func (c *Context) Resize(cols, rows int) bool {
	if cols == 0 && rows == 0 {
		return false
	}
	cols, rows = Clamp(cols, rows)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cols == c.cols && rows == c.rows {
		return false
	}
	c.cols, c.rows = cols, rows
	return true
}

func (c *Context) Size() (cols, rows int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cols, c.rows
}

// Reported is the terminal type as the client sent it.
func (c *Context) Reported() string { return c.reported }

// Term is the type used for capability lookup.
func (c *Context) Term() string { return c.term }

func (c *Context) Caps() *Caps { return c.caps }

func (c *Context) Encoding() *Encoding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc
}

// SetEncoding switches the wire encoding, e.g. when the caller picks one
// from a menu.
func (c *Context) SetEncoding(e *Encoding) {
	c.mu.Lock()
	c.enc = e
	c.mu.Unlock()
}

// Caps renders attribute sequences for a terminal type.
type Caps struct {
	ti *terminfo.Terminfo
}

// ansi is used when neither the requested nor the fallback type is known.
var ansi = &terminfo.Terminfo{
	Name:       "ansi",
	Colors:     8,
	Clear:      "\x1b[H\x1b[J",
	AttrOff:    "\x1b[0;10m",
	Underline:  "\x1b[4m",
	Bold:       "\x1b[1m",
	Blink:      "\x1b[5m",
	Reverse:    "\x1b[7m",
	SetFg:      "\x1b[3%p1%dm",
	SetBg:      "\x1b[4%p1%dm",
	SetCursor:  "\x1b[%i%p1%d;%p2%dH",
	ShowCursor: "\x1b[?25h",
	HideCursor: "\x1b[?25l",
}

// Lookup finds the terminfo entry for term. The result is always usable:
// on error it describes a plain ANSI terminal.
func Lookup(term string) (*Caps, error) {
	ti, err := terminfo.LookupTerminfo(term)
	if err != nil {
		return &Caps{ti: ansi}, err
	}
	return &Caps{ti: ti}, nil
}

func (c *Caps) Name() string { return c.ti.Name }

func (c *Caps) Colors() int { return c.ti.Colors }

func (c *Caps) Normal() string { return c.ti.AttrOff }

func (c *Caps) Bold() string { return c.ti.Bold }

func (c *Caps) Reverse() string { return c.ti.Reverse }

func (c *Caps) Clear() string { return c.ti.Clear }

// Bell is BEL on every terminal; terminfo entries do not carry it.
func (c *Caps) Bell() string { return "\a" }

// MoveTo positions the cursor at zero-based col, row.
func (c *Caps) MoveTo(col, row int) string { return c.ti.TGoto(col, row) }

// Fg selects foreground color n (0-15). Terminals with fewer than 16
// colors get bold plus the base color for 8-15.
func (c *Caps) Fg(n int) string {
	if c.ti.SetFg == "" {
		return ""
	}
	if n >= 8 && c.ti.Colors < 16 {
		return c.ti.Bold + c.ti.TParm(c.ti.SetFg, n-8)
	}
	return c.ti.TParm(c.ti.SetFg, n)
}

// Bg selects background color n (0-7).
func (c *Caps) Bg(n int) string {
	if c.ti.SetBg == "" {
		return ""
	}
	return c.ti.TParm(c.ti.SetBg, n)
}
