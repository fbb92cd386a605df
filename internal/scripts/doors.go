package scripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/door"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

const defaultTimeLimit = 60

// doors lists the configured doors and runs the chosen one.
func doors(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	all := s.Config().Doors
	if !loggedIn(s) {
		s.Print("Doors are for members only.\r\n")
		return runtime.Return(nil)
	}
	if len(all) == 0 {
		s.Print("No doors are installed.\r\n")
		return runtime.Return(nil)
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("\r\n|15doors|07\r\n")
	for i, name := range names {
		fmt.Fprintf(&sb, "  |08(|15%d|08)|07 %s\r\n", i+1, termcap.EscapePipe(name))
	}
	s.Pipe(sb.String())
	choice, err := prompt(s, "|03door|08: |07", &ui.LineEditor{Width: 20})
	if err != nil {
		return runtime.Fail(err)
	}
	name := strings.ToLower(choice)
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(names) {
		name = names[n-1]
	}
	d, ok := all[name]
	if !ok {
		return runtime.Return(nil)
	}
	if err := runDoor(ctx, s, f, name, d); err != nil {
		if ctx.Err() != nil {
			return runtime.Fail(err)
		}
		logger := logging.For("doors")
		logger.Warn().Err(err).Str("door", name).Str("session", s.ID).Msg("door failed")
		s.Printf("\r\nThe door could not be started.\r\n")
	}
	return runtime.Return(nil)
}

// runDoor writes the dropfile, runs the door and charges the time used.
// The per-session dropfile directory goes away with the frame.
func runDoor(ctx context.Context, s *session.Session, f *runtime.Frame, name string, d config.Door) error {
	users := s.Store().Users
	rec, err := users.Get(s.Handle())
	if err != nil {
		return err
	}
	format, err := door.Format(d.Dropfile)
	if err != nil {
		return err
	}
	dir := filepath.Join(config.DataFile(s.Config().System.DropfilePath), s.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create dropfile directory: %w", err)
	}
	f.Defer(func() { os.RemoveAll(dir) })

	cols, rows := s.Term().Size()
	limit := d.TimeLimit
	if limit <= 0 {
		limit = defaultTimeLimit
	}
	sysCfg := s.Config().System
	drop := door.Dropfile{
		BBSName:     sysCfg.Name,
		SysopName:   sysCfg.Sysop,
		Node:        1,
		Handle:      rec.Handle,
		Location:    rec.Location,
		Security:    securityLevel(rec.Groups),
		Calls:       rec.Calls,
		LastCall:    rec.LastCallAt,
		MinutesLeft: limit,
		ANSI:        s.Term().Caps().Colors() >= 8,
		Rows:        rows,
	}
	path := filepath.Join(dir, format)
	if err := door.WriteFile(path, format, drop); err != nil {
		return err
	}

	enc := s.Term().Encoding()
	if d.Encoding != "" {
		if enc, err = termcap.LookupEncoding(d.Encoding, enc.Substitute()); err != nil {
			return err
		}
	}
	args := make([]string, len(d.Args))
	for i, a := range d.Args {
		args[i] = strings.NewReplacer("{dropfile}", path, "{dir}", dir, "{handle}", rec.Handle).Replace(a)
	}
	runner := &door.Runner{
		Name:     name,
		Command:  d.Command,
		Args:     args,
		Dir:      d.Dir,
		Env:      []string{"TERM=" + s.Term().Term(), "LINES=" + strconv.Itoa(rows), "COLUMNS=" + strconv.Itoa(cols), "X84_DROPFILE=" + path},
		Encoding: enc,
		Cols:     cols,
		Rows:     rows,
		Resized:  s.Resized(),
		Size:     s.Term().Size,
	}

	info := s.Info()
	s.Auditor().Log(audit.Entry{Kind: audit.EventDoor, Handle: rec.Handle, Remote: info.Remote,
		Protocol: info.Protocol, SessionID: s.ID, Details: name})
	wall, err := runner.Run(ctx, s)
	if err != nil && wall == 0 {
		return err
	}

	after := drop
	if format == door.DoorSys {
		if reread, rerr := door.ReadFile(path); rerr == nil {
			after = reread
		}
	}
	if aerr := users.AddElapsed(rec.Handle, door.Elapsed(drop, after, wall)); aerr != nil {
		return aerr
	}
	return err
}

// securityLevel maps groups onto the numeric levels doors expect.
func securityLevel(groups []string) int {
	level := 30
	for _, g := range groups {
		switch g {
		case sysopGroup:
			return 255
		case "moderator":
			level = max(level, 100)
		}
	}
	return level
}
