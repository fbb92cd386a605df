package scripts

import (
	"context"
	"errors"

	"github.com/gdamore/tcell/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/ui"
)

// keyNames are the names bbs.getkey returns for non-printing keys.
var keyNames = map[tcell.Key]string{
	tcell.KeyEnter:      "enter",
	tcell.KeyEscape:     "escape",
	tcell.KeyBackspace2: "backspace",
	tcell.KeyTab:        "tab",
	tcell.KeyUp:         "up",
	tcell.KeyDown:       "down",
	tcell.KeyLeft:       "left",
	tcell.KeyRight:      "right",
	tcell.KeyHome:       "home",
	tcell.KeyEnd:        "end",
	tcell.KeyPgUp:       "pgup",
	tcell.KeyPgDn:       "pgdn",
	tcell.KeyInsert:     "insert",
	tcell.KeyDelete:     "delete",
}

// LuaHost adds the session functions to the bbs module of a Lua script:
// print, pipe, readline, getkey, user, size, online and post. Outside a
// session the module is left as is.
func LuaHost(ctx context.Context, L *lua.LState, mod *lua.LTable) {
	s := session.FromContext(ctx)
	if s == nil {
		return
	}
	fail := func(L *lua.LState, err error) int {
		L.RaiseError("%v", err)
		return 0
	}
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"print": func(L *lua.LState) int {
			if err := s.Print(L.CheckString(1)); err != nil {
				return fail(L, err)
			}
			return 0
		},
		"pipe": func(L *lua.LState) int {
			if err := s.Pipe(L.CheckString(1)); err != nil {
				return fail(L, err)
			}
			return 0
		},
		// readline(width, mask) returns the line, or nil on escape.
		"readline": func(L *lua.LState) int {
			ed := &ui.LineEditor{Width: L.OptInt(1, 0)}
			if m := L.OptString(2, ""); m != "" {
				ed.Mask = []rune(m)[0]
			}
			line, err := ed.Read(s)
			if errors.Is(err, ui.ErrCancelled) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LString(line))
			return 1
		},
		"getkey": func(L *lua.LState) int {
			k, err := ui.ReadKey(s)
			if err != nil {
				return fail(L, err)
			}
			if k.Code == tcell.KeyRune {
				L.Push(lua.LString(string(k.Rune)))
			} else if name, ok := keyNames[k.Code]; ok {
				L.Push(lua.LString(name))
			} else {
				L.Push(lua.LString(""))
			}
			return 1
		},
		"user": func(L *lua.LState) int {
			L.Push(lua.LString(s.Handle()))
			return 1
		},
		"size": func(L *lua.LState) int {
			cols, rows := s.Term().Size()
			L.Push(lua.LNumber(cols))
			L.Push(lua.LNumber(rows))
			return 2
		},
		"online": func(L *lua.LState) int {
			tbl := L.NewTable()
			for _, snap := range s.Store().Online.List() {
				row := L.NewTable()
				row.RawSetString("handle", lua.LString(snap.Handle))
				row.RawSetString("script", lua.LString(snap.Script))
				row.RawSetString("protocol", lua.LString(snap.Protocol))
				tbl.Append(row)
			}
			L.Push(tbl)
			return 1
		},
		// post(tag, subject, body) returns the id, or nil and a message.
		"post": func(L *lua.LState) int {
			if !loggedIn(s) {
				L.Push(lua.LNil)
				L.Push(lua.LString("not logged in"))
				return 2
			}
			id, err := s.Store().Post(s.Handle(), store.Message{
				Tags:    []string{L.CheckString(1)},
				Subject: L.CheckString(2),
				Body:    L.CheckString(3),
			})
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(id))
			return 1
		},
	})
}
