package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/tehmaze/x84/internal/logging"
)

// LuaExtender installs host functions into the "bbs" module of a fresh
// state. ctx is the session context the script runs under.
type LuaExtender func(ctx context.Context, L *lua.LState, mod *lua.LTable)

// LuaScript runs a Lua file as a coroutine. bbs.gosub and bbs.replace
// yield to the runtime, so a Lua menu can call Go scripts and the other
// way round without nesting interpreters.
type LuaScript struct {
	Path   string
	Extend LuaExtender
}

const (
	yieldGosub   = "gosub"
	yieldReplace = "replace"
)

// LoadLuaDir registers every *.lua file in dir under its base name,
// replacing built-in scripts of the same name. A missing dir is not an
// error.
func LoadLuaDir(reg *Registry, dir string, extend LuaExtender) ([]string, error) {
	logger := logging.For("runtime")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scripts directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".lua")
		if _, exists := reg.Lookup(name); exists {
			logger.Info().Str("script", name).Msg("lua script overrides built-in")
		}
		reg.Register(name, &LuaScript{Path: filepath.Join(dir, e.Name()), Extend: extend})
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// newLuaState opens the safe subset of the standard library: base, table,
// string and math. Loading code from disk or strings is removed.
func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (s *LuaScript) Start(ctx context.Context, f *Frame) Transition {
	L := newLuaState()
	f.Defer(L.Close)
	L.SetContext(ctx)

	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"gosub":   luaYield(yieldGosub),
		"replace": luaYield(yieldReplace),
		"args": func(L *lua.LState) int {
			L.Push(argsToLua(L, f.Args))
			return 1
		},
		"handle": func(L *lua.LState) int {
			ud := L.NewUserData()
			ud.Value = Handle(L.CheckString(1))
			L.Push(ud)
			return 1
		},
	})
	mod.RawSetString("script", lua.LString(f.Script))
	if s.Extend != nil {
		s.Extend(ctx, L, mod)
	}
	L.SetGlobal("bbs", mod)

	fn, err := L.LoadFile(s.Path)
	if err != nil {
		return Fail(fmt.Errorf("load %s: %w", s.Path, err))
	}
	th, cancel := L.NewThread()
	if cancel != nil {
		f.Defer(cancel)
	}
	return s.resume(L, th, fn, f)
}

func luaYield(kind string) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		kw := L.OptTable(2, L.NewTable())
		return L.Yield(lua.LString(kind), lua.LString(name), kw)
	}
}

func (s *LuaScript) resume(L, th *lua.LState, fn *lua.LFunction, f *Frame, args ...lua.LValue) Transition {
	st, err, vals := L.Resume(th, fn, args...)
	switch st {
	case lua.ResumeError:
		return Fail(err)
	case lua.ResumeOK:
		if len(vals) == 0 {
			return Return(nil)
		}
		return Return(luaToGo(vals[0]))
	}

	if len(vals) < 3 {
		return Fail(errors.New("lua: bare coroutine.yield is not supported"))
	}
	kind, name := vals[0].String(), vals[1].String()
	tbl, _ := vals[2].(*lua.LTable)
	kwargs, err := argsFromLua(name, tbl)
	if err != nil {
		return Fail(err)
	}
	if kind == yieldReplace {
		return Goto(name, kwargs)
	}
	return Gosub(name, kwargs, func(ctx context.Context, f *Frame, result any) Transition {
		return s.resume(L, th, fn, f, goToLua(L, result))
	})
}

// argsFromLua converts a kwargs table. Keys are sorted so the order is
// stable; values must be strings, booleans or bbs.handle(...).
func argsFromLua(script string, tbl *lua.LTable) (Args, error) {
	if tbl == nil {
		return nil, nil
	}
	type pair struct {
		name string
		v    lua.LValue
	}
	var pairs []pair
	var bad error
	tbl.ForEach(func(k, v lua.LValue) {
		ks, ok := k.(lua.LString)
		if !ok {
			if bad == nil {
				bad = &ArgError{Script: script, Arg: k.String(), Type: "non-string key " + k.Type().String()}
			}
			return
		}
		pairs = append(pairs, pair{string(ks), v})
	})
	if bad != nil {
		return nil, bad
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	args := make(Args, 0, len(pairs))
	for _, p := range pairs {
		var v Value
		switch x := p.v.(type) {
		case lua.LString:
			v = String(x)
		case lua.LBool:
			v = Bool(x)
		case *lua.LUserData:
			h, ok := x.Value.(Handle)
			if !ok {
				return nil, &ArgError{Script: script, Arg: p.name, Type: "userdata"}
			}
			v = h
		default:
			return nil, &ArgError{Script: script, Arg: p.name, Type: p.v.Type().String()}
		}
		args = append(args, Kwarg{Name: p.name, Value: v})
	}
	return args, nil
}

func argsToLua(L *lua.LState, args Args) *lua.LTable {
	t := L.NewTable()
	for _, kw := range args {
		switch v := kw.Value.(type) {
		case String:
			t.RawSetString(kw.Name, lua.LString(v))
		case Handle:
			t.RawSetString(kw.Name, lua.LString(v))
		case Bool:
			t.RawSetString(kw.Name, lua.LBool(v))
		}
	}
	return t
}

func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LUserData:
		return x.Value
	}
	return nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case String:
		return lua.LString(x)
	case Handle:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case Bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case error:
		return lua.LString(x.Error())
	}
	return lua.LString(fmt.Sprint(v))
}
