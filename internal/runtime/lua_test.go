package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func writeLua(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".lua"), []byte(src), 0644))
}

func TestLuaGosubReturn(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, "menu", `
local a = bbs.args()
local r = bbs.gosub("double", {n = a.n, who = bbs.handle("dingo")})
return a.prefix .. r
`)
	reg := NewRegistry()
	reg.Register("double", ScriptFunc(func(ctx context.Context, f *Frame) Transition {
		h, _ := f.Args.Handle("who")
		return Return(f.Args.String("n") + f.Args.String("n") + "/" + h)
	}))
	names, err := LoadLuaDir(reg, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"menu"}, names)

	args, _ := Kw("menu", "n", "ab", "prefix", "=")
	got, err := New(reg, 0, nil).Run(context.Background(), "menu", args)
	require.NoError(t, err)
	assert.Equal(t, "=abab/dingo", got)
}

func TestLuaReplaceAndCallFromGo(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, "first", `bbs.replace("second", {x = "1"})`)
	writeLua(t, dir, "second", `return "second:" .. bbs.args().x .. ":" .. bbs.script`)

	reg := NewRegistry()
	reg.Register("main", ScriptFunc(func(ctx context.Context, f *Frame) Transition {
		return Gosub("first", nil, func(ctx context.Context, f *Frame, result any) Transition {
			return Return(result)
		})
	}))
	_, err := LoadLuaDir(reg, dir, nil)
	require.NoError(t, err)

	got, err := New(reg, 0, nil).Run(context.Background(), "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "second:1:second", got)
}

func TestLuaBadArgFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, "bad", `bbs.gosub("other", {count = 3})`)
	reg := NewRegistry()
	_, err := LoadLuaDir(reg, dir, nil)
	require.NoError(t, err)

	_, err = New(reg, 0, nil).Run(context.Background(), "bad", nil)
	var ae *ArgError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "other", ae.Script)
	assert.Equal(t, "count", ae.Arg)
	assert.Equal(t, "number", ae.Type)
}

func TestLuaSandbox(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, "escape", `return tostring(io) .. tostring(os) .. tostring(dofile) .. tostring(require)`)
	writeLua(t, dir, "crash", `error("kaboom")`)
	reg := NewRegistry()
	_, err := LoadLuaDir(reg, dir, nil)
	require.NoError(t, err)

	got, err := New(reg, 0, nil).Run(context.Background(), "escape", nil)
	require.NoError(t, err)
	assert.Equal(t, "nilnilnilnil", got)

	_, err = New(reg, 0, nil).Run(context.Background(), "crash", nil)
	var sf *ScriptFailure
	require.ErrorAs(t, err, &sf)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestLuaExtender(t *testing.T) {
	dir := t.TempDir()
	writeLua(t, dir, "hello", `bbs.write("hi " .. bbs.args().name)`)
	var written string
	extend := func(ctx context.Context, L *lua.LState, mod *lua.LTable) {
		mod.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
			written += L.CheckString(1)
			return 0
		}))
	}
	reg := NewRegistry()
	_, err := LoadLuaDir(reg, dir, extend)
	require.NoError(t, err)

	args, _ := Kw("hello", "name", "dingo")
	_, err = New(reg, 0, nil).Run(context.Background(), "hello", args)
	require.NoError(t, err)
	assert.Equal(t, "hi dingo", written)
}

func TestLoadLuaDirMissing(t *testing.T) {
	names, err := LoadLuaDir(NewRegistry(), filepath.Join(t.TempDir(), "absent"), nil)
	assert.NoError(t, err)
	assert.Empty(t, names)
}
