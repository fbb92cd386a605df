package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points the process settings at a temporary data directory with
// a configuration file that keeps bcrypt cheap.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "x84.toml")
	require.NoError(t, os.WriteFile(path, []byte("[system]\nbcrypt_cost = 4\n"), 0644))
	t.Setenv("X84_DATA_PATH", dir)
	t.Setenv("X84_CONFIG", path)
	t.Setenv("X84_LOG_LEVEL", "warn")
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "etc", "fresh.toml")

	out, err := run(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "anoncmds")

	_, err = run(t, "", "config", "init", path)
	assert.Error(t, err)
}

func TestUserCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "user", "add", "dingo", "--password", "secret", "--group", "sysop")
	require.NoError(t, err)
	assert.Contains(t, out, "created dingo")

	_, err = run(t, "", "user", "add", "Dingo", "--password", "other")
	assert.Error(t, err, "handles are unique regardless of case")

	_, err = run(t, "", "user", "add", "biscuit")
	assert.Error(t, err, "empty stdin gives no password")

	out, err = run(t, "hunter22\n", "user", "passwd", "dingo")
	require.NoError(t, err)
	assert.Contains(t, out, "password updated for dingo")

	out, err = run(t, "", "user", "group", "add", "dingo", "moderator")
	require.NoError(t, err)
	assert.Contains(t, out, "moderator")

	out, err = run(t, "", "user", "group", "remove", "dingo", "sysop")
	require.NoError(t, err)
	assert.NotContains(t, out, "sysop")

	out, err = run(t, "", "user", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLE")
	assert.Contains(t, out, "dingo")
	assert.Contains(t, out, "never")
}

func TestMsgNetStatusWithoutPeers(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "", "msgnet", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "PEER")
	assert.Contains(t, out, "at sequence 0")

	_, err = run(t, "", "msgnet", "sync")
	assert.NoError(t, err)
}
