package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

func newTestUsers(t *testing.T, lastCallers int) *UserDirectory {
	t.Helper()
	return NewUserDirectory(setupTestDB(t), bcrypt.MinCost, lastCallers)
}

func TestCreateDuplicateHandleIsConflict(t *testing.T) {
	d := newTestUsers(t, 10)
	_, err := d.Create("Dingo", "biscuit")
	require.NoError(t, err)

	_, err = d.Create("dINGO", "other")
	var sc *StateConflict
	require.True(t, errors.As(err, &sc), "got %v", err)
}

func TestCreateValidates(t *testing.T) {
	d := newTestUsers(t, 10)
	tests := []struct {
		handle, password string
	}{
		{"", "secret"},
		{" padded", "secret"},
		{"pipe|code", "secret"},
		{"colon:node", "secret"},
		{strings.Repeat("x", MaxHandleLength+1), "secret"},
		{"ok", "abc"},
	}
	for _, tt := range tests {
		_, err := d.Create(tt.handle, tt.password)
		assert.ErrorIs(t, err, ErrInvalid, "Create(%q, %q)", tt.handle, tt.password)
	}
}

func TestAuthenticate(t *testing.T) {
	d := newTestUsers(t, 10)
	_, err := d.Create("dingo", "biscuit", "Sysop")
	require.NoError(t, err)

	rec, err := d.Authenticate("DINGO", "biscuit")
	require.NoError(t, err)
	assert.Equal(t, "dingo", rec.Handle)
	assert.Equal(t, []string{"sysop"}, rec.Groups)
	assert.True(t, rec.InGroup("sysop"))

	_, err = d.Authenticate("dingo", "wrong")
	assert.ErrorIs(t, err, ErrAuth)

	_, err = d.Authenticate("nobody", "biscuit")
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "nobody", ae.Handle)
}

func TestAuthenticateKey(t *testing.T) {
	d := newTestUsers(t, 10)
	_, err := d.Create("dingo", "biscuit")
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	_, err = d.AuthenticateKey("dingo", sshPub)
	assert.ErrorIs(t, err, ErrAuth, "no key on file")

	line := string(ssh.MarshalAuthorizedKey(sshPub))
	require.NoError(t, d.UpdateProfile("dingo", Profile{PublicKey: &line}))

	_, err = d.AuthenticateKey("dingo", sshPub)
	require.NoError(t, err)

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _ := ssh.NewPublicKey(other)
	_, err = d.AuthenticateKey("dingo", otherPub)
	assert.ErrorIs(t, err, ErrAuth)

	bad := "ssh-ed25519 not-base64"
	assert.ErrorIs(t, d.UpdateProfile("dingo", Profile{PublicKey: &bad}), ErrInvalid)
}

func TestRecordLoginAppendsBoundedLastCallers(t *testing.T) {
	d := newTestUsers(t, 3)
	for _, h := range []string{"a1", "a2", "a3", "a4"} {
		_, err := d.Create(h, "secret")
		require.NoError(t, err)
	}

	for _, h := range []string{"a1", "a2", "a3", "a4", "a1"} {
		_, err := d.RecordLogin(h, "telnet", "127.0.0.1")
		require.NoError(t, err)
	}

	calls, err := d.LastCallers(0)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, "a1", calls[0].Handle)
	assert.Equal(t, "a4", calls[1].Handle)
	assert.Equal(t, "a3", calls[2].Handle)

	rec, err := d.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Calls)
	assert.False(t, rec.LastCallAt.IsZero())

	_, err = d.RecordLogin("ghost", "ssh", "::1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfileAndGroups(t *testing.T) {
	d := newTestUsers(t, 10)
	_, err := d.Create("dingo", "biscuit")
	require.NoError(t, err)

	loc := "  Amsterdam "
	require.NoError(t, d.UpdateProfile("dingo", Profile{Location: &loc}))
	require.NoError(t, d.AddGroup("dingo", "Moderator"))
	require.NoError(t, d.AddGroup("dingo", "moderator"))
	require.NoError(t, d.AddElapsed("dingo", 15))
	require.NoError(t, d.SetPassword("dingo", "newpass"))

	rec, err := d.Get("dingo")
	require.NoError(t, err)
	assert.Equal(t, "Amsterdam", rec.Location)
	assert.Equal(t, []string{"moderator"}, rec.Groups)
	assert.Equal(t, 15, rec.ElapsedMinutes)

	_, err = d.Authenticate("dingo", "newpass")
	require.NoError(t, err)

	require.NoError(t, d.RemoveGroup("dingo", "MODERATOR"))
	assert.Empty(t, d.Groups("dingo"))
	assert.Nil(t, d.Groups("ghost"))

	assert.ErrorIs(t, d.UpdateProfile("ghost", Profile{Location: &loc}), ErrNotFound)
}
