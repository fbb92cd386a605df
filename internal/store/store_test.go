package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "x84.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.System.BcryptCost = bcrypt.MinCost
	cfg.System.LastCallers = 3
	cfg.Msg.ModeratedTags = map[string][]string{"news": nil, "art": {"artists"}}
	return New(setupTestDB(t), &cfg)
}

func TestStorePostUsesGroupSnapshot(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Users.Create("editor", "secret1")
	require.NoError(t, err)

	_, err = s.Post("editor", Message{Tags: []string{"news"}, Subject: "hi"})
	require.True(t, IsConflict(err), "got %v", err)

	require.NoError(t, s.Users.AddGroup("editor", "moderator"))
	id, err := s.Post("editor", Message{Tags: []string{"news"}, Subject: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Moderate("editor", id, ActionReject))
	m, err := s.Messages.Get(id)
	require.NoError(t, err)
	require.Equal(t, database.StatusRejected, m.Status)
}

func TestStoreModerateRequiresModerator(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Users.Create("author", "secret1")
	require.NoError(t, err)
	_, err = s.Users.Create("bystander", "secret1")
	require.NoError(t, err)

	id, err := s.Post("author", Message{Tags: []string{"general"}, Subject: "mine"})
	require.NoError(t, err)

	err = s.Moderate("bystander", id, ActionDelete)
	require.True(t, IsConflict(err))

	require.NoError(t, s.Moderate("author", id, ActionDelete))
	m, err := s.Messages.Get(id)
	require.NoError(t, err)
	require.True(t, m.Deleted)

	err = s.Moderate("author", id, ActionApprove)
	require.True(t, IsConflict(err))
}
