// Package store holds the state shared by all sessions: the online
// directory, the user directory with its last-caller log, and the message
// base. Each registry has its own lock. Flows touching both persistent
// registries read the user directory first, release it, then enter the
// message base; no goroutine ever holds both.
package store

import (
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/config"
)

type Store struct {
	Online   *OnlineDirectory
	Users    *UserDirectory
	Messages *MessageBase
}

// New builds the registries over db from the BBS configuration.
func New(db *gorm.DB, cfg *config.BBS) *Store {
	return &Store{
		Online: NewOnlineDirectory(),
		Users:  NewUserDirectory(db, cfg.System.BcryptCost, cfg.System.LastCallers),
		Messages: NewMessageBase(db, cfg.MsgNet.Node, cfg.Msg.Moderators, cfg.Msg.ModeratedTags,
			config.Duration(cfg.Msg.LeaseTimeout, DefaultLeaseTimeout)),
	}
}

// Poster snapshots the groups of handle for a message operation.
func (s *Store) Poster(handle string) Poster {
	return Poster{Handle: handle, Groups: s.Users.Groups(handle)}
}

// Post posts m as handle.
func (s *Store) Post(handle string, m Message) (string, error) {
	return s.Messages.Post(s.Poster(handle), m)
}

// Moderate applies action to id on behalf of handle.
func (s *Store) Moderate(handle, id string, action Action) error {
	return s.Messages.Moderate(s.Poster(handle), id, action)
}
