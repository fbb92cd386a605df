package database

import "time"

// User is a registered caller. Handle keeps the spelling chosen at signup;
// HandleKey is its lowercased form and carries the uniqueness constraint.
type User struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Handle         string    `gorm:"not null;size:64" json:"handle"`
	HandleKey      string    `gorm:"uniqueIndex;not null;size:64" json:"-"`
	PasswordHash   string    `gorm:"not null" json:"-"`
	Location       string    `gorm:"size:64" json:"location"`
	Email          string    `gorm:"size:128" json:"email"`
	PublicKey      string    `gorm:"type:text" json:"-"` // authorized_keys line
	Calls          int       `gorm:"not null;default:0" json:"calls"`
	LastCallAt     time.Time `json:"last_call_at"`
	ElapsedMinutes int       `gorm:"not null;default:0" json:"elapsed_minutes"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Groups []UserGroup `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

type UserGroup struct {
	UserID uint   `gorm:"primaryKey" json:"user_id"`
	Name   string `gorm:"primaryKey;size:32" json:"name"`
}

// LastCall is one login event. Rows are only appended and pruned.
type LastCall struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Handle    string    `gorm:"not null;index" json:"handle"`
	Location  string    `json:"location"`
	Protocol  string    `json:"protocol"`
	Remote    string    `json:"remote"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Message statuses.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
	StatusRejected = "rejected"
)

// Message is a post in the message base. ID is "<node>:<seq>" and is unique
// across every node that exchanges messages.
type Message struct {
	ID        string    `gorm:"primaryKey;size:96" json:"id"`
	Node      string    `gorm:"not null;size:64;uniqueIndex:idx_node_seq" json:"node"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_node_seq" json:"seq"`
	Author    string    `gorm:"not null;size:64;index" json:"author"`
	Recipient string    `gorm:"size:64;index" json:"recipient"`
	Subject   string    `gorm:"size:128" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	ParentID  string    `gorm:"size:96;index" json:"parent_id"`
	Status    string    `gorm:"not null;default:approved;index" json:"status"`
	Deleted   bool      `gorm:"not null;default:false" json:"deleted"`
	PostedAt  time.Time `gorm:"not null" json:"posted_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Tags []MessageTag `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"-"`
}

type MessageTag struct {
	MessageID string `gorm:"primaryKey;size:96" json:"message_id"`
	Tag       string `gorm:"primaryKey;size:32;index" json:"tag"`
}

// NodeSequence allocates message sequence numbers per origin node.
type NodeSequence struct {
	Node string `gorm:"primaryKey;size:64"`
	Last int64  `gorm:"not null;default:0"`
}

// PeerState tracks the sync position with one peer.
type PeerState struct {
	Peer           string    `gorm:"primaryKey;size:64" json:"peer"`
	LastSeenRemote int64     `gorm:"not null;default:0" json:"last_seen_remote"`
	LastAckedLocal int64     `gorm:"not null;default:0" json:"last_acked_local"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	LastError      string    `json:"last_error"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditEvent is a persisted connection or call event.
type AuditEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind      string    `gorm:"not null;index" json:"kind"`
	Handle    string    `gorm:"index" json:"handle"`
	Remote    string    `json:"remote"`
	Protocol  string    `json:"protocol"`
	SessionID string    `gorm:"size:36;index" json:"session_id"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&User{}, &UserGroup{}, &LastCall{},
		&Message{}, &MessageTag{}, &NodeSequence{},
		&PeerState{}, &AuditEvent{},
	}
}
