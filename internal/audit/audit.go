package audit

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/logging"
)

const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventAuthFailure   = "auth_failure"
	EventLogin         = "login"
	EventBlocked       = "blocked"
	EventDoor          = "door"
	EventScriptFailure = "script_failure"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 90

// Entry holds the fields of one event.
type Entry struct {
	Kind      string
	Handle    string
	Remote    string
	Protocol  string
	SessionID string
	Details   string
}

// Auditor writes events to the database.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Log records e. A nil Auditor only logs.
func (a *Auditor) Log(e Entry) error {
	logger := logging.For("audit")
	logger.Info().
		Str("kind", e.Kind).
		Str("handle", logging.Sanitize(e.Handle)).
		Str("remote", e.Remote).
		Str("protocol", e.Protocol).
		Str("session", e.SessionID).
		Str("details", logging.Sanitize(e.Details)).
		Msg("audit")
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rec := database.AuditEvent{
		Kind:      e.Kind,
		Handle:    e.Handle,
		Remote:    e.Remote,
		Protocol:  e.Protocol,
		SessionID: e.SessionID,
		Details:   e.Details,
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		logger.Error().Err(err).Msg("failed to write audit event")
		return err
	}
	return nil
}

// QueryOptions filters Query. Zero fields match everything.
type QueryOptions struct {
	Kind   string
	Handle string
	Since  *time.Time
	Limit  int
}

// Query returns matching events, newest first.
func (a *Auditor) Query(opts QueryOptions) ([]database.AuditEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditEvent{})
	if opts.Kind != "" {
		tx = tx.Where("kind = ?", opts.Kind)
	}
	if opts.Handle != "" {
		tx = tx.Where("handle = ?", opts.Handle)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var out []database.AuditEvent
	err := tx.Order("created_at DESC, id DESC").Limit(opts.Limit).Find(&out).Error
	return out, err
}

// PurgeOlderThan deletes events older than days, or the configured
// retention when days is not positive.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	logger := logging.For("audit")
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditEvent{})
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("purge failed")
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Info().Int64("rows", res.RowsAffected).Int("days", days).Msg("purged audit events")
	}
	return res.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock used for timestamps and retention.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
