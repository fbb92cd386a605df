package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tehmaze/x84/internal/database"
)

const (
	MaxSubjectLength    = 128
	MaxBodyLength       = 64 * 1024
	DefaultLeaseTimeout = 10 * time.Minute
)

// Message is a copy of a message row with its tags resolved. It doubles as
// the record exchanged with peers.
type Message struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Seq       int64     `json:"seq"`
	Author    string    `json:"author"`
	Recipient string    `json:"recipient,omitempty"`
	Tags      []string  `json:"tags"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	ParentID  string    `json:"parent_id,omitempty"`
	Status    string    `json:"status"`
	Deleted   bool      `json:"deleted"`
	PostedAt  time.Time `json:"posted_at"`
}

// MessageID composes the globally unique id of a message.
func MessageID(node string, seq int64) string {
	return node + ":" + strconv.FormatInt(seq, 10)
}

// ParseMessageID splits an id into origin node and sequence.
func ParseMessageID(id string) (string, int64, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: message id %q", ErrInvalid, id)
	}
	seq, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("%w: message id %q", ErrInvalid, id)
	}
	return id[:i], seq, nil
}

// Poster identifies who performs a message operation. Groups is a snapshot
// taken from the user directory before the message base lock is acquired;
// a membership change after the snapshot does not affect the operation.
type Poster struct {
	Handle string
	Groups []string
}

// Filter selects messages by moderation state.
type Filter int

const (
	FilterApproved Filter = iota
	FilterPending
	FilterRejected
	FilterVisible // any status, not deleted
	FilterDeleted
)

func (f Filter) apply(tx *gorm.DB) *gorm.DB {
	switch f {
	case FilterPending:
		return tx.Where("messages.status = ? AND messages.deleted = ?", database.StatusPending, false)
	case FilterRejected:
		return tx.Where("messages.status = ? AND messages.deleted = ?", database.StatusRejected, false)
	case FilterVisible:
		return tx.Where("messages.deleted = ?", false)
	case FilterDeleted:
		return tx.Where("messages.deleted = ?", true)
	default:
		return tx.Where("messages.status = ? AND messages.deleted = ?", database.StatusApproved, false)
	}
}

// Action is a moderation action.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelete   Action = "delete"
	ActionUndelete Action = "undelete"
)

type lease struct {
	owner   string
	expires time.Time
}

// MessageBase is the message store of this node. Writes are serialised by
// mu and each runs in a single transaction, so sequence allocation, the
// moderation check and the insert are one atomic step.
type MessageBase struct {
	mu         sync.RWMutex
	db         *gorm.DB
	node       string
	moderators []string
	moderated  map[string][]string

	leaseMu      sync.Mutex
	leases       map[string]lease
	leaseTimeout time.Duration
	nowFn        func() time.Time
}

// NewMessageBase creates the message base for node. moderated maps a tag
// to the groups allowed to post into it; an empty group list falls back to
// moderators.
func NewMessageBase(db *gorm.DB, node string, moderators []string, moderated map[string][]string, leaseTimeout time.Duration) *MessageBase {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	tags := make(map[string][]string, len(moderated))
	for tag, groups := range moderated {
		tags[strings.ToLower(tag)] = normalizeList(groups)
	}
	return &MessageBase{
		db:           db,
		node:         node,
		moderators:   normalizeList(moderators),
		moderated:    tags,
		leases:       make(map[string]lease),
		leaseTimeout: leaseTimeout,
		nowFn:        time.Now,
	}
}

// Node returns the origin node name of local posts.
func (b *MessageBase) Node() string { return b.node }

// IsModerator reports whether p may moderate.
func (b *MessageBase) IsModerator(p Poster) bool {
	return intersects(normalizeList(p.Groups), b.moderators)
}

// IsModerated reports whether tag restricts who may post.
func (b *MessageBase) IsModerated(tag string) bool {
	_, ok := b.moderated[strings.ToLower(tag)]
	return ok
}

func (b *MessageBase) mayPost(p Poster, tag string) bool {
	groups, ok := b.moderated[tag]
	if !ok {
		return true
	}
	if len(groups) == 0 {
		groups = b.moderators
	}
	return intersects(normalizeList(p.Groups), groups)
}

func validate(m *Message) error {
	m.Tags = normalizeList(m.Tags)
	m.Subject = strings.TrimSpace(m.Subject)
	m.Recipient = strings.TrimSpace(m.Recipient)
	if len(m.Tags) == 0 && m.Recipient == "" {
		return fmt.Errorf("%w: message needs a tag or a recipient", ErrInvalid)
	}
	return validateContent(m.Subject, m.Body)
}

func validateContent(subject, body string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalid)
	}
	if utf8.RuneCountInString(subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject longer than %d characters", ErrInvalid, MaxSubjectLength)
	}
	if len(body) > MaxBodyLength {
		return fmt.Errorf("%w: body larger than %d bytes", ErrInvalid, MaxBodyLength)
	}
	return nil
}

// Post stores a new local message and returns its id. Posting into a
// moderated tag without a permitted group is a StateConflict and leaves no
// trace in the base.
func (b *MessageBase) Post(p Poster, m Message) (string, error) {
	if p.Handle == "" {
		return "", fmt.Errorf("%w: anonymous post", ErrInvalid)
	}
	if err := validate(&m); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tag := range m.Tags {
		if !b.mayPost(p, tag) {
			return "", conflict("post", "tag %q is moderated", tag)
		}
	}

	var id string
	err := b.db.Transaction(func(tx *gorm.DB) error {
		if m.ParentID != "" {
			var count int64
			if err := tx.Model(&database.Message{}).Where("id = ?", m.ParentID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("parent %s: %w", m.ParentID, ErrNotFound)
			}
		}

		seq, err := nextSeq(tx, b.node)
		if err != nil {
			return err
		}
		row := database.Message{
			ID:        MessageID(b.node, seq),
			Node:      b.node,
			Seq:       seq,
			Author:    p.Handle,
			Recipient: m.Recipient,
			Subject:   m.Subject,
			Body:      m.Body,
			ParentID:  m.ParentID,
			Status:    database.StatusApproved,
			PostedAt:  b.nowFn().UTC(),
		}
		for _, tag := range m.Tags {
			row.Tags = append(row.Tags, database.MessageTag{Tag: tag})
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	return id, nil
}

func nextSeq(tx *gorm.DB, node string) (int64, error) {
	ns := database.NodeSequence{Node: node}
	if err := tx.Where(database.NodeSequence{Node: node}).FirstOrCreate(&ns).Error; err != nil {
		return 0, err
	}
	ns.Last++
	if err := tx.Model(&database.NodeSequence{}).Where("node = ?", node).Update("last", ns.Last).Error; err != nil {
		return 0, err
	}
	return ns.Last, nil
}

func toMessage(row *database.Message) Message {
	tags := make([]string, 0, len(row.Tags))
	for _, t := range row.Tags {
		tags = append(tags, t.Tag)
	}
	return Message{
		ID:        row.ID,
		Node:      row.Node,
		Seq:       row.Seq,
		Author:    row.Author,
		Recipient: row.Recipient,
		Tags:      tags,
		Subject:   row.Subject,
		Body:      row.Body,
		ParentID:  row.ParentID,
		Status:    row.Status,
		Deleted:   row.Deleted,
		PostedAt:  row.PostedAt,
	}
}

func preloadTags(tx *gorm.DB) *gorm.DB {
	return tx.Preload("Tags", func(db *gorm.DB) *gorm.DB { return db.Order("tag") })
}

// Get returns a message by id, deleted or not.
func (b *MessageBase) Get(id string) (*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var row database.Message
	err := preloadTags(b.db).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := toMessage(&row)
	return &m, nil
}

// ListByTag returns the messages filed under tag in arrival order.
func (b *MessageBase) ListByTag(tag string, f Filter) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx := preloadTags(b.db).Model(&database.Message{}).
		Joins("JOIN message_tags ON message_tags.message_id = messages.id AND message_tags.tag = ?", strings.ToLower(tag))
	return b.find(f.apply(tx).Order("messages.rowid"))
}

// List returns every message matching f, tagged or not, in arrival order.
func (b *MessageBase) List(f Filter) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.find(f.apply(preloadTags(b.db).Model(&database.Message{})).Order("messages.rowid"))
}

// ListForRecipient returns private messages addressed to handle.
func (b *MessageBase) ListForRecipient(handle string, f Filter) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx := preloadTags(b.db).Model(&database.Message{}).Where("LOWER(messages.recipient) = ?", handleKey(handle))
	return b.find(f.apply(tx).Order("messages.rowid"))
}

// Thread returns the replies to id in arrival order.
func (b *MessageBase) Thread(id string) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx := preloadTags(b.db).Model(&database.Message{}).Where("messages.parent_id = ?", id)
	return b.find(FilterVisible.apply(tx).Order("messages.rowid"))
}

// Tags returns every tag in use with its count of approved messages.
func (b *MessageBase) Tags() (map[string]int64, error) {
	return b.TagsWith(FilterApproved)
}

// TagsWith returns the tags of messages matching f with their counts.
func (b *MessageBase) TagsWith(f Filter) (map[string]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var rows []struct {
		Tag   string
		Count int64
	}
	tx := b.db.Model(&database.MessageTag{}).
		Select("message_tags.tag AS tag, COUNT(*) AS count").
		Joins("JOIN messages ON messages.id = message_tags.message_id")
	err := f.apply(tx).Group("message_tags.tag").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Tag] = r.Count
	}
	return out, nil
}

func (b *MessageBase) find(tx *gorm.DB) ([]Message, error) {
	var rows []database.Message
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for i := range rows {
		out = append(out, toMessage(&rows[i]))
	}
	return out, nil
}

// Moderate applies action to a message. Only moderators may approve or
// reject; authors may also delete and undelete their own messages.
func (b *MessageBase) Moderate(p Poster, id string, action Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Transaction(func(tx *gorm.DB) error {
		var row database.Message
		err := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		moderator := b.IsModerator(p)
		own := p.Handle != "" && handleKey(p.Handle) == handleKey(row.Author)

		var updates map[string]any
		switch action {
		case ActionApprove:
			updates = map[string]any{"status": database.StatusApproved}
		case ActionReject:
			updates = map[string]any{"status": database.StatusRejected}
		case ActionDelete:
			updates = map[string]any{"deleted": true}
			moderator = moderator || own
		case ActionUndelete:
			updates = map[string]any{"deleted": false}
			moderator = moderator || own
		default:
			return fmt.Errorf("%w: moderation action %q", ErrInvalid, action)
		}
		if !moderator {
			return conflict(string(action), "%s may not %s message %s", p.Handle, action, id)
		}
		return tx.Model(&database.Message{}).Where("id = ?", id).Updates(updates).Error
	})
}

// Tag files a message under an additional tag. The same moderation rule
// as Post applies to the new tag.
func (b *MessageBase) Tag(p Poster, id, tag string) error {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mayPost(p, tag) {
		return conflict("tag", "tag %q is moderated", tag)
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		row, err := b.owned(tx, p, id, "tag")
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&database.MessageTag{MessageID: row.ID, Tag: tag}).Error
	})
}

func (b *MessageBase) Untag(p Poster, id, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Transaction(func(tx *gorm.DB) error {
		row, err := b.owned(tx, p, id, "untag")
		if err != nil {
			return err
		}
		return tx.Where("message_id = ? AND tag = ?", row.ID, strings.ToLower(tag)).Delete(&database.MessageTag{}).Error
	})
}

// owned loads id and checks that p is its author or a moderator.
func (b *MessageBase) owned(tx *gorm.DB, p Poster, id, op string) (*database.Message, error) {
	var row database.Message
	err := tx.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if handleKey(row.Author) != handleKey(p.Handle) && !b.IsModerator(p) {
		return nil, conflict(op, "%s does not own message %s", p.Handle, id)
	}
	return &row, nil
}

// Acquire takes the edit lease on a message for owner (a session id). The
// returned release is idempotent and must run when the owner is done, on
// any exit path.
func (b *MessageBase) Acquire(id, owner string) (func(), error) {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	now := b.nowFn()
	if l, ok := b.leases[id]; ok && l.owner != owner && now.Before(l.expires) {
		return nil, conflict("acquire", "message %s is being edited", id)
	}
	b.leases[id] = lease{owner: owner, expires: now.Add(b.leaseTimeout)}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.leaseMu.Lock()
			if l, ok := b.leases[id]; ok && l.owner == owner {
				delete(b.leases, id)
			}
			b.leaseMu.Unlock()
		})
	}, nil
}

// Leased reports whether id currently has a live lease.
func (b *MessageBase) Leased(id string) bool {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	l, ok := b.leases[id]
	return ok && b.nowFn().Before(l.expires)
}

// Edit replaces subject and body. The editor must hold the lease.
func (b *MessageBase) Edit(p Poster, owner, id, subject, body string) error {
	b.leaseMu.Lock()
	l, ok := b.leases[id]
	held := ok && l.owner == owner && b.nowFn().Before(l.expires)
	b.leaseMu.Unlock()
	if !held {
		return conflict("edit", "lease on message %s not held", id)
	}

	subject = strings.TrimSpace(subject)
	if err := validateContent(subject, body); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Transaction(func(tx *gorm.DB) error {
		row, err := b.owned(tx, p, id, "edit")
		if err != nil {
			return err
		}
		return tx.Model(row).Updates(map[string]any{"subject": subject, "body": body}).Error
	})
}

// LastSeq returns the highest sequence stored for node.
func (b *MessageBase) LastSeq(node string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var last int64
	err := b.db.Model(&database.Message{}).Where("node = ?", node).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
	return last, err
}

// Since returns approved, undeleted messages originating at node with a
// sequence above after, filed under any of tags, in sequence order.
func (b *MessageBase) Since(node string, after int64, tags []string, limit int) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx := preloadTags(b.db).Model(&database.Message{}).
		Where("messages.node = ? AND messages.seq > ?", node, after).
		Where("messages.status = ? AND messages.deleted = ?", database.StatusApproved, false).
		Where("messages.id IN (?)", b.db.Model(&database.MessageTag{}).Select("message_id").Where("tag IN ?", normalizeList(tags))).
		Order("messages.seq")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return b.find(tx)
}

// MergeResult reports what happened to each record of a batch.
type MergeResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
	// Stored lists the accepted ids that were not already present.
	Stored []string `json:"-"`
}

// Merge stores remote messages. Records are keyed by id, so merging a
// record twice is a no-op. Malformed records are rejected individually;
// all valid records are committed in one transaction or none are. A batch
// holding malformed records is therefore applied in part, and the result
// names the rejected ids. Records filed under a moderated tag are stored
// pending.
func (b *MessageBase) Merge(batch []Message) (*MergeResult, error) {
	res := &MergeResult{}
	var valid []database.Message
	seen := make(map[string]bool, len(batch))
	for _, m := range batch {
		if seen[m.ID] {
			continue
		}
		row, ok := b.mergeRow(m)
		if !ok {
			res.Rejected = append(res.Rejected, m.ID)
			continue
		}
		seen[m.ID] = true
		valid = append(valid, row)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Transaction(func(tx *gorm.DB) error {
		for i := range valid {
			row := valid[i]
			tags := row.Tags
			row.Tags = nil
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return fmt.Errorf("merge %s: %w", row.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			for _, t := range tags {
				t.MessageID = row.ID
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&t).Error; err != nil {
					return fmt.Errorf("merge %s tags: %w", row.ID, err)
				}
			}
			res.Stored = append(res.Stored, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, row := range valid {
		res.Accepted = append(res.Accepted, row.ID)
	}
	return res, nil
}

func (b *MessageBase) mergeRow(m Message) (database.Message, bool) {
	node, seq, err := ParseMessageID(m.ID)
	if err != nil || node != m.Node || seq != m.Seq || node == b.node {
		return database.Message{}, false
	}
	if m.Author == "" || ValidateHandle(m.Author) != nil {
		return database.Message{}, false
	}
	m.Recipient = ""
	if err := validate(&m); err != nil {
		return database.Message{}, false
	}
	status := database.StatusApproved
	for _, tag := range m.Tags {
		if b.IsModerated(tag) {
			status = database.StatusPending
		}
	}
	posted := m.PostedAt.UTC()
	if posted.IsZero() {
		posted = b.nowFn().UTC()
	}
	row := database.Message{
		ID:       m.ID,
		Node:     node,
		Seq:      seq,
		Author:   m.Author,
		Subject:  m.Subject,
		Body:     m.Body,
		ParentID: m.ParentID,
		Status:   status,
		PostedAt: posted,
	}
	for _, tag := range m.Tags {
		row.Tags = append(row.Tags, database.MessageTag{Tag: tag})
	}
	return row, true
}
