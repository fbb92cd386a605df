package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/database"
)

func newTestBase(t *testing.T) *MessageBase {
	t.Helper()
	return NewMessageBase(setupTestDB(t), "x84", []string{"sysop", "moderator"},
		map[string][]string{"news": nil, "art": {"artists"}}, time.Minute)
}

var (
	alice = Poster{Handle: "alice"}
	sysop = Poster{Handle: "root", Groups: []string{"Sysop"}}
)

func TestPostAssignsIncreasingSequence(t *testing.T) {
	b := newTestBase(t)
	for i := int64(1); i <= 3; i++ {
		id, err := b.Post(alice, Message{Tags: []string{"General"}, Subject: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Equal(t, MessageID("x84", i), id)
	}
	msgs, err := b.ListByTag("general", FilterApproved)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Subject)
	assert.Equal(t, []string{"general"}, msgs[0].Tags)

	last, err := b.LastSeq("x84")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestConcurrentPostsSequenceUniqueNoGaps(t *testing.T) {
	b := newTestBase(t)
	const n = 25
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.Post(Poster{Handle: fmt.Sprintf("u%d", i)}, Message{Tags: []string{"general"}, Subject: "race"})
			if err != nil {
				t.Errorf("Post: %v", err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	var seqs []int64
	for id := range ids {
		node, seq, err := ParseMessageID(id)
		require.NoError(t, err)
		require.Equal(t, "x84", node)
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, n)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

func TestConcurrentPostsIntoModeratedTagAllRejected(t *testing.T) {
	b := newTestBase(t)
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Post(Poster{Handle: fmt.Sprintf("u%d", i), Groups: []string{"users"}},
				Message{Tags: []string{"news", "general"}, Subject: "spam"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, IsConflict(err), "got %v", err)
	}

	for _, f := range []Filter{FilterApproved, FilterPending, FilterVisible} {
		msgs, err := b.ListByTag("news", f)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
	msgs, err := b.ListByTag("general", FilterVisible)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected post partially visible")

	last, err := b.LastSeq("x84")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestModeratedTagGroups(t *testing.T) {
	b := newTestBase(t)

	_, err := b.Post(sysop, Message{Tags: []string{"news"}, Subject: "ok"})
	require.NoError(t, err)

	_, err = b.Post(sysop, Message{Tags: []string{"art"}, Subject: "no"})
	assert.True(t, IsConflict(err), "art names its own groups")

	_, err = b.Post(Poster{Handle: "pablo", Groups: []string{"artists"}}, Message{Tags: []string{"ART"}, Subject: "yes"})
	require.NoError(t, err)
}

func TestPostValidation(t *testing.T) {
	b := newTestBase(t)
	_, err := b.Post(Poster{}, Message{Tags: []string{"general"}, Subject: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = b.Post(alice, Message{Subject: "nowhere"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = b.Post(alice, Message{Tags: []string{"general"}})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = b.Post(alice, Message{Tags: []string{"general"}, Subject: "re", ParentID: "x84:99"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplyThreadAndPrivate(t *testing.T) {
	b := newTestBase(t)
	root, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "root"})
	require.NoError(t, err)
	_, err = b.Post(sysop, Message{Tags: []string{"general"}, Subject: "re: root", ParentID: root})
	require.NoError(t, err)
	_, err = b.Post(sysop, Message{Recipient: "Alice", Subject: "psst"})
	require.NoError(t, err)

	thread, err := b.Thread(root)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "re: root", thread[0].Subject)

	inbox, err := b.ListForRecipient("alice", FilterApproved)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "psst", inbox[0].Subject)

	tags, err := b.Tags()
	require.NoError(t, err)
	assert.Equal(t, int64(2), tags["general"])
}

func TestSoftDeleteNeverRemoves(t *testing.T) {
	b := newTestBase(t)
	id, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "bye"})
	require.NoError(t, err)

	require.NoError(t, b.Moderate(alice, id, ActionDelete))
	visible, _ := b.ListByTag("general", FilterApproved)
	assert.Empty(t, visible)
	deleted, _ := b.ListByTag("general", FilterDeleted)
	require.Len(t, deleted, 1)

	m, err := b.Get(id)
	require.NoError(t, err)
	assert.True(t, m.Deleted)

	require.NoError(t, b.Moderate(sysop, id, ActionUndelete))
	visible, _ = b.ListByTag("general", FilterApproved)
	assert.Len(t, visible, 1)

	assert.ErrorIs(t, b.Moderate(sysop, "x84:404", ActionDelete), ErrNotFound)
	assert.ErrorIs(t, b.Moderate(sysop, id, Action("burn")), ErrInvalid)
}

func TestTagUntag(t *testing.T) {
	b := newTestBase(t)
	id, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "t"})
	require.NoError(t, err)

	assert.True(t, IsConflict(b.Tag(alice, id, "news")))
	require.NoError(t, b.Tag(alice, id, "misc"))
	require.NoError(t, b.Tag(alice, id, "misc"))
	assert.True(t, IsConflict(b.Tag(Poster{Handle: "mallory"}, id, "other")))

	m, _ := b.Get(id)
	assert.Equal(t, []string{"general", "misc"}, m.Tags)

	require.NoError(t, b.Untag(sysop, id, "general"))
	m, _ = b.Get(id)
	assert.Equal(t, []string{"misc"}, m.Tags)
}

func TestEditLease(t *testing.T) {
	b := newTestBase(t)
	now := time.Now()
	b.nowFn = func() time.Time { return now }

	id, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "draft"})
	require.NoError(t, err)

	release, err := b.Acquire(id, "session-1")
	require.NoError(t, err)

	_, err = b.Acquire(id, "session-2")
	assert.True(t, IsConflict(err))
	assert.True(t, IsConflict(b.Edit(alice, "session-2", id, "hijack", "")))

	require.NoError(t, b.Edit(alice, "session-1", id, "final", "body"))
	m, _ := b.Get(id)
	assert.Equal(t, "final", m.Subject)

	release()
	release()
	assert.False(t, b.Leased(id))

	_, err = b.Acquire(id, "session-2")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = b.Acquire(id, "session-3")
	require.NoError(t, err, "expired lease must not block")
}

func remote(node string, seq int64, tags ...string) Message {
	return Message{
		ID:       MessageID(node, seq),
		Node:     node,
		Seq:      seq,
		Author:   "faruser",
		Tags:     tags,
		Subject:  fmt.Sprintf("from %s", node),
		PostedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMergeIdempotent(t *testing.T) {
	b := newTestBase(t)
	batch := []Message{remote("htc", 1, "general"), remote("htc", 2, "news")}

	res, err := b.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"htc:1", "htc:2"}, res.Accepted)
	assert.Equal(t, []string{"htc:1", "htc:2"}, res.Stored)
	assert.Empty(t, res.Rejected)

	res, err = b.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"htc:1", "htc:2"}, res.Accepted)
	assert.Empty(t, res.Stored)

	general, _ := b.ListByTag("general", FilterApproved)
	assert.Len(t, general, 1)
	pending, _ := b.ListByTag("news", FilterPending)
	require.Len(t, pending, 1, "remote posts into moderated tags wait for approval")
	assert.Equal(t, database.StatusPending, pending[0].Status)
}

func TestPendingOnlyTagsAreListed(t *testing.T) {
	b := newTestBase(t)
	_, err := b.Merge([]Message{remote("htc", 1, "news"), remote("htc", 2, "news", "general")})
	require.NoError(t, err)

	approved, err := b.Tags()
	require.NoError(t, err)
	assert.NotContains(t, approved, "news")

	pending, err := b.TagsWith(FilterPending)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"news": 2, "general": 1}, pending)

	msgs, err := b.List(FilterPending)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "htc:1", msgs[0].ID)
}

func TestMergeRejectsMalformed(t *testing.T) {
	b := newTestBase(t)
	spoofed := remote("htc", 3, "general")
	spoofed.ID = "htc:4"
	local := remote("x84", 1, "general")
	untagged := remote("htc", 5)
	noAuthor := remote("htc", 6, "general")
	noAuthor.Author = ""

	res, err := b.Merge([]Message{remote("htc", 1, "general"), spoofed, local, untagged, noAuthor})
	require.NoError(t, err)
	assert.Equal(t, []string{"htc:1"}, res.Accepted)
	assert.ElementsMatch(t, []string{"htc:4", "x84:1", "htc:5", "htc:6"}, res.Rejected)
}

func TestMergeAllOrNothing(t *testing.T) {
	db := setupTestDB(t)
	b := NewMessageBase(db, "x84", nil, nil, time.Minute)
	boom := errors.New("disk on fire")
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_htc_2", func(tx *gorm.DB) {
		if m, ok := tx.Statement.Dest.(*database.Message); ok && m.ID == "htc:2" {
			tx.AddError(boom)
		}
	}))

	_, err := b.Merge([]Message{remote("htc", 1, "general"), remote("htc", 2, "general")})
	require.ErrorIs(t, err, boom)

	msgs, err := b.ListByTag("general", FilterVisible)
	require.NoError(t, err)
	assert.Empty(t, msgs, "failed batch partially applied")
	_, err = b.Get("htc:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSince(t *testing.T) {
	b := newTestBase(t)
	for i := 0; i < 3; i++ {
		_, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "pub"})
		require.NoError(t, err)
	}
	_, err := b.Post(alice, Message{Tags: []string{"local"}, Subject: "stay"})
	require.NoError(t, err)
	id, err := b.Post(alice, Message{Tags: []string{"general"}, Subject: "gone"})
	require.NoError(t, err)
	require.NoError(t, b.Moderate(alice, id, ActionDelete))

	msgs, err := b.Since("x84", 1, []string{"general"}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, int64(3), msgs[1].Seq)

	msgs, err = b.Since("x84", 0, []string{"general"}, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestParseMessageID(t *testing.T) {
	node, seq, err := ParseMessageID("bbs:example:42")
	require.NoError(t, err)
	assert.Equal(t, "bbs:example", node)
	assert.Equal(t, int64(42), seq)

	for _, bad := range []string{"", "x84", "x84:", ":1", "x84:0", "x84:-1", "x84:abc"} {
		_, _, err := ParseMessageID(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}
