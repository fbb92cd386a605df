package msgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/store"
)

type node struct {
	name string
	db   *gorm.DB
	mb   *store.MessageBase
}

func newNode(t *testing.T, name string, moderated map[string][]string) *node {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &node{name: name, db: db, mb: store.NewMessageBase(db, name, []string{"sysop"}, moderated, 0)}
}

func (n *node) post(t *testing.T, subject string, tags ...string) string {
	t.Helper()
	id, err := n.mb.Post(store.Poster{Handle: "dingo"}, store.Message{Tags: tags, Subject: subject, Body: "body of " + subject})
	require.NoError(t, err)
	return id
}

func msgnetConfig(self string, peers ...config.Peer) config.MsgNet {
	return config.MsgNet{Node: self, Tags: []string{"public"}, Peers: peers, Timeout: "5s"}
}

// pair serves b and returns a client on a that talks to it.
func pair(t *testing.T, a, b *node, secret string) (*Client, config.Peer) {
	t.Helper()
	srv := NewServer(msgnetConfig(b.name, config.Peer{Name: a.name, Secret: "s3cret"}), b.mb)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	peer := config.Peer{Name: b.name, URL: ts.URL, Secret: secret}
	return NewClient(msgnetConfig(a.name, peer), a.mb, a.db), peer
}

func TestSyncPullsAndPushes(t *testing.T) {
	a := newNode(t, "alpha", nil)
	b := newNode(t, "beta", nil)
	fromA := a.post(t, "hello from alpha", "public")
	a.post(t, "private to alpha", "local")
	fromB := b.post(t, "hello from beta", "public")

	client, peer := pair(t, a, b, "s3cret")
	res, err := client.Sync(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Pushed)

	got, err := a.mb.Get(fromB)
	require.NoError(t, err)
	assert.Equal(t, "hello from beta", got.Subject)
	got, err = b.mb.Get(fromA)
	require.NoError(t, err)
	assert.Equal(t, "dingo", got.Author)

	visible, err := b.mb.ListByTag("local", store.FilterVisible)
	require.NoError(t, err)
	assert.Empty(t, visible, "untracked tags stay home")

	st, err := client.State("beta")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.LastSeenRemote)
	assert.EqualValues(t, 1, st.LastAckedLocal)
	assert.Empty(t, st.LastError)

	seq, err := client.LocalSeq()
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
}

func TestSyncIsIdempotent(t *testing.T) {
	a := newNode(t, "alpha", nil)
	b := newNode(t, "beta", nil)
	b.post(t, "one", "public")
	client, peer := pair(t, a, b, "s3cret")

	_, err := client.Sync(context.Background(), peer)
	require.NoError(t, err)

	// Forget the position: the same records come back and merge as no-ops.
	require.NoError(t, client.saveState(database.PeerState{Peer: "beta"}))
	res, err := client.Sync(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Zero(t, res.Stored)

	msgs, err := a.mb.ListByTag("public", store.FilterVisible)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSyncAuthFailureKeepsPosition(t *testing.T) {
	a := newNode(t, "alpha", nil)
	b := newNode(t, "beta", nil)
	b.post(t, "one", "public")
	a.post(t, "two", "public")
	client, peer := pair(t, a, b, "wrong")

	_, err := client.Sync(context.Background(), peer)
	var sf *SyncFailure
	require.True(t, errors.As(err, &sf))
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, "beta", sf.Peer)

	st, err := client.State("beta")
	require.NoError(t, err)
	assert.Zero(t, st.LastSeenRemote)
	assert.Zero(t, st.LastAckedLocal)
	assert.NotEmpty(t, st.LastError)

	assert.Len(t, client.SyncAll(context.Background()), 1)
}

func TestModeratedTagsArrivePending(t *testing.T) {
	a := newNode(t, "alpha", map[string][]string{"public": {"editors"}})
	b := newNode(t, "beta", nil)
	id := b.post(t, "needs review", "public")
	client, peer := pair(t, a, b, "s3cret")

	_, err := client.Sync(context.Background(), peer)
	require.NoError(t, err)
	got, err := a.mb.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, got.Status)
}

func TestPushPartial(t *testing.T) {
	b := newNode(t, "beta", nil)
	srv := NewServer(msgnetConfig("beta", config.Peer{Name: "alpha", Secret: "s3cret"}), b.mb)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	good := store.Message{ID: "alpha:1", Node: "alpha", Seq: 1, Author: "dingo", Tags: []string{"public"}, Subject: "ok", Body: "fine", PostedAt: time.Now()}
	bad := store.Message{ID: "alpha:2", Node: "alpha", Seq: 3, Author: "dingo", Tags: []string{"public"}, Subject: "bad", Body: "mismatched seq"}
	token, err := Seal("s3cret", Batch{Node: "alpha", Messages: []store.Message{good, bad}})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+Path+"?node=alpha", bytes.NewReader(token))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, []string{"alpha:1"}, out.Accepted)
	assert.Equal(t, []string{"alpha:2"}, out.Rejected)
}

func TestServerRejectsBadCredentials(t *testing.T) {
	b := newNode(t, "beta", nil)
	srv := NewServer(msgnetConfig("beta", config.Peer{Name: "alpha", Secret: "s3cret"}), b.mb)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name  string
		query string
		auth  string
	}{
		{"no token", "?node=alpha&since=0", ""},
		{"wrong token", "?node=alpha&since=0", "Bearer nope"},
		{"unknown peer", "?node=gamma&since=0", "Bearer s3cret"},
		{"not bearer", "?node=alpha&since=0", "s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+Path+tt.query, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			var out Response
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, StatusAuthFailure, out.Status)
		})
	}
}

func TestUnsealRejectsForeignKey(t *testing.T) {
	token, err := Seal("one", Batch{Node: "alpha"})
	require.NoError(t, err)
	_, err = Unseal("two", token)
	assert.ErrorIs(t, err, ErrAuth)
	b, err := Unseal("one", token)
	require.NoError(t, err)
	assert.Equal(t, "alpha", b.Node)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	a := newNode(t, "alpha", nil)
	client := NewClient(msgnetConfig("alpha"), a.mb, a.db)
	_, err := NewScheduler("not a schedule", client, time.Second)
	assert.Error(t, err)

	s, err := NewScheduler("@every 1h", client, time.Second)
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestPullCursorIgnoresForeignNodes(t *testing.T) {
	a := newNode(t, "alpha", nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: StatusOK, Messages: []store.Message{
			{ID: "beta:2", Node: "beta", Seq: 2, Author: "dingo", Tags: []string{"public"}, Subject: "own", Body: "x", PostedAt: time.Now()},
			{ID: "gamma:99", Node: "gamma", Seq: 99, Author: "dingo", Tags: []string{"public"}, Subject: "relayed", Body: "y", PostedAt: time.Now()},
		}})
	}))
	t.Cleanup(ts.Close)
	peer := config.Peer{Name: "beta", URL: ts.URL, Secret: "s3cret"}
	client := NewClient(msgnetConfig(a.name, peer), a.mb, a.db)

	res, err := client.Sync(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)

	st, err := client.State("beta")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.LastSeenRemote)
}
