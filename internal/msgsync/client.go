package msgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/store"
)

// Client runs exchanges with peers and records the position reached with
// each in the peer_states table.
type Client struct {
	HTTP  *http.Client
	node  string
	tags  []string
	limit int
	peers []config.Peer
	mb    *store.MessageBase
	db    *gorm.DB

	// running serialises exchanges with the same peer.
	mu      sync.Mutex
	running map[string]bool
}

// Result summarises one exchange.
type Result struct {
	Peer     string
	Pulled   int
	Stored   int
	Pushed   int
	Rejected int
}

func NewClient(cfg config.MsgNet, mb *store.MessageBase, db *gorm.DB) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: config.Duration(cfg.Timeout, 30*time.Second)},
		node:    cfg.Node,
		tags:    cfg.Tags,
		limit:   DefaultBatchLimit,
		peers:   cfg.Peers,
		mb:      mb,
		db:      db,
		running: make(map[string]bool),
	}
}

func (c *Client) Peers() []config.Peer { return c.peers }

// LocalSeq is the newest sequence this node has issued.
func (c *Client) LocalSeq() (int64, error) { return c.mb.LastSeq(c.node) }

// State returns the stored position with peer.
func (c *Client) State(peer string) (database.PeerState, error) {
	st := database.PeerState{Peer: peer}
	err := c.db.Where(database.PeerState{Peer: peer}).FirstOrCreate(&st).Error
	return st, err
}

func (c *Client) saveState(st database.PeerState) error {
	return c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&st).Error
}

// SyncAll exchanges with every peer in turn. A failing peer does not stop
// the others.
func (c *Client) SyncAll(ctx context.Context) []error {
	logger := logging.For("msgsync")
	var errs []error
	for _, p := range c.peers {
		res, err := c.Sync(ctx, p)
		if err != nil {
			logger.Warn().Err(err).Str("peer", p.Name).Msg("sync failed, will retry")
			errs = append(errs, err)
			continue
		}
		logger.Info().Str("peer", p.Name).Int("pulled", res.Pulled).Int("stored", res.Stored).
			Int("pushed", res.Pushed).Int("rejected", res.Rejected).Msg("sync complete")
	}
	return errs
}

// Sync pulls from and pushes to peer. The stored positions only advance
// for the direction that completed.
func (c *Client) Sync(ctx context.Context, peer config.Peer) (Result, error) {
	res := Result{Peer: peer.Name}
	c.mu.Lock()
	if c.running[peer.Name] {
		c.mu.Unlock()
		return res, &SyncFailure{Peer: peer.Name, Op: "start", Err: errors.New("exchange already running")}
	}
	c.running[peer.Name] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, peer.Name)
		c.mu.Unlock()
	}()

	st, err := c.State(peer.Name)
	if err != nil {
		return res, &SyncFailure{Peer: peer.Name, Op: "load state", Err: err}
	}

	ferr := c.pull(ctx, peer, &st, &res)
	if ferr == nil {
		ferr = c.push(ctx, peer, &st, &res)
	}
	st.LastSyncAt = time.Now().UTC()
	st.LastError = ""
	if ferr != nil {
		st.LastError = ferr.Error()
	}
	if err := c.saveState(st); err != nil && ferr == nil {
		ferr = &SyncFailure{Peer: peer.Name, Op: "save state", Err: err}
	}
	return res, ferr
}

func (c *Client) endpoint(peer config.Peer, q url.Values) string {
	q.Set("node", c.node)
	return strings.TrimRight(peer.URL, "/") + Path + "?" + q.Encode()
}

func (c *Client) do(req *http.Request, peer config.Peer, op string) (*Response, error) {
	req.Header.Set("Authorization", "Bearer "+peer.Secret)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &SyncFailure{Peer: peer.Name, Op: op, Err: err}
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return nil, &SyncFailure{Peer: peer.Name, Op: op, Err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || out.Status == StatusAuthFailure:
		return nil, &SyncFailure{Peer: peer.Name, Op: op, Err: ErrAuth}
	case resp.StatusCode != http.StatusOK:
		return nil, &SyncFailure{Peer: peer.Name, Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)}
	}
	return &out, nil
}

func (c *Client) pull(ctx context.Context, peer config.Peer, st *database.PeerState, res *Result) error {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(st.LastSeenRemote, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(peer, q), nil)
	if err != nil {
		return &SyncFailure{Peer: peer.Name, Op: "pull", Err: err}
	}
	out, err := c.do(req, peer, "pull")
	if err != nil {
		return err
	}
	if len(out.Messages) == 0 {
		return nil
	}
	merged, err := c.mb.Merge(out.Messages)
	if err != nil {
		return &SyncFailure{Peer: peer.Name, Op: "merge", Err: err}
	}
	res.Pulled = len(out.Messages)
	res.Stored = len(merged.Stored)
	for _, m := range out.Messages {
		// Only the peer's own records move the cursor; relayed ones carry
		// another node's sequence.
		if m.Node == peer.Name && m.Seq > st.LastSeenRemote {
			st.LastSeenRemote = m.Seq
		}
	}
	return nil
}

func (c *Client) push(ctx context.Context, peer config.Peer, st *database.PeerState, res *Result) error {
	msgs, err := c.mb.Since(c.node, st.LastAckedLocal, c.tags, c.limit)
	if err != nil {
		return &SyncFailure{Peer: peer.Name, Op: "push", Err: err}
	}
	if len(msgs) == 0 {
		return nil
	}
	token, err := Seal(peer.Secret, Batch{Node: c.node, Messages: msgs})
	if err != nil {
		return &SyncFailure{Peer: peer.Name, Op: "push", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(peer, url.Values{}), bytes.NewReader(token))
	if err != nil {
		return &SyncFailure{Peer: peer.Name, Op: "push", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	out, err := c.do(req, peer, "push")
	if err != nil {
		return err
	}

	answered := make(map[string]bool, len(out.Accepted)+len(out.Rejected))
	for _, id := range out.Accepted {
		answered[id] = true
	}
	for _, id := range out.Rejected {
		answered[id] = true
	}
	// Advance over the contiguous run of records the peer answered for.
	for _, m := range msgs {
		if !answered[m.ID] {
			break
		}
		st.LastAckedLocal = m.Seq
	}
	res.Pushed = len(out.Accepted)
	res.Rejected = len(out.Rejected)
	return nil
}
