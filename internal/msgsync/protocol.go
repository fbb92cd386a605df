// Package msgsync exchanges messages with peer nodes. Each exchange pulls
// the peer's messages newer than the last one seen and pushes local
// messages newer than the last one the peer acknowledged. Merging is keyed
// by message id, so repeating an exchange is harmless.
package msgsync

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/tehmaze/x84/internal/store"
)

// Path is the message endpoint, relative to a peer's base URL.
const Path = "/api/v1/msgnet/messages"

// Response statuses.
const (
	StatusOK          = "ok"
	StatusPartial     = "partial"
	StatusAuthFailure = "auth-failure"
)

// DefaultBatchLimit caps the records in one pull or push.
const DefaultBatchLimit = 500

// TokenTTL bounds the age of an accepted push token.
const TokenTTL = 10 * time.Minute

var ErrAuth = errors.New("peer authentication failed")

// Batch is the sealed body of a push.
type Batch struct {
	Node     string          `json:"node"`
	Messages []store.Message `json:"messages"`
}

// Response is returned by both endpoints. Messages and Last are only set
// on a pull.
type Response struct {
	Status   string          `json:"status"`
	Accepted []string        `json:"accepted"`
	Rejected []string        `json:"rejected"`
	Messages []store.Message `json:"messages,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SyncFailure is a failed exchange with one peer. It is retried on the
// next run.
type SyncFailure struct {
	Peer string
	Op   string
	Err  error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync with %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// keyFor derives the fernet key shared with a peer from its secret.
func keyFor(secret string) *fernet.Key {
	k := fernet.Key(sha256.Sum256([]byte(secret)))
	return &k
}

// Seal encodes b as a fernet token under secret.
func Seal(secret string, b Batch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	tok, err := fernet.EncryptAndSign(data, keyFor(secret))
	if err != nil {
		return nil, fmt.Errorf("seal batch: %w", err)
	}
	return tok, nil
}

// Unseal verifies and decodes a token made by Seal.
func Unseal(secret string, token []byte) (Batch, error) {
	var b Batch
	data := fernet.VerifyAndDecrypt(token, TokenTTL, []*fernet.Key{keyFor(secret)})
	if data == nil {
		return b, ErrAuth
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}

func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
