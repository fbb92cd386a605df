package store

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is the read-only view of one live session.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	Handle      string    `json:"handle"`
	Script      string    `json:"script"`
	Depth       int       `json:"depth"`
	Protocol    string    `json:"protocol"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	IdleSince   time.Time `json:"idle_since"`
}

// OnlineDirectory maps session ids to snapshots. Callers always receive
// copies; critical sections never perform I/O.
type OnlineDirectory struct {
	mu      sync.RWMutex
	entries map[string]Snapshot
}

func NewOnlineDirectory() *OnlineDirectory {
	return &OnlineDirectory{entries: make(map[string]Snapshot)}
}

// Register adds a session. Registering an id twice is a conflict.
func (d *OnlineDirectory) Register(id string, snap Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; ok {
		return conflict("register", "session %s already online", id)
	}
	snap.SessionID = id
	d.entries[id] = snap
	return nil
}

// Update replaces the snapshot of a registered session.
func (d *OnlineDirectory) Update(id string, snap Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return ErrNotFound
	}
	snap.SessionID = id
	d.entries[id] = snap
	return nil
}

// Modify applies fn to the stored snapshot of id.
func (d *OnlineDirectory) Modify(id string, fn func(*Snapshot)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(&snap)
	snap.SessionID = id
	d.entries[id] = snap
	return nil
}

func (d *OnlineDirectory) Unregister(id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

func (d *OnlineDirectory) Get(id string) (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap, ok := d.entries[id]
	return snap, ok
}

// List returns a point-in-time copy ordered by connect time.
func (d *OnlineDirectory) List() []Snapshot {
	d.mu.RLock()
	out := make([]Snapshot, 0, len(d.entries))
	for _, s := range d.entries {
		out = append(out, s)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (d *OnlineDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
