package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestOnlineDirectoryLifecycle(t *testing.T) {
	d := NewOnlineDirectory()
	start := time.Now()

	if err := d.Register("a", Snapshot{Handle: "dingo", Script: "matrix", ConnectedAt: start}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register("a", Snapshot{}); !IsConflict(err) {
		t.Errorf("duplicate Register = %v, want StateConflict", err)
	}
	if err := d.Register("b", Snapshot{Handle: "biscuit", ConnectedAt: start.Add(time.Second)}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := d.Update("a", Snapshot{Handle: "dingo", Script: "main", ConnectedAt: start}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := d.Update("zz", Snapshot{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown = %v", err)
	}

	list := d.List()
	if len(list) != 2 || list[0].SessionID != "a" || list[0].Script != "main" || list[1].SessionID != "b" {
		t.Fatalf("List = %+v", list)
	}

	list[0].Script = "mutated"
	if snap, _ := d.Get("a"); snap.Script != "main" {
		t.Error("List returned shared state")
	}

	d.Unregister("a")
	d.Unregister("a")
	if d.Count() != 1 {
		t.Errorf("Count = %d, want 1", d.Count())
	}
}

func TestOnlineDirectoryConcurrent(t *testing.T) {
	d := NewOnlineDirectory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			d.Register(id, Snapshot{Handle: id})
			d.Modify(id, func(s *Snapshot) { s.Depth++ })
			_ = d.List()
			d.Unregister(id)
		}(i)
	}
	wg.Wait()
	if d.Count() != 0 {
		t.Errorf("entries outlived their sessions: %d", d.Count())
	}
}
