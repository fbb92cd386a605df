package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tehmaze/x84/internal/database"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewAuditor(db, 30)
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a := NewAuditor(nil, 0)
	if a.RetentionDays() != DefaultRetentionDays {
		t.Errorf("expected %d retention days, got %d", DefaultRetentionDays, a.RetentionDays())
	}
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)

	entries := []Entry{
		{Kind: EventConnect, Remote: "10.0.0.1", Protocol: "telnet", SessionID: "s1"},
		{Kind: EventAuthFailure, Handle: "dingo", Remote: "10.0.0.1", Protocol: "ssh"},
		{Kind: EventLogin, Handle: "dingo\r\nfake entry", Remote: "10.0.0.2", Protocol: "ssh"},
	}
	for _, e := range entries {
		if err := a.Log(e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	all, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Kind != EventLogin {
		t.Errorf("expected newest first, got %s", all[0].Kind)
	}

	fails, err := a.Query(QueryOptions{Kind: EventAuthFailure})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(fails) != 1 || fails[0].Handle != "dingo" {
		t.Errorf("unexpected auth failures: %+v", fails)
	}
}

func TestNilAuditorLogs(t *testing.T) {
	var a *Auditor
	if err := a.Log(Entry{Kind: EventConnect}); err != nil {
		t.Errorf("nil auditor: %v", err)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -45) })
	a.Log(Entry{Kind: EventConnect})
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -5) })
	a.Log(Entry{Kind: EventConnect})
	a.SetNowFunc(func() time.Time { return now })

	n, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	left, _ := a.Query(QueryOptions{})
	if len(left) != 1 {
		t.Errorf("expected 1 remaining, got %d", len(left))
	}
}
