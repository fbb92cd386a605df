package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/audit"
	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/msgsync"
	"github.com/tehmaze/x84/internal/transport"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "x84.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func testConfig(t *testing.T) *config.BBS {
	t.Helper()
	prev := config.Cfg.DataPath
	config.Cfg.DataPath = t.TempDir()
	t.Cleanup(func() { config.Cfg.DataPath = prev })

	cfg := config.Default()
	cfg.System.BcryptCost = bcrypt.MinCost
	cfg.System.ShutdownGrace = "100ms"
	cfg.Session.NegotiateTimeout = "100ms"
	for _, l := range []*config.Listener{&cfg.Telnet, &cfg.SSH.Listener, &cfg.SFTP.Listener, &cfg.Web.Listener, &cfg.MsgNet.Listener} {
		l.Addr = "127.0.0.1"
		l.Port = 0
	}
	return &cfg
}

func startServer(t *testing.T, cfg *config.BBS) *Server {
	t.Helper()
	s, err := New(cfg, setupTestDB(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { s.Shutdown(context.Background()) }) })
	return s
}

// lockedBuffer collects everything the server sends on a raw connection.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Contains(b.buf.Bytes(), []byte(s))
}

func drain(conn net.Conn) (*lockedBuffer, <-chan struct{}) {
	out := &lockedBuffer{}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		p := make([]byte, 1024)
		for {
			n, err := conn.Read(p)
			out.mu.Lock()
			out.buf.Write(p[:n])
			out.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return out, closed
}

func TestStartWithoutListeners(t *testing.T) {
	s := startServer(t, testConfig(t))
	for _, proto := range []string{transport.ProtoTelnet, transport.ProtoSSH, transport.ProtoSFTP, transport.ProtoWeb, ProtoMsgNet} {
		assert.Nil(t, s.Addr(proto), proto)
	}
}

func TestNewRejectsUnknownMatrixScript(t *testing.T) {
	cfg := testConfig(t)
	cfg.Matrix.Script = "no-such-login"
	_, err := New(cfg, setupTestDB(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-login")
}

func TestNewLoadsLuaScripts(t *testing.T) {
	cfg := testConfig(t)
	dir := config.DataFile(cfg.System.ScriptsPath)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bulletins.lua"), []byte(`return nil`), 0644))

	s, err := New(cfg, setupTestDB(t))
	require.NoError(t, err)
	_, ok := s.registry.Lookup("bulletins")
	assert.True(t, ok)
	_, ok = s.registry.Lookup("matrix")
	assert.True(t, ok)
}

func TestTelnetSessionAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telnet.Enabled = true
	s := startServer(t, cfg)

	addr := s.Addr(transport.ProtoTelnet)
	require.NotNil(t, addr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	out, closed := drain(conn)

	require.Eventually(t, func() bool { return out.contains("handle") }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Sessions().Count() == 1 }, time.Second, 10*time.Millisecond)
	online := s.Store().Online.List()
	require.Len(t, online, 1)
	assert.Equal(t, transport.ProtoTelnet, online[0].Protocol)

	start := time.Now()
	s.Shutdown(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, s.Sessions().Count())
	assert.True(t, out.contains("going down"))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after shutdown")
	}
	_, err = net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err)
}

func TestMsgNetEndpointRequiresPeerSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.MsgNet.Listener.Enabled = true
	cfg.MsgNet.Peers = []config.Peer{{Name: "remote", URL: "http://127.0.0.1:1", Secret: "s3cret"}}
	cfg.MsgNet.Schedule = "@every 1h"
	s := startServer(t, cfg)

	addr := s.Addr(ProtoMsgNet)
	require.NotNil(t, addr)
	base := "http://" + addr.String() + msgsync.Path

	resp, err := http.Get(base + "?node=remote")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"?node=remote&since=0", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, s.scheduler)
}

func TestBindFailureClosesBoundListeners(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Telnet.Enabled = true
	cfg.MsgNet.Listener.Enabled = true
	cfg.MsgNet.Listener.Port = taken.Addr().(*net.TCPAddr).Port

	s, err := New(cfg, setupTestDB(t))
	require.NoError(t, err)
	err = s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "msgnet listener")
	assert.Nil(t, s.Addr(transport.ProtoTelnet))
}

func TestBadMaintenanceScheduleFailsStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telnet.Enabled = true
	cfg.System.Maintenance = "every tuesday"

	s, err := New(cfg, setupTestDB(t))
	require.NoError(t, err)
	require.Error(t, s.Start())
	assert.Nil(t, s.Addr(transport.ProtoTelnet))
}

func TestMaintainPurgesExpiredAuditEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.System.AuditRetentionDays = 7
	s, err := New(cfg, setupTestDB(t))
	require.NoError(t, err)

	now := time.Now()
	s.auditor.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -30) })
	require.NoError(t, s.auditor.Log(audit.Entry{Kind: audit.EventConnect, Remote: "192.0.2.1"}))
	s.auditor.SetNowFunc(func() time.Time { return now })
	require.NoError(t, s.auditor.Log(audit.Entry{Kind: audit.EventConnect, Remote: "192.0.2.2"}))

	s.maintain()

	events, err := s.auditor.Query(audit.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "192.0.2.2", events[0].Remote)
}
