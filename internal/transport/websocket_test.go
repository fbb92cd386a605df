package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebConnDataAndControl(t *testing.T) {
	l, err := ListenWeb(WebOptions{Addr: "127.0.0.1:0", Path: "/ws"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws?term=ANSI&cols=100&rows=30", l.Addr()), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	c := acceptWithin(t, l, 3*time.Second)
	defer c.Close()

	info := c.Info()
	assert.Equal(t, ProtoWeb, info.Protocol)
	assert.Equal(t, "ansi", info.TermType)
	assert.Equal(t, Size{Cols: 100, Rows: 30}, info.Size)

	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte("key")))
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "key", string(buf[:n]))

	msg, _ := json.Marshal(webControlMsg{Type: "resize", Cols: 132, Rows: 43})
	require.NoError(t, ws.Write(ctx, websocket.MessageText, msg))
	select {
	case s := <-c.Resize():
		assert.Equal(t, Size{Cols: 132, Rows: 43}, s)
	case <-time.After(3 * time.Second):
		t.Fatal("no resize delivered")
	}

	_, err = c.Write([]byte("\x1b[2J"))
	require.NoError(t, err)
	typ, out, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, "\x1b[2J", string(out))

	ws.Close(websocket.StatusNormalClosure, "")
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("conn not done after client close")
	}
}

func TestWebGuardRefuses(t *testing.T) {
	guard, err := NewGuard("10.0.0.0/8", nil)
	require.NoError(t, err)
	l, err := ListenWeb(WebOptions{Addr: "127.0.0.1:0", Guard: guard})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", l.Addr()), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestAtoi(t *testing.T) {
	assert.Equal(t, 80, atoi("80"))
	assert.Equal(t, 0, atoi("-1"))
	assert.Equal(t, 0, atoi("x"))
}
