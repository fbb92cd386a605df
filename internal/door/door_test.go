package door

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDropfile() Dropfile {
	return Dropfile{
		BBSName:     "x/84",
		SysopName:   "Big Sysop",
		Node:        3,
		Handle:      "dingo",
		Location:    "Outback",
		Security:    30,
		Calls:       12,
		LastCall:    time.Date(2024, 5, 6, 7, 8, 0, 0, time.UTC),
		MinutesLeft: 45,
		ANSI:        true,
		Rows:        25,
		Record:      7,
	}
}

func TestDoorSysRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDoorSys(&buf, sampleDropfile()))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
	assert.Len(t, lines, doorSysLen)
	assert.Equal(t, "COM0:", lines[0])
	assert.Equal(t, "2700", lines[17])
	assert.Equal(t, "05/06/24", lines[16])

	got, err := ReadDoorSys(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Node)
	assert.Equal(t, "dingo", got.Handle)
	assert.Equal(t, "Outback", got.Location)
	assert.Equal(t, 30, got.Security)
	assert.Equal(t, 12, got.Calls)
	assert.Equal(t, 45, got.MinutesLeft)
	assert.True(t, got.ANSI)
	assert.Equal(t, 25, got.Rows)
}

func TestReadDoorSysShort(t *testing.T) {
	_, err := ReadDoorSys(strings.NewReader("COM0:\r\n0\r\n"))
	assert.Error(t, err)
}

func TestDorInfo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDorInfo(&buf, sampleDropfile()))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
	require.Len(t, lines, 13)
	assert.Equal(t, []string{"Big", "Sysop"}, lines[1:3])
	assert.Equal(t, []string{"dingo", "NLN"}, lines[6:8])
	assert.Equal(t, "1", lines[9])
	assert.Equal(t, "45", lines[11])
}

func TestWriteFileAndReconcile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DoorSys)
	before := sampleDropfile()
	require.NoError(t, WriteFile(path, DoorSys, before))

	after, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, Elapsed(before, after, 90*time.Second), "unchanged file charges wall clock")

	after.MinutesLeft = 30
	assert.Equal(t, 15, Elapsed(before, after, time.Minute))
	assert.Equal(t, 0, Elapsed(before, before, 0))
}

func TestFormat(t *testing.T) {
	f, err := Format("door.sys")
	require.NoError(t, err)
	assert.Equal(t, DoorSys, f)
	f, err = Format("dorinfo1.def")
	require.NoError(t, err)
	assert.Equal(t, DorInfo, f)
	_, err = Format("chain.txt")
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timeout" }
func (timeoutErr) Timeout() bool { return true }

type fakeTerm struct {
	mu  sync.Mutex
	in  []rune
	out strings.Builder
}

func (f *fakeTerm) ReadRune(timeout time.Duration) (rune, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) == 0 {
		time.Sleep(time.Millisecond)
		return 0, timeoutErr{}
	}
	r := f.in[0]
	f.in = f.in[1:]
	return r, nil
}

func (f *fakeTerm) Print(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.WriteString(s)
	return nil
}

func (f *fakeTerm) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

func TestRunnerRelays(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	term := &fakeTerm{in: []rune("abc\r")}
	r := &Runner{
		Name:    "echo",
		Command: sh,
		Args:    []string{"-c", `printf 'hello\n'; read x; printf 'got %s\n' "$x"; exit 3`},
		Cols:    80,
		Rows:    24,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	elapsed, err := r.Run(ctx, term)
	require.NoError(t, err, "a non-zero exit status is not an error")
	assert.Greater(t, elapsed, time.Duration(0))
	assert.Contains(t, term.output(), "hello")
	assert.Contains(t, term.output(), "got abc")
}

func TestRunnerMissingCommand(t *testing.T) {
	r := &Runner{Name: "missing", Command: "/nonexistent/door", Cols: 80, Rows: 24}
	_, err := r.Run(context.Background(), &fakeTerm{})
	assert.Error(t, err)
}
