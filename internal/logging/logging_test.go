package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tehmaze/x84/internal/config"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"dingo", "dingo"},
		{"a\nb\rc\td", "a b c d"},
		{"\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"bell\x07", "bell"},
		{"héllo", "héllo"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForTagsModule(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	l := For("telnet")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"module":"telnet"`) {
		t.Errorf("log line missing module: %s", buf.String())
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x84.log")
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("x", i))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	defer func() { config.Cfg.LogPath = prev }()

	got, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	want := strings.Join(lines[47:], "\n")
	if got != want {
		t.Errorf("ReadTail(3) = %q, want %q", got, want)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	prev := config.Cfg.LogPath
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "none.log")
	defer func() { config.Cfg.LogPath = prev }()

	got, err := ReadTail(10)
	if err != nil || got != "" {
		t.Errorf("ReadTail = %q, %v", got, err)
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	c := CronLogger{Module: "maintenance"}
	c.Error(errors.New("boom"), "job panicked", "entry", 3)
	out := buf.String()
	for _, want := range []string{`"module":"maintenance"`, `"error":"boom"`, `"entry":3`, `"level":"error"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}
