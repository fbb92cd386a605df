package scripts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

var charsets = []struct {
	name  string
	label string
}{
	{termcap.UTF8, "utf-8, for modern terminals"},
	{termcap.CP437, "cp437, IBM PC line drawing"},
	{termcap.Amiga, "amiga, topaz font"},
}

// charset lets the caller override the encoding picked from the terminal
// type.
func charset(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	current := s.Term().Encoding().Name()
	var sb strings.Builder
	sb.WriteString("\r\n|15character set|07\r\n")
	for i, cs := range charsets {
		mark := " "
		if cs.name == current {
			mark = "*"
		}
		fmt.Fprintf(&sb, "  |08%s(|15%d|08)|07 %s\r\n", mark, i+1, cs.label)
	}
	if err := s.Pipe(sb.String()); err != nil {
		return runtime.Fail(err)
	}
	choice, err := prompt(s, "|03select|08: |07", &ui.LineEditor{Width: 2})
	if err != nil {
		return runtime.Fail(err)
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(charsets) {
		return runtime.Return(nil)
	}
	if err := s.SetEncoding(charsets[n-1].name); err != nil {
		return runtime.Fail(err)
	}
	s.Printf("Now using %s. Line drawing: ─│┌┐\r\n", charsets[n-1].name)
	return runtime.Return(nil)
}
