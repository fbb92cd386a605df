package scripts

import (
	"context"
	"errors"
	"strings"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/ui"
)

const defaultTag = "public"

// msgWriter posts a message, or edits one when called with id. Optional
// arguments: tag, parent, recipient, subject and private. A private
// message has no tag and asks for a recipient when none is given. It
// returns the message id, or nil when nothing was saved.
func msgWriter(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	if !loggedIn(s) {
		s.Print("You must be logged in to post.\r\n")
		return runtime.Return(nil)
	}
	mb := s.Store().Messages
	cols, _ := s.Term().Size()
	width := max(min(cols-1, 78), 20)

	var subject, body string
	id := f.Args.String("id")
	if id != "" {
		release, err := mb.Acquire(id, s.ID)
		if store.IsConflict(err) {
			s.Print("That message is being edited elsewhere.\r\n")
			return runtime.Return(nil)
		}
		if err != nil {
			return runtime.Fail(err)
		}
		f.Defer(release)
		orig, err := mb.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			s.Print("No such message.\r\n")
			return runtime.Return(nil)
		}
		if err != nil {
			return runtime.Fail(err)
		}
		subject, body = orig.Subject, orig.Body
		s.Pipe("\r\n|15editing|07 " + id + "\r\n")
	} else {
		s.Pipe("\r\n|15new message|07\r\n")
	}

	private := f.Args.Bool("private")
	tag := f.Args.String("tag")
	if id == "" && tag == "" && !private {
		var err error
		tag, err = prompt(s, "|03tag|08 [public]: |07", &ui.LineEditor{Width: 32})
		if err != nil {
			return runtime.Fail(err)
		}
		if tag == "" {
			tag = defaultTag
		}
	}
	recipient := f.Args.String("recipient")
	switch {
	case recipient != "":
		s.Pipe("|03to|08: |07" + recipient + "\r\n")
	case private && id == "":
		var err error
		recipient, err = prompt(s, "|03to|08: |07", &ui.LineEditor{Width: store.MaxHandleLength})
		if err != nil {
			return runtime.Fail(err)
		}
		if recipient == "" {
			s.Print("Aborted.\r\n")
			return runtime.Return(nil)
		}
		rec, err := s.Store().Users.Get(recipient)
		if errors.Is(err, store.ErrNotFound) {
			s.Print("No such user.\r\n")
			return runtime.Return(nil)
		}
		if err != nil {
			return runtime.Fail(err)
		}
		recipient = rec.Handle
	}
	if subject == "" {
		subject = f.Args.String("subject")
	}
	subject, err := prompt(s, "|03subject|08: |07", &ui.LineEditor{Width: store.MaxSubjectLength, Value: subject})
	if err != nil {
		return runtime.Fail(err)
	}
	if subject == "" {
		s.Print("Aborted.\r\n")
		return runtime.Return(nil)
	}

	body, ok, err := compose(s, body, width)
	if err != nil {
		return runtime.Fail(err)
	}
	if !ok {
		s.Print("Aborted.\r\n")
		return runtime.Return(nil)
	}

	if id != "" {
		err := mb.Edit(s.Store().Poster(s.Handle()), s.ID, id, subject, body)
		if store.IsConflict(err) || errors.Is(err, store.ErrInvalid) {
			s.Printf("Not saved: %v\r\n", err)
			return runtime.Return(nil)
		}
		if err != nil {
			return runtime.Fail(err)
		}
		s.Printf("Message %s saved.\r\n", id)
		return runtime.Return(id)
	}

	msg := store.Message{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		ParentID:  f.Args.String("parent"),
	}
	if tag != "" {
		msg.Tags = []string{strings.ToLower(tag)}
	}
	newID, err := s.Store().Post(s.Handle(), msg)
	switch {
	case store.IsConflict(err):
		s.Printf("Not posted: %v\r\n", err)
		return runtime.Return(nil)
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrNotFound):
		s.Printf("Not posted: %v\r\n", err)
		return runtime.Return(nil)
	case err != nil:
		return runtime.Fail(err)
	}
	s.Printf("Message %s posted.\r\n", newID)
	return runtime.Return(newID)
}

// compose reads body lines until "/s" saves or "/a" aborts. "/l" lists
// what was typed so far.
func compose(s *session.Session, initial string, width int) (string, bool, error) {
	var lines []string
	if initial != "" {
		lines = strings.Split(strings.ReplaceAll(initial, "\r\n", "\n"), "\n")
	}
	s.Pipe("|08/s save, /a abort, /l list|07\r\n")
	for _, l := range lines {
		s.Print(l + "\r\n")
	}
	for {
		line, err := (&ui.LineEditor{Width: width}).Read(s)
		s.Print("\r\n")
		if errors.Is(err, ui.ErrCancelled) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "/s":
			return strings.TrimRight(strings.Join(lines, "\n"), "\n"), true, nil
		case "/a":
			return "", false, nil
		case "/l":
			for _, l := range lines {
				s.Print(l + "\r\n")
			}
			continue
		}
		lines = append(lines, line)
	}
}
