package scripts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/database"
	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

// pendingTag is typed at the tag prompt by moderators to review messages
// waiting for approval.
const pendingTag = "*"

func msgReader(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	mb := s.Store().Messages
	tags, err := mb.Tags()
	if err != nil {
		return runtime.Fail(err)
	}
	names := make([]string, 0, len(tags))
	for tag := range tags {
		names = append(names, tag)
	}
	sort.Strings(names)

	moderator := loggedIn(s) && mb.IsModerator(s.Store().Poster(s.Handle()))
	var sb strings.Builder
	sb.WriteString("\r\n|15message tags|07\r\n")
	if len(names) == 0 {
		sb.WriteString("  |08no messages yet|07\r\n")
	}
	for _, tag := range names {
		fmt.Fprintf(&sb, "  |11%-20s|07 %d\r\n", termcap.EscapePipe(tag), tags[tag])
	}
	if moderator {
		sb.WriteString("  |11" + pendingTag + "|07 review pending messages\r\n")
	}
	s.Pipe(sb.String())

	tag, err := prompt(s, "\r\n|03tag|08: |07", &ui.LineEditor{Width: 32})
	if err != nil {
		return runtime.Fail(err)
	}
	if tag == "" {
		return runtime.Return(nil)
	}
	r := &reader{s: s, tag: strings.ToLower(tag), filter: store.FilterApproved, moderator: moderator, member: loggedIn(s)}
	if tag == pendingTag && moderator {
		r.filter = store.FilterPending
	}
	if err := r.reload(); err != nil {
		return runtime.Fail(err)
	}
	return r.browse(ctx, f, -1)
}

type reader struct {
	s         *session.Session
	tag       string
	filter    store.Filter
	moderator bool
	member    bool
	// inbox lists private mail addressed to the caller.
	inbox bool
	// thread is the message whose replies are listed, if any.
	thread string
	msgs   []store.Message
	trail  []view
}

// view is a listing the reader returns to when a thread is left.
type view struct {
	tag    string
	thread string
	idx    int
}

func (r *reader) reload() error {
	mb := r.s.Store().Messages
	var err error
	switch {
	case r.thread != "":
		r.msgs, err = r.replies(r.thread)
	case r.inbox:
		r.msgs, err = mb.ListForRecipient(r.s.Handle(), store.FilterApproved)
	case r.filter == store.FilterPending:
		r.msgs, err = r.pending()
	default:
		r.msgs, err = mb.ListByTag(r.tag, r.filter)
	}
	return err
}

// pending collects messages awaiting moderation across every tag.
func (r *reader) pending() ([]store.Message, error) {
	out, err := r.s.Store().Messages.List(store.FilterPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out, nil
}

// replies lists the answers to id. Only moderators see unapproved ones.
func (r *reader) replies(id string) ([]store.Message, error) {
	all, err := r.s.Store().Messages.Thread(id)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if r.moderator || m.Status == database.StatusApproved {
			out = append(out, m)
		}
	}
	return out, nil
}

// up returns to the listing a thread was entered from.
func (r *reader) up() (int, bool, error) {
	if len(r.trail) == 0 {
		return 0, false, nil
	}
	v := r.trail[len(r.trail)-1]
	r.trail = r.trail[:len(r.trail)-1]
	r.tag, r.thread = v.tag, v.thread
	if err := r.reload(); err != nil {
		return 0, false, err
	}
	return min(v.idx, len(r.msgs)-1), true, nil
}

// leave quits the current listing: back up the trail, or out of the reader.
func (r *reader) leave() (int, runtime.Transition, bool) {
	idx, ok, err := r.up()
	switch {
	case err != nil:
		return 0, runtime.Fail(err), true
	case ok:
		return idx, runtime.Transition{}, false
	}
	return 0, runtime.Return(nil), true
}

// browse alternates between the index and single messages until the
// caller quits or calls the writer.
func (r *reader) browse(ctx context.Context, f *runtime.Frame, idx int) runtime.Transition {
	for {
		if idx < 0 || idx >= len(r.msgs) {
			n, ok, err := r.choose()
			if err != nil {
				return runtime.Fail(err)
			}
			if !ok {
				back, t, leave := r.leave()
				if leave {
					return t
				}
				idx = back
				continue
			}
			idx = n
		}
		next, t, leave := r.show(idx)
		if leave {
			return t
		}
		idx = next
	}
}

// choose pages the index and asks for a message number.
func (r *reader) choose() (int, bool, error) {
	s := r.s
	if len(r.msgs) == 0 {
		s.Print("No messages.\r\n")
		return 0, false, nil
	}
	var sb strings.Builder
	for i, m := range r.msgs {
		fmt.Fprintf(&sb, "|15%4d|07 %s |08%s, %s|07\n", i+1, termcap.EscapePipe(m.Subject),
			termcap.EscapePipe(m.Author), m.PostedAt.Local().Format("2006-01-02"))
	}
	if err := page(s, fmt.Sprintf("%s: %d messages", r.tag, len(r.msgs)), sb.String()); err != nil {
		return 0, false, err
	}
	choice, err := prompt(s, "|03read #|08: |07", &ui.LineEditor{Width: 6})
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(r.msgs) {
		return 0, false, nil
	}
	return n - 1, true, nil
}

// show displays message idx and handles one command. It returns the next
// index to show, or a transition to leave with.
func (r *reader) show(idx int) (int, runtime.Transition, bool) {
	s := r.s
	mb := s.Store().Messages
	m := r.msgs[idx]
	header := fmt.Sprintf("|08from|07 %s", termcap.EscapePipe(m.Author))
	if m.Recipient != "" {
		header += fmt.Sprintf(" |08to|07 %s", termcap.EscapePipe(m.Recipient))
	}
	header += fmt.Sprintf("\n|08subj|07 %s\n|08tags|07 %s |08id|07 %s |08status|07 %s",
		termcap.EscapePipe(m.Subject), strings.Join(m.Tags, ","), m.ID, m.Status)
	if m.ParentID != "" {
		header += " |08re|07 " + m.ParentID
	}
	if mb.Leased(m.ID) {
		header += " |12being edited|07"
	}
	header += "\n\n"
	if err := page(s, fmt.Sprintf("%s %d/%d", r.tag, idx+1, len(r.msgs)), header+termcap.EscapePipe(m.Body)); err != nil {
		return 0, runtime.Fail(err), true
	}

	own := r.member && strings.EqualFold(m.Author, s.Handle())
	options := "|08(|07n|08)|07ext |08(|07p|08)|07rev |08(|07t|08)|07hread"
	if r.member {
		options += " |08(|07r|08)|07eply"
	}
	if own {
		options += " |08(|07e|08)|07dit"
	}
	if own || r.moderator {
		options += " |08(|07+|08/|07-|08)|07tag"
	}
	if r.moderator {
		options += " |08(|07a|08)|07pprove |08(|07x|08)|07 reject |08(|07d|08)|07elete"
	}
	options += " |08(|07q|08)|07uit: "
	for {
		s.Pipe("\r\n" + options)
		k, err := ui.ReadKey(s)
		if err != nil {
			return 0, runtime.Fail(err), true
		}
		s.Print("\r\n")
		switch {
		case k.IsRune('n', 'N', ' ') || k.Is(tcell.KeyEnter):
			return idx + 1, runtime.Transition{}, false
		case k.IsRune('p', 'P'):
			return max(idx-1, 0), runtime.Transition{}, false
		case k.IsRune('q', 'Q') || k.Is(tcell.KeyEscape):
			return r.leave()
		case k.IsRune('t', 'T'):
			replies, err := r.replies(m.ID)
			if err != nil {
				return 0, runtime.Fail(err), true
			}
			if len(replies) == 0 {
				s.Print("No replies.\r\n")
				continue
			}
			r.trail = append(r.trail, view{tag: r.tag, thread: r.thread, idx: idx})
			r.tag, r.thread, r.msgs = "replies to "+m.ID, m.ID, replies
			return 0, runtime.Transition{}, false
		case k.IsRune('r', 'R') && r.member:
			return 0, runtime.Gosub(MsgWriter, r.replyArgs(m), r.resume(idx)), true
		case k.IsRune('e', 'E') && own:
			return 0, runtime.Gosub(MsgWriter, runtime.Args{{Name: "id", Value: runtime.String(m.ID)}}, r.resume(idx)), true
		case r.moderator && k.IsRune('a', 'A', 'x', 'X', 'd', 'D'):
			action := store.ActionApprove
			switch {
			case k.IsRune('x', 'X'):
				action = store.ActionReject
			case k.IsRune('d', 'D'):
				action = store.ActionDelete
			}
			err := s.Store().Moderate(s.Handle(), m.ID, action)
			if store.IsConflict(err) {
				s.Printf("%v\r\n", err)
				continue
			}
			if err != nil {
				return 0, runtime.Fail(err), true
			}
			s.Printf("Message %s: %s.\r\n", m.ID, action)
			return r.refresh(idx)
		case (own || r.moderator) && k.IsRune('+', '-'):
			label := "|03add tag|08: |07"
			if k.IsRune('-') {
				label = "|03remove tag|08: |07"
			}
			tag, err := prompt(s, label, &ui.LineEditor{Width: 32})
			if err != nil {
				return 0, runtime.Fail(err), true
			}
			if tag == "" {
				continue
			}
			poster := s.Store().Poster(s.Handle())
			if k.IsRune('+') {
				err = mb.Tag(poster, m.ID, tag)
			} else {
				err = mb.Untag(poster, m.ID, tag)
			}
			if store.IsConflict(err) || errors.Is(err, store.ErrInvalid) {
				s.Printf("%v\r\n", err)
				continue
			}
			if err != nil {
				return 0, runtime.Fail(err), true
			}
			s.Printf("Message %s tags updated.\r\n", m.ID)
			return r.refresh(idx)
		}
	}
}

// refresh reloads the listing after a change and stays near idx.
func (r *reader) refresh(idx int) (int, runtime.Transition, bool) {
	if err := r.reload(); err != nil {
		return 0, runtime.Fail(err), true
	}
	if len(r.msgs) == 0 {
		return r.leave()
	}
	return min(idx, len(r.msgs)-1), runtime.Transition{}, false
}

// replyArgs addresses a reply to m. Private mail is answered privately;
// otherwise the reply goes to the listed tag, or to the first tag of m
// when that is not one of its tags.
func (r *reader) replyArgs(m store.Message) runtime.Args {
	subject := m.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	args := runtime.Args{
		{Name: "parent", Value: runtime.String(m.ID)},
		{Name: "recipient", Value: runtime.Handle(m.Author)},
		{Name: "subject", Value: runtime.String(subject)},
	}
	switch {
	case len(m.Tags) == 0:
		return append(args, runtime.Kwarg{Name: "private", Value: runtime.Bool(true)})
	case slices.Contains(m.Tags, r.tag):
		return append(args, runtime.Kwarg{Name: "tag", Value: runtime.String(r.tag)})
	}
	return append(args, runtime.Kwarg{Name: "tag", Value: runtime.String(m.Tags[0])})
}

// resume reloads the list after the writer returns and shows idx again.
func (r *reader) resume(idx int) runtime.Continuation {
	return func(ctx context.Context, f *runtime.Frame, _ any) runtime.Transition {
		if err := r.reload(); err != nil {
			return runtime.Fail(err)
		}
		return r.browse(ctx, f, min(idx, len(r.msgs)-1))
	}
}
