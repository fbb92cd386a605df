// Package runtime drives a session through its scripts. Each script runs in
// a frame on an explicit continuation stack: a script calls another with
// Gosub, replaces itself with Goto, and finishes with Return, whose value
// is handed to the caller's continuation. No script calls another
// natively, so the Go stack stays flat however deep the menus go.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/tehmaze/x84/internal/logging"
)

const DefaultMaxDepth = 64

// ErrUnknownScript is wrapped by a ScriptFailure for an unregistered name.
var ErrUnknownScript = errors.New("unknown script")

// ScriptFailure is an unhandled error or panic inside a script. The whole
// stack is unwound when one occurs.
type ScriptFailure struct {
	Script string
	Depth  int
	Err    error
}

func (e *ScriptFailure) Error() string {
	return fmt.Sprintf("script %s failed at depth %d: %v", e.Script, e.Depth, e.Err)
}

func (e *ScriptFailure) Unwrap() error { return e.Err }

type transitionKind int

const (
	kindReturn transitionKind = iota
	kindGosub
	kindGoto
	kindFail
)

// Transition is what a script step asks the runtime to do next.
type Transition struct {
	kind   transitionKind
	script string
	args   Args
	value  any
	then   Continuation
	err    error
}

// Continuation resumes a frame with the value returned by the script it
// called.
type Continuation func(ctx context.Context, f *Frame, result any) Transition

// Return pops the current frame and delivers v to the caller.
func Return(v any) Transition {
	return Transition{kind: kindReturn, value: v}
}

// Gosub pushes script and arranges for then to run in the current frame
// when it returns. A nil then returns the callee's value to our caller.
func Gosub(script string, args Args, then Continuation) Transition {
	return Transition{kind: kindGosub, script: script, args: args, then: then}
}

// Goto replaces the current frame with script.
func Goto(script string, args Args) Transition {
	return Transition{kind: kindGoto, script: script, args: args}
}

// Fail ends the session with a ScriptFailure wrapping err.
func Fail(err error) Transition {
	return Transition{kind: kindFail, err: err}
}

// Script is a registered entry point.
type Script interface {
	Start(ctx context.Context, f *Frame) Transition
}

// ScriptFunc adapts a function to Script.
type ScriptFunc func(ctx context.Context, f *Frame) Transition

func (fn ScriptFunc) Start(ctx context.Context, f *Frame) Transition { return fn(ctx, f) }

// Registry maps script names to implementations.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Script)}
}

// Register adds or replaces name.
func (r *Registry) Register(name string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = s
}

func (r *Registry) Lookup(name string) (Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for n := range r.scripts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Observer is told the current script and depth after every transition.
type Observer func(script string, depth int)

// Runtime runs one session's stack. It is not safe for concurrent use;
// each session owns its own.
type Runtime struct {
	reg      *Registry
	maxDepth int
	observe  Observer
	stack    []*Frame
}

func New(reg *Registry, maxDepth int, observe Observer) *Runtime {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Runtime{reg: reg, maxDepth: maxDepth, observe: observe}
}

// Depth is the number of live frames.
func (r *Runtime) Depth() int { return len(r.stack) }

// Run executes script as the bottom frame until the stack empties, a
// script fails or ctx is cancelled. The stack is always fully unwound on
// return.
func (r *Runtime) Run(ctx context.Context, script string, args Args) (any, error) {
	logger := logging.For("runtime")
	defer r.unwind()

	t := r.enter(ctx, script, args)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch t.kind {
		case kindReturn:
			r.pop()
			if len(r.stack) == 0 {
				return t.value, nil
			}
			caller := r.top()
			then := caller.then
			caller.then = nil
			r.notify()
			if then == nil {
				t = Return(t.value)
				continue
			}
			t = r.call(ctx, caller, func() Transition { return then(ctx, caller, t.value) })

		case kindGosub:
			if len(r.stack) >= r.maxDepth {
				t = Fail(fmt.Errorf("stack depth %d exceeded calling %s", r.maxDepth, t.script))
				continue
			}
			r.top().then = t.then
			t = r.enter(ctx, t.script, t.args)

		case kindGoto:
			r.pop()
			t = r.enter(ctx, t.script, t.args)

		case kindFail:
			failure := r.failure(t.err)
			logger.Error().Err(failure.Err).Str("script", failure.Script).Int("depth", failure.Depth).Msg("script failure")
			return nil, failure
		}
	}
}

func (r *Runtime) failure(err error) *ScriptFailure {
	var sf *ScriptFailure
	if errors.As(err, &sf) {
		return sf
	}
	name := ""
	if f := r.top(); f != nil {
		name = f.Script
	}
	return &ScriptFailure{Script: name, Depth: len(r.stack), Err: err}
}

// enter pushes a frame for script and runs its first step.
func (r *Runtime) enter(ctx context.Context, script string, args Args) Transition {
	s, ok := r.reg.Lookup(script)
	if !ok {
		return Fail(&ScriptFailure{Script: script, Depth: len(r.stack) + 1, Err: ErrUnknownScript})
	}
	f := &Frame{Script: script, Args: args, Depth: len(r.stack) + 1}
	r.stack = append(r.stack, f)
	r.notify()
	return r.call(ctx, f, func() Transition { return s.Start(ctx, f) })
}

// call runs one step, turning a panic into a failed transition.
func (r *Runtime) call(ctx context.Context, f *Frame, step func() Transition) (t Transition) {
	defer func() {
		if p := recover(); p != nil {
			logger := logging.For("runtime")
			logger.Debug().Str("script", f.Script).Bytes("stack", debug.Stack()).Msg("script panic")
			t = Fail(fmt.Errorf("panic: %v", p))
		}
	}()
	return step()
}

func (r *Runtime) top() *Frame {
	if len(r.stack) == 0 {
		return nil
	}
	return r.stack[len(r.stack)-1]
}

func (r *Runtime) pop() {
	f := r.top()
	if f == nil {
		return
	}
	r.stack = r.stack[:len(r.stack)-1]
	f.release()
}

// unwind releases every remaining frame, innermost first.
func (r *Runtime) unwind() {
	for len(r.stack) > 0 {
		r.pop()
	}
}

func (r *Runtime) notify() {
	if r.observe == nil {
		return
	}
	if f := r.top(); f != nil {
		r.observe(f.Script, len(r.stack))
	}
}
