package runtime

import (
	"fmt"
	"strings"
)

// Value is a keyword argument value. The set is closed: String, Bool and
// Handle are the only implementations.
type Value interface {
	isValue()
}

type String string

type Bool bool

// Handle is the handle of an authenticated user.
type Handle string

func (String) isValue() {}
func (Bool) isValue()   {}
func (Handle) isValue() {}

type Kwarg struct {
	Name  string
	Value Value
}

// Args are the ordered keyword arguments of a frame.
type Args []Kwarg

// ArgError reports a keyword argument outside the supported set.
type ArgError struct {
	Script string
	Arg    string
	Type   string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("script %q: argument %q has unsupported type %s", e.Script, e.Arg, e.Type)
}

// Kw builds Args from alternating names and values. Go strings and bools
// are accepted alongside the Value types.
func Kw(script string, pairs ...any) (Args, error) {
	if len(pairs)%2 != 0 {
		return nil, &ArgError{Script: script, Arg: fmt.Sprint(pairs[len(pairs)-1]), Type: "missing value"}
	}
	args := make(Args, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			return nil, &ArgError{Script: script, Arg: fmt.Sprint(pairs[i]), Type: fmt.Sprintf("%T name", pairs[i])}
		}
		var v Value
		switch x := pairs[i+1].(type) {
		case Value:
			v = x
		case string:
			v = String(x)
		case bool:
			v = Bool(x)
		default:
			return nil, &ArgError{Script: script, Arg: name, Type: fmt.Sprintf("%T", x)}
		}
		args = append(args, Kwarg{Name: name, Value: v})
	}
	return args, nil
}

func (a Args) Lookup(name string) (Value, bool) {
	for _, kw := range a {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return nil, false
}

// String returns the named argument as a string; handles count.
func (a Args) String(name string) string {
	v, _ := a.Lookup(name)
	switch x := v.(type) {
	case String:
		return string(x)
	case Handle:
		return string(x)
	}
	return ""
}

func (a Args) Bool(name string) bool {
	v, _ := a.Lookup(name)
	b, _ := v.(Bool)
	return bool(b)
}

// Handle returns the named argument if it is an authenticated handle.
func (a Args) Handle(name string) (string, bool) {
	v, _ := a.Lookup(name)
	h, ok := v.(Handle)
	return string(h), ok
}

// Summary renders the arguments for logs.
func (a Args) Summary() string {
	parts := make([]string, len(a))
	for i, kw := range a {
		parts[i] = fmt.Sprintf("%s=%v", kw.Name, kw.Value)
	}
	return strings.Join(parts, " ")
}
