// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package expose builds jrpc method maps from the methods of Go values.
//
// The methods of a value are grouped into levels. Level 0 is the type of the
// value itself; the following levels are the types embedded in it, depth
// first in field order. Each level contributes the exported methods it
// declares, named "<Type>.<Method>" where Type is the name of the level's type
// with any type arguments removed:
//
//	type Base struct{}
//	func (Base) Ping() string { return "pong" }
//
//	type Calc struct{ Base }
//	func (c *Calc) Add(a, b int) int { return a + b }
//
//	ms := expose.Class(new(Calc), "") // Calc.Add, Base.Ping
//
// Methods whose names contain "__" are not exposed. Embedded types from the
// standard library, such as sync.Mutex, do not form levels, and their
// promoted methods are not exposed unless the outer type overrides them.
//
// A wrapped method receives the positional arguments of the call, decoded
// into its parameter types. A leading context.Context parameter receives the
// context of the call. Missing arguments are passed as zero values and extra
// arguments are ignored. A trailing error result reports failure; the other
// results are the value of the call: null for none, the value itself for one,
// or an array for several.
package expose

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/flatmax/jrpc-oo"
)

// A Level is a named group of methods, corresponding to one type in the
// structure of an exposed value.
type Level struct {
	Name    string       // the namespace of the level
	Methods jrpc.Methods // keyed by unqualified method name
}

// Exposable is implemented by values that supply their levels explicitly
// instead of having them discovered by reflection.
type Exposable interface {
	ExposedLevels() []Level
}

// Class returns a method map for the methods of target. If name == "", each
// level contributes its methods under its own namespace. Otherwise only the
// methods of level 0 are included, under the namespace name.
//
// Invoking a method always calls it through target, so if an embedded method
// is overridden by an outer type, the override runs under both names.
func Class(target any, name string) jrpc.Methods {
	levels := Levels(target)
	if name != "" {
		if len(levels) == 0 {
			return jrpc.Methods{}
		}
		levels = []Level{{Name: name, Methods: levels[0].Methods}}
	}
	out := make(jrpc.Methods)
	for _, lvl := range levels {
		if lvl.Name == "" {
			continue
		}
		for mname, m := range lvl.Methods {
			if strings.Contains(mname, "__") {
				continue
			}
			out[lvl.Name+"."+mname] = m
		}
	}
	return out
}

// Levels returns the levels of target. If target implements Exposable, its
// levels are used as given; otherwise they are found by reflection.
func Levels(target any) []Level {
	if e, ok := target.(Exposable); ok {
		return e.ExposedLevels()
	}
	v := reflect.ValueOf(target)
	if !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil
	}

	var out []Level
	seen := make(map[reflect.Type]bool)
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		t = indirect(t)
		if seen[t] {
			return
		}
		seen[t] = true
		lvl := Level{Name: typeName(t), Methods: make(jrpc.Methods)}
		for _, name := range declaredMethods(t) {
			if mv := v.MethodByName(name); mv.IsValid() {
				lvl.Methods[name] = wrap(mv)
			}
		}
		out = append(out, lvl)
		for _, ft := range embedded(t) {
			if !isStandard(ft) {
				walk(ft)
			}
		}
	}
	walk(v.Type())
	return out
}

// Method adapts fn, which must be a function, to a jrpc.Method using the same
// conventions as Class. It panics if fn is not a function.
func Method(fn any) jrpc.Method {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Sprintf("expose: %T is not a function", fn))
	}
	return wrap(v)
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// wrap adapts the function value fn to a jrpc.Method.
func wrap(fn reflect.Value) jrpc.Method {
	ft := fn.Type()
	nin, first := ft.NumIn(), 0
	useCtx := nin > 0 && ft.In(0) == contextType
	if useCtx {
		first = 1
	}
	nout := ft.NumOut()
	hasErr := nout > 0 && ft.Out(nout-1) == errorType
	if hasErr {
		nout--
	}

	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		var codec jrpc.Codec = jrpc.JSONCodec{}
		if p := jrpc.ContextPeer(ctx); p != nil {
			codec = p.Codec()
		}

		in := make([]reflect.Value, 0, nin)
		if useCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i := first; i < nin; i++ {
			arg := i - first
			pt := ft.In(i)
			if ft.IsVariadic() && i == nin-1 {
				// Remaining arguments are elements of the variadic tail.
				for j := arg; j < len(ps.Args); j++ {
					ev := reflect.New(pt.Elem())
					if err := codec.Decode(ps.Args[j], ev.Interface()); err != nil {
						return nil, fmt.Errorf("argument %d: %w", j, err)
					}
					in = append(in, ev.Elem())
				}
				break
			}
			pv := reflect.New(pt)
			if arg < len(ps.Args) {
				if err := codec.Decode(ps.Args[arg], pv.Interface()); err != nil {
					return nil, fmt.Errorf("argument %d: %w", arg, err)
				}
			}
			in = append(in, pv.Elem())
		}

		outs := fn.Call(in)
		if hasErr {
			if err, _ := outs[len(outs)-1].Interface().(error); err != nil {
				return nil, err
			}
		}
		switch nout {
		case 0:
			return nil, nil
		case 1:
			return outs[0].Interface(), nil
		}
		vals := make([]any, nout)
		for i := range nout {
			vals[i] = outs[i].Interface()
		}
		return vals, nil
	}
}

// declaredMethods returns the names of the exported methods declared by t
// itself, excluding those promoted from its embedded fields.
func declaredMethods(t reflect.Type) []string {
	var promoted map[string]bool
	for _, et := range embedded(t) {
		for _, name := range methodNames(et) {
			if promoted == nil {
				promoted = make(map[string]bool)
			}
			promoted[name] = true
		}
	}

	var out []string
	mset := methodSet(t)
	for i := range mset.NumMethod() {
		m := mset.Method(i)
		if !m.IsExported() {
			continue
		}
		// A promoted method is kept only if t overrides it.
		if promoted[m.Name] && !overrides(t, m.Name) {
			continue
		}
		out = append(out, m.Name)
	}
	return out
}

// overrides reports whether t has its own declaration of the named method,
// rather than a wrapper generated for a promoted method.
func overrides(t reflect.Type, name string) bool {
	for _, mt := range []reflect.Type{t, reflect.PointerTo(t)} {
		if t.Kind() == reflect.Interface && mt != t {
			break
		}
		m, ok := mt.MethodByName(name)
		if !ok || !m.Func.IsValid() {
			continue
		}
		f := runtime.FuncForPC(m.Func.Pointer())
		if f == nil {
			continue
		}
		if file, _ := f.FileLine(f.Entry()); file != "<autogenerated>" {
			return true
		}
	}
	return false
}

// methodNames returns the names of the exported methods of t, including
// those of its pointer type.
func methodNames(t reflect.Type) []string {
	mset := methodSet(indirect(t))
	out := make([]string, 0, mset.NumMethod())
	for i := range mset.NumMethod() {
		if m := mset.Method(i); m.IsExported() {
			out = append(out, m.Name)
		}
	}
	return out
}

// methodSet returns the type whose method set includes all the methods
// callable on an addressable value of t.
func methodSet(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Interface {
		return t
	}
	return reflect.PointerTo(t)
}

// embedded returns the types of the embedded fields of t, in order.
func embedded(t reflect.Type) []reflect.Type {
	if t.Kind() != reflect.Struct {
		return nil
	}
	var out []reflect.Type
	for i := range t.NumField() {
		if f := t.Field(i); f.Anonymous {
			out = append(out, indirect(f.Type))
		}
	}
	return out
}

// isStandard reports whether t is declared in the standard library, whose
// import paths have no dot in their first element.
func isStandard(t reflect.Type) bool {
	pkg := t.PkgPath()
	if pkg == "" {
		return t.Name() != "" // predeclared
	}
	first, _, _ := strings.Cut(pkg, "/")
	return !strings.Contains(first, ".")
}

func indirect(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

// typeName returns the name of t without type arguments.
func typeName(t reflect.Type) string {
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}
