// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrAmbiguous is reported when calling a legacy name that more than one
	// session exposes.
	ErrAmbiguous = errors.New("more than one remote exposes this name")

	// ErrUndefined is reported when calling a legacy name that no session
	// has announced.
	ErrUndefined = errors.New("name is not defined")
)

// Legacy is a flat map from method name to a single-session callable, for
// callers that assume there is only one remote.
//
// When a second session announces a name already bound to another session,
// the name is replaced by a callable that always fails with ErrAmbiguous.
// When a session is dropped, every name it took part in is removed, even if
// exactly one other session still exposes that name. The name is defined
// again only when some session next announces it.
type Legacy struct {
	μ       sync.Mutex
	entries map[string]*legacyEntry
}

type legacyEntry struct {
	fn     Func
	owners map[string]bool // session IDs bound to this name
}

func (e *legacyEntry) ambiguous() bool { return len(e.owners) > 1 }

// NewLegacy constructs an empty Legacy façade.
func NewLegacy() *Legacy {
	return &Legacy{entries: make(map[string]*legacyEntry)}
}

// Bind records that the session with the given ID exposes the specified
// names. The lookup function returns the session's callable for each name.
func (l *Legacy) Bind(id string, names []string, lookup func(name string) (Func, bool)) {
	l.μ.Lock()
	defer l.μ.Unlock()
	for _, name := range names {
		e, ok := l.entries[name]
		if !ok {
			fn, ok := lookup(name)
			if !ok {
				continue
			}
			l.entries[name] = &legacyEntry{fn: fn, owners: map[string]bool{id: true}}
			continue
		}
		if e.owners[id] {
			continue // already bound to this session
		}
		e.owners[id] = true
		e.fn = ambiguousFunc(name)
	}
}

// Drop removes every name bound to the specified session.
func (l *Legacy) Drop(id string) {
	l.μ.Lock()
	defer l.μ.Unlock()
	for name, e := range l.entries {
		if e.owners[id] {
			delete(l.entries, name)
		}
	}
}

// Lookup returns the callable for name, and reports whether it is defined.
// The callable for an ambiguous name always fails.
func (l *Legacy) Lookup(name string) (Func, bool) {
	l.μ.Lock()
	defer l.μ.Unlock()
	e, ok := l.entries[name]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Ambiguous reports whether name is currently bound to more than one session.
func (l *Legacy) Ambiguous(name string) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	e, ok := l.entries[name]
	return ok && e.ambiguous()
}

// Names returns the defined names, in order.
func (l *Legacy) Names() []string {
	l.μ.Lock()
	defer l.μ.Unlock()
	return slices.Sorted(maps.Keys(l.entries))
}

// Call calls the callable for name with the given arguments. If name is not
// defined, Call reports an error wrapping ErrUndefined.
func (l *Legacy) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	fn, ok := l.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUndefined)
	}
	return fn(ctx, args...)
}

func ambiguousFunc(name string) Func {
	return func(context.Context, ...any) (json.RawMessage, error) {
		return nil, fmt.Errorf("%s: %w", name, ErrAmbiguous)
	}
}
