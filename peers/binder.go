// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Func calls one remote method. The arguments are encoded as the positional
// parameters of the call, and the result is the JSON value reported by the
// remote.
type Func func(ctx context.Context, args ...any) (json.RawMessage, error)

// A Binder maintains callables for the methods exposed by remote sessions:
// one Func per session and method name, and one shared Aggregate per method
// name that calls every session exposing that name.
//
// An Aggregate is created the first time any session reports its name, and
// is never removed; when no session exposes the name, calling it yields an
// empty result.
type Binder struct {
	μ        sync.Mutex
	aggs     map[string]*Aggregate      // method name → aggregate
	sessions map[string]map[string]Func // session ID → method name → func

	onCall func(err error) // if set, called after each aggregate call
}

// NewBinder constructs an empty Binder.
func NewBinder() *Binder {
	return &Binder{
		aggs:     make(map[string]*Aggregate),
		sessions: make(map[string]map[string]Func),
	}
}

// Bind records that the session with the given ID exposes the specified
// method names, with calls sent to r. It creates any callables that do not
// already exist, and returns the names that were not previously bound for
// this session, in order.
func (b *Binder) Bind(id string, r Remote, names []string) []string {
	b.μ.Lock()
	defer b.μ.Unlock()
	fns, ok := b.sessions[id]
	if !ok {
		fns = make(map[string]Func)
		b.sessions[id] = fns
	}
	var added []string
	for _, name := range names {
		if _, ok := fns[name]; ok {
			continue
		}
		fns[name] = remoteFunc(r, name)
		if _, ok := b.aggs[name]; !ok {
			b.aggs[name] = &Aggregate{name: name, b: b}
		}
		added = append(added, name)
	}
	slices.Sort(added)
	return added
}

// Drop discards all the callables of the specified session, removing it from
// the membership of every aggregate. It returns the names the session had
// bound, in order. Dropping an unknown session has no effect.
func (b *Binder) Drop(id string) []string {
	b.μ.Lock()
	defer b.μ.Unlock()
	fns, ok := b.sessions[id]
	if !ok {
		return nil
	}
	delete(b.sessions, id)
	return slices.Sorted(maps.Keys(fns))
}

// Aggregate returns the aggregate callable for name, and reports whether one
// exists.
func (b *Binder) Aggregate(name string) (*Aggregate, bool) {
	b.μ.Lock()
	defer b.μ.Unlock()
	a, ok := b.aggs[name]
	return a, ok
}

// Session returns the callable for name bound to the specified session, and
// reports whether one exists.
func (b *Binder) Session(id, name string) (Func, bool) {
	b.μ.Lock()
	defer b.μ.Unlock()
	fn, ok := b.sessions[id][name]
	return fn, ok
}

// SessionNames returns the method names bound for the specified session, in
// order.
func (b *Binder) SessionNames(id string) []string {
	b.μ.Lock()
	defer b.μ.Unlock()
	return slices.Sorted(maps.Keys(b.sessions[id]))
}

// Names returns the names of all aggregates, in order.
func (b *Binder) Names() []string {
	b.μ.Lock()
	defer b.μ.Unlock()
	return slices.Sorted(maps.Keys(b.aggs))
}

type member struct {
	id string
	fn Func
}

// members returns the current sessions exposing name, in order of ID.
func (b *Binder) members(name string) []member {
	b.μ.Lock()
	defer b.μ.Unlock()
	var out []member
	for _, id := range slices.Sorted(maps.Keys(b.sessions)) {
		if fn, ok := b.sessions[id][name]; ok {
			out = append(out, member{id: id, fn: fn})
		}
	}
	return out
}

// An Aggregate calls one method on every session exposing it.
type Aggregate struct {
	name string
	b    *Binder
}

// Name returns the method name called by a.
func (a *Aggregate) Name() string { return a.name }

// Call calls the method concurrently on each session that exposes it at the
// moment Call begins; sessions that bind the name later do not take part.
// Call waits for every call to finish. If all succeed, it returns a map from
// session ID to result. Otherwise it reports the first error observed and
// discards the other results.
//
// If no session exposes the method, Call returns an empty map and no error.
func (a *Aggregate) Call(ctx context.Context, args ...any) (_ map[string]json.RawMessage, err error) {
	if a.b.onCall != nil {
		defer func() { a.b.onCall(err) }()
	}
	ms := a.b.members(a.name)
	out := make(map[string]json.RawMessage, len(ms))
	if len(ms) == 0 {
		return out, nil
	}

	var μ sync.Mutex
	g := taskgroup.New(nil)
	for _, m := range ms {
		g.Go(func() error {
			v, err := m.fn(ctx, args...)
			if err != nil {
				return err
			}
			μ.Lock()
			defer μ.Unlock()
			out[m.id] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func remoteFunc(r Remote, name string) Func {
	return func(ctx context.Context, args ...any) (json.RawMessage, error) {
		return r.Invoke(ctx, name, args...)
	}
}
