// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/flatmax/jrpc-oo/catalog"
)

// ListComponents is the reserved method name used by the capability
// handshake. Its request and response payloads are encoded catalogs.
const ListComponents = "system.listComponents"

// reservedPrefix marks method names belonging to the protocol itself.
// Such names are never reported as components of a remote.
const reservedPrefix = "system."

// ErrUnknownMethod is reported by Invoke when the remote has completed a
// handshake and did not list the requested method among its components.
var ErrUnknownMethod = errors.New("unknown remote method")

// Params is the parameter record of a JSON method call. Its wire encoding is
// an object with a single "args" field holding the positional arguments.
type Params struct {
	Args []json.RawMessage `json:"args"`
}

// Arg decodes the positional argument at index i into v. If there is no
// argument at that index, v is not modified and Arg reports nil.
func (p Params) Arg(i int, v any) error {
	if i < 0 || i >= len(p.Args) {
		return nil
	}
	return json.Unmarshal(p.Args[i], v)
}

// A Method is a JSON method exposed by a peer. The result value is encoded
// with the codec of the peer serving the call.
type Method func(ctx context.Context, params Params) (any, error)

// Methods maps qualified method names to their implementations.
type Methods map[string]Method

// Names returns the names of m in lexicographic order.
func (m Methods) Names() []string { return slices.Sorted(maps.Keys(m)) }

// A Codec encodes and decodes the JSON payloads of method calls.
// Implementations must produce valid JSON.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the default Codec, using the encoding/json package.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// SetCodec sets the codec used by p to encode and decode method payloads.
// If c == nil, JSONCodec is used. SetCodec returns p to permit chaining.
func (p *Peer) SetCodec(c Codec) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.codec = c
	return p
}

// Codec returns the codec used by p to encode and decode method payloads.
func (p *Peer) Codec() Codec {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.codecLocked()
}

// SetRemoteTimeout sets the longest time Invoke and Upgrade wait for the
// remote to respond. If d ≤ 0, calls wait until their context ends.
// SetRemoteTimeout returns p to permit chaining.
func (p *Peer) SetRemoteTimeout(d time.Duration) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.rtimeout = max(d, 0)
	return p
}

// OnAnnounce registers a callback invoked whenever the remote announces its
// components to p. The callback receives the announced method names, without
// reserved names. It is invoked synchronously from the handshake handler, so
// the remote does not get its reply until the callback returns.
//
// Only one callback can be registered at a time; if f == nil the callback is
// removed. OnAnnounce returns p to permit chaining.
func (p *Peer) OnAnnounce(f func([]string)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.announce = f
	return p
}

// Expose registers each method of ms as a handler on p, and adds the names
// to the components p announces during the handshake. Exposing a name that
// is already present replaces its handler. It is safe to call Expose while p
// is running; the remote learns of the new names at the next handshake.
// Expose returns p to permit chaining.
func (p *Peer) Expose(ms Methods) *Peer {
	for name, m := range ms {
		p.Handle(name, methodHandler(m))
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.local.Add(ms.Names()...)
	return p
}

// Exposed returns the names of the components exposed by p in order.
func (p *Peer) Exposed() []string {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.local.Names()
}

// RemoteComponents returns the component names most recently announced by
// the remote, and reports whether any handshake has completed since p was
// started.
func (p *Peer) RemoteComponents() ([]string, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.remote == nil {
		return nil, false
	}
	return visibleNames(p.remote), true
}

// Invoke calls the named method on the remote peer with the given positional
// arguments and returns the encoded result. An argument of type
// json.RawMessage is sent verbatim; other arguments are encoded with the codec
// of p. An error reported by Invoke has concrete type *CallError.
//
// If the remote has announced its components and method is not among them,
// Invoke fails without contacting the remote, reporting an error that wraps
// ErrUnknownMethod.
func (p *Peer) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	p.μ.Lock()
	remote, codec, rt := p.remote, p.codecLocked(), p.rtimeout
	p.μ.Unlock()

	if remote != nil && !remote.Has(method) {
		return nil, &CallError{
			Err:      fmt.Errorf("%w: %s", ErrUnknownMethod, method),
			Response: &Response{Code: CodeUnknownMethod},
		}
	}
	params, err := encodeArgs(codec, args)
	if err != nil {
		return nil, callError(err)
	}
	data, err := codec.Encode(params)
	if err != nil {
		return nil, callError(fmt.Errorf("encode parameters: %w", err))
	}
	rsp, err := p.callWithTimeout(ctx, rt, method, data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(rsp.Data), nil
}

// Upgrade performs the capability handshake with the remote peer: it sends
// the components exposed by p and returns the components exposed by the
// remote, excluding reserved names. After a successful upgrade, Invoke
// rejects names the remote did not list.
func (p *Peer) Upgrade(ctx context.Context) ([]string, error) {
	p.μ.Lock()
	data, rt := p.local.Encode(), p.rtimeout
	p.μ.Unlock()

	rsp, err := p.callWithTimeout(ctx, rt, ListComponents, data)
	if err != nil {
		return nil, err
	}
	cat := new(catalog.Catalog)
	if err := cat.Decode(rsp.Data); err != nil {
		return nil, fmt.Errorf("invalid component list: %w", err)
	}

	p.μ.Lock()
	p.remote = cat
	p.μ.Unlock()
	return visibleNames(cat), nil
}

// listComponents is the built-in handler for the handshake method. It
// records the components announced by the caller and replies with the
// components of p.
func (p *Peer) listComponents(_ context.Context, req *Request) ([]byte, error) {
	cat := new(catalog.Catalog)
	if err := cat.Decode(req.Data); err != nil {
		return nil, fmt.Errorf("invalid component list: %w", err)
	}

	p.μ.Lock()
	p.remote = cat
	announce, reply := p.announce, p.local.Encode()
	p.metricsLocked().announceIn.Add(1)
	p.μ.Unlock()

	if announce != nil {
		announce(visibleNames(cat))
	}
	return reply, nil
}

func (p *Peer) callWithTimeout(ctx context.Context, rt time.Duration, method string, data []byte) (*Response, error) {
	if rt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt)
		defer cancel()
	}
	rsp, err := p.Call(ctx, method, data)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && ce.Err == context.Canceled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ce.Err = context.DeadlineExceeded
		}
		return nil, err
	}
	return rsp, nil
}

func (p *Peer) codecLocked() Codec {
	if p.codec == nil {
		return JSONCodec{}
	}
	return p.codec
}

// methodHandler adapts m to a Handler. The codec is taken from the peer
// serving the request, so handlers remain valid in clones.
func methodHandler(m Method) Handler {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		codec := Codec(JSONCodec{})
		if p := ContextPeer(ctx); p != nil {
			codec = p.Codec()
		}
		var params Params
		if len(req.Data) != 0 {
			if err := codec.Decode(req.Data, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		v, err := m(ctx, params)
		if err != nil {
			return nil, err
		}
		return codec.Encode(v)
	}
}

func encodeArgs(codec Codec, args []any) (Params, error) {
	params := Params{Args: make([]json.RawMessage, len(args))}
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			params.Args[i] = raw
			continue
		}
		data, err := codec.Encode(arg)
		if err != nil {
			return Params{}, fmt.Errorf("encode argument %d: %w", i, err)
		}
		params.Args[i] = data
	}
	return params, nil
}

// visibleNames returns the names of cat without reserved names.
func visibleNames(cat *catalog.Catalog) []string {
	var out []string
	for _, name := range cat.Names() {
		if !strings.HasPrefix(name, reservedPrefix) {
			out = append(out, name)
		}
	}
	return out
}
