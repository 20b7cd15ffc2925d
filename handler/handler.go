// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the jrpc.Method type for functions
// with other signatures.
//
// The parameter of an adapted function is decoded from the first positional
// argument of the call, using the codec of the peer serving the call. If the
// call has no arguments the parameter is the zero value of its type. Results
// are returned as-is and encoded by the peer.
//
// A method built by this package can be exposed directly:
//
//	p.Expose(jrpc.Methods{
//	   "Calc.double": handler.ParamResult(func(_ context.Context, n int) int {
//	      return 2 * n
//	   }),
//	})
package handler

import (
	"context"
	"fmt"

	"github.com/flatmax/jrpc-oo"
)

// paramsContextKey is a context key for the parameters of a method call.
type paramsContextKey struct{}

// ContextParams returns the original parameters passed to the method, and
// reports whether ctx has any. The context passed to a function adapted by
// this package has this value.
func ContextParams(ctx context.Context) (jrpc.Params, bool) {
	ps, ok := ctx.Value(paramsContextKey{}).(jrpc.Params)
	return ps, ok
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a jrpc.Method.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		p, err := decodeParam[P](ctx, ps)
		if err != nil {
			return nil, err
		}
		r, err := f(withParams(ctx, ps), p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a jrpc.Method.
func ParamResult[P, R any](f func(context.Context, P) R) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		p, err := decodeParam[P](ctx, ps)
		if err != nil {
			return nil, err
		}
		return f(withParams(ctx, ps), p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a jrpc.Method.
func ParamError[P any](f func(context.Context, P) error) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		p, err := decodeParam[P](ctx, ps)
		if err != nil {
			return nil, err
		}
		return nil, f(withParams(ctx, ps), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a jrpc.Method.
func ResultError[R any](f func(context.Context) (R, error)) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		r, err := f(withParams(ctx, ps))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a jrpc.Method.
func ResultOnly[R any](f func(context.Context) R) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		return f(withParams(ctx, ps)), nil
	}
}

// Func adapts a function f that accepts no parameters and reports only an
// error, to a jrpc.Method. The result of a successful call is null.
func Func(f func(context.Context) error) jrpc.Method {
	return func(ctx context.Context, ps jrpc.Params) (any, error) {
		return nil, f(withParams(ctx, ps))
	}
}

func withParams(ctx context.Context, ps jrpc.Params) context.Context {
	return context.WithValue(ctx, paramsContextKey{}, ps)
}

// decodeParam decodes the first argument of ps as a value of type P, using
// the codec of the peer serving the call if there is one.
func decodeParam[P any](ctx context.Context, ps jrpc.Params) (P, error) {
	var p P
	if len(ps.Args) == 0 {
		return p, nil
	}
	var codec jrpc.Codec = jrpc.JSONCodec{}
	if peer := jrpc.ContextPeer(ctx); peer != nil {
		codec = peer.Codec()
	}
	if err := codec.Decode(ps.Args[0], &p); err != nil {
		return p, fmt.Errorf("cannot decode %T: %w", p, err)
	}
	return p, nil
}
