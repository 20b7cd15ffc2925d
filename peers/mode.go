// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"encoding/json"
	"fmt"
)

// A Mode states what the caller of Send wants to learn about a call.
type Mode int

const (
	// FireAndForget reports only that the call succeeded. Errors are logged
	// and not reported to the caller.
	FireAndForget Mode = iota

	// ResultOnly reports the result of a successful call. Errors are logged
	// and not reported to the caller.
	ResultOnly

	// ErrorAndResult reports both the error and the result of every call.
	ErrorAndResult
)

func (m Mode) String() string {
	switch m {
	case FireAndForget:
		return "FireAndForget"
	case ResultOnly:
		return "ResultOnly"
	case ErrorAndResult:
		return "ErrorAndResult"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// A Completion receives the outcome of a call started by Send.
type Completion func(result json.RawMessage, err error)

// Send starts a call to name through the legacy façade and returns without
// waiting for it to finish. When the call finishes, done is called as
// specified by mode:
//
//   - FireAndForget: done(nil, nil) on success
//   - ResultOnly: done(result, nil) on success
//   - ErrorAndResult: done(result, err) in every case
//
// In the first two modes a failed call is logged and done is not called. If
// done is nil, the outcome is only logged. Send reports an error without
// starting a call if name is not defined or mode is invalid.
func (r *Registry) Send(ctx context.Context, name string, mode Mode, done Completion, args ...any) error {
	if mode < FireAndForget || mode > ErrorAndResult {
		return fmt.Errorf("invalid call mode %v", mode)
	}
	fn, ok := r.legacy.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUndefined)
	}
	r.tasks.Go(func() error {
		result, err := fn(ctx, args...)
		if err != nil && mode != ErrorAndResult {
			r.log.Error().Err(err).Str("method", name).Msg("remote call failed")
			return nil
		}
		if done == nil {
			if err != nil {
				r.log.Error().Err(err).Str("method", name).Msg("remote call failed")
			}
			return nil
		}
		switch mode {
		case FireAndForget:
			done(nil, nil)
		case ResultOnly:
			done(result, nil)
		default:
			done(result, err)
		}
		return nil
	})
	return nil
}
