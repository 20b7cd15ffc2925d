package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/handler"
	"github.com/flatmax/jrpc-oo/peers"
)

// Echo is the demonstration class offered to every remote by serve.
type Echo struct{}

// Echo returns its argument unchanged.
func (Echo) Echo(v any) any { return v }

// Upper returns s in upper case.
func (Echo) Upper(s string) string { return strings.ToUpper(s) }

// Join concatenates its arguments, separated by sep.
func (Echo) Join(sep string, parts ...string) string { return strings.Join(parts, sep) }

// Whoami reports the session ID of the caller.
func (Echo) Whoami(ctx context.Context) (string, error) {
	s := peers.ContextSession(ctx)
	if s == nil {
		return "", errors.New("no session")
	}
	return s.ID(), nil
}

// serverMethods returns methods that let remotes inspect reg.
func serverMethods(reg *peers.Registry) jrpc.Methods {
	return jrpc.Methods{
		"Server.sessions": handler.ResultOnly(func(context.Context) []string {
			return reg.Sessions()
		}),
		"Server.exposed": handler.ResultOnly(func(context.Context) []string {
			return reg.Exposed()
		}),

		// Server.describe reports the names exposed by the session with the
		// given ID, or by the caller if the ID is empty.
		"Server.describe": handler.ParamResultError(func(ctx context.Context, id string) ([]string, error) {
			s := peers.ContextSession(ctx)
			if id != "" {
				s = reg.Session(id)
			}
			if s == nil {
				return nil, fmt.Errorf("no session %q", id)
			}
			return append([]string{}, s.Names()...), nil
		}),
	}
}
