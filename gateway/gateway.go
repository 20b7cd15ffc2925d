// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package gateway serves the remote methods known to a peers.Registry over
// HTTP, using JSON-RPC 2.0.
//
// The service is registered under the name "Remotes", with methods:
//
//	Remotes.Call    call a method on every session exposing it
//	Remotes.Server  call a method through the legacy façade
//	Remotes.List    list the live sessions and their methods
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flatmax/jrpc-oo/peers"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

// ServiceName is the name under which the gateway service is registered.
const ServiceName = "Remotes"

// CodeAmbiguous is the error code reported when a legacy name is exposed by
// more than one session. It is in the range reserved for server errors.
const CodeAmbiguous json2.ErrorCode = -32001

// New returns an HTTP handler serving the gateway for reg. Each request is
// logged to log at debug level, and failed requests at warning level.
func New(reg *peers.Registry, log zerolog.Logger) http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Service{reg: reg}, ServiceName); err != nil {
		panic(err) // the service type is fixed, so this cannot fail
	}
	s.RegisterAfterFunc(func(info *rpc.RequestInfo) {
		if info.Error != nil {
			log.Warn().Err(info.Error).Str("method", info.Method).Msg("gateway call failed")
			return
		}
		log.Debug().Str("method", info.Method).Msg("gateway call")
	})
	return s
}

// Service implements the gateway methods.
type Service struct{ reg *peers.Registry }

// CallArgs are the arguments to Call and Server.
type CallArgs struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

func (c *CallArgs) args() []any {
	out := make([]any, len(c.Args))
	for i, a := range c.Args {
		out[i] = a
	}
	return out
}

// CallReply is the reply from Call.
type CallReply struct {
	Results map[string]json.RawMessage `json:"results"` // session ID → result
}

// ServerReply is the reply from Server.
type ServerReply struct {
	Result json.RawMessage `json:"result"`
}

// ListArgs are the arguments to List.
type ListArgs struct{}

// ListReply is the reply from List.
type ListReply struct {
	Sessions []SessionInfo `json:"sessions"`
	Exposed  []string      `json:"exposed"` // local methods offered to remotes
}

// SessionInfo describes one live session.
type SessionInfo struct {
	ID      string   `json:"id"`
	Methods []string `json:"methods"`
}

// Call calls args.Method on every session that exposes it.
func (s *Service) Call(req *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Method == "" {
		return &json2.Error{Code: json2.E_INVALID_REQ, Message: "missing method name"}
	}
	res, err := s.reg.Call(req.Context(), args.Method, args.args()...)
	if err != nil {
		return rpcError(err)
	}
	reply.Results = res
	return nil
}

// Server calls args.Method on the single session that exposes it.
func (s *Service) Server(req *http.Request, args *CallArgs, reply *ServerReply) error {
	if args.Method == "" {
		return &json2.Error{Code: json2.E_INVALID_REQ, Message: "missing method name"}
	}
	res, err := s.reg.Server(req.Context(), args.Method, args.args()...)
	if err != nil {
		return rpcError(err)
	}
	reply.Result = res
	return nil
}

// List reports the live sessions and the methods each exposes.
func (s *Service) List(req *http.Request, _ *ListArgs, reply *ListReply) error {
	reply.Sessions = []SessionInfo{}
	for _, id := range s.reg.Sessions() {
		sess := s.reg.Session(id)
		if sess == nil {
			continue // removed since Sessions was called
		}
		reply.Sessions = append(reply.Sessions, SessionInfo{ID: id, Methods: sess.Names()})
	}
	reply.Exposed = s.reg.Exposed()
	return nil
}

func rpcError(err error) error {
	switch {
	case errors.Is(err, peers.ErrUndefined):
		return &json2.Error{Code: json2.E_NO_METHOD, Message: err.Error()}
	case errors.Is(err, peers.ErrAmbiguous):
		return &json2.Error{Code: CodeAmbiguous, Message: err.Error()}
	default:
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
}
