// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/channel"
	"github.com/gorilla/websocket"
)

// A WebSocketAccepter is an http.Handler that upgrades each request to a
// WebSocket connection, and an Accepter that yields a channel for each
// upgraded connection.
type WebSocketAccepter struct {
	up    websocket.Upgrader
	conns chan jrpc.Channel

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketAccepter constructs a WebSocketAccepter. If checkOrigin is nil,
// requests from any origin are accepted.
func NewWebSocketAccepter(checkOrigin func(*http.Request) bool) *WebSocketAccepter {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketAccepter{
		up:     websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:  make(chan jrpc.Channel),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// upgraded connection is accepted or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	ch := channel.WebSocket(conn)
	select {
	case w.conns <- ch:
	case <-w.closed:
		ch.Close()
	case <-req.Context().Done():
		ch.Close()
	}
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (jrpc.Channel, error) {
	select {
	case ch := <-w.conns:
		return ch, nil
	case <-w.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting further connections. Pending and subsequent
// calls to Accept report net.ErrClosed.
func (w *WebSocketAccepter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

// DialWebSocket opens a WebSocket connection to url and returns a channel
// over it.
func DialWebSocket(ctx context.Context, url string) (*channel.WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}
	return channel.WebSocket(conn), nil
}
