// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers manages collections of jrpc peers.
//
// A [Registry] owns a dynamic set of sessions, one per connected remote. It
// exposes the registered local methods to every session, performs the
// capability handshake, and keeps a [Binder] and a [Legacy] façade current
// as remotes come and go:
//
//	r := peers.NewRegistry(&peers.Options{Logger: log})
//	r.RegisterClass(new(Calc), "")
//	go r.Loop(ctx, peers.NetAccepter(lst))
//
//	// Call Calc.add on every remote that exposes it.
//	results, err := r.Call(ctx, "Calc.add", 1, 2)
//
// The package also provides accept loops over network listeners and
// WebSocket upgrades, and pairs of connected in-memory peers for testing.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/channel"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *jrpc.Peer
	B *jrpc.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: jrpc.NewPeer().Start(a2b),
		B: jrpc.NewPeer().Start(b2a),
	}
}

// An Accepter yields channels for newly connected remotes.
type Accepter interface {
	// Accept blocks until a channel is available or ctx ends. When no further
	// channels will be produced, Accept reports an error wrapping net.ErrClosed.
	Accept(context.Context) (jrpc.Channel, error)
}

// Loop accepts connections from acc and starts a clone of base for each one
// in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, base *jrpc.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		peer := base.Clone().Start(ch)
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (jrpc.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn), nil
}
