// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package jrpc implements peers that mutually expose methods as remote
// procedures over a shared channel.
//
// Peers exchange binary packets over a reliable channel. Each call is a
// request carrying a method name and a payload, answered by a response
// carrying a result code and a payload. Calls may propagate in either
// direction, and either peer may cancel a call it initiated.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Peers concurrently
// initiate and service calls with another peer over a [Channel].
//
//	p := jrpc.NewPeer()
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// The channel package provides implementations of [Channel] over in-memory
// pipes, byte streams, and WebSocket connections.
//
// # Methods
//
// Most programs work with JSON methods. A [Method] receives [Params] holding
// its positional arguments as raw JSON, and returns a value to be encoded as
// the result. Use [Peer.Expose] to make a set of methods callable by the
// remote:
//
//	p.Expose(jrpc.Methods{
//	   "Calc.add": func(ctx context.Context, ps jrpc.Params) (any, error) {
//	      var a, b int
//	      ps.Arg(0, &a)
//	      ps.Arg(1, &b)
//	      return a + b, nil
//	   },
//	})
//
// The expose package builds such maps from the methods of a Go value.
//
// To call a method of the remote, use [Peer.Invoke]:
//
//	sum, err := p.Invoke(ctx, "Calc.add", 3, 4)
//
// Errors returned by Invoke have concrete type [*CallError].
//
// # Handshake
//
// [Peer.Upgrade] exchanges the names of the exposed methods with the remote,
// using the reserved method [ListComponents]. After a handshake, Invoke
// rejects names the remote did not announce without sending a request. A peer
// learns of a handshake initiated by its remote through [Peer.OnAnnounce].
//
// # Raw Calls
//
// Underneath the JSON layer, [Peer.Handle] registers a [Handler] for a method
// name that receives the raw request payload, and [Peer.Call] sends a raw
// request. A handler may "call back" to the remote by obtaining its peer with
// [ContextPeer]. [Peer.Exec] runs a local handler without sending packets.
//
// To handle packet types other than [Request], [Response], and [Cancel], use
// [Peer.SendPacket] and [Peer.HandlePacket]. Peers that do not understand a
// packet type silently discard it.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// peer. By default, metrics are shared globally among all peers; use
// [Peer.Detach] to give a peer (and its later clones) separate metrics.
//
// The metrics currently exported by peers include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_in_limited: counter of inbound calls refused by the rate limit
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
//   - announcements_in: counter of handshakes initiated by remotes
package jrpc
