// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/channel"
	"github.com/flatmax/jrpc-oo/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// outcomes maps request payloads to the result reported by the outcome
// handler for that payload.
var outcomes = map[string]func(context.Context) ([]byte, error){
	"empty": func(context.Context) ([]byte, error) { return nil, nil },
	"value": func(context.Context) ([]byte, error) { return []byte("forty-two"), nil },
	"fail":  func(context.Context) ([]byte, error) { return nil, errors.New("it broke") },
	"edata": func(context.Context) ([]byte, error) {
		return nil, jrpc.ErrorData{Code: 17, Message: "by value", Data: []byte("aux")}
	},
	"*edata": func(context.Context) ([]byte, error) {
		return nil, &jrpc.ErrorData{Code: 101, Message: "by pointer", Data: []byte("more")}
	},
	"peer": func(ctx context.Context) ([]byte, error) {
		if jrpc.ContextPeer(ctx) == nil {
			return []byte("absent"), nil
		}
		return []byte("present"), nil
	},
}

func outcome(ctx context.Context, req *jrpc.Request) ([]byte, error) {
	f, ok := outcomes[string(req.Data)]
	if !ok {
		return nil, fmt.Errorf("unknown outcome %q", req.Data)
	}
	return f(ctx)
}

func TestCallOutcomes(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		m := loc.A.Metrics()
		for _, name := range []string{"calls_active", "calls_pending"} {
			if v := m.Get(name).(*expvar.Int).Value(); v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
	}()
	loc.A.Handle("Outcome.run", outcome)

	tests := []struct {
		caller *jrpc.Peer
		method string
		input  string
		want   *jrpc.Response
	}{
		{loc.B, "Outcome.nonesuch", "", &jrpc.Response{Code: jrpc.CodeUnknownMethod}},
		{loc.A, "Outcome.run", "", &jrpc.Response{Code: jrpc.CodeUnknownMethod}}, // B has no handler

		{loc.B, "Outcome.run", "empty", &jrpc.Response{}},
		{loc.B, "Outcome.run", "value", &jrpc.Response{Data: []byte("forty-two")}},
		{loc.B, "Outcome.run", "peer", &jrpc.Response{Data: []byte("present")}},

		{loc.B, "Outcome.run", "fail", &jrpc.Response{
			Code: jrpc.CodeServiceError,
			Data: jrpc.ErrorData{Message: "it broke"}.Encode(),
		}},
		{loc.B, "Outcome.run", "edata", &jrpc.Response{
			Code: jrpc.CodeServiceError,
			Data: jrpc.ErrorData{Code: 17, Message: "by value", Data: []byte("aux")}.Encode(),
		}},
		{loc.B, "Outcome.run", "*edata", &jrpc.Response{
			Code: jrpc.CodeServiceError,
			Data: jrpc.ErrorData{Code: 101, Message: "by pointer", Data: []byte("more")}.Encode(),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.method+"/"+tc.input, func(t *testing.T) {
			rsp, err := tc.caller.Call(context.Background(), tc.method, []byte(tc.input))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				var ce *jrpc.CallError
				if !errors.As(err, &ce) {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}

				// Error data from the remote is unpacked into the CallError.
				if ce.Err == nil {
					var ed jrpc.ErrorData
					if err := ed.Decode(ce.Response.Data); err != nil {
						t.Errorf("Decode ErrorData: %v", err)
					} else if diff := cmp.Diff(ed, ce.ErrorData); diff != "" {
						t.Errorf("ErrorData (-got, +want):\n%s", diff)
					}
				}
				rsp = ce.Response
			}

			opts := cmp.Options{cmpopts.IgnoreFields(jrpc.Response{}, "RequestID"), cmpopts.EquateEmpty()}
			if diff := cmp.Diff(rsp, tc.want, opts); diff != "" {
				t.Errorf("Response (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestMethodNameLimit(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	long := "Long." + strings.Repeat("x", jrpc.MaxMethodLen)

	got := mtest.MustPanic(t, func() { loc.A.Handle(long, nil) }).(string)
	if !strings.Contains(got, "name too long") {
		t.Errorf("Handle: got %q, want too long", got)
	}

	rsp, err := loc.A.Call(context.Background(), long, nil)
	var ce *jrpc.CallError
	if rsp != nil || !errors.As(err, &ce) {
		t.Fatalf("Call: got (%v, %v), want CallError", rsp, err)
	}
	if !strings.Contains(ce.Err.Error(), "name too long") {
		t.Errorf("Call: got %v, want too long", ce.Err)
	}

	// A name at the limit is accepted.
	limit := strings.Repeat("y", jrpc.MaxMethodLen)
	loc.A.Handle(limit, func(context.Context, *jrpc.Request) ([]byte, error) { return []byte("ok"), nil })
	if rsp, err := loc.B.Call(context.Background(), limit, nil); err != nil || string(rsp.Data) != "ok" {
		t.Errorf("Call at limit: got (%v, %v), want ok", rsp, err)
	}
}

func TestCatchAllHandler(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	reply := func(s string) jrpc.Handler {
		return func(context.Context, *jrpc.Request) ([]byte, error) { return []byte(s), nil }
	}
	loc.A.Handle("", reply("fallback")).Handle("Named.one", reply("named"))

	check := func(method, want string) {
		t.Helper()
		rsp, err := loc.B.Call(context.Background(), method, nil)
		switch {
		case want == "" && err == nil:
			t.Errorf("Call %q: got %q, want error", method, rsp.Data)
		case want != "" && err != nil:
			t.Errorf("Call %q: unexpected error: %v", method, err)
		case want != "" && string(rsp.Data) != want:
			t.Errorf("Call %q: got %q, want %q", method, rsp.Data, want)
		}
	}
	check("", "fallback")
	check("Named.one", "named")
	check("Named.two", "fallback")

	loc.A.Handle("", nil)
	check("", "")
	check("Named.one", "named")
	check("Named.two", "")
}

type pktRecord struct {
	T jrpc.PacketType
	P string
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var wg sync.WaitGroup
	wg.Add(3) // request, cancel, response

	record := func(dst *[]pktRecord) jrpc.PacketLogger {
		return func(pkt jrpc.PacketInfo) {
			if !pkt.Sent {
				*dst = append(*dst, pktRecord{T: pkt.Type, P: string(pkt.Payload)})
				wg.Done()
			}
		}
	}
	var atA, atB []pktRecord
	loc.A.LogPackets(record(&atA)).Handle("Slow.wait", func(ctx context.Context, _ *jrpc.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	loc.B.LogPackets(record(&atB))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, "Slow.wait", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got (%+v, %v), want %v", rsp, err, context.Canceled)
	}
	wg.Wait()

	// A receives the request and then its cancellation.
	if diff := cmp.Diff(atA, []pktRecord{
		{T: jrpc.PacketRequest, P: "\x00\x00\x00\x01\x09Slow.wait"},
		{T: jrpc.PacketCancel, P: "\x00\x00\x00\x01"},
	}); diff != "" {
		t.Errorf("Packets at A (-got, +want):\n%s", diff)
	}

	// B receives a canceled response.
	if diff := cmp.Diff(atB, []pktRecord{
		{T: jrpc.PacketResponse, P: "\x00\x00\x00\x01\x03"},
	}); diff != "" {
		t.Errorf("Packets at B (-got, +want):\n%s", diff)
	}
}

func TestUnacknowledgedCancel(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	release := make(chan struct{})
	returned := make(chan struct{})
	loc.A.Handle("Stuck.forever", func(context.Context, *jrpc.Request) ([]byte, error) {
		defer close(returned)
		<-release // ignores cancellation
		return []byte("too late"), nil
	}).Handle("Quick.ok", func(context.Context, *jrpc.Request) ([]byte, error) {
		return []byte("ok"), nil
	})

	// The caller gets control back when its context ends, even though the
	// remote has not answered.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, "Stuck.forever", nil); err == nil {
		t.Errorf("Call: unexpectedly succeeded: %v", rsp)
	}

	// The unresolved request ID is not reused.
	if rsp, err := loc.B.Call(context.Background(), "Quick.ok", nil); err != nil {
		t.Errorf("Call Quick.ok: %v", err)
	} else if string(rsp.Data) != "ok" {
		t.Errorf("Call Quick.ok: got %q, want ok", rsp.Data)
	}

	close(release)
	<-returned
}

func TestExec(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	forward := func(target string) jrpc.Handler {
		return func(ctx context.Context, req *jrpc.Request) ([]byte, error) {
			return jrpc.ContextPeer(ctx).Exec(ctx, target, req.Data)
		}
	}
	loc.A.
		LogPackets(logPacket(t, "A")).
		Handle("Base.get", func(context.Context, *jrpc.Request) ([]byte, error) { return []byte("ok"), nil }).
		Handle("Fwd.once", forward("Base.get")).
		Handle("Fwd.twice", forward("Fwd.once")).
		Handle("Fwd.broken", func(ctx context.Context, req *jrpc.Request) ([]byte, error) {
			// The data from a failing handler are not seen by the caller.
			_, err := jrpc.ContextPeer(ctx).Exec(ctx, "Base.nonesuch", req.Data)
			return []byte("unseen"), err
		})

	ctx := context.Background()
	for _, method := range []string{"Fwd.once", "Fwd.twice"} {
		rsp, err := loc.B.Call(ctx, method, nil)
		if err != nil {
			t.Errorf("Call %q: unexpected error: %v", method, err)
		} else if string(rsp.Data) != "ok" {
			t.Errorf("Call %q: got %q, want ok", method, rsp.Data)
		}
	}

	rsp, err := loc.B.Call(ctx, "Fwd.broken", nil)
	var ce *jrpc.CallError
	if rsp != nil || !errors.As(err, &ce) {
		t.Errorf("Call Fwd.broken: got (%v, %v), want CallError", rsp, err)
	} else if ce.Response.Code != jrpc.CodeUnknownMethod {
		t.Errorf("Call Fwd.broken: code %v, want %v", ce.Response.Code, jrpc.CodeUnknownMethod)
	}
}

func TestProtocolErrors(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		name  string
		input []byte
		close bool // close the input after writing
		want  string
	}{
		{"BadMagic", []byte{'C', 'X', 0, 2, 0, 0, 0, 0}, false, "invalid protocol magic"},
		{"ShortHeader", []byte{'C', 'P', 0, 2, 0, 0}, true, "short packet header"},
		{"ShortPayload", []byte{'C', 'P', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'}, true, "short payload"},
		{"ShortRequest", []byte{'C', 'P', 0, 2, 0, 0, 0, 1, 'X'}, false, "short request payload"},
		{"BadResultCode", jrpc.Packet{
			Type:    jrpc.PacketResponse,
			Payload: jrpc.Response{RequestID: 100, Code: 100}.Encode(),
		}.Encode(), false, "invalid result code"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pr, tw := io.Pipe()
			_, pw := io.Pipe()
			p := jrpc.NewPeer().Start(channel.IO(pr, pw))
			time.AfterFunc(time.Second, func() { p.Stop() })

			tw.Write(tc.input)
			if tc.close {
				tw.Close()
			}
			err := p.Wait()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Wait: got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestChannelFailure(t *testing.T) {
	defer leaktest.Check(t)()

	ready := make(chan struct{})
	done := make(chan struct{})
	pr, tw := io.Pipe()
	tr, pw := io.Pipe()
	p := jrpc.NewPeer().Handle("Stall.wait", func(ctx context.Context, _ *jrpc.Request) ([]byte, error) {
		defer close(done)
		close(ready)
		<-ctx.Done()
		return nil, ctx.Err()
	}).Start(channel.IO(pr, pw))
	defer p.Stop()

	tw.Write(jrpc.Packet{
		Type:    jrpc.PacketRequest,
		Payload: jrpc.Request{RequestID: 666, Method: "Stall.wait"}.Encode(),
	}.Encode())
	<-ready

	time.AfterFunc(100*time.Millisecond, func() { tw.Close() })

	// No response is delivered for the pending call.
	var buf [64]byte
	if nr, err := tr.Read(buf[:]); err == nil {
		t.Errorf("Got response %#q, want error", buf[:nr])
	}

	// The running handler is canceled.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Timed out waiting for handler to exit")
	}
}

func TestPacketHandlers(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	const ping, pong = 128, 129
	var seen, handled []*jrpc.Packet
	var wg sync.WaitGroup
	wg.Add(2)
	loc.A.HandlePacket(ping, func(ctx context.Context, pkt *jrpc.Packet) error {
		defer wg.Done()
		handled = append(handled, pkt)
		return jrpc.ContextPeer(ctx).SendPacket(pong, append(pkt.Payload, "-pong"...))
	}).LogPackets(func(pkt jrpc.PacketInfo) {
		if !pkt.Sent {
			seen = append(seen, pkt.Packet)
		}
	})
	loc.B.HandlePacket(pong, func(_ context.Context, pkt *jrpc.Packet) error {
		defer wg.Done()
		seen = append(seen, pkt)
		return nil
	})

	unknown := &jrpc.Packet{Type: 100, Payload: []byte("ignored")}
	custom := &jrpc.Packet{Type: ping, Payload: []byte("ping")}
	for _, pkt := range []*jrpc.Packet{unknown, custom} {
		if err := loc.B.SendPacket(pkt.Type, pkt.Payload); err != nil {
			t.Fatalf("SendPacket %v: %v", pkt.Type, err)
		}
	}
	wg.Wait()
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}

	reply := &jrpc.Packet{Type: pong, Payload: []byte("ping-pong")}
	if diff := cmp.Diff(seen, []*jrpc.Packet{unknown, custom, reply}); diff != "" {
		t.Errorf("Packets seen (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(handled, []*jrpc.Packet{custom}); diff != "" {
		t.Errorf("Packets handled (-got, +want):\n%s", diff)
	}
}

func TestForeignProtocolDropped(t *testing.T) {
	defer leaktest.Check(t)()

	pkt := &jrpc.Packet{
		Protocol: 7,
		Type:     jrpc.PacketRequest,
		Payload:  jrpc.Request{RequestID: 12345, Method: "Any.thing", Data: []byte("hi")}.Encode(),
	}

	ac, bc := channel.Direct()
	a := jrpc.NewPeer().LogPackets(func(pi jrpc.PacketInfo) {
		if pi.Sent {
			t.Errorf("Unexpected packet sent: %v", pi)
		} else if diff := cmp.Diff(pi.Packet, pkt); diff != "" {
			t.Errorf("Received (-got, +want):\n%s", diff)
		}
	}).Start(ac)
	defer func() { bc.Close(); a.Wait() }()

	if err := bc.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestOnExit(t *testing.T) {
	t.Run("Stop", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.B.Wait()

		exited := make(chan error, 1)
		loc.A.OnExit(func(err error) { exited <- err })
		time.AfterFunc(5*time.Millisecond, func() { loc.A.Stop() })

		if err := loc.A.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
		select {
		case err := <-exited:
			if err != nil {
				t.Errorf("OnExit: unexpected error: %v", err)
			}
		default:
			t.Error("OnExit was not called")
		}
	})

	t.Run("Failure", func(t *testing.T) {
		defer leaktest.Check(t)()

		sr, cw := io.Pipe()
		_, sw := io.Pipe()
		exited := make(chan error, 1)
		p := jrpc.NewPeer().Start(channel.IO(sr, sw)).OnExit(func(err error) { exited <- err })

		cw.Write([]byte("CP\x00\x01\x00\x00\x00"))
		cw.Close()

		if err := p.Wait(); err == nil {
			t.Error("Wait: got nil, want error")
		}
		select {
		case err := <-exited:
			if err == nil {
				t.Error("OnExit: got nil, want error")
			}
		default:
			t.Error("OnExit was not called")
		}
	})
}

func TestBaseContext(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type tagKey struct{}
	loc.A.NewContext(func() context.Context {
		return context.WithValue(context.Background(), tagKey{}, "tagged")
	}).Handle("Ctx.tag", func(ctx context.Context, _ *jrpc.Request) ([]byte, error) {
		v, _ := ctx.Value(tagKey{}).(string)
		return []byte(v), nil
	})

	rsp, err := loc.B.Call(context.Background(), "Ctx.tag", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	} else if string(rsp.Data) != "tagged" {
		t.Errorf("Call: got %q, want tagged", rsp.Data)
	}
}

func TestPingPong(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	const rounds = 5

	// Each call is answered by calling back the caller with the next count,
	// until the limit is reached.
	volley := func(ctx context.Context, req *jrpc.Request) ([]byte, error) {
		v, err := strconv.Atoi(string(req.Data))
		if err != nil {
			return nil, err
		} else if v == rounds {
			return []byte("done"), nil
		}
		rsp, err := jrpc.ContextPeer(ctx).Call(ctx, req.Method, []byte(strconv.Itoa(v+1)))
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}
	loc.A.Handle("Game.volley", volley).LogPackets(logPacket(t, "A"))
	loc.B.Handle("Game.volley", volley).LogPackets(logPacket(t, "B"))

	rsp, err := loc.A.Call(context.Background(), "Game.volley", []byte("0"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	} else if string(rsp.Data) != "done" {
		t.Errorf("Call: got %q, want done", rsp.Data)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Direct", func(t *testing.T) {
		loc := peers.NewLocal()
		defer loc.Stop()
		runConcurrent(t, loc.A, loc.B)
	})

	t.Run("Pipe", func(t *testing.T) {
		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		pa := jrpc.NewPeer().Start(channel.IO(ar, aw))
		pb := jrpc.NewPeer().Start(channel.IO(br, bw))
		defer func() {
			if err := pa.Stop(); err != nil {
				t.Errorf("Stop A: %v", err)
			}
			if err := pb.Stop(); err != nil {
				t.Errorf("Stop B: %v", err)
			}
		}()
		runConcurrent(t, pa, pb)
	})
}

// runConcurrent makes pa and pb call each other many times at once.
func runConcurrent(t *testing.T, pa, pb *jrpc.Peer) {
	t.Helper()

	echo := func(_ context.Context, req *jrpc.Request) ([]byte, error) {
		time.Sleep(time.Duration(rand.IntN(100)+50) * time.Microsecond)
		return req.Data, nil
	}
	pa.Handle("A.echo", echo)
	pb.Handle("B.echo", echo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const numCalls = 128
	g := taskgroup.New(cancel) // stop the remaining calls after a failure
	call := func(p *jrpc.Peer, method, tag string) {
		g.Go(func() error {
			rsp, err := p.Call(ctx, method, []byte(tag))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != tag {
				return fmt.Errorf("got %q, want %q", got, tag)
			}
			return nil
		})
	}
	for i := range numCalls {
		call(pa, "B.echo", fmt.Sprintf("a-to-b-%d", i))
		call(pb, "A.echo", fmt.Sprintf("b-to-a-%d", i))
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func logPacket(t *testing.T, tag string) jrpc.PacketLogger {
	return func(pkt jrpc.PacketInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, pkt)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},
		{"/tmp/jrpc.sock", "unix"},
		{"relative/path", "unix"},
		{"host:", "unix"},         // empty port
		{"dir/name:8080", "unix"}, // slash in host
		{"odd:po#rt", "unix"},     // bad port characters
		{"[::1]:9000", "tcp"},     // IPv6 with port
		{":9000", "tcp"},          // port only
		{":jrpc-svc", "tcp"},      // service name
		{"localhost:9000", "tcp"}, // host and port
		{"example.com:https", "tcp"},
	}
	for _, tc := range tests {
		network, addr := jrpc.SplitAddress(tc.input)
		if network != tc.want || addr != tc.input {
			t.Errorf("SplitAddress(%q): got (%q, %q), want (%q, %q)", tc.input, network, addr, tc.want, tc.input)
		}
	}
}

func TestErrorDataDecode(t *testing.T) {
	for _, input := range []string{
		"\x00\x01\x00\x04abc",         // message longer than the data
		"\x01\x02\x00\x04abc\xc0----", // message not valid UTF-8
		"\x00",                        // truncated header
	} {
		var ed jrpc.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("Decode %q: got %#v, want error", input, ed)
		}
	}
}

func TestClone(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	type valueKey struct{}
	ctx := context.Background()
	check := func(p *jrpc.Peer, method, want string) {
		t.Helper()
		if rsp, err := p.Call(ctx, method, nil); err != nil {
			t.Errorf("Call %q: unexpected error: %v", method, err)
		} else if got := string(rsp.Data); got != want {
			t.Errorf("Call %q: got %q, want %q", method, got, want)
		}
	}

	const ptype = 129
	var origCount, cloneCount int
	var pg sync.WaitGroup
	send := func(p *jrpc.Peer) {
		t.Helper()
		pg.Add(1)
		if err := p.SendPacket(ptype, nil); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}
	}

	loc.A.NewContext(func() context.Context {
		return context.WithValue(context.Background(), valueKey{}, "shared")
	}).Handle("Orig.value", func(ctx context.Context, _ *jrpc.Request) ([]byte, error) {
		return []byte(ctx.Value(valueKey{}).(string)), nil
	}).HandlePacket(ptype, func(context.Context, *jrpc.Packet) error {
		defer pg.Done()
		origCount++
		return nil
	})

	cp := loc.A.Clone().Handle("Clone.only", func(context.Context, *jrpc.Request) ([]byte, error) {
		return []byte("clone"), nil
	})
	x, y := channel.Direct()
	cp.Start(y)
	defer cp.Stop()
	cc := jrpc.NewPeer().Start(x)
	defer cc.Stop()

	// The clone inherits handlers and base context.
	check(loc.B, "Orig.value", "shared")
	check(cc, "Orig.value", "shared")

	// Handlers added to the clone do not affect the original.
	check(cc, "Clone.only", "clone")
	if rsp, err := loc.B.Call(ctx, "Clone.only", nil); err == nil {
		t.Errorf("Call Clone.only on original: got %v, want error", rsp)
	}

	// Packet handlers are shared until one side replaces them.
	send(loc.B)
	pg.Wait()
	send(cc)
	pg.Wait()
	if origCount != 2 {
		t.Errorf("Shared packet handler: got %d packets, want 2", origCount)
	}

	cp.HandlePacket(ptype, func(context.Context, *jrpc.Packet) error {
		defer pg.Done()
		cloneCount++
		return nil
	})
	send(loc.B)
	send(cc)
	pg.Wait()
	if origCount != 3 || cloneCount != 1 {
		t.Errorf("Split packet handlers: got %d, %d; want 3, 1", origCount, cloneCount)
	}
}
