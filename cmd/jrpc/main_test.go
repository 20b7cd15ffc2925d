package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flatmax/jrpc-oo"
	"github.com/flatmax/jrpc-oo/peers"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestDialRawPeer(t *testing.T) {
	lst, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	reg := peers.NewRegistry(&peers.Options{Logger: zerolog.New(zerolog.NewTestWriter(t))})
	if err := reg.RegisterClass(new(Echo), ""); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- reg.Loop(ctx, peers.NetAccepter(lst)) }()
	defer func() {
		lst.Close()
		if err := <-done; err != nil {
			t.Errorf("Loop: %v", err)
		}
		reg.Close()
	}()

	ch, err := dial(ctx, lst.Addr().String())
	if err != nil {
		t.Fatalf("dial %q: %v", lst.Addr(), err)
	}
	peer := jrpc.NewPeer().Start(ch)
	defer peer.Stop()

	if _, err := peer.Upgrade(ctx); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	got, err := peer.Invoke(ctx, "Echo.Upper", "raw")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff(string(got), `"RAW"`); diff != "" {
		t.Errorf("Invoke (-got, +want):\n%s", diff)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A Unix socket path that does not exist.
	if ch, err := dial(ctx, t.TempDir()+"/nonesuch.sock"); err == nil {
		ch.Close()
		t.Error("dial: got nil error for a missing socket")
	}
}
