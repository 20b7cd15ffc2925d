// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flatmax/jrpc-oo/peers"
	"github.com/google/go-cmp/cmp"
)

func TestBinder(t *testing.T) {
	ctx := context.Background()
	b := peers.NewBinder()

	r1 := echoRemote("r1")
	r2 := echoRemote("r2")
	if diff := cmp.Diff(b.Bind("s1", r1, []string{"X.b", "X.a"}), []string{"X.a", "X.b"}); diff != "" {
		t.Errorf("Bind s1 (-got, +want):\n%s", diff)
	}
	// Rebinding reports only the new names.
	if diff := cmp.Diff(b.Bind("s1", r1, []string{"X.a", "X.c"}), []string{"X.c"}); diff != "" {
		t.Errorf("Rebind s1 (-got, +want):\n%s", diff)
	}
	b.Bind("s2", r2, []string{"X.a"})

	if diff := cmp.Diff(b.Names(), []string{"X.a", "X.b", "X.c"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(b.SessionNames("s2"), []string{"X.a"}); diff != "" {
		t.Errorf("SessionNames (-got, +want):\n%s", diff)
	}

	fn, ok := b.Session("s2", "X.a")
	if !ok {
		t.Fatal("Session s2 X.a not found")
	}
	if got, err := fn(ctx, "q"); err != nil || string(got) != `"r2:X.a[q]"` {
		t.Errorf("Session call: got (%s, %v)", got, err)
	}
	if _, ok := b.Session("s2", "X.b"); ok {
		t.Error("Session s2 X.b: found, want missing")
	}

	agg, ok := b.Aggregate("X.a")
	if !ok {
		t.Fatal("Aggregate X.a not found")
	}
	if agg.Name() != "X.a" {
		t.Errorf("Aggregate name: got %q, want X.a", agg.Name())
	}
	got, err := agg.Call(ctx)
	if err != nil {
		t.Fatalf("Aggregate call: %v", err)
	}
	if diff := cmp.Diff(got, map[string]json.RawMessage{
		"s1": json.RawMessage(`"r1:X.a[]"`),
		"s2": json.RawMessage(`"r2:X.a[]"`),
	}); diff != "" {
		t.Errorf("Aggregate call (-got, +want):\n%s", diff)
	}

	if diff := cmp.Diff(b.Drop("s1"), []string{"X.a", "X.b", "X.c"}); diff != "" {
		t.Errorf("Drop (-got, +want):\n%s", diff)
	}
	if got := b.Drop("s1"); got != nil {
		t.Errorf("Drop again: got %q, want nil", got)
	}

	// Aggregates survive the loss of all their members.
	if diff := cmp.Diff(b.Names(), []string{"X.a", "X.b", "X.c"}); diff != "" {
		t.Errorf("Names after drop (-got, +want):\n%s", diff)
	}
	agg, _ = b.Aggregate("X.b")
	if got, err := agg.Call(ctx); err != nil || len(got) != 0 {
		t.Errorf("Empty aggregate call: got (%v, %v), want empty", got, err)
	}
	agg, _ = b.Aggregate("X.a")
	if got, err := agg.Call(ctx); err != nil || len(got) != 1 {
		t.Errorf("Aggregate call after drop: got (%v, %v), want one result", got, err)
	}
}
