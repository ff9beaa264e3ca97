package dbus_test

import (
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wirebus/dbus"
)

func TestSubscribeDeliver(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	sub, err := conn.Subscribe(ctx, dbus.MatchAllSignals().
		Interface("com.example.Weather").
		Member("Update"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	// A signal that misses the match must not show up; the one after
	// it must be the first delivery.
	bus.EmitSignal(":1.55", "/com/example/wx", "com.example.Weather", "Forecast")
	bus.EmitSignal(":1.55", "/com/example/wx", "com.example.Weather", "Update",
		dbus.String("sunny"), dbus.Uint32(21))

	got := recv(t, sub.Chan(), "signal")
	want := &dbus.Signal{
		Sender:    ":1.55",
		Path:      "/com/example/wx",
		Interface: "com.example.Weather",
		Member:    "Update",
		Body:      []dbus.Value{dbus.String("sunny"), dbus.Uint32(21)},
	}
	if diff := cmp.Diff(got, want, valueCmp); diff != "" {
		t.Errorf("delivered signal (-got+want):\n%s", diff)
	}
}

func TestSubscribeOrdering(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	sub, err := conn.Subscribe(ctx, dbus.MatchAllSignals().
		Interface("com.example.Counter").
		Member("Tick"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	const n = 100
	for i := range n {
		bus.EmitSignal(":1.9", "/com/example/ctr", "com.example.Counter", "Tick", dbus.Uint32(i))
	}
	for i := range n {
		sig := recv(t, sub.Chan(), "tick")
		if want := dbus.Uint32(i); sig.Body[0] != want {
			t.Fatalf("tick %d carried %v, want %v", i, sig.Body[0], want)
		}
	}
}

func TestMatchRefcounting(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	countOf := func(calls []string, rule string) int {
		var n int
		for _, c := range calls {
			if c == rule {
				n++
			}
		}
		return n
	}

	newMatch := func() *dbus.Match {
		return dbus.MatchAllSignals().Interface("com.example.Counter").Member("Tick")
	}
	rule := newMatch().Rule()

	sub1, err := conn.Subscribe(ctx, newMatch())
	if err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	sub2, err := conn.Subscribe(ctx, newMatch())
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if got := countOf(bus.AddMatchCalls(), rule); got != 1 {
		t.Errorf("bus saw %d AddMatch calls for shared rule, want 1", got)
	}

	// Closing one subscriber keeps the shared rule alive for the
	// other.
	if err := sub1.Close(); err != nil {
		t.Fatalf("sub1.Close: %v", err)
	}
	if got := countOf(bus.RemoveMatchCalls(), rule); got != 0 {
		t.Errorf("bus saw %d RemoveMatch calls after first close, want 0", got)
	}
	recvClosed(t, sub1.Chan(), "closed subscription")

	bus.EmitSignal(":1.9", "/com/example/ctr", "com.example.Counter", "Tick", dbus.Uint32(1))
	if sig := recv(t, sub2.Chan(), "tick"); sig.Member != "Tick" {
		t.Errorf("surviving subscription got %q, want Tick", sig.Member)
	}

	if err := sub2.Close(); err != nil {
		t.Fatalf("sub2.Close: %v", err)
	}
	if got := countOf(bus.RemoveMatchCalls(), rule); got != 1 {
		t.Errorf("bus saw %d RemoveMatch calls after last close, want 1", got)
	}

	// Close is idempotent and does not double-release the rule.
	if err := sub2.Close(); err != nil {
		t.Fatalf("repeated sub2.Close: %v", err)
	}
	if got := countOf(bus.RemoveMatchCalls(), rule); got != 1 {
		t.Errorf("bus saw %d RemoveMatch calls after repeat close, want 1", got)
	}
}

func TestSubscribeWellKnownSender(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	const owned = "com.example.Owned"
	bus.SetNameOwner(owned, ":1.7")

	sub, err := conn.Subscribe(ctx, dbus.MatchAllSignals().
		Sender(owned).
		Interface("com.example.Weather"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	// Force the owner cache to be populated before emitting, so the
	// first signal cannot race the background owner lookup.
	if owner, err := conn.GetNameOwner(ctx, owned); err != nil || owner != ":1.7" {
		t.Fatalf("GetNameOwner = %q, %v, want :1.7", owner, err)
	}

	bus.EmitSignal(":1.8", "/com/example/wx", "com.example.Weather", "Nope")
	bus.EmitSignal(":1.7", "/com/example/wx", "com.example.Weather", "Yep")

	sig := recv(t, sub.Chan(), "signal from owner")
	if sig.Member != "Yep" || sig.Sender != ":1.7" {
		t.Errorf("got signal %s from %s, want Yep from :1.7", sig.Member, sig.Sender)
	}
}

func TestSubscribeObjectFiltering(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	exact, err := conn.Subscribe(ctx, dbus.MatchAllSignals().
		Interface("com.example.Tree").
		Object("/a/b"))
	if err != nil {
		t.Fatalf("Subscribe exact: %v", err)
	}
	t.Cleanup(func() { exact.Close() })

	prefix, err := conn.Subscribe(ctx, dbus.MatchAllSignals().
		Interface("com.example.Tree").
		ObjectPrefix("/a/b"))
	if err != nil {
		t.Fatalf("Subscribe prefix: %v", err)
	}
	t.Cleanup(func() { prefix.Close() })

	for _, path := range []dbus.ObjectPath{"/a/b", "/a/bc", "/a/b/c", "/a/b"} {
		bus.EmitSignal(":1.3", path, "com.example.Tree", "Grew")
	}

	for _, want := range []dbus.ObjectPath{"/a/b", "/a/b"} {
		if sig := recv(t, exact.Chan(), "exact-path signal"); sig.Path != want {
			t.Errorf("exact subscription got path %s, want %s", sig.Path, want)
		}
	}
	for _, want := range []dbus.ObjectPath{"/a/b", "/a/b/c", "/a/b"} {
		if sig := recv(t, prefix.Chan(), "prefix-path signal"); sig.Path != want {
			t.Errorf("prefix subscription got path %s, want %s", sig.Path, want)
		}
	}
}

func TestConnCloseClosesSubscriptions(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	sub, err := conn.Subscribe(ctx, dbus.MatchAllSignals().Interface("com.example.Weather"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.EmitSignal(":1.2", "/com/example/wx", "com.example.Weather", "Update")
	if sig := recv(t, sub.Chan(), "signal before close"); sig.Member != "Update" {
		t.Errorf("got %q, want Update", sig.Member)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recvClosed(t, sub.Chan(), "subscription after close")

	if _, err := conn.Subscribe(ctx, dbus.MatchAllSignals()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Subscribe after close = %v, want net.ErrClosed", err)
	}
}
