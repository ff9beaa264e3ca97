package dbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/wirebus/dbus"
	"github.com/wirebus/dbus/dbustest"
)

// valueCmp compares dbus value trees. Signatures carry their type
// string in an unexported field, so compare them by rendering.
var valueCmp = cmp.Options{
	cmp.Comparer(func(a, b dbus.Signature) bool {
		return a.String() == b.String()
	}),
	cmpopts.EquateEmpty(),
}

func mustSig(t *testing.T, s string) dbus.Signature {
	t.Helper()
	sig, err := dbus.ParseSignature(s)
	if err != nil {
		t.Fatalf("ParseSignature(%q): %v", s, err)
	}
	return sig
}

// testContext returns a context that expires comfortably before the
// test binary's own deadline, so that a wedged bus call fails the
// test instead of hanging it.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestConn starts a fake bus and returns a connection to it. The
// connection and the bus are torn down when the test ends, and the
// test fails if either leaks a goroutine.
func newTestConn(t *testing.T) (*dbustest.Bus, *dbus.Conn) {
	t.Helper()
	t.Cleanup(leaktest.Check(t))
	bus := dbustest.New(t)
	conn := dbus.New(bus.Address())
	t.Cleanup(func() { conn.Close() })
	return bus, conn
}

// recv receives one value from ch, failing the test if none arrives
// in time.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel for %s closed while awaiting a value", what)
		}
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

// recvClosed asserts that ch gets closed, discarding any values
// delivered before the close.
func recvClosed[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %s to close", what)
		}
	}
}
