package dbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/wirebus/dbus/fragments"
	"github.com/wirebus/dbus/transport"
)

// Well-known identities of the bus daemon itself.
const (
	busName = "org.freedesktop.DBus"
	busPath = ObjectPath("/org/freedesktop/DBus")

	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
)

// New returns a connection to the message bus at addr, in the
// standard address format, for example "unix:path=/run/dbus/socket".
//
// The connection starts out disconnected. The first operation that
// needs the bus dials it and runs the authentication handshake;
// concurrent first operations share a single handshake. A failure to
// connect is terminal: the connection moves to the closed state and
// every operation from then on reports the same error.
func New(addr string) *Conn {
	return newConn(func() (string, error) { return addr, nil })
}

// SystemBus returns a connection to the system bus. See [New] for the
// connection lifecycle.
func SystemBus() *Conn {
	return newConn(transport.SystemAddress)
}

// SessionBus returns a connection to the current user's session bus.
// See [New] for the connection lifecycle.
func SessionBus() *Conn {
	return newConn(transport.SessionAddress)
}

func newConn(addr func() (string, error)) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		addr:       addr,
		tasks:      taskgroup.New(nil),
		baseCtx:    ctx,
		baseCancel: cancel,
		objects:    newObjectTree(),
		builtin:    builtinInterfaces(),
		metrics:    newConnMetrics(),
		acquired:   newNameEvents(),
		lost:       newNameEvents(),
		calls:      map[uint32]*pendingCall{},
		subs:       mapset.New[*Subscription](),
		claims:     mapset.New[*Claim](),
		matchRefs:  map[string]int{},
		nameOwners: map[string]string{},
		ownedNames: mapset.New[string](),
	}
}

// Conn is a connection to a message bus.
type Conn struct {
	addr       func() (string, error)
	tasks      *taskgroup.Group
	baseCtx    context.Context
	baseCancel context.CancelFunc

	objects  *objectTree
	builtin  map[string]builtinHandler
	metrics  *connMetrics
	acquired *nameEvents
	lost     *nameEvents

	// connectMu serializes connection establishment, so that
	// concurrent first operations share one handshake.
	connectMu sync.Mutex

	// writeMu serializes serial allocation and socket writes, which
	// keeps wire order identical to serial order.
	writeMu    sync.Mutex
	t          transport.Transport
	lastSerial uint32

	mu         sync.Mutex
	ready      bool
	closed     bool
	failed     bool
	connErr    error
	uniqueName string
	calls      map[uint32]*pendingCall
	subs       mapset.Set[*Subscription]
	claims     mapset.Set[*Claim]
	matchRefs  map[string]int
	nameOwners map[string]string
	ownedNames mapset.Set[string]
}

// connect dials the bus and runs the handshake, unless the connection
// is already up. Every public operation that talks to the bus calls
// it first.
func (c *Conn) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		err := c.closedReasonLocked()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	addr, err := c.addr()
	if err != nil {
		err = fmt.Errorf("resolving bus address: %w", err)
		c.fail(err)
		return err
	}
	t, err := transport.Dial(ctx, addr)
	if err != nil {
		c.fail(err)
		return err
	}
	dec, err := handshake(ctx, t)
	if err != nil {
		t.Close()
		c.fail(err)
		return err
	}

	c.writeMu.Lock()
	c.t = t
	c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		// Close raced the handshake. Drop the fresh transport; the
		// bus forgets us when the socket goes.
		c.mu.Unlock()
		c.writeMu.Lock()
		c.t = nil
		c.writeMu.Unlock()
		t.Close()
		return net.ErrClosed
	}
	c.acquired.start(c.tasks)
	c.lost.start(c.tasks)
	c.tasks.Go(func() error { c.readLoop(t, dec); return nil })
	c.mu.Unlock()

	// Hello must be the first call on every connection. The bus
	// answers with the connection's unique name.
	body, err := c.call(ctx, busName, busPath, ifaceBus, "Hello", nil, 0)
	if err != nil {
		err = fmt.Errorf("DBus Hello: %w", err)
		c.fail(err)
		return err
	}
	name, err := oneString("Hello", body)
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.uniqueName = name
	c.mu.Unlock()

	// Track name ownership for the rest of the connection's life, so
	// that OwnedNames and well-known-sender subscriptions stay
	// coherent.
	for _, member := range nameSignalMembers {
		if err := c.addMatch(ctx, nameSignalRule(member)); err != nil {
			err = fmt.Errorf("subscribing to bus name signals: %w", err)
			c.fail(err)
			return err
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// handshake authenticates to the bus on t: a NUL credentials byte,
// AUTH EXTERNAL with the hex-encoded uid, and BEGIN once the bus says
// OK. It returns the decode buffer, which may already hold the start
// of the binary message stream.
func handshake(ctx context.Context, t transport.Transport) (*fragments.Decoder, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.SetDeadline(deadline)
		defer t.SetDeadline(time.Time{})
	}

	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if _, err := fmt.Fprintf(t, "\x00AUTH EXTERNAL %s\r\n", uid); err != nil {
		return nil, fmt.Errorf("sending AUTH: %w", err)
	}

	dec := &fragments.Decoder{Order: fragments.NativeEndian}
	line, err := readAuthLine(t, dec)
	if err != nil {
		return nil, fmt.Errorf("reading AUTH response: %w", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		return nil, fmt.Errorf("bus refused EXTERNAL auth: %q", line)
	}
	if _, err := io.WriteString(t, "BEGIN\r\n"); err != nil {
		return nil, fmt.Errorf("sending BEGIN: %w", err)
	}
	return dec, nil
}

// readAuthLine reads one line of the auth protocol, feeding d from t
// as needed so that a line split across socket reads is reassembled.
func readAuthLine(t io.Reader, d *fragments.Decoder) (string, error) {
	buf := make([]byte, 256)
	for {
		d.Mark()
		line, err := d.ReadLine()
		if err == nil {
			d.Mark()
			d.Compact()
			return line, nil
		}
		if !errors.Is(err, fragments.ErrIncomplete) {
			return "", err
		}
		d.Rewind()
		n, rerr := t.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if rerr != nil {
			return "", rerr
		}
	}
}

// Close shuts down the connection. In-flight calls fail with
// [net.ErrClosed], subscription and name event channels close, and
// the connection's match rules are shed from the bus on a best-effort
// basis. Close is idempotent, and closing a connection that never
// connected is a no-op beyond closing its event channels.
func (c *Conn) Close() error {
	c.mu.Lock()
	ready := c.ready && !c.closed
	c.mu.Unlock()
	if ready {
		// Tell the bus to stop sending the name-tracking signals.
		// Fire and forget: the socket is about to close, which drops
		// the rules anyway.
		for _, member := range nameSignalMembers {
			c.removeMatch(context.Background(), nameSignalRule(member), true)
		}
	}
	c.fail(net.ErrClosed)
	c.tasks.Wait()
	return nil
}

// fail moves the connection to the closed state: pending calls fail
// with err, subscriptions, claims and event channels close, and the
// socket shuts down. Only the first call does anything; the first
// error is the one later operations report.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.closed = true
	if c.connErr == nil {
		c.connErr = err
	}
	pend := c.calls
	subs := c.subs
	claims := c.claims
	c.calls = nil
	c.subs = nil
	c.claims = nil
	c.matchRefs = nil
	c.nameOwners = nil
	c.ownedNames = nil
	c.mu.Unlock()

	c.baseCancel()

	for _, pc := range pend {
		pc.err = err
		close(pc.notify)
	}
	for sub := range subs {
		sub.teardown()
	}
	for cl := range claims {
		cl.shutdown(false)
	}
	c.acquired.close()
	c.lost.close()

	c.writeMu.Lock()
	t := c.t
	c.t = nil
	c.writeMu.Unlock()
	if t != nil {
		t.Close()
	}
}

// closedReason returns the error that operations on a closed
// connection report: the error that closed it, or [net.ErrClosed]
// after an orderly Close.
func (c *Conn) closedReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedReasonLocked()
}

func (c *Conn) closedReasonLocked() error {
	if c.connErr != nil {
		return c.connErr
	}
	return net.ErrClosed
}
