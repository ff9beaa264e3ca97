package dbus

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// RequestNameFlags alter how the bus arbitrates ownership of a
// well-known name.
type RequestNameFlags uint32

const (
	// NameAllowReplacement permits another peer that requests the
	// name with NameReplaceExisting to take it over.
	NameAllowReplacement RequestNameFlags = 1 << iota
	// NameReplaceExisting takes the name over from its current owner,
	// if that owner granted NameAllowReplacement.
	NameReplaceExisting
	// NameDoNotQueue refuses to wait in line: if the name cannot be
	// acquired immediately, the request reports [NameExists] rather
	// than queueing.
	NameDoNotQueue
)

// RequestNameReply is the bus's arbitration verdict for a RequestName
// call.
type RequestNameReply uint32

const (
	// NamePrimaryOwner reports that the caller now owns the name.
	NamePrimaryOwner RequestNameReply = iota + 1
	// NameInQueue reports that the name has another owner, and the
	// caller is in line to receive it when the owner releases it.
	NameInQueue
	// NameExists reports that the name has another owner and the
	// caller declined to queue.
	NameExists
	// NameAlreadyOwner reports that the caller already owned the
	// name.
	NameAlreadyOwner
)

func (r RequestNameReply) String() string {
	switch r {
	case NamePrimaryOwner:
		return "primary owner"
	case NameInQueue:
		return "in queue"
	case NameExists:
		return "name exists"
	case NameAlreadyOwner:
		return "already owner"
	}
	return fmt.Sprintf("unknown RequestName reply %d", uint32(r))
}

// ReleaseNameReply is the bus's verdict for a ReleaseName call.
type ReleaseNameReply uint32

const (
	// NameReleased reports that the caller gave up the name, or its
	// place in the name's queue.
	NameReleased ReleaseNameReply = iota + 1
	// NameNonExistent reports that nobody owns the name.
	NameNonExistent
	// NameNotOwner reports that the name belongs to another peer and
	// the caller was not in its queue.
	NameNotOwner
)

func (r ReleaseNameReply) String() string {
	switch r {
	case NameReleased:
		return "released"
	case NameNonExistent:
		return "non-existent name"
	case NameNotOwner:
		return "not owner"
	}
	return fmt.Sprintf("unknown ReleaseName reply %d", uint32(r))
}

// RequestName asks the bus to assign ownership of the well-known name
// to this connection. For ongoing ownership with change notifications
// see [Conn.Claim], which manages the request for you.
func (c *Conn) RequestName(ctx context.Context, name string, flags RequestNameFlags) (RequestNameReply, error) {
	if err := c.connect(ctx); err != nil {
		return 0, err
	}
	body, err := c.busCall(ctx, "RequestName", String(name), Uint32(flags))
	if err != nil {
		return 0, err
	}
	code, err := oneUint32("RequestName", body)
	if err != nil {
		return 0, err
	}
	reply := RequestNameReply(code)
	switch reply {
	case NamePrimaryOwner, NameAlreadyOwner:
		// The bus sends NameAcquired before it answers the request,
		// so normally the caches are already up to date. Recording
		// the outcome here as well keeps them coherent even when the
		// signal is lost to a match-rule hiccup.
		c.mu.Lock()
		if c.ownedNames != nil {
			c.ownedNames.Add(name)
		}
		if c.nameOwners != nil {
			c.nameOwners[name] = c.uniqueName
		}
		c.mu.Unlock()
	case NameInQueue, NameExists:
	default:
		return 0, protoErr("RequestName", "unknown reply code %d", code)
	}
	return reply, nil
}

// ReleaseName relinquishes ownership of the well-known name, or the
// connection's place in its queue.
func (c *Conn) ReleaseName(ctx context.Context, name string) (ReleaseNameReply, error) {
	if err := c.connect(ctx); err != nil {
		return 0, err
	}
	body, err := c.busCall(ctx, "ReleaseName", String(name))
	if err != nil {
		return 0, err
	}
	code, err := oneUint32("ReleaseName", body)
	if err != nil {
		return 0, err
	}
	reply := ReleaseNameReply(code)
	switch reply {
	case NameReleased:
		c.mu.Lock()
		if c.ownedNames != nil {
			c.ownedNames.Remove(name)
		}
		c.mu.Unlock()
	case NameNonExistent, NameNotOwner:
	default:
		return 0, protoErr("ReleaseName", "unknown reply code %d", code)
	}
	return reply, nil
}

// ListQueuedOwners returns the unique names of the connections
// waiting for ownership of the well-known name, starting with its
// current owner.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	body, err := c.busCall(ctx, "ListQueuedOwners", String(name))
	if err != nil {
		return nil, err
	}
	return stringArray("ListQueuedOwners", body)
}

// ListNames returns the names currently in use on the bus, both
// unique and well-known.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	body, err := c.busCall(ctx, "ListNames")
	if err != nil {
		return nil, err
	}
	return stringArray("ListNames", body)
}

// ListActivatableNames returns the well-known names the bus can
// activate an owner for on demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	body, err := c.busCall(ctx, "ListActivatableNames")
	if err != nil {
		return nil, err
	}
	return stringArray("ListActivatableNames", body)
}

// NameHasOwner reports whether anyone on the bus currently owns the
// given name.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	if err := c.connect(ctx); err != nil {
		return false, err
	}
	body, err := c.busCall(ctx, "NameHasOwner", String(name))
	if err != nil {
		return false, err
	}
	return oneBool("NameHasOwner", body)
}

// GetNameOwner returns the unique name of the connection that owns
// the given well-known name. The bus reports an error if nobody owns
// it.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	return c.getNameOwner(ctx, name)
}

// getNameOwner is GetNameOwner without the connect gate. A successful
// lookup refreshes the owner cache used for signal matching.
func (c *Conn) getNameOwner(ctx context.Context, name string) (string, error) {
	body, err := c.busCall(ctx, "GetNameOwner", String(name))
	if err != nil {
		return "", err
	}
	owner, err := oneString("GetNameOwner", body)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.nameOwners != nil {
		c.nameOwners[name] = owner
	}
	c.mu.Unlock()
	return owner, nil
}

// BusID returns the globally unique ID of the bus daemon.
func (c *Conn) BusID(ctx context.Context) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	body, err := c.busCall(ctx, "GetId")
	if err != nil {
		return "", err
	}
	return oneString("GetId", body)
}

// Ping checks that the peer dest is responsive.
func (c *Conn) Ping(ctx context.Context, dest string) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, dest, "/", ifacePeer, "Ping", nil, 0)
	return err
}

// GetMachineID returns the DBus machine ID of the host the peer dest
// runs on.
func (c *Conn) GetMachineID(ctx context.Context, dest string) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	body, err := c.call(ctx, dest, "/", ifacePeer, "GetMachineId", nil, 0)
	if err != nil {
		return "", err
	}
	return oneString("GetMachineId", body)
}

// busCall invokes a method on the bus daemon itself.
func (c *Conn) busCall(ctx context.Context, member string, args ...Value) ([]Value, error) {
	return c.call(ctx, busName, busPath, ifaceBus, member, args, 0)
}

// UniqueName returns the connection's unique bus name, or "" if the
// connection has not been established yet.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// OwnedNames returns the well-known names the connection currently
// owns, sorted.
func (c *Conn) OwnedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownedNames == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.ownedNames))
}

// NameAcquired returns the channel on which the connection reports
// well-known names it has gained. Events begin flowing once the
// connection to the bus is established; the channel closes when the
// connection closes.
//
// The caller should drain the channel promptly. Deliveries are queued
// and never lost, but a name that was gained and lost repeatedly is
// only coherent when the NameAcquired and NameLost channels are both
// consumed.
func (c *Conn) NameAcquired() <-chan string {
	return c.acquired.events
}

// NameLost returns the channel on which the connection reports
// well-known names it has lost. See [Conn.NameAcquired] for delivery
// semantics.
func (c *Conn) NameLost() <-chan string {
	return c.lost.events
}

// applyNameSignal folds one of the bus daemon's name-ownership
// signals into the connection's caches. Malformed signal bodies are
// reported as protocol errors and otherwise ignored.
func (c *Conn) applyNameSignal(msg *Message) error {
	switch msg.Member {
	case "NameAcquired":
		name, err := signalArgString(msg, 0)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.ownedNames != nil {
			c.ownedNames.Add(name)
		}
		if c.nameOwners != nil && !isUniqueName(name) {
			c.nameOwners[name] = c.uniqueName
		}
		c.mu.Unlock()
		c.acquired.deliver(name)
	case "NameLost":
		name, err := signalArgString(msg, 0)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.ownedNames != nil {
			c.ownedNames.Remove(name)
		}
		c.mu.Unlock()
		c.lost.deliver(name)
	case "NameOwnerChanged":
		if len(msg.Body) != 3 {
			return protoErr("NameOwnerChanged", "signal carries %d values, want 3", len(msg.Body))
		}
		name, err := signalArgString(msg, 0)
		if err != nil {
			return err
		}
		newOwner, err := signalArgString(msg, 2)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.nameOwners != nil {
			if newOwner == "" {
				delete(c.nameOwners, name)
			} else {
				c.nameOwners[name] = newOwner
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func signalArgString(msg *Message, i int) (string, error) {
	if i >= len(msg.Body) {
		return "", protoErr(msg.Member, "signal carries %d values, want at least %d", len(msg.Body), i+1)
	}
	s, ok := msg.Body[i].(String)
	if !ok {
		return "", protoErr(msg.Member, "signal value %d has signature %s, want s", i, msg.Body[i].Signature())
	}
	return string(s), nil
}

// nameSignalMembers are the bus signals that drive the name caches.
// The connection subscribes to them for its whole lifetime.
var nameSignalMembers = []string{"NameAcquired", "NameLost", "NameOwnerChanged"}

func nameSignalRule(member string) string {
	return MatchAllSignals().Sender(busName).Interface(ifaceBus).Member(member).Rule()
}

// nameEvents queues name-ownership events for one of the public event
// channels, so that a slow consumer never blocks the read loop.
type nameEvents struct {
	events  chan string
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	running  bool
	stopping bool
	queue    queue.Queue[string]
}

func newNameEvents() *nameEvents {
	return &nameEvents{
		events:  make(chan string),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (e *nameEvents) start(g *taskgroup.Group) {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	g.Go(func() error { e.pump(); return nil })
}

func (e *nameEvents) deliver(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return
	}
	e.queue.Add(name)
	if e.queue.Len() == 1 {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// close stops the pump and closes the events channel. It is
// idempotent, and copes with the pump never having started, which
// happens when a connection is closed before it ever connected.
func (e *nameEvents) close() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	running := e.running
	close(e.stop)
	e.mu.Unlock()

	if running {
		<-e.stopped
	} else {
		close(e.events)
	}
}

func (e *nameEvents) pump() {
	defer close(e.stopped)
	defer close(e.events)
	for {
		name, ok := func() (string, bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.queue.Pop()
		}()
		if !ok {
			select {
			case <-e.stop:
				return
			case <-e.wake:
				continue
			}
		}
		select {
		case e.events <- name:
		case <-e.stop:
			return
		}
	}
}

// Reply shape helpers. The bus daemon's methods have fixed reply
// signatures; a mismatch is a protocol error, logged for diagnosis
// but not fatal to the connection.

func shapeErr(op, format string, args ...any) error {
	err := protoErr(op, format, args...)
	log.Printf("dbus: %v", err)
	return err
}

func oneString(op string, body []Value) (string, error) {
	if len(body) != 1 {
		return "", shapeErr(op, "reply carries %d values, want 1", len(body))
	}
	s, ok := body[0].(String)
	if !ok {
		return "", shapeErr(op, "reply has signature %s, want s", body[0].Signature())
	}
	return string(s), nil
}

func oneUint32(op string, body []Value) (uint32, error) {
	if len(body) != 1 {
		return 0, shapeErr(op, "reply carries %d values, want 1", len(body))
	}
	u, ok := body[0].(Uint32)
	if !ok {
		return 0, shapeErr(op, "reply has signature %s, want u", body[0].Signature())
	}
	return uint32(u), nil
}

func oneBool(op string, body []Value) (bool, error) {
	if len(body) != 1 {
		return false, shapeErr(op, "reply carries %d values, want 1", len(body))
	}
	b, ok := body[0].(Bool)
	if !ok {
		return false, shapeErr(op, "reply has signature %s, want b", body[0].Signature())
	}
	return bool(b), nil
}

func stringArray(op string, body []Value) ([]string, error) {
	if len(body) != 1 {
		return nil, shapeErr(op, "reply carries %d values, want 1", len(body))
	}
	arr, ok := body[0].(Array)
	if !ok || arr.Elem.String() != "s" {
		return nil, shapeErr(op, "reply has signature %s, want as", body[0].Signature())
	}
	ret := make([]string, 0, len(arr.Values))
	for _, v := range arr.Values {
		s, ok := v.(String)
		if !ok {
			return nil, shapeErr(op, "reply array holds %s, want s", v.Signature())
		}
		ret = append(ret, string(s))
	}
	return ret, nil
}
