// Package dbustest provides an in-process message bus for tests.
//
// A [Bus] listens on a real unix socket and speaks the real DBus
// protocol: the EXTERNAL authentication exchange, Hello, name
// ownership, match rule registration, and message routing between
// connections. Tests point a [dbus.Conn] at [Bus.Address] and drive
// the far side of the wire through the Bus: injecting signals,
// calling hosted objects, reassigning name owners, and inspecting the
// requests the client sent.
//
// The bus is deliberately simpler than a real daemon in one respect:
// match rules are recorded and acknowledged but not evaluated, and
// broadcast signals go to every connection. Clients filter locally,
// so a test observes the same deliveries it would against a real bus.
package dbustest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/wirebus/dbus"
	"github.com/wirebus/dbus/fragments"
)

const (
	busName   = "org.freedesktop.DBus"
	busPath   = dbus.ObjectPath("/org/freedesktop/DBus")
	ifacePeer = "org.freedesktop.DBus.Peer"

	// TesterName is the unique name of the pseudo-peer the test
	// itself drives with [Bus.Call] and [Bus.EmitSignal].
	TesterName = ":1.999"

	busGUID       = "7769726562757374657374627573ab01"
	testMachineID = "6d616368696e652d69642d74657374ff"
)

// Bus method reply codes and error names, as the protocol defines
// them.
const (
	flagAllowReplacement = 0x1
	flagReplaceExisting  = 0x2
	flagDoNotQueue       = 0x4

	errFailed            = "org.freedesktop.DBus.Error.Failed"
	errUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	errInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	errMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
)

// NameRequest is one recorded RequestName call.
type NameRequest struct {
	Name  string
	Flags uint32
}

// Bus is an in-process message bus listening on a unix socket.
type Bus struct {
	addr  string
	ln    net.Listener
	tasks *taskgroup.Group

	mu            sync.Mutex
	closed        bool
	rejectAuth    bool
	nextID        uint32
	testerSerial  uint32
	conns         []*busConn
	first         *busConn
	names         map[string]*nameRecord
	stalled       mapset.Set[string]
	pending       map[uint32]chan *dbus.Message
	authLines     []string
	helloSerials  []uint32
	addMatches    []string
	removeMatches []string
	nameRequests  []NameRequest
	methodCalls   map[string]int
}

// A claimant is one connection's standing claim to a name. Claimants
// installed by [Bus.SetNameOwner] have no connection behind them;
// they own the name for routing purposes but receive nothing.
type claimant struct {
	name             string
	conn             *busConn
	allowReplacement bool
	noQueue          bool
}

// A nameRecord is the ownership state of one well-known name: the
// current owner and the claimants queued behind it.
type nameRecord struct {
	owner *claimant
	queue []*claimant
}

func (r *nameRecord) dequeue(unique string) bool {
	for i, c := range r.queue {
		if c.name == unique {
			r.queue = slices.Delete(r.queue, i, i+1)
			return true
		}
	}
	return false
}

// New starts a bus dedicated to the calling test. The bus shuts down
// when the test ends.
func New(t *testing.T) *Bus {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listening on bus socket: %v", err)
	}
	b := &Bus{
		addr:         "unix:path=" + sock,
		ln:           ln,
		tasks:        taskgroup.New(nil),
		nextID:       1,
		testerSerial: 1000,
		names:        map[string]*nameRecord{},
		stalled:      mapset.New[string](),
		pending:      map[uint32]chan *dbus.Message{},
		methodCalls:  map[string]int{},
	}
	b.tasks.Go(func() error { b.accept(); return nil })
	t.Cleanup(b.Close)
	return b
}

// Address returns the bus address clients connect to.
func (b *Bus) Address() string { return b.addr }

// Close shuts the bus down: the listener closes, every client socket
// closes, and Close returns once the serving goroutines have
// exited. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := slices.Clone(b.conns)
	b.mu.Unlock()

	b.ln.Close()
	for _, bc := range conns {
		bc.sock.Close()
	}
	b.tasks.Wait()
}

func (b *Bus) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		bc := &busConn{bus: b, sock: conn}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conns = append(b.conns, bc)
		if b.first == nil {
			b.first = bc
		}
		b.mu.Unlock()
		b.tasks.Go(func() error { b.serve(bc); return nil })
	}
}

// A busConn is the server side of one client connection.
type busConn struct {
	bus  *Bus
	sock net.Conn

	// writeMu serializes writes; serial numbers messages the bus
	// itself originates on this connection.
	writeMu sync.Mutex
	serial  uint32

	mu      sync.Mutex
	name    string
	serials []uint32
}

func (bc *busConn) unique() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.name
}

// send writes msg to the client, assigning a fresh serial if it has
// none. Forwarded messages keep their sender's serial.
func (bc *busConn) send(msg *dbus.Message) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if msg.Serial == 0 {
		bc.serial++
		msg.Serial = bc.serial
	}
	bs, err := msg.Encode(fragments.NativeEndian)
	if err != nil {
		return err
	}
	_, err = bc.sock.Write(bs)
	return err
}

func (b *Bus) serve(bc *busConn) {
	defer b.dropConn(bc)
	br := bufio.NewReader(bc.sock)
	if err := b.auth(bc, br); err != nil {
		return
	}

	dec := &fragments.Decoder{Order: fragments.NativeEndian}
	buf := make([]byte, 4096)
	for {
		for {
			dec.Mark()
			msg, err := dbus.DecodeMessage(dec)
			if errors.Is(err, fragments.ErrIncomplete) {
				dec.Rewind()
				break
			}
			if err != nil {
				return
			}
			dec.Mark()
			dec.Compact()
			if !b.handle(bc, msg) {
				return
			}
		}
		n, err := br.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// auth runs the server side of the authentication handshake: a NUL
// credentials byte, then command lines until the client sends BEGIN.
func (b *Bus) auth(bc *busConn, br *bufio.Reader) error {
	nul, err := br.ReadByte()
	if err != nil {
		return err
	}
	if nul != 0 {
		return errors.New("auth stream did not start with a NUL byte")
	}
	for {
		raw, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")

		b.mu.Lock()
		b.authLines = append(b.authLines, line)
		reject := b.rejectAuth
		b.mu.Unlock()

		switch {
		case line == "BEGIN":
			return nil
		case strings.HasPrefix(line, "AUTH "):
			resp := "OK " + busGUID + "\r\n"
			if reject {
				resp = "REJECTED EXTERNAL\r\n"
			}
			if _, err := io.WriteString(bc.sock, resp); err != nil {
				return err
			}
		default:
			if _, err := io.WriteString(bc.sock, "ERROR\r\n"); err != nil {
				return err
			}
		}
	}
}

// dropConn removes a departed connection and releases the names it
// held, promoting queued claimants.
func (b *Bus) dropConn(bc *busConn) {
	bc.sock.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.conns, bc); i >= 0 {
		b.conns = slices.Delete(b.conns, i, i+1)
	}
	name := bc.unique()
	if name == "" || b.closed {
		return
	}
	for wk, rec := range b.names {
		if rec.owner != nil && rec.owner.name == name {
			b.passOwnershipLocked(wk, rec)
		} else {
			rec.dequeue(name)
		}
	}
	b.broadcastLocked(busSignal("NameOwnerChanged", "",
		dbus.String(name), dbus.String(name), dbus.String("")))
}

// handle processes one message from a client. It reports false when
// the connection should be torn down.
func (b *Bus) handle(bc *busConn, msg *dbus.Message) bool {
	bc.mu.Lock()
	bc.serials = append(bc.serials, msg.Serial)
	helloed := bc.name != ""
	bc.mu.Unlock()

	if !helloed {
		// The first message on every connection must be Hello; the
		// real bus disconnects clients that send anything else.
		if msg.Type != dbus.TypeMethodCall || msg.Destination != busName || msg.Member != "Hello" {
			return false
		}
		b.hello(bc, msg)
		return true
	}

	switch msg.Type {
	case dbus.TypeMethodCall:
		if msg.Destination == busName {
			b.serveBus(bc, msg)
		} else {
			b.forward(bc, msg)
		}
	case dbus.TypeMethodReturn, dbus.TypeError:
		b.forward(bc, msg)
	case dbus.TypeSignal:
		b.forwardSignal(bc, msg)
	}
	return true
}

func (b *Bus) hello(bc *busConn, msg *dbus.Message) {
	b.mu.Lock()
	name := fmt.Sprintf(":1.%d", b.nextID)
	b.nextID++
	b.helloSerials = append(b.helloSerials, msg.Serial)
	b.methodCalls["Hello"]++
	b.mu.Unlock()

	bc.mu.Lock()
	bc.name = name
	bc.mu.Unlock()
	b.reply(bc, msg, dbus.String(name))
}

// serveBus answers a method call addressed to the bus itself.
func (b *Bus) serveBus(bc *busConn, msg *dbus.Message) {
	b.mu.Lock()
	b.methodCalls[msg.Member]++
	stalled := b.stalled.Has(msg.Member)
	b.mu.Unlock()
	if stalled {
		return
	}

	if msg.Interface == ifacePeer {
		switch msg.Member {
		case "Ping":
			b.reply(bc, msg)
		case "GetMachineId":
			b.reply(bc, msg, dbus.String(testMachineID))
		default:
			b.replyErr(bc, msg, errUnknownMethod, fmt.Sprintf("no such method %s", msg.Member))
		}
		return
	}

	switch msg.Member {
	case "Hello":
		b.replyErr(bc, msg, errFailed, "already handled an Hello message")

	case "RequestName":
		name, ok1 := argString(msg, 0)
		flags, ok2 := argUint32(msg, 1)
		if !ok1 || !ok2 {
			b.replyErr(bc, msg, errInvalidArgs, "RequestName takes a name and flags")
			return
		}
		b.reply(bc, msg, dbus.Uint32(b.requestName(bc, name, flags)))

	case "ReleaseName":
		name, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "ReleaseName takes a name")
			return
		}
		b.reply(bc, msg, dbus.Uint32(b.releaseName(bc, name)))

	case "GetNameOwner":
		name, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "GetNameOwner takes a name")
			return
		}
		b.mu.Lock()
		owner := b.ownerLocked(name)
		b.mu.Unlock()
		if owner == "" {
			b.replyErr(bc, msg, errNameHasNoOwner,
				fmt.Sprintf("Could not get owner of name '%s': no such name", name))
			return
		}
		b.reply(bc, msg, dbus.String(owner))

	case "NameHasOwner":
		name, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "NameHasOwner takes a name")
			return
		}
		b.mu.Lock()
		owner := b.ownerLocked(name)
		b.mu.Unlock()
		b.reply(bc, msg, dbus.Bool(owner != ""))

	case "ListNames":
		b.mu.Lock()
		names := []string{busName}
		for _, c := range b.conns {
			if u := c.unique(); u != "" {
				names = append(names, u)
			}
		}
		for name, rec := range b.names {
			if rec.owner != nil {
				names = append(names, name)
			}
		}
		b.mu.Unlock()
		b.reply(bc, msg, stringsValue(names))

	case "ListActivatableNames":
		b.reply(bc, msg, stringsValue([]string{busName}))

	case "ListQueuedOwners":
		name, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "ListQueuedOwners takes a name")
			return
		}
		b.mu.Lock()
		var owners []string
		if rec := b.names[name]; rec != nil {
			if rec.owner != nil {
				owners = append(owners, rec.owner.name)
			}
			for _, cl := range rec.queue {
				owners = append(owners, cl.name)
			}
		}
		b.mu.Unlock()
		b.reply(bc, msg, stringsValue(owners))

	case "AddMatch":
		rule, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "AddMatch takes a rule")
			return
		}
		b.mu.Lock()
		b.addMatches = append(b.addMatches, rule)
		b.mu.Unlock()
		b.reply(bc, msg)

	case "RemoveMatch":
		rule, ok := argString(msg, 0)
		if !ok {
			b.replyErr(bc, msg, errInvalidArgs, "RemoveMatch takes a rule")
			return
		}
		b.mu.Lock()
		live := countString(b.addMatches, rule) > countString(b.removeMatches, rule)
		if live {
			b.removeMatches = append(b.removeMatches, rule)
		}
		b.mu.Unlock()
		if !live {
			b.replyErr(bc, msg, errMatchRuleNotFound,
				"The given match rule wasn't found and can't be removed")
			return
		}
		b.reply(bc, msg)

	case "GetId":
		b.reply(bc, msg, dbus.String(busGUID))

	default:
		b.replyErr(bc, msg, errUnknownMethod, fmt.Sprintf("no such bus method %s", msg.Member))
	}
}

// ownerLocked resolves the current owner of a name, unique names
// included.
func (b *Bus) ownerLocked(name string) string {
	switch {
	case name == busName:
		return busName
	case name == TesterName:
		return TesterName
	case strings.HasPrefix(name, ":"):
		if b.findConnLocked(name) != nil {
			return name
		}
		return ""
	}
	if rec := b.names[name]; rec != nil && rec.owner != nil {
		return rec.owner.name
	}
	return ""
}

func (b *Bus) findConnLocked(name string) *busConn {
	for _, bc := range b.conns {
		if bc.unique() == name {
			return bc
		}
	}
	return nil
}

func (b *Bus) requestName(bc *busConn, name string, flags uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nameRequests = append(b.nameRequests, NameRequest{Name: name, Flags: flags})

	claim := &claimant{
		name:             bc.unique(),
		conn:             bc,
		allowReplacement: flags&flagAllowReplacement != 0,
		noQueue:          flags&flagDoNotQueue != 0,
	}
	rec := b.names[name]
	if rec == nil {
		rec = &nameRecord{}
		b.names[name] = rec
	}
	switch {
	case rec.owner == nil:
		rec.owner = claim
		b.nameSignalsLocked(name, nil, claim)
		return 1 // primary owner
	case rec.owner.name == claim.name:
		rec.owner.allowReplacement = claim.allowReplacement
		rec.owner.noQueue = claim.noQueue
		return 4 // already owner
	case flags&flagReplaceExisting != 0 && rec.owner.allowReplacement:
		old := rec.owner
		rec.owner = claim
		rec.dequeue(claim.name)
		if !old.noQueue {
			rec.queue = append([]*claimant{old}, rec.queue...)
		}
		b.nameSignalsLocked(name, old, claim)
		return 1
	case flags&flagDoNotQueue != 0:
		rec.dequeue(claim.name)
		return 3 // name exists
	}
	// A re-request from a queued claimant replaces its entry, moving
	// it to the back of the line with the updated options.
	rec.dequeue(claim.name)
	rec.queue = append(rec.queue, claim)
	return 2 // in queue
}

func (b *Bus) releaseName(bc *busConn, name string) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.names[name]
	if rec == nil || (rec.owner == nil && len(rec.queue) == 0) {
		return 2 // non-existent
	}
	who := bc.unique()
	if rec.owner != nil && rec.owner.name == who {
		b.passOwnershipLocked(name, rec)
		return 1 // released
	}
	if rec.dequeue(who) {
		return 1
	}
	return 3 // not owner
}

// passOwnershipLocked hands a name to the head of its queue, or
// retires the name when nobody is waiting.
func (b *Bus) passOwnershipLocked(name string, rec *nameRecord) {
	old := rec.owner
	if len(rec.queue) > 0 {
		next := rec.queue[0]
		rec.queue = rec.queue[1:]
		rec.owner = next
		b.nameSignalsLocked(name, old, next)
		return
	}
	rec.owner = nil
	delete(b.names, name)
	b.nameSignalsLocked(name, old, nil)
}

// nameSignalsLocked emits the signals for an ownership change:
// NameLost to the previous owner, NameAcquired to the next one, and a
// NameOwnerChanged broadcast.
func (b *Bus) nameSignalsLocked(name string, prev, next *claimant) {
	if prev != nil && prev.conn != nil {
		prev.conn.send(busSignal("NameLost", prev.name, dbus.String(name)))
	}
	if next != nil && next.conn != nil {
		next.conn.send(busSignal("NameAcquired", next.name, dbus.String(name)))
	}
	var prevName, nextName string
	if prev != nil {
		prevName = prev.name
	}
	if next != nil {
		nextName = next.name
	}
	b.broadcastLocked(busSignal("NameOwnerChanged", "",
		dbus.String(name), dbus.String(prevName), dbus.String(nextName)))
}

func busSignal(member, dest string, args ...dbus.Value) *dbus.Message {
	return &dbus.Message{
		Type:        dbus.TypeSignal,
		Sender:      busName,
		Destination: dest,
		Path:        busPath,
		Interface:   busName,
		Member:      member,
		Body:        args,
	}
}

// broadcastLocked delivers a copy of msg to every connection that has
// completed Hello.
func (b *Bus) broadcastLocked(msg *dbus.Message) {
	for _, bc := range b.conns {
		if bc.unique() == "" {
			continue
		}
		m := *msg
		bc.send(&m)
	}
}

// forward routes a method call or reply to its destination,
// rewriting the sender and preserving the serial.
func (b *Bus) forward(bc *busConn, msg *dbus.Message) {
	m := *msg
	m.Sender = bc.unique()

	b.mu.Lock()
	if m.Destination == TesterName {
		var ch chan *dbus.Message
		if m.Type == dbus.TypeMethodReturn || m.Type == dbus.TypeError {
			ch = b.pending[m.ReplySerial]
			delete(b.pending, m.ReplySerial)
		}
		b.mu.Unlock()
		if ch != nil {
			ch <- &m
		}
		return
	}
	var dest *busConn
	if strings.HasPrefix(m.Destination, ":") {
		dest = b.findConnLocked(m.Destination)
	} else if rec := b.names[m.Destination]; rec != nil && rec.owner != nil {
		dest = rec.owner.conn
	}
	b.mu.Unlock()

	if dest == nil {
		if m.Type == dbus.TypeMethodCall {
			b.replyErr(bc, msg, errServiceUnknown,
				fmt.Sprintf("The name %s was not provided by any .service files", m.Destination))
		}
		return
	}
	dest.send(&m)
}

// forwardSignal routes a signal from a client: directed to a single
// destination, or broadcast to everyone, the sender included.
func (b *Bus) forwardSignal(bc *busConn, msg *dbus.Message) {
	m := *msg
	m.Sender = bc.unique()
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.Destination != "" {
		var dest *busConn
		if strings.HasPrefix(m.Destination, ":") {
			dest = b.findConnLocked(m.Destination)
		} else if rec := b.names[m.Destination]; rec != nil && rec.owner != nil {
			dest = rec.owner.conn
		}
		if dest != nil {
			dest.send(&m)
		}
		return
	}
	b.broadcastLocked(&m)
}

func (b *Bus) reply(bc *busConn, call *dbus.Message, body ...dbus.Value) {
	if !call.WantReply() {
		return
	}
	bc.send(&dbus.Message{
		Type:        dbus.TypeMethodReturn,
		Sender:      busName,
		Destination: bc.unique(),
		ReplySerial: call.Serial,
		Body:        body,
	})
}

func (b *Bus) replyErr(bc *busConn, call *dbus.Message, name, detail string) {
	if !call.WantReply() {
		return
	}
	bc.send(&dbus.Message{
		Type:        dbus.TypeError,
		Sender:      busName,
		Destination: bc.unique(),
		ReplySerial: call.Serial,
		ErrName:     name,
		Body:        []dbus.Value{dbus.String(detail)},
	})
}

// EmitSignal broadcasts a signal to every connection, as if sender
// had emitted it on the bus.
func (b *Bus) EmitSignal(sender string, path dbus.ObjectPath, iface, member string, args ...dbus.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(&dbus.Message{
		Type:      dbus.TypeSignal,
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	})
}

// Call invokes a method on one of the bus's clients as the test
// pseudo-peer. An error reply is returned as a [dbus.CallError].
func (b *Bus) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, member string, args ...dbus.Value) ([]dbus.Value, error) {
	b.mu.Lock()
	var target *busConn
	if strings.HasPrefix(dest, ":") {
		target = b.findConnLocked(dest)
	} else if rec := b.names[dest]; rec != nil && rec.owner != nil {
		target = rec.owner.conn
	}
	if target == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("no connection for destination %s", dest)
	}
	b.testerSerial++
	serial := b.testerSerial
	ch := make(chan *dbus.Message, 1)
	b.pending[serial] = ch
	b.mu.Unlock()

	unregister := func() {
		b.mu.Lock()
		delete(b.pending, serial)
		b.mu.Unlock()
	}
	err := target.send(&dbus.Message{
		Type:        dbus.TypeMethodCall,
		Serial:      serial,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Sender:      TesterName,
		Body:        args,
	})
	if err != nil {
		unregister()
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Type == dbus.TypeError {
			var detail string
			if len(reply.Body) > 0 {
				if s, ok := reply.Body[0].(dbus.String); ok {
					detail = string(s)
				}
			}
			return nil, dbus.CallError{Name: reply.ErrName, Detail: detail, Body: reply.Body}
		}
		return reply.Body, nil
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

// SetNameOwner installs or replaces the owner of a well-known name
// without any client requesting it, broadcasting the corresponding
// NameOwnerChanged signal. An empty owner retires the name.
func (b *Bus) SetNameOwner(name, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.names[name]
	var old *claimant
	if rec != nil {
		old = rec.owner
	}
	if owner == "" {
		if rec == nil {
			return
		}
		delete(b.names, name)
		b.nameSignalsLocked(name, old, nil)
		return
	}
	if rec == nil {
		rec = &nameRecord{}
		b.names[name] = rec
	}
	claim := &claimant{name: owner, conn: b.findConnLocked(owner)}
	rec.owner = claim
	b.nameSignalsLocked(name, old, claim)
}

// SetFirstUniqueID pins the numeric part of the next unique name the
// bus assigns, so a test knows the name a connection will get. Call
// it before the connection's first use.
func (b *Bus) SetFirstUniqueID(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = id
}

// RejectAuth makes the bus reject every authentication attempt from
// now on.
func (b *Bus) RejectAuth() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAuth = true
}

// Stall makes the bus swallow calls to the named bus method: the call
// is recorded but never answered.
func (b *Bus) Stall(member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled.Add(member)
}

// AuthLines returns the authentication command lines received so far,
// across all connections.
func (b *Bus) AuthLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.authLines)
}

// HelloSerials returns the serial of each Hello call received, in
// connection order.
func (b *Bus) HelloSerials() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.helloSerials)
}

// ClientSerials returns the serials of every message received from
// the first client connection, in arrival order.
func (b *Bus) ClientSerials() []uint32 {
	b.mu.Lock()
	first := b.first
	b.mu.Unlock()
	if first == nil {
		return nil
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	return slices.Clone(first.serials)
}

// AddMatchCalls returns the rules received via AddMatch, in arrival
// order.
func (b *Bus) AddMatchCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.addMatches)
}

// RemoveMatchCalls returns the rules received via RemoveMatch, in
// arrival order.
func (b *Bus) RemoveMatchCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.removeMatches)
}

// NameRequests returns every RequestName call received, in arrival
// order.
func (b *Bus) NameRequests() []NameRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.nameRequests)
}

// BusMethodCalls reports how many calls the bus has received for one
// of its own methods.
func (b *Bus) BusMethodCalls(member string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.methodCalls[member]
}

func argString(msg *dbus.Message, i int) (string, bool) {
	if i >= len(msg.Body) {
		return "", false
	}
	s, ok := msg.Body[i].(dbus.String)
	return string(s), ok
}

func argUint32(msg *dbus.Message, i int) (uint32, bool) {
	if i >= len(msg.Body) {
		return 0, false
	}
	u, ok := msg.Body[i].(dbus.Uint32)
	return uint32(u), ok
}

func stringsValue(ss []string) dbus.Value {
	vs := make([]dbus.Value, len(ss))
	for i, s := range ss {
		vs[i] = dbus.String(s)
	}
	return dbus.ArrayOf(dbus.SignatureOf(dbus.String("")), vs...)
}

func countString(ss []string, s string) int {
	n := 0
	for _, v := range ss {
		if v == s {
			n++
		}
	}
	return n
}
