package dbus

import (
	"context"
	"fmt"

	"github.com/wirebus/dbus/fragments"
)

// A pendingCall is a method call awaiting its reply. The dispatcher
// removes it from the call table before filling in the result, so
// each pendingCall resolves at most once: body and err are written
// before notify closes and never after.
type pendingCall struct {
	serial uint32
	notify chan struct{}
	body   []Value
	err    error
}

// send encodes and writes msg, assigning it the next serial. If
// register is non-nil, it runs with the assigned serial after
// encoding succeeds and before any bytes hit the socket, so a reply
// cannot arrive before its caller is registered to receive it.
func (c *Conn) send(msg *Message, register func(serial uint32) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.t == nil {
		return c.closedReason()
	}

	c.lastSerial++
	msg.Serial = c.lastSerial
	bs, err := msg.Encode(fragments.NativeEndian)
	if err != nil {
		c.lastSerial--
		return err
	}
	if register != nil {
		if err := register(msg.Serial); err != nil {
			return err
		}
	}
	if _, err := c.t.Write(bs); err != nil {
		return fmt.Errorf("writing %v message: %w", msg.Type, err)
	}
	c.metrics.msgsSent.Add(1)
	return nil
}

// call issues a method call and waits for the reply. An error reply
// from the peer is returned as a [CallError]. If flags includes
// [FlagNoReplyExpected], call returns as soon as the message is
// written.
func (c *Conn) call(ctx context.Context, dest string, path ObjectPath, iface, member string, args []Value, flags byte) ([]Value, error) {
	c.metrics.callsOut.Add(1)
	msg := &Message{
		Type:        TypeMethodCall,
		Flags:       flags,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Body:        args,
	}
	if !msg.WantReply() {
		return nil, c.send(msg, nil)
	}

	pc := &pendingCall{notify: make(chan struct{})}
	err := c.send(msg, func(serial uint32) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.calls == nil {
			return c.closedReasonLocked()
		}
		pc.serial = serial
		c.calls[serial] = pc
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.calls[pc.serial] == pc {
			delete(c.calls, pc.serial)
		}
	}()

	select {
	case <-pc.notify:
		return pc.body, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call calls a method on an object of the peer dest and returns the
// reply body. An error reported by the peer is returned as a
// [CallError]. Call connects to the bus if the connection hasn't been
// used yet.
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, member string, args ...Value) ([]Value, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c.call(ctx, dest, path, iface, member, args, 0)
}

// EmitSignal emits a signal from one of the connection's objects. If
// dest is empty the signal broadcasts to every peer whose match rules
// accept it, otherwise it is delivered to dest alone. EmitSignal
// connects to the bus if the connection hasn't been used yet.
func (c *Conn) EmitSignal(ctx context.Context, dest string, path ObjectPath, iface, member string, args ...Value) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	msg := &Message{
		Type:        TypeSignal,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Body:        args,
	}
	return c.send(msg, nil)
}
