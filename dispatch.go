package dbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/wirebus/dbus/fragments"
	"github.com/wirebus/dbus/transport"
)

// readLoop reads the binary message stream from t and dispatches
// each frame. It owns dec, which may already hold stream bytes that
// arrived with the tail of the auth handshake. The loop exits when
// the transport errors, failing the connection with that error.
func (c *Conn) readLoop(t transport.Transport, dec *fragments.Decoder) {
	buf := make([]byte, 4096)
	for {
		// Drain every complete frame already buffered before going
		// back to the socket.
		for {
			dec.Mark()
			msg, err := DecodeMessage(dec)
			if errors.Is(err, fragments.ErrIncomplete) {
				dec.Rewind()
				break
			}
			var perr ProtocolError
			if errors.As(err, &perr) {
				// The malformed frame was consumed whole, so the
				// stream is still aligned on message boundaries.
				log.Printf("dbus: dropping malformed message: %v", err)
				dec.Mark()
				dec.Compact()
				continue
			}
			if err != nil {
				c.fail(fmt.Errorf("decoding message stream: %w", err))
				return
			}
			dec.Mark()
			dec.Compact()
			c.metrics.msgsRecv.Add(1)
			if err := c.dispatch(msg); err != nil {
				log.Printf("dbus: %v", err)
			}
		}

		n, err := t.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			c.fail(fmt.Errorf("reading from bus: %w", err))
			return
		}
	}
}

// dispatch routes one inbound message. Method calls are served on
// their own goroutine; replies and signals are handled inline so that
// the read loop applies them in arrival order.
func (c *Conn) dispatch(msg *Message) error {
	switch msg.Type {
	case TypeMethodCall:
		c.metrics.callsIn.Add(1)
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			c.tasks.Go(func() error { c.serveCall(msg); return nil })
		}
		return nil
	case TypeMethodReturn, TypeError:
		c.deliverReply(msg)
		return nil
	case TypeSignal:
		return c.dispatchSignal(msg)
	default:
		// Unknown message types are ignored, as the protocol
		// requires.
		return nil
	}
}

// deliverReply resolves the pending call whose serial the reply
// names. Replies nobody is waiting for are dropped: the caller may
// have timed out, or the message may be a stray.
func (c *Conn) deliverReply(msg *Message) {
	c.mu.Lock()
	pc := c.calls[msg.ReplySerial]
	if pc != nil {
		delete(c.calls, msg.ReplySerial)
	}
	c.mu.Unlock()
	if pc == nil {
		return
	}
	if msg.Type == TypeError {
		pc.err = CallError{
			Name:   msg.ErrName,
			Detail: errorDetail(msg.Body),
			Body:   msg.Body,
		}
	} else {
		pc.body = msg.Body
	}
	close(pc.notify)
}

// errorDetail extracts the conventional human-readable message from
// an error reply body.
func errorDetail(body []Value) string {
	if len(body) == 0 {
		return ""
	}
	s, ok := body[0].(String)
	if !ok {
		return ""
	}
	return string(s)
}

// dispatchSignal applies a signal to the connection's name caches and
// fans it out to the subscriptions whose match it satisfies.
func (c *Conn) dispatchSignal(msg *Message) error {
	c.metrics.signalsIn.Add(1)

	// Bus name signals update the ownership caches before any
	// subscription sees the signal, so a subscriber that resolves a
	// well-known sender observes the new owner.
	var nameErr error
	if msg.Sender == busName && msg.Interface == ifaceBus {
		nameErr = c.applyNameSignal(msg)
	}

	sig := &Signal{
		Sender:    msg.Sender,
		Path:      msg.Path,
		Interface: msg.Interface,
		Member:    msg.Member,
		Body:      msg.Body,
	}
	c.mu.Lock()
	resolve := func(name string) (string, bool) {
		owner, ok := c.nameOwners[name]
		return owner, ok
	}
	for sub := range c.subs {
		if sub.match.matches(sig, resolve) {
			sub.deliver(sig)
			c.metrics.signalsSent.Add(1)
		}
	}
	c.mu.Unlock()
	return nameErr
}

// serveCall runs an inbound method call against the connection's
// hosted objects and sends the reply, unless the caller opted out of
// one.
func (c *Conn) serveCall(msg *Message) {
	ctx := withContextSender(c.baseCtx, msg.Sender)
	body, err := c.handleCall(ctx, msg)
	if !msg.WantReply() {
		return
	}

	reply := &Message{
		Type:        TypeMethodReturn,
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		Body:        body,
	}
	if err != nil {
		c.metrics.callErrsIn.Add(1)
		reply.Type = TypeError
		reply.ErrName = errorName(err)
		reply.Body = errorBody(err)
	}
	if err := c.send(reply, nil); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("dbus: sending reply to %s: %v", msg.Sender, err)
	}
}

// handleCall locates the handler for an inbound call and runs it. A
// panicking handler is reported to the caller as a failed call rather
// than crashing the connection.
func (c *Conn) handleCall(ctx context.Context, msg *Message) (body []Value, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("method handler panicked: %v", x)
		}
	}()
	if msg.Path == "" {
		return nil, ErrUnknownObject
	}
	if msg.Member == "" {
		return nil, ErrUnknownMethod
	}
	path := msg.Path.Clean()
	if h := c.builtin[msg.Interface]; h != nil {
		return h(ctx, c.objects, path, msg.Member, msg.Body)
	}
	obj, ok := c.objects.lookup(path)
	if !ok {
		return nil, ErrUnknownObject
	}
	return obj.Call(ctx, msg.Interface, msg.Member, msg.Body)
}

// errorBody builds the body of an error reply. A [CallError] carries
// its own body; any other error becomes the conventional single
// human-readable string.
func errorBody(err error) []Value {
	var ce CallError
	if errors.As(err, &ce) {
		if len(ce.Body) > 0 {
			return ce.Body
		}
		if ce.Detail != "" {
			return []Value{String(ce.Detail)}
		}
		return nil
	}
	return []Value{String(err.Error())}
}
