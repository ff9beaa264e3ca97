package dbus

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Signal is a signal received from the bus.
type Signal struct {
	// Sender is the unique name of the connection that emitted the
	// signal, or the bus daemon's own name for signals it originates.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface and Member name the signal.
	Interface string
	Member    string
	// Body is the signal payload.
	Body []Value
}

// Subscribe registers interest in signals that match m, and returns a
// Subscription that delivers them.
//
// When the match names a well-known sender, delivered signals are
// matched against the unique name of that sender's current owner. The
// owner is looked up in the background after Subscribe returns;
// signals that arrive before the lookup completes, and before any
// NameOwnerChanged for the sender has been seen, are not delivered.
func (c *Conn) Subscribe(ctx context.Context, m *Match) (*Subscription, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c.subscribe(ctx, m)
}

// subscribe is Subscribe without the connect gate, for callers that
// know the connection is up.
func (c *Conn) subscribe(ctx context.Context, m *Match) (*Subscription, error) {
	rule := m.Rule()
	if err := c.addMatch(ctx, rule); err != nil {
		return nil, err
	}

	sub := &Subscription{
		conn:    c,
		match:   m,
		rule:    rule,
		signals: make(chan *Signal),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	c.mu.Lock()
	if c.subs == nil {
		// The connection was closed while we were registering the
		// rule; the bus has already dropped it along with the
		// connection.
		c.mu.Unlock()
		return nil, c.closedReason()
	}
	c.subs.Add(sub)
	c.tasks.Go(func() error { sub.pump(); return nil })
	c.mu.Unlock()

	if sender, ok := m.sender.GetOK(); ok && !isUniqueName(sender) && sender != busName {
		c.primeNameOwner(sender)
	}
	return sub, nil
}

// A Subscription delivers signals selected by its [Match]. Signals
// are queued internally and handed out on [Subscription.Chan] in
// arrival order; a slow consumer delays delivery but never blocks the
// connection.
type Subscription struct {
	conn    *Conn
	match   *Match
	rule    string
	signals chan *Signal
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	stopping bool
	queue    queue.Queue[*Signal]
}

// Chan returns the channel on which matching signals are delivered.
// The channel is closed when the subscription or its connection is
// closed.
func (s *Subscription) Chan() <-chan *Signal {
	return s.signals
}

// Close cancels the subscription. Queued signals that have not been
// received from [Subscription.Chan] are discarded, and the rule is
// dropped from the bus unless other subscriptions still use it. Close
// is idempotent.
func (s *Subscription) Close() error {
	s.conn.mu.Lock()
	if s.conn.subs != nil {
		s.conn.subs.Remove(s)
	}
	c := s.conn
	s.conn.mu.Unlock()

	if !s.teardown() {
		return nil
	}
	return c.removeMatch(context.Background(), s.rule, false)
}

// teardown stops the delivery pump and discards queued signals,
// without touching the bus registration. It reports whether this call
// was the one that stopped the subscription.
func (s *Subscription) teardown() bool {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return false
	}
	s.stopping = true
	close(s.stop)
	s.mu.Unlock()

	<-s.stopped

	s.mu.Lock()
	s.queue.Clear()
	s.mu.Unlock()
	return true
}

// deliver queues sig for the subscriber. It never blocks; the pump
// goroutine drains the queue into the delivery channel.
func (s *Subscription) deliver(sig *Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.queue.Add(sig)
	if s.queue.Len() == 1 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.signals)
	for {
		sig := func() *Signal {
			s.mu.Lock()
			defer s.mu.Unlock()
			ret, _ := s.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-s.stop:
				return
			case <-s.wake:
				continue
			}
		}
		select {
		case s.signals <- sig:
		case <-s.stop:
			return
		}
	}
}

// addMatch tells the bus to route signals matching rule to this
// connection. Rules are refcounted: only the first user of a rule
// sends AddMatch to the bus.
func (c *Conn) addMatch(ctx context.Context, rule string) error {
	c.mu.Lock()
	if c.matchRefs == nil {
		c.mu.Unlock()
		return c.closedReason()
	}
	n := c.matchRefs[rule]
	c.matchRefs[rule] = n + 1
	c.mu.Unlock()
	if n > 0 {
		return nil
	}

	if _, err := c.call(ctx, busName, busPath, ifaceBus, "AddMatch", []Value{String(rule)}, 0); err != nil {
		// Surrender the reservation so that a later subscriber
		// retries the registration.
		c.mu.Lock()
		if c.matchRefs != nil && c.matchRefs[rule] > 0 {
			if c.matchRefs[rule]--; c.matchRefs[rule] == 0 {
				delete(c.matchRefs, rule)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// removeMatch drops one reference to rule, telling the bus to stop
// routing its signals once the last reference is gone. When noReply
// is set the RemoveMatch call does not wait for the bus's answer;
// Close uses this to shed the connection's own rules on the way out.
func (c *Conn) removeMatch(ctx context.Context, rule string, noReply bool) error {
	c.mu.Lock()
	if c.matchRefs == nil {
		c.mu.Unlock()
		return c.closedReason()
	}
	n, ok := c.matchRefs[rule]
	if !ok {
		c.mu.Unlock()
		return protoErr("RemoveMatch", "rule %q is not registered", rule)
	}
	if n--; n > 0 {
		c.matchRefs[rule] = n
		c.mu.Unlock()
		return nil
	}
	delete(c.matchRefs, rule)
	c.mu.Unlock()

	var flags byte
	if noReply {
		flags = FlagNoReplyExpected
	}
	_, err := c.call(ctx, busName, busPath, ifaceBus, "RemoveMatch", []Value{String(rule)}, flags)
	return err
}

// primeNameOwner resolves the current owner of a well-known name in
// the background and seeds the owner cache with the result, unless a
// NameOwnerChanged signal got there first.
func (c *Conn) primeNameOwner(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nameOwners == nil {
		return
	}
	if _, ok := c.nameOwners[name]; ok {
		return
	}
	c.tasks.Go(func() error {
		owner, err := c.getNameOwner(c.baseCtx, name)
		if err != nil {
			// An unowned name is not noteworthy: the service may
			// simply not be running yet. NameOwnerChanged fills the
			// cache in when it appears.
			var ce CallError
			if !errors.As(err, &ce) {
				log.Printf("dbus: resolving owner of %s: %v", name, err)
			}
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.nameOwners == nil {
			return nil
		}
		if _, ok := c.nameOwners[name]; !ok {
			c.nameOwners[name] = owner
		}
		return nil
	})
}
