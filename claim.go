package dbus

import (
	"context"
	"fmt"
	"sync"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one owner at a time. The [ClaimOptions] set by each claimant
// determine the owner and the rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them. As an exception, if opts.NoQueue is set and the
// name already has an owner that cannot be replaced, Claim reports
// the failure immediately by returning an error.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	acq, err := c.subscribe(ctx, MatchAllSignals().Sender(busName).Interface(ifaceBus).Member("NameAcquired"))
	if err != nil {
		return nil, err
	}
	lost, err := c.subscribe(ctx, MatchAllSignals().Sender(busName).Interface(ifaceBus).Member("NameLost"))
	if err != nil {
		acq.Close()
		return nil, err
	}
	ret := &Claim{
		c:       c,
		name:    name,
		acq:     acq,
		lost:    lost,
		owner:   make(chan bool, 1),
		stopped: make(chan struct{}),
	}

	reply, err := c.RequestName(ctx, name, opts.flags())
	if err != nil {
		ret.closeSubs()
		return nil, err
	}
	if opts.NoQueue && reply == NameExists {
		ret.closeSubs()
		c.ReleaseName(ctx, name)
		return nil, fmt.Errorf("name %s already has an owner", name)
	}

	c.mu.Lock()
	if c.claims == nil {
		c.mu.Unlock()
		return nil, c.closedReason()
	}
	c.claims.Add(ret)
	c.tasks.Go(func() error { ret.pump(); return nil })
	c.mu.Unlock()
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	//
	// TryReplace only takes effect at the moment the request is
	// made. If the replacement attempt fails and later on the owner
	// changes its settings to allow replacement, this queued claim
	// must explicitly request replacement again to take advantage of
	// the change.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	//
	// If ownership of the name cannot be secured when the Claim is
	// created, creation fails with an error.
	//
	// If ownership is secured and a later event causes loss of
	// ownership (such as this claim setting AllowReplacement, and
	// another client making a claim with TryReplace), the claim
	// becomes inactive until a new request is explicitly made with
	// Claim.Request.
	NoQueue bool
}

func (o ClaimOptions) flags() RequestNameFlags {
	var ret RequestNameFlags
	if o.AllowReplacement {
		ret |= NameAllowReplacement
	}
	if o.TryReplace {
		ret |= NameReplaceExisting
	}
	if o.NoQueue {
		ret |= NameDoNotQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
//
// Multiple DBus clients may claim ownership of the same name. The bus
// tracks a single current owner, as well as a queue of other
// claimants that are eligible to succeed the current owner.
//
// The exact interaction of multiple different claims to a name
// depends on the [ClaimOptions] set by each claimant.
type Claim struct {
	c    *Conn
	name string
	acq  *Subscription
	lost *Subscription

	owner   chan bool
	stopped chan struct{}

	mu      sync.Mutex
	closing bool
}

// Request makes a new request to the bus for the claimed name.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership (although setting AllowReplacement may enable another
// client to take over the claim).
//
// If this claim is not the current owner, the bus considers this
// claim anew with the updated [ClaimOptions], as if this client were
// making a claim for the first time.
func (cl *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	_, err := cl.c.RequestName(ctx, cl.name, opts.flags())
	return err
}

// Name returns the claim's bus name.
func (cl *Claim) Name() string { return cl.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name. The channel carries the latest
// ownership state: a slow reader observes the most recent transition
// rather than every intermediate one. It closes when the claim or the
// connection closes.
func (cl *Claim) Chan() <-chan bool { return cl.owner }

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (cl *Claim) Close() error {
	return cl.shutdown(true)
}

// shutdown stops the claim's signal pump and closes its ownership
// channel. When release is set it also gives the name back to the
// bus; the connection teardown path skips that, since the bus
// releases the names of a disconnected client itself.
func (cl *Claim) shutdown(release bool) error {
	cl.mu.Lock()
	if cl.closing {
		cl.mu.Unlock()
		return nil
	}
	cl.closing = true
	cl.mu.Unlock()

	cl.closeSubs()
	<-cl.stopped

	// One final send to report loss of ownership, before closing the
	// chan.
	cl.send(false)
	close(cl.owner)

	var err error
	if release {
		_, err = cl.c.ReleaseName(context.Background(), cl.name)
	}

	cl.c.mu.Lock()
	if cl.c.claims != nil {
		cl.c.claims.Remove(cl)
	}
	cl.c.mu.Unlock()
	return err
}

func (cl *Claim) closeSubs() {
	cl.acq.Close()
	cl.lost.Close()
}

// send reports an ownership state without blocking: a state the
// reader hasn't consumed yet is replaced by the newer one.
func (cl *Claim) send(isOwner bool) {
	select {
	case cl.owner <- isOwner:
	case <-cl.owner:
		cl.owner <- isOwner
	}
}

// pump converts the name signals for this claim's name into ownership
// states. It exits when both subscriptions close.
func (cl *Claim) pump() {
	defer close(cl.stopped)
	acq, lost := cl.acq.Chan(), cl.lost.Chan()
	for acq != nil || lost != nil {
		select {
		case sig, ok := <-acq:
			if !ok {
				acq = nil
				continue
			}
			if name, err := claimSignalName(sig); err == nil && name == cl.name {
				cl.send(true)
			}
		case sig, ok := <-lost:
			if !ok {
				lost = nil
				continue
			}
			if name, err := claimSignalName(sig); err == nil && name == cl.name {
				cl.send(false)
			}
		}
	}
}

// claimSignalName extracts the bus name a NameAcquired or NameLost
// signal is about.
func claimSignalName(sig *Signal) (string, error) {
	if len(sig.Body) != 1 {
		return "", fmt.Errorf("%s signal has %d body values, want 1", sig.Member, len(sig.Body))
	}
	s, ok := sig.Body[0].(String)
	if !ok {
		return "", fmt.Errorf("%s signal argument has signature %s, want s", sig.Member, sig.Body[0].Signature())
	}
	return string(s), nil
}
