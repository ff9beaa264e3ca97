// The dbus command is a bus exploration tool: it lists names, calls
// methods, emits and listens for signals, and walks introspection
// trees.
package main

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"
	"github.com/wirebus/dbus"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to the session bus instead of the system bus"`
	Address       string `flag:"address,Connect to the bus at this address"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	var conn *dbus.Conn
	switch {
	case globalArgs.Address != "":
		conn = dbus.New(globalArgs.Address)
	case globalArgs.UseSessionBus:
		conn = dbus.SessionBus()
	default:
		conn = dbus.SystemBus()
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name: "names",
						Help: "List the names on the bus, with the owner of each well-known name.",
						Run:  command.Adapt(runListNames),
					},
					{
						Name: "activatable",
						Help: "List the names the bus can activate on demand.",
						Run:  command.Adapt(runListActivatable),
					},
					{
						Name:  "queued",
						Usage: "list queued name",
						Help:  "List the connections queued for ownership of a name.",
						Run:   command.Adapt(runListQueued),
					},
				},
			},
			{
				Name:  "call",
				Usage: "call destination path interface member [arg...]",
				Help: `Call a method on a peer.

Arguments are typed tokens such as s:hello, u:42, b:true, o:/foo.
See "dbus help types" for the full token syntax.`,
				Run: runCall,
			},
			{
				Name:     "emit",
				Usage:    "emit path interface member [arg...]",
				Help:     "Emit a signal. Arguments use the same typed tokens as call.",
				SetFlags: command.Flags(flax.MustBind, &emitArgs),
				Run:      runEmit,
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Print bus signals as they arrive.",
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer [path]",
				Help:  "Walk a peer's object tree and print every interface it implements.",
				Run:   runIntrospect,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "machine-id",
				Usage: "machine-id [peer]",
				Help:  "Print a peer's machine ID. The default peer is the bus itself.",
				Run:   runMachineID,
			},
			{
				Name: "id",
				Help: "Print the bus's identity.",
				Run:  command.Adapt(runBusID),
			},
			{
				Name:  "serve",
				Usage: "serve [path]",
				Help: `Host a demo object on the bus.

The object answers com.wirebus.Demo.Echo calls with their own
arguments and exposes a writable Greeting property. Combine with
--names to register a well-known name other tools can target.`,
				Run: runServe,
			},
			{
				Name: "types",
				Help: "Describe the typed argument tokens used by call and emit.",
				Run: func(env *command.Env) error {
					fmt.Println(tokenHelp)
					return nil
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	wellKnown := slice.Partition(names, func(s string) bool {
		return !strings.HasPrefix(s, ":")
	})
	unique := names[len(wellKnown):]
	slices.Sort(wellKnown)
	slices.Sort(unique)

	for _, n := range wellKnown {
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Println(n)
			continue
		}
		fmt.Printf("%s (%s)\n", n, owner)
	}
	for _, n := range unique {
		fmt.Println(n)
	}
	return nil
}

func runListActivatable(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListActivatableNames(ctx)
	if err != nil {
		return fmt.Errorf("listing activatable names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runListQueued(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	owners, err := conn.ListQueuedOwners(ctx, name)
	if err != nil {
		return fmt.Errorf("listing queued owners of %s: %w", name, err)
	}
	for _, o := range owners {
		fmt.Println(o)
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a destination, path, interface, and member")
	}
	dest := env.Args[0]
	path := dbus.ObjectPath(env.Args[1]).Clean()
	iface, member := env.Args[2], env.Args[3]
	args, err := parseValues(env.Args[4:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	ret, err := conn.Call(ctx, dest, path, iface, member, args...)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, member, err)
	}
	for _, v := range ret {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

var emitArgs struct {
	Dest string `flag:"dest,Deliver the signal to this destination instead of broadcasting"`
}

func runEmit(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("emit requires a path, interface, and member")
	}
	path := dbus.ObjectPath(env.Args[0]).Clean()
	iface, member := env.Args[1], env.Args[2]
	args, err := parseValues(env.Args[3:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	if err := conn.EmitSignal(ctx, emitArgs.Dest, path, iface, member, args...); err != nil {
		return fmt.Errorf("emitting %s.%s: %w", iface, member, err)
	}
	return nil
}

var listenArgs struct {
	Sender        string `flag:"sender,Only signals from this sender"`
	Interface     string `flag:"interface,Only signals of this interface"`
	Member        string `flag:"member,Only signals with this name"`
	Path          string `flag:"path,Only signals from this object"`
	PathNamespace string `flag:"path-namespace,Only signals from objects under this path"`
}

func runListen(env *command.Env) error {
	m := dbus.MatchAllSignals()
	if listenArgs.Sender != "" {
		m = m.Sender(listenArgs.Sender)
	}
	if listenArgs.Interface != "" {
		m = m.Interface(listenArgs.Interface)
	}
	if listenArgs.Member != "" {
		m = m.Member(listenArgs.Member)
	}
	if listenArgs.Path != "" {
		m = m.Object(dbus.ObjectPath(listenArgs.Path))
	}
	if listenArgs.PathNamespace != "" {
		m = m.ObjectPrefix(dbus.ObjectPath(listenArgs.PathNamespace))
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(env.Context(), m)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Close()

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-sub.Chan():
			if !ok {
				return nil
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n",
				sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(sig.Body))
		}
	}
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("introspect requires a peer and at most one starting path")
	}
	peer := env.Args[0]
	start := dbus.ObjectPath("/")
	if len(env.Args) == 2 {
		start = dbus.ObjectPath(env.Args[1]).Clean()
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	paths := heapq.New(func(a, b dbus.ObjectPath) int { return cmp.Compare(a, b) })
	paths.Add(start)
	for !paths.IsEmpty() {
		path, _ := paths.Pop()
		desc, err := conn.Introspect(ctx, peer, path)
		if err != nil {
			out.indent(0)
			out.v(fmt.Errorf("introspecting %s: %w", path, err))
			continue
		}
		for _, child := range desc.Children {
			paths.Add(path.Child(child))
		}
		if len(desc.Interfaces) == 0 {
			continue
		}
		out.indent(0)
		out.v(path)
		out.indent(1)
		for _, k := range slices.Sorted(maps.Keys(desc.Interfaces)) {
			out.v(desc.Interfaces[k])
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	if err := conn.Ping(ctx, peer); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runMachineID(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("machine-id takes at most one peer")
	}
	peer := "org.freedesktop.DBus"
	if len(env.Args) == 1 {
		peer = env.Args[0]
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	id, err := conn.GetMachineID(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting machine ID of %s: %w", peer, err)
	}
	fmt.Println(id)
	return nil
}

func runBusID(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	id, err := conn.BusID(ctx)
	if err != nil {
		return fmt.Errorf("getting bus ID: %w", err)
	}
	fmt.Println(id)
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("serve takes at most one object path")
	}
	path := dbus.ObjectPath("/com/wirebus/Demo")
	if len(env.Args) == 1 {
		path = dbus.ObjectPath(env.Args[0]).Clean()
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.RegisterObject(&demoObject{path: path, greeting: "hello"}); err != nil {
		return fmt.Errorf("registering object: %w", err)
	}
	// Force the connection up so the object is reachable before we
	// report readiness.
	if err := conn.Ping(env.Context(), "org.freedesktop.DBus"); err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}

	fmt.Printf("Serving %s on %s as %s\n", demoInterface, path, conn.UniqueName())
	<-env.Context().Done()
	fmt.Println("shutdown")
	return nil
}

const demoInterface = "com.wirebus.Demo"

// demoObject is the object hosted by the serve command: an Echo
// method and a writable Greeting property.
type demoObject struct {
	path dbus.ObjectPath

	mu       sync.Mutex
	greeting string
}

func (o *demoObject) Path() dbus.ObjectPath { return o.path }

func (o *demoObject) Call(ctx context.Context, iface, member string, args []dbus.Value) ([]dbus.Value, error) {
	if iface != demoInterface {
		return nil, dbus.ErrUnknownInterface
	}
	switch member {
	case "Echo":
		sender, _ := dbus.ContextSender(ctx)
		fmt.Printf("Echo on %s from %s\n", o.path, sender)
		return args, nil
	}
	return nil, dbus.ErrUnknownMethod
}

func (o *demoObject) Property(ctx context.Context, iface, name string) (dbus.Value, error) {
	if iface != demoInterface {
		return nil, dbus.ErrUnknownInterface
	}
	if name != "Greeting" {
		return nil, dbus.ErrUnknownProperty
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return dbus.String(o.greeting), nil
}

func (o *demoObject) SetProperty(ctx context.Context, iface, name string, v dbus.Value) error {
	if iface != demoInterface {
		return dbus.ErrUnknownInterface
	}
	if name != "Greeting" {
		return dbus.ErrUnknownProperty
	}
	s, ok := v.(dbus.String)
	if !ok {
		return dbus.ErrInvalidArgs
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.greeting = string(s)
	return nil
}

func (o *demoObject) Properties(ctx context.Context, iface string) (map[string]dbus.Value, error) {
	if iface != demoInterface {
		return nil, dbus.ErrUnknownInterface
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]dbus.Value{"Greeting": dbus.String(o.greeting)}, nil
}

func (o *demoObject) Describe() []*dbus.InterfaceDescription {
	return []*dbus.InterfaceDescription{{
		Name: demoInterface,
		Methods: []*dbus.MethodDescription{{
			Name: "Echo",
			In:   []dbus.ArgumentDescription{{Name: "args", Type: dbus.SignatureOf(dbus.Variant{})}},
			Out:  []dbus.ArgumentDescription{{Name: "args", Type: dbus.SignatureOf(dbus.Variant{})}},
		}},
		Properties: []*dbus.PropertyDescription{{
			Name:     "Greeting",
			Type:     dbus.SignatureOf(dbus.String("")),
			Readable: true,
			Writable: true,
		}},
	}}
}
