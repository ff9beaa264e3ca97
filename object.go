package dbus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// An Object is an object hosted on a [Conn], serving method calls
// from other peers on the bus.
//
// Call handles one method call addressed to the object. It runs on
// its own goroutine, and the values it returns form the body of the
// reply. On error the caller receives an error reply instead, whose
// name is derived from the returned error: [CallError] values pass
// their name through verbatim, the Err* sentinels in this package map
// to the corresponding org.freedesktop.DBus.Error names, and anything
// else reports org.freedesktop.DBus.Error.Failed. The handler's
// context carries the calling peer, available via [ContextSender],
// and ends when the connection closes.
//
// Calls to the org.freedesktop.DBus standard interfaces (Peer,
// Introspectable, Properties) never reach Call; the connection
// answers them itself. See [PropertyObject] and [Describer] for the
// optional interfaces those handlers consult.
type Object interface {
	// Path returns the path the object is hosted at. It must be
	// constant for the lifetime of the registration.
	Path() ObjectPath
	// Call handles a method call addressed to the object.
	Call(ctx context.Context, iface, member string, args []Value) ([]Value, error)
}

// PropertyObject is implemented by hosted objects that expose
// properties through the org.freedesktop.DBus.Properties interface.
type PropertyObject interface {
	Object
	// Property returns the current value of a property.
	Property(ctx context.Context, iface, name string) (Value, error)
	// SetProperty changes the value of a property.
	SetProperty(ctx context.Context, iface, name string, v Value) error
	// Properties returns all the readable properties of iface.
	Properties(ctx context.Context, iface string) (map[string]Value, error)
}

// Describer is implemented by hosted objects that describe their
// interfaces. The descriptions are served to peers that call
// org.freedesktop.DBus.Introspectable.Introspect.
type Describer interface {
	Describe() []*InterfaceDescription
}

// RegisterObject adds obj to the connection's object tree, making it
// callable by other peers. It reports an error if obj's path is
// invalid or already occupied. Objects may be registered before the
// connection to the bus is established.
func (c *Conn) RegisterObject(obj Object) error {
	return c.objects.register(obj)
}

// UnregisterObject removes the object hosted at path, if any. Calls
// already being handled run to completion; once UnregisterObject
// returns, no new calls reach the object.
func (c *Conn) UnregisterObject(path ObjectPath) {
	c.objects.unregister(path.Clean())
}

// objectTree holds a connection's hosted objects, keyed by path.
type objectTree struct {
	mu   sync.Mutex
	objs map[ObjectPath]Object
}

func newObjectTree() *objectTree {
	return &objectTree{objs: map[ObjectPath]Object{}}
}

func (t *objectTree) register(obj Object) error {
	path := obj.Path()
	if !path.Valid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	path = path.Clean()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objs[path]; ok {
		return fmt.Errorf("an object is already registered at %s", path)
	}
	t.objs[path] = obj
	return nil
}

func (t *objectTree) unregister(path ObjectPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objs, path)
}

func (t *objectTree) lookup(path ObjectPath) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objs[path]
	return obj, ok
}

// children returns the names of the path elements immediately below
// parent that lead to registered objects, sorted and deduplicated.
// They are the child nodes reported when parent is introspected.
func (t *objectTree) children(parent ObjectPath) []string {
	prefix := "/"
	if parent != "/" {
		prefix = string(parent) + "/"
	}
	kids := mapset.New[string]()
	t.mu.Lock()
	for path := range t.objs {
		rest, ok := strings.CutPrefix(string(path), prefix)
		if !ok || rest == "" {
			continue
		}
		first, _, _ := strings.Cut(rest, "/")
		kids.Add(first)
	}
	t.mu.Unlock()
	return slices.Sorted(maps.Keys(kids))
}
