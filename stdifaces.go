package dbus

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

// A builtinHandler answers method calls for one of the standard DBus
// interfaces, on behalf of every hosted object on the connection.
type builtinHandler func(ctx context.Context, tree *objectTree, path ObjectPath, member string, args []Value) ([]Value, error)

func builtinInterfaces() map[string]builtinHandler {
	return map[string]builtinHandler{
		ifacePeer:           servePeer,
		ifaceIntrospectable: serveIntrospectable,
		ifaceProps:          serveProperties,
	}
}

// machineID returns the systemd/DBus machine ID of this host. The
// result is cached for the life of the process.
var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// servePeer implements org.freedesktop.DBus.Peer for all objects,
// registered or not: liveness pings don't require the target path to
// exist.
func servePeer(ctx context.Context, tree *objectTree, path ObjectPath, member string, args []Value) ([]Value, error) {
	switch member {
	case "Ping":
		return nil, nil
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []Value{String(id)}, nil
	}
	return nil, ErrUnknownMethod
}

// serveIntrospectable implements
// org.freedesktop.DBus.Introspectable. Paths that are neither
// registered nor an ancestor of a registered object report
// UnknownObject.
func serveIntrospectable(ctx context.Context, tree *objectTree, path ObjectPath, member string, args []Value) ([]Value, error) {
	if member != "Introspect" {
		return nil, ErrUnknownMethod
	}
	desc := describeObject(tree, path)
	if len(desc.Interfaces) == 0 && len(desc.Children) == 0 {
		return nil, ErrUnknownObject
	}
	bs, err := desc.XML()
	if err != nil {
		return nil, err
	}
	return []Value{String(bs)}, nil
}

// serveProperties implements org.freedesktop.DBus.Properties for
// objects that implement [PropertyObject].
func serveProperties(ctx context.Context, tree *objectTree, path ObjectPath, member string, args []Value) ([]Value, error) {
	obj, ok := tree.lookup(path)
	if !ok {
		return nil, ErrUnknownObject
	}
	po, ok := obj.(PropertyObject)
	if !ok {
		return nil, ErrUnknownInterface
	}
	switch member {
	case "Get":
		iface, name, ok := twoStringArgs(args)
		if !ok {
			return nil, ErrInvalidArgs
		}
		v, err := po.Property(ctx, iface, name)
		if err != nil {
			return nil, err
		}
		return []Value{Variant{Value: v}}, nil
	case "Set":
		if len(args) != 3 {
			return nil, ErrInvalidArgs
		}
		iface, name, ok := twoStringArgs(args[:2])
		if !ok {
			return nil, ErrInvalidArgs
		}
		val, ok := args[2].(Variant)
		if !ok {
			return nil, ErrInvalidArgs
		}
		return nil, po.SetProperty(ctx, iface, name, val.Value)
	case "GetAll":
		if len(args) != 1 {
			return nil, ErrInvalidArgs
		}
		iface, ok := args[0].(String)
		if !ok {
			return nil, ErrInvalidArgs
		}
		props, err := po.Properties(ctx, string(iface))
		if err != nil {
			return nil, err
		}
		dict := Dict{
			Key: mkSignature("s"),
			Val: mkSignature("v"),
		}
		for _, name := range slices.Sorted(maps.Keys(props)) {
			dict.Entries = append(dict.Entries, DictEntry{
				Key: String(name),
				Val: Variant{Value: props[name]},
			})
		}
		return []Value{dict}, nil
	}
	return nil, ErrUnknownMethod
}

func twoStringArgs(args []Value) (a, b string, ok bool) {
	if len(args) != 2 {
		return "", "", false
	}
	as, ok1 := args[0].(String)
	bs, ok2 := args[1].(String)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return string(as), string(bs), true
}
