// Package transport dials the stream sockets that DBus daemons
// listen on, and resolves the addresses of the standard buses.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Transport is a raw byte stream to a bus daemon. The DBus
// authentication handshake and message framing happen above this
// interface.
type Transport interface {
	io.ReadWriteCloser

	// SetDeadline bounds all pending and future reads and writes, so
	// that a caller can apply a context deadline to the
	// authentication handshake.
	SetDeadline(t time.Time) error
}

// An Address is a parsed bus address, a transport name followed by
// comma-separated key=value options, such as
// unix:path=/run/user/1000/bus.
type Address struct {
	// Transport is the transport name. This package only dials
	// "unix" addresses.
	Transport string
	// Options are the address's key=value options.
	Options map[string]string
}

// ParseAddress parses a single bus address. Lists of
// semicolon-separated addresses must be split before parsing.
func ParseAddress(addr string) (Address, error) {
	transport, opts, ok := strings.Cut(addr, ":")
	if !ok {
		return Address{}, fmt.Errorf("invalid bus address %q: missing transport", addr)
	}
	ret := Address{
		Transport: transport,
		Options:   make(map[string]string),
	}
	if opts == "" {
		return ret, nil
	}
	for _, opt := range strings.Split(opts, ",") {
		k, v, ok := strings.Cut(opt, "=")
		if !ok || k == "" {
			return Address{}, fmt.Errorf("invalid bus address %q: malformed option %q", addr, opt)
		}
		ret.Options[k] = v
	}
	return ret, nil
}

// Dial connects to the bus at the given address. Only unix socket
// addresses with a path option are supported.
func Dial(ctx context.Context, addr string) (Transport, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.Transport != "unix" {
		return nil, fmt.Errorf("unsupported bus transport %q", a.Transport)
	}
	path := a.Options["path"]
	if path == "" {
		return nil, fmt.Errorf("bus address %q has no path option", addr)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UnixConn), nil
}

// SessionAddress returns the address of the user's session bus: the
// first usable address in $DBUS_SESSION_BUS_ADDRESS if it is set,
// otherwise the bus socket under $XDG_RUNTIME_DIR, otherwise the
// conventional runtime directory for the current user.
func SessionAddress() (string, error) {
	if env := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); env != "" {
		addr, err := firstUnixAddress(env)
		if err != nil {
			return "", fmt.Errorf("no usable address in DBUS_SESSION_BUS_ADDRESS: %w", err)
		}
		return addr, nil
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return fmt.Sprintf("unix:path=%s/bus", dir), nil
	}
	return fmt.Sprintf("unix:path=/run/user/%d/bus", os.Getuid()), nil
}

// SystemAddress returns the address of the system bus:
// $DBUS_SYSTEM_BUS_ADDRESS if it is set, otherwise the conventional
// system bus socket.
func SystemAddress() (string, error) {
	if env := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); env != "" {
		addr, err := firstUnixAddress(env)
		if err != nil {
			return "", fmt.Errorf("no usable address in DBUS_SYSTEM_BUS_ADDRESS: %w", err)
		}
		return addr, nil
	}
	return "unix:path=/run/dbus/system_bus_socket", nil
}

// firstUnixAddress returns the first address in the
// semicolon-separated list addrs that this package can dial.
func firstUnixAddress(addrs string) (string, error) {
	for _, addr := range strings.Split(addrs, ";") {
		a, err := ParseAddress(addr)
		if err != nil {
			continue
		}
		if a.Transport == "unix" && a.Options["path"] != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no unix path address in %q", addrs)
}
