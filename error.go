package dbus

import (
	"errors"
	"fmt"
)

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
	// Body is the full error message body. Its first value, when
	// present and a string, is also available as Detail.
	Body []Value
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// ProtocolError is the error reported when a peer sends a message
// that does not conform to the DBus wire protocol, or a reply whose
// shape does not match what the protocol specifies for the call.
// Protocol errors are surfaced to the caller but are not fatal to the
// connection.
type ProtocolError struct {
	// Op names the operation or message being decoded.
	Op string
	// Reason is an explanation of the nonconformance.
	Reason error
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %s", e.Op, e.Reason)
}

func (e ProtocolError) Unwrap() error {
	return e.Reason
}

func protoErr(op, reason string, args ...any) error {
	return ProtocolError{op, fmt.Errorf(reason, args...)}
}

// Errors reported by the standard interface handlers for hosted
// objects. An [Object] returns ErrUnknownInterface or
// ErrUnknownMethod from its Call method to reject a call, and the
// reply sent to the remote caller carries the corresponding
// org.freedesktop.DBus.Error name.
var (
	ErrUnknownObject    = errors.New("unknown object")
	ErrUnknownInterface = errors.New("unknown interface")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrPropertyReadOnly = errors.New("property is read-only")
	ErrInvalidArgs      = errors.New("invalid method arguments")
)

const (
	errNameFailed           = "org.freedesktop.DBus.Error.Failed"
	errNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	errNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	errNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
)

// errorName maps an error returned by a hosted object to the DBus
// error name sent in the reply.
func errorName(err error) string {
	var ce CallError
	if errors.As(err, &ce) && ce.Name != "" {
		return ce.Name
	}
	switch {
	case errors.Is(err, ErrUnknownObject):
		return errNameUnknownObject
	case errors.Is(err, ErrUnknownInterface):
		return errNameUnknownInterface
	case errors.Is(err, ErrUnknownMethod):
		return errNameUnknownMethod
	case errors.Is(err, ErrUnknownProperty):
		return errNameUnknownProperty
	case errors.Is(err, ErrPropertyReadOnly):
		return errNamePropertyReadOnly
	case errors.Is(err, ErrInvalidArgs):
		return errNameInvalidArgs
	}
	return errNameFailed
}
