// Package dbus speaks the DBus protocol to a message bus over a unix
// socket.
//
// A [Conn] represents one connection to a bus. [SystemBus] and
// [SessionBus] return connections to the two standard buses, and
// [New] connects to a bus at an explicit address. Connections dial
// lazily: the first method that needs the bus performs the
// authentication handshake and Hello exchange, and a connection that
// fails to come up reports the same error from every later call.
//
// [Conn.Call] invokes methods on other bus clients, and
// [Conn.Subscribe] delivers broadcast signals chosen by a [Match].
// [Conn.RegisterObject] exports an [Object] that other clients can
// call, with the standard Peer, Introspectable and Properties
// interfaces served automatically. [Conn.RequestName] and [Conn.Claim]
// manage ownership of well-known bus names.
//
// Message bodies are represented as [Value] trees rather than
// reflected Go types: the basic types ([String], [Uint32], and so on)
// plus [Array], [Struct], [Dict] and [Variant] compose into any type
// the DBus wire format can express.
package dbus
