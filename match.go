package dbus

import (
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that selects signals. A zero Match, as returned
// by [MatchAllSignals], selects every signal; each setter narrows the
// selection. Matches are given to [Conn.Subscribe].
type Match struct {
	sender       value.Maybe[string]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// Sender restricts the match to signals emitted by the given peer,
// which may be a unique or a well-known bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to signals of the given interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the match to signals with the given name.
func (m *Match) Member(name string) *Match {
	m.member = value.Just(name)
	return m
}

// Object restricts the match to a single emitting object.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to emitting objects rooted at the
// given path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie and
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// Rule returns the match in the rule string format that the bus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) Rule() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, k+"="+escapeMatchArg(v))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", string(p))
	}

	return strings.Join(ms, ",")
}

// matches reports whether sig passes the filter, using the same match
// logic that the bus applies to the match's Rule().
//
// This is necessary because a connection receives a single stream of
// signals. When multiple subscriptions are active, the received
// signals are the union of all the subscriptions' filters, and each
// one needs to do its own filtering on received signals.
//
// resolveOwner maps a well-known bus name to the unique name that
// currently owns it, since the sender field of a delivered signal
// always carries the emitting connection's unique name.
func (m *Match) matches(sig *Signal, resolveOwner func(string) (string, bool)) bool {
	if want, ok := m.sender.GetOK(); ok {
		if !isUniqueName(want) {
			if owner, ok := resolveOwner(want); ok {
				want = owner
			}
		}
		if sig.Sender != want {
			return false
		}
	}
	if want, ok := m.iface.GetOK(); ok && sig.Interface != want {
		return false
	}
	if want, ok := m.member.GetOK(); ok && sig.Member != want {
		return false
	}
	if want, ok := m.object.GetOK(); ok && sig.Path != want {
		return false
	}
	if want, ok := m.objectPrefix.GetOK(); ok && sig.Path != want && !sig.Path.IsChildOf(want) {
		return false
	}
	return true
}

// isUniqueName reports whether name is a unique connection name, as
// opposed to a well-known one.
func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
