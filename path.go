package dbus

import (
	"path"
	"strings"

	"github.com/wirebus/dbus/fragments"
)

// An ObjectPath names an object hosted by a peer on the bus.
type ObjectPath string

// Signature implements [Value].
func (p ObjectPath) Signature() Signature { return mkSignature("o") }

func (p ObjectPath) marshal(e *fragments.Encoder) error {
	e.String(string(p))
	return nil
}

// Valid reports whether p is a syntactically valid object path: a
// leading slash followed by slash-separated elements of ASCII
// letters, digits and underscores.
func (p ObjectPath) Valid() bool {
	if p == "/" {
		return true
	}
	if p == "" || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	for _, el := range strings.Split(string(p[1:]), "/") {
		if el == "" {
			return false
		}
		for i := 0; i < len(el); i++ {
			c := el[i]
			if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
				continue
			}
			return false
		}
	}
	return true
}

// Clean returns the shortest path equivalent to p, with duplicate and
// trailing slashes removed.
func (p ObjectPath) Clean() ObjectPath {
	if p == "" {
		return "/"
	}
	s := string(p)
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return ObjectPath(path.Clean(s))
}

// Child returns the path of elem beneath p.
func (p ObjectPath) Child(elem string) ObjectPath {
	if p == "/" || p == "" {
		return ObjectPath("/" + elem)
	}
	return ObjectPath(string(p) + "/" + elem)
}

// IsChildOf reports whether p is strictly beneath parent in the
// object path hierarchy.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && p != ""
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}
