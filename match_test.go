package dbus

import "testing"

func TestMatchRule(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		want string
	}{
		{
			name: "all signals",
			m:    MatchAllSignals(),
			want: `type='signal'`,
		},
		{
			name: "sender",
			m:    MatchAllSignals().Sender(":1.23"),
			want: `type='signal',sender=':1.23'`,
		},
		{
			name: "all keys in bus order",
			m: MatchAllSignals().
				Member("Changed").
				Object("/org/test/Thing").
				Interface("org.test.Iface").
				Sender("org.test"),
			want: `type='signal',sender='org.test',interface='org.test.Iface',member='Changed',path='/org/test/Thing'`,
		},
		{
			name: "object prefix",
			m:    MatchAllSignals().ObjectPrefix("/org/test"),
			want: `type='signal',path_namespace='/org/test'`,
		},
		{
			name: "root object prefix is dropped",
			m:    MatchAllSignals().ObjectPrefix("/"),
			want: `type='signal'`,
		},
		{
			name: "object replaces object prefix",
			m:    MatchAllSignals().ObjectPrefix("/org/test").Object("/org/test/Thing"),
			want: `type='signal',path='/org/test/Thing'`,
		},
		{
			name: "object prefix replaces object",
			m:    MatchAllSignals().Object("/org/test/Thing").ObjectPrefix("/org/test"),
			want: `type='signal',path_namespace='/org/test'`,
		},
		{
			name: "object paths are cleaned",
			m:    MatchAllSignals().Object("/org//test/"),
			want: `type='signal',path='/org/test'`,
		},
		{
			name: "quote in arg",
			m:    MatchAllSignals().Sender("it's"),
			want: `type='signal',sender='it'\''s'`,
		},
	}
	for _, tc := range tests {
		if got := tc.m.Rule(); got != tc.want {
			t.Errorf("%s: Rule() = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestMatchMatches(t *testing.T) {
	owners := map[string]string{
		"org.test.Owned": ":1.7",
	}
	resolve := func(name string) (string, bool) {
		owner, ok := owners[name]
		return owner, ok
	}
	sig := func(sender, path, iface, member string) *Signal {
		return &Signal{
			Sender:    sender,
			Path:      ObjectPath(path),
			Interface: iface,
			Member:    member,
		}
	}

	tests := []struct {
		name string
		m    *Match
		sig  *Signal
		want bool
	}{
		{
			name: "all signals",
			m:    MatchAllSignals(),
			sig:  sig(":1.2", "/any", "org.any", "Anything"),
			want: true,
		},
		{
			name: "unique sender",
			m:    MatchAllSignals().Sender(":1.2"),
			sig:  sig(":1.2", "/", "org.any", "X"),
			want: true,
		},
		{
			name: "wrong unique sender",
			m:    MatchAllSignals().Sender(":1.2"),
			sig:  sig(":1.3", "/", "org.any", "X"),
			want: false,
		},
		{
			name: "well-known sender resolves to owner",
			m:    MatchAllSignals().Sender("org.test.Owned"),
			sig:  sig(":1.7", "/", "org.any", "X"),
			want: true,
		},
		{
			name: "well-known sender rejects non-owner",
			m:    MatchAllSignals().Sender("org.test.Owned"),
			sig:  sig(":1.8", "/", "org.any", "X"),
			want: false,
		},
		{
			name: "unresolved well-known sender",
			m:    MatchAllSignals().Sender("org.test.Unowned"),
			sig:  sig(":1.7", "/", "org.any", "X"),
			want: false,
		},
		{
			name: "interface and member",
			m:    MatchAllSignals().Interface("org.test.Iface").Member("Changed"),
			sig:  sig(":1.2", "/", "org.test.Iface", "Changed"),
			want: true,
		},
		{
			name: "wrong member",
			m:    MatchAllSignals().Interface("org.test.Iface").Member("Changed"),
			sig:  sig(":1.2", "/", "org.test.Iface", "Removed"),
			want: false,
		},
		{
			name: "exact object",
			m:    MatchAllSignals().Object("/a/b"),
			sig:  sig(":1.2", "/a/b", "org.any", "X"),
			want: true,
		},
		{
			name: "exact object rejects child",
			m:    MatchAllSignals().Object("/a/b"),
			sig:  sig(":1.2", "/a/b/c", "org.any", "X"),
			want: false,
		},
		{
			name: "object prefix matches self",
			m:    MatchAllSignals().ObjectPrefix("/a/b"),
			sig:  sig(":1.2", "/a/b", "org.any", "X"),
			want: true,
		},
		{
			name: "object prefix matches descendant",
			m:    MatchAllSignals().ObjectPrefix("/a/b"),
			sig:  sig(":1.2", "/a/b/c/d", "org.any", "X"),
			want: true,
		},
		{
			name: "object prefix rejects sibling",
			m:    MatchAllSignals().ObjectPrefix("/a/b"),
			sig:  sig(":1.2", "/a/bc", "org.any", "X"),
			want: false,
		},
		{
			name: "root object prefix matches everything",
			m:    MatchAllSignals().ObjectPrefix("/"),
			sig:  sig(":1.2", "/a", "org.any", "X"),
			want: true,
		},
	}
	for _, tc := range tests {
		if got := tc.m.matches(tc.sig, resolve); got != tc.want {
			t.Errorf("%s: matches(%+v) = %v, want %v", tc.name, tc.sig, got, tc.want)
		}
	}
}
