package dbus

import (
	"slices"
	"testing"
)

func TestObjectTreeRegister(t *testing.T) {
	tree := newObjectTree()

	if err := tree.register(&plainObject{path: "no/leading/slash"}); err == nil {
		t.Error("register accepted an invalid path")
	}
	if err := tree.register(&plainObject{path: "/svc/main"}); err != nil {
		t.Fatalf("register(/svc/main): %v", err)
	}
	// Paths are cleaned before use, so this is the same object.
	if err := tree.register(&plainObject{path: "/svc//main/"}); err == nil {
		t.Error("register accepted a duplicate path")
	}

	if _, ok := tree.lookup("/svc/main"); !ok {
		t.Error("lookup(/svc/main) missed a registered object")
	}
	tree.unregister("/svc/main")
	if _, ok := tree.lookup("/svc/main"); ok {
		t.Error("lookup(/svc/main) found an unregistered object")
	}
	if err := tree.register(&plainObject{path: "/svc/main"}); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestObjectTreeChildren(t *testing.T) {
	tree := newObjectTree()
	for _, path := range []ObjectPath{"/a/b/x", "/a/b/y", "/a/c", "/d"} {
		if err := tree.register(&plainObject{path: path}); err != nil {
			t.Fatalf("register(%s): %v", path, err)
		}
	}
	tests := []struct {
		parent ObjectPath
		want   []string
	}{
		{"/", []string{"a", "d"}},
		{"/a", []string{"b", "c"}},
		{"/a/b", []string{"x", "y"}},
		{"/a/b/x", nil},
		{"/nowhere", nil},
	}
	for _, tc := range tests {
		if got := tree.children(tc.parent); !slices.Equal(got, tc.want) {
			t.Errorf("children(%q) = %v, want %v", tc.parent, got, tc.want)
		}
	}
}
