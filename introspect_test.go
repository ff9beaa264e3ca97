package dbus

import (
	"encoding/xml"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var descCmp = cmp.Options{
	cmp.Comparer(func(a, b Signature) bool { return a.String() == b.String() }),
	cmpopts.EquateEmpty(),
}

func TestObjectDescriptionXMLRoundTrip(t *testing.T) {
	sigU := mkSignature("u")
	sigS := mkSignature("s")
	desc := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{
			"org.test.Iface": {
				Name: "org.test.Iface",
				Methods: []*MethodDescription{
					{
						Name: "Add",
						In: []ArgumentDescription{
							{Name: "a", Type: sigU},
							{Name: "b", Type: sigU},
						},
						Out: []ArgumentDescription{{Name: "sum", Type: sigU}},
					},
					{Name: "Zap", Deprecated: true, NoReply: true},
				},
				Signals: []*SignalDescription{
					{Name: "Tick", Args: []ArgumentDescription{{Name: "when", Type: mkSignature("t")}}},
					{Name: "Tock", Deprecated: true},
				},
				Properties: []*PropertyDescription{
					{Name: "Mode", Type: sigS, Readable: true, Writable: true,
						EmitsSignal: true, SignalIncludesValue: true},
					{Name: "Version", Type: sigU, Readable: true, Constant: true},
					{Name: "Seed", Type: sigU, Writable: true},
					{Name: "Load", Type: mkSignature("d"), Readable: true,
						EmitsSignal: true},
				},
			},
			"org.test.Bare": {Name: "org.test.Bare"},
		},
		Children: []string{"child_a", "child_b"},
	}

	bs, err := desc.XML()
	if err != nil {
		t.Fatalf("XML(): %v", err)
	}
	if !strings.HasPrefix(string(bs), "<!DOCTYPE node") {
		t.Errorf("XML() output missing doctype, starts %q", bs[:40])
	}

	got := new(ObjectDescription)
	if err := xml.Unmarshal(bs, got); err != nil {
		t.Fatalf("Unmarshal(XML()): %v", err)
	}
	if diff := cmp.Diff(got, desc, descCmp); diff != "" {
		t.Errorf("description changed across XML round trip (-got+want):\n%s", diff)
	}
}

func TestInterfaceDescriptionString(t *testing.T) {
	sigU := mkSignature("u")
	d := InterfaceDescription{
		Name: "org.test.Iface",
		Methods: []*MethodDescription{
			{Name: "Zap", In: []ArgumentDescription{{Name: "level", Type: sigU}}, NoReply: true},
			{Name: "Add",
				In:  []ArgumentDescription{{Name: "a", Type: sigU}, {Name: "b", Type: sigU}},
				Out: []ArgumentDescription{{Name: "sum", Type: sigU}}},
		},
		Signals: []*SignalDescription{
			{Name: "Tick", Args: []ArgumentDescription{{Name: "when", Type: mkSignature("t")}}},
		},
		Properties: []*PropertyDescription{
			{Name: "Version", Type: sigU, Readable: true, Constant: true},
			{Name: "Mode", Type: mkSignature("s"), Readable: true, Writable: true,
				EmitsSignal: true, SignalIncludesValue: true},
		},
	}
	want := strings.Join([]string{
		"interface org.test.Iface {",
		"  func Add(a u, b u) (sum u)",
		"  func Zap(level u) [noreply]",
		"  signal Tick(when t)",
		"  property Mode s [readwrite,signals]",
		"  property Version u [const]",
		"}",
	}, "\n")
	if got := d.String(); got != want {
		t.Errorf("String() = \n%s\nwant:\n%s", got, want)
	}
}

func TestDescribeObject(t *testing.T) {
	tree := newObjectTree()
	svc := newTestService("/svc/main")
	if err := tree.register(svc); err != nil {
		t.Fatalf("register(%s): %v", svc.Path(), err)
	}
	leaf := &plainObject{path: "/svc/main/sub/leaf"}
	if err := tree.register(leaf); err != nil {
		t.Fatalf("register(%s): %v", leaf.path, err)
	}

	desc := describeObject(tree, "/svc/main")
	var ifaces []string
	for name := range desc.Interfaces {
		ifaces = append(ifaces, name)
	}
	slices.Sort(ifaces)
	want := []string{
		testServiceInterface,
		ifaceIntrospectable,
		ifacePeer,
		ifaceProps,
	}
	slices.Sort(want)
	if !slices.Equal(ifaces, want) {
		t.Errorf("interfaces of /svc/main = %v, want %v", ifaces, want)
	}
	if want := []string{"sub"}; !slices.Equal(desc.Children, want) {
		t.Errorf("children of /svc/main = %v, want %v", desc.Children, want)
	}

	// An unregistered ancestor has children but no interfaces.
	desc = describeObject(tree, "/")
	if len(desc.Interfaces) != 0 {
		t.Errorf("unregistered / has interfaces %v", desc.Interfaces)
	}
	if want := []string{"svc"}; !slices.Equal(desc.Children, want) {
		t.Errorf("children of / = %v, want %v", desc.Children, want)
	}

	// A plain object serves Peer and Introspectable but not
	// Properties.
	desc = describeObject(tree, "/svc/main/sub/leaf")
	if _, ok := desc.Interfaces[ifaceProps]; ok {
		t.Error("plain object description includes the Properties interface")
	}
	if _, ok := desc.Interfaces[ifacePeer]; !ok {
		t.Error("plain object description is missing the Peer interface")
	}

	desc = describeObject(tree, "/nowhere")
	if len(desc.Interfaces) != 0 || len(desc.Children) != 0 {
		t.Errorf("absent path described as %+v", desc)
	}
}
