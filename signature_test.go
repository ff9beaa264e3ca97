package dbus

import (
	"slices"
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"", true},
		{"y", true},
		{"v", true},
		{"as", true},
		{"aay", true},
		{"a{sv}", true},
		{"a{s(ub)}", true},
		{"(y(nb))", true},
		{"a(ub)", true},
		{"susv", true},
		{"((((y))))", true},
		{strings.Repeat("a", 32) + "y", true},

		{"z", false},
		{"a", false},
		{strings.Repeat("a", 33) + "y", false},
		{strings.Repeat("y", 256), false},
		{"{sv}", false},
		{"(", false},
		{"()", false},
		{"(s", false},
		{"ay)", false},
		{"a{}", false},
		{"a{vs}", false},
		{"a{s}", false},
		{"a{s", false},
		{"a{sv", false},
	}
	for _, tc := range tests {
		sig, err := ParseSignature(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseSignature(%q): %v, want success", tc.in, err)
		} else if !tc.ok && err == nil {
			t.Errorf("ParseSignature(%q) = %q, want error", tc.in, sig)
		} else if tc.ok && sig.String() != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q, want input", tc.in, sig)
		}
	}
}

func TestSignatureSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"y", []string{"y"}},
		{"susv", []string{"s", "u", "s", "v"}},
		{"a{sv}(ub)t", []string{"a{sv}", "(ub)", "t"}},
		{"aaya(ub)", []string{"aay", "a(ub)"}},
	}
	for _, tc := range tests {
		var got []string
		for _, s := range mustParseSignature(tc.in).split() {
			got = append(got, s.String())
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("split(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSignatureParts(t *testing.T) {
	if got := mustParseSignature("aas").arrayElem().String(); got != "as" {
		t.Errorf(`arrayElem("aas") = %q, want "as"`, got)
	}
	k, v := mustParseSignature("a{s(ub)}").dictKeyVal()
	if k.String() != "s" || v.String() != "(ub)" {
		t.Errorf(`dictKeyVal("a{s(ub)}") = %q, %q, want "s", "(ub)"`, k, v)
	}
	var fields []string
	for _, f := range mustParseSignature("(ua{sv}s)").structFields() {
		fields = append(fields, f.String())
	}
	if want := []string{"u", "a{sv}", "s"}; !slices.Equal(fields, want) {
		t.Errorf(`structFields("(ua{sv}s)") = %v, want %v`, fields, want)
	}
}

func TestSignatureAlignment(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"y", 1}, {"g", 1}, {"v", 1},
		{"n", 2}, {"q", 2},
		{"b", 4}, {"i", 4}, {"u", 4}, {"s", 4}, {"o", 4}, {"as", 4}, {"a{sv}", 4},
		{"x", 8}, {"t", 8}, {"d", 8}, {"(y)", 8},
	}
	for _, tc := range tests {
		if got := mustParseSignature(tc.in).alignment(); got != tc.want {
			t.Errorf("alignment(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSignatureOf(t *testing.T) {
	if sig := SignatureOf(); !sig.IsZero() {
		t.Errorf("SignatureOf() = %q, want zero signature", sig)
	}
	sig := SignatureOf(Uint32(1), String("x"), ArrayOf(mkSignature("v")))
	if got, want := sig.String(), "usav"; got != want {
		t.Errorf("SignatureOf(u, s, av) = %q, want %q", got, want)
	}
	if sig.IsZero() {
		t.Error("IsZero() on a non-void signature")
	}
}
