package dbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wirebus/dbus/fragments"
)

// A Signature describes the type of a DBus value, or of a sequence of
// values such as a message body.
type Signature struct {
	str string
}

// basicSigChars are the signature codes of the DBus basic types,
// which encode without any internal structure.
const basicSigChars = "ybnqiuxtdsogh"

const (
	maxSignatureLen = 255
	maxContainDepth = 32
)

// mkSignature wraps a signature string that is already known to be
// valid.
func mkSignature(str string) Signature {
	return Signature{str}
}

// ParseSignature parses a DBus type signature string. The empty
// string is the signature of a void value, such as the body of a
// message with no arguments.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		rest, err = parseOne(rest, 0, 0)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return Signature{sig}, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of sig and
// returns the remainder of the type string.
func parseOne(sig string, arrayDepth, structDepth int) (rest string, err error) {
	switch c := sig[0]; c {
	case 'v':
		return sig[1:], nil
	case 'a':
		if arrayDepth >= maxContainDepth {
			return "", errors.New("array nesting too deep")
		}
		if len(sig) == 1 {
			return "", errors.New("missing array element type")
		}
		if sig[1] != '{' {
			return parseOne(sig[1:], arrayDepth+1, structDepth)
		}
		rest = sig[2:]
		if rest == "" {
			return "", errors.New("missing dict entry key type")
		}
		if !isBasicSig(rest[0]) {
			return "", fmt.Errorf("invalid dict entry key type %q, must be a dbus basic type", rest[0])
		}
		if rest = rest[1:]; rest == "" {
			return "", errors.New("missing dict entry value type")
		}
		rest, err = parseOne(rest, arrayDepth, structDepth)
		if err != nil {
			return "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", errors.New("missing closing } in dict entry definition")
		}
		return rest[1:], nil
	case '(':
		if structDepth >= maxContainDepth {
			return "", errors.New("struct nesting too deep")
		}
		rest = sig[1:]
		if rest != "" && rest[0] == ')' {
			return "", errors.New("empty struct definition")
		}
		for rest != "" && rest[0] != ')' {
			rest, err = parseOne(rest, arrayDepth, structDepth+1)
			if err != nil {
				return "", err
			}
		}
		if rest == "" {
			return "", errors.New("missing closing ) in struct definition")
		}
		return rest[1:], nil
	case '{':
		return "", errors.New("dict entry type found outside array")
	default:
		if isBasicSig(c) {
			return sig[1:], nil
		}
		return "", fmt.Errorf("unknown type specifier %q", c)
	}
}

func isBasicSig(c byte) bool {
	return strings.IndexByte(basicSigChars, c) >= 0
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// Signature implements [Value]. A Signature's own wire type is "g".
func (s Signature) Signature() Signature {
	return mkSignature("g")
}

func (s Signature) marshal(e *fragments.Encoder) error {
	if len(s.str) > maxSignatureLen {
		return fmt.Errorf("signature %q too long to encode", s.str)
	}
	e.Signature(s.str)
	return nil
}

// oneLen returns the byte length of the first single complete type in
// str, which must be valid.
func oneLen(str string) int {
	switch str[0] {
	case 'a':
		if str[1] == '{' {
			// a{K...}: key is one byte, value is one complete type.
			n := 3 + oneLen(str[3:])
			return n + 1 // closing }
		}
		return 1 + oneLen(str[1:])
	case '(':
		n := 1
		for str[n] != ')' {
			n += oneLen(str[n:])
		}
		return n + 1
	default:
		return 1
	}
}

// split returns the signatures of each single complete type in s, in
// order. A message body signature splits into one signature per
// argument.
func (s Signature) split() []Signature {
	if s.str == "" {
		return nil
	}
	var ret []Signature
	rest := s.str
	for rest != "" {
		n := oneLen(rest)
		ret = append(ret, Signature{rest[:n]})
		rest = rest[n:]
	}
	return ret
}

// arrayElem returns the element signature of an array signature.
func (s Signature) arrayElem() Signature {
	return Signature{s.str[1:]}
}

// dictKeyVal returns the key and value signatures of a dict
// signature a{KV}.
func (s Signature) dictKeyVal() (key, val Signature) {
	inner := s.str[2 : len(s.str)-1]
	return Signature{inner[:1]}, Signature{inner[1:]}
}

// structFields returns the field signatures of a struct signature.
func (s Signature) structFields() []Signature {
	return Signature{s.str[1 : len(s.str)-1]}.split()
}

// alignment returns the wire alignment of the first complete type in
// s, in bytes.
func (s Signature) alignment() int {
	switch s.str[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// SignatureOf returns the signature of a sequence of values, the
// concatenation of each value's own signature.
func SignatureOf(vs ...Value) Signature {
	if len(vs) == 0 {
		return Signature{}
	}
	var sb strings.Builder
	for _, v := range vs {
		sb.WriteString(v.Signature().String())
	}
	return Signature{sb.String()}
}
