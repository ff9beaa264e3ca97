package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wirebus/dbus"
)

const tokenHelp = `Method and signal arguments are typed tokens of the form CODE:VALUE:

  s:text     string (bare tokens without a type code are also strings)
  y:255      byte
  b:true     boolean
  n:-5       int16        q:5     uint16
  i:-5       int32        u:5     uint32
  x:-5       int64        t:5     uint64
  d:3.14     double
  o:/a/b     object path
  g:a{sv}    type signature
  v:u:42     variant wrapping another token`

func parseValues(args []string) ([]dbus.Value, error) {
	vs := make([]dbus.Value, 0, len(args))
	for _, arg := range args {
		v, err := parseValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		vs = append(vs, v)
	}
	return vs, nil
}

func parseValue(tok string) (dbus.Value, error) {
	code, rest, ok := strings.Cut(tok, ":")
	if !ok || len(code) != 1 {
		return dbus.String(tok), nil
	}
	switch code {
	case "s":
		return dbus.String(rest), nil
	case "y":
		n, err := strconv.ParseUint(rest, 0, 8)
		if err != nil {
			return nil, err
		}
		return dbus.Byte(n), nil
	case "b":
		v, err := strconv.ParseBool(rest)
		if err != nil {
			return nil, err
		}
		return dbus.Bool(v), nil
	case "n":
		n, err := strconv.ParseInt(rest, 0, 16)
		if err != nil {
			return nil, err
		}
		return dbus.Int16(n), nil
	case "q":
		n, err := strconv.ParseUint(rest, 0, 16)
		if err != nil {
			return nil, err
		}
		return dbus.Uint16(n), nil
	case "i":
		n, err := strconv.ParseInt(rest, 0, 32)
		if err != nil {
			return nil, err
		}
		return dbus.Int32(n), nil
	case "u":
		n, err := strconv.ParseUint(rest, 0, 32)
		if err != nil {
			return nil, err
		}
		return dbus.Uint32(n), nil
	case "x":
		n, err := strconv.ParseInt(rest, 0, 64)
		if err != nil {
			return nil, err
		}
		return dbus.Int64(n), nil
	case "t":
		n, err := strconv.ParseUint(rest, 0, 64)
		if err != nil {
			return nil, err
		}
		return dbus.Uint64(n), nil
	case "d":
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return nil, err
		}
		return dbus.Double(v), nil
	case "o":
		p := dbus.ObjectPath(rest)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid object path %q", rest)
		}
		return p, nil
	case "g":
		sig, err := dbus.ParseSignature(rest)
		if err != nil {
			return nil, err
		}
		return sig, nil
	case "v":
		inner, err := parseValue(rest)
		if err != nil {
			return nil, err
		}
		return dbus.Variant{Value: inner}, nil
	}
	return nil, fmt.Errorf("unknown type code %q", code)
}

// indenter prints values with a per-section indent, keeping wrapped
// lines aligned.
type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(os.Stdout, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		var wr []byte
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			wr, bs = bs, nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}
