package dbus

import (
	"errors"
	"fmt"
	"math"

	"github.com/wirebus/dbus/fragments"
)

// A Value is a DBus-typed value. The concrete Value types mirror the
// DBus type system: [Byte], [Bool], the sized integers, [Double],
// [String], [ObjectPath], [Signature], [Array], [Struct], [Dict] and
// [Variant].
type Value interface {
	// Signature returns the DBus type signature of the value.
	Signature() Signature
	// marshal appends the value's wire encoding to e.
	marshal(e *fragments.Encoder) error
}

type (
	// Byte is the DBus type 'y', an 8-bit unsigned integer.
	Byte uint8
	// Bool is the DBus type 'b'.
	Bool bool
	// Int16 is the DBus type 'n', a 16-bit signed integer.
	Int16 int16
	// Uint16 is the DBus type 'q', a 16-bit unsigned integer.
	Uint16 uint16
	// Int32 is the DBus type 'i', a 32-bit signed integer.
	Int32 int32
	// Uint32 is the DBus type 'u', a 32-bit unsigned integer.
	Uint32 uint32
	// Int64 is the DBus type 'x', a 64-bit signed integer.
	Int64 int64
	// Uint64 is the DBus type 't', a 64-bit unsigned integer.
	Uint64 uint64
	// Double is the DBus type 'd', an IEEE 754 double.
	Double float64
	// String is the DBus type 's'.
	String string
)

func (v Byte) Signature() Signature   { return mkSignature("y") }
func (v Bool) Signature() Signature   { return mkSignature("b") }
func (v Int16) Signature() Signature  { return mkSignature("n") }
func (v Uint16) Signature() Signature { return mkSignature("q") }
func (v Int32) Signature() Signature  { return mkSignature("i") }
func (v Uint32) Signature() Signature { return mkSignature("u") }
func (v Int64) Signature() Signature  { return mkSignature("x") }
func (v Uint64) Signature() Signature { return mkSignature("t") }
func (v Double) Signature() Signature { return mkSignature("d") }
func (v String) Signature() Signature { return mkSignature("s") }

func (v Byte) marshal(e *fragments.Encoder) error {
	e.Uint8(uint8(v))
	return nil
}

func (v Bool) marshal(e *fragments.Encoder) error {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
	return nil
}

func (v Int16) marshal(e *fragments.Encoder) error {
	e.Uint16(uint16(v))
	return nil
}

func (v Uint16) marshal(e *fragments.Encoder) error {
	e.Uint16(uint16(v))
	return nil
}

func (v Int32) marshal(e *fragments.Encoder) error {
	e.Uint32(uint32(v))
	return nil
}

func (v Uint32) marshal(e *fragments.Encoder) error {
	e.Uint32(uint32(v))
	return nil
}

func (v Int64) marshal(e *fragments.Encoder) error {
	e.Uint64(uint64(v))
	return nil
}

func (v Uint64) marshal(e *fragments.Encoder) error {
	e.Uint64(uint64(v))
	return nil
}

func (v Double) marshal(e *fragments.Encoder) error {
	e.Uint64(math.Float64bits(float64(v)))
	return nil
}

func (v String) marshal(e *fragments.Encoder) error {
	e.String(string(v))
	return nil
}

// An Array is an ordered sequence of values sharing one element type.
// Elem must be set even when Values is empty, because the element
// type is part of the array's wire signature.
type Array struct {
	Elem   Signature
	Values []Value
}

// ArrayOf returns an Array of vs with element type elem.
func ArrayOf(elem Signature, vs ...Value) Array {
	return Array{Elem: elem, Values: vs}
}

func (a Array) Signature() Signature {
	return mkSignature("a" + a.Elem.String())
}

func (a Array) marshal(e *fragments.Encoder) error {
	if a.Elem.IsZero() {
		return errors.New("array has no element type")
	}
	return e.Array(a.Elem.alignment(), func() error {
		for i, v := range a.Values {
			if v.Signature() != a.Elem {
				return fmt.Errorf("array element %d has signature %s, want %s", i, v.Signature(), a.Elem)
			}
			if err := v.marshal(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// A Struct is a fixed sequence of values of possibly differing types.
type Struct struct {
	Fields []Value
}

// StructOf returns a Struct with the given fields.
func StructOf(fields ...Value) Struct {
	return Struct{Fields: fields}
}

func (s Struct) Signature() Signature {
	return mkSignature("(" + SignatureOf(s.Fields...).String() + ")")
}

func (s Struct) marshal(e *fragments.Encoder) error {
	if len(s.Fields) == 0 {
		return errors.New("struct has no fields")
	}
	return e.Struct(func() error {
		for _, f := range s.Fields {
			if err := f.marshal(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// A DictEntry is one key/value pair of a [Dict].
type DictEntry struct {
	Key, Val Value
}

// A Dict is an association from keys of one basic type to values of
// one type. Key and Val describe the entry types and must be set even
// when Entries is empty.
type Dict struct {
	Key, Val Signature
	Entries  []DictEntry
}

// DictOf returns a Dict with the given entry types and entries.
func DictOf(key, val Signature, entries ...DictEntry) Dict {
	return Dict{Key: key, Val: val, Entries: entries}
}

func (d Dict) Signature() Signature {
	return mkSignature("a{" + d.Key.String() + d.Val.String() + "}")
}

func (d Dict) marshal(e *fragments.Encoder) error {
	ks := d.Key.String()
	if len(ks) != 1 || !isBasicSig(ks[0]) {
		return fmt.Errorf("invalid dict key type %q, must be a dbus basic type", ks)
	}
	if d.Val.IsZero() {
		return errors.New("dict has no value type")
	}
	return e.Array(8, func() error {
		for i, ent := range d.Entries {
			if ent.Key.Signature() != d.Key {
				return fmt.Errorf("dict entry %d key has signature %s, want %s", i, ent.Key.Signature(), d.Key)
			}
			if ent.Val.Signature() != d.Val {
				return fmt.Errorf("dict entry %d value has signature %s, want %s", i, ent.Val.Signature(), d.Val)
			}
			err := e.Struct(func() error {
				if err := ent.Key.marshal(e); err != nil {
					return err
				}
				return ent.Val.marshal(e)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// A Variant wraps a value together with its type, so that the type
// information travels in the message body.
type Variant struct {
	Value Value
}

func (v Variant) Signature() Signature { return mkSignature("v") }

func (v Variant) marshal(e *fragments.Encoder) error {
	if v.Value == nil {
		return errors.New("variant holds no value")
	}
	inner := v.Value.Signature()
	e.Signature(inner.String())
	return v.Value.marshal(e)
}

// unmarshalValue decodes one value of the given single complete type
// from d.
func unmarshalValue(d *fragments.Decoder, sig Signature) (Value, error) {
	str := sig.String()
	if str == "" {
		return nil, errors.New("cannot decode value with void signature")
	}
	switch str[0] {
	case 'y':
		v, err := d.Uint8()
		return Byte(v), err
	case 'b':
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if v > 1 {
			return nil, fmt.Errorf("invalid boolean wire value %d", v)
		}
		return Bool(v == 1), nil
	case 'n':
		v, err := d.Uint16()
		return Int16(v), err
	case 'q':
		v, err := d.Uint16()
		return Uint16(v), err
	case 'i':
		v, err := d.Uint32()
		return Int32(v), err
	case 'u':
		v, err := d.Uint32()
		return Uint32(v), err
	case 'x':
		v, err := d.Uint64()
		return Int64(v), err
	case 't':
		v, err := d.Uint64()
		return Uint64(v), err
	case 'd':
		v, err := d.Uint64()
		return Double(math.Float64frombits(v)), err
	case 's':
		v, err := d.String()
		return String(v), err
	case 'o':
		v, err := d.String()
		return ObjectPath(v), err
	case 'g':
		v, err := d.Signature()
		if err != nil {
			return nil, err
		}
		return ParseSignature(v)
	case 'h':
		return nil, errors.New("file descriptor values are not supported")
	case 'v':
		return unmarshalVariant(d)
	case 'a':
		if str[1] == '{' {
			return unmarshalDict(d, sig)
		}
		return unmarshalArray(d, sig)
	case '(':
		return unmarshalStruct(d, sig)
	}
	return nil, fmt.Errorf("unknown type specifier %q", str[0])
}

func unmarshalVariant(d *fragments.Decoder) (Value, error) {
	str, err := d.Signature()
	if err != nil {
		return nil, err
	}
	inner, err := ParseSignature(str)
	if err != nil {
		return nil, err
	}
	if len(inner.split()) != 1 {
		return nil, fmt.Errorf("variant signature %q is not a single complete type", str)
	}
	v, err := unmarshalValue(d, inner)
	if err != nil {
		return nil, err
	}
	return Variant{Value: v}, nil
}

func unmarshalArray(d *fragments.Decoder, sig Signature) (Value, error) {
	elem := sig.arrayElem()
	ret := Array{Elem: elem}
	_, err := d.Array(elem.alignment(), func(int) error {
		v, err := unmarshalValue(d, elem)
		if err != nil {
			return err
		}
		ret.Values = append(ret.Values, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func unmarshalDict(d *fragments.Decoder, sig Signature) (Value, error) {
	key, val := sig.dictKeyVal()
	ret := Dict{Key: key, Val: val}
	_, err := d.Array(8, func(int) error {
		return d.Struct(func() error {
			k, err := unmarshalValue(d, key)
			if err != nil {
				return err
			}
			v, err := unmarshalValue(d, val)
			if err != nil {
				return err
			}
			ret.Entries = append(ret.Entries, DictEntry{Key: k, Val: v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func unmarshalStruct(d *fragments.Decoder, sig Signature) (Value, error) {
	fields := sig.structFields()
	ret := Struct{Fields: make([]Value, 0, len(fields))}
	err := d.Struct(func() error {
		for _, fs := range fields {
			v, err := unmarshalValue(d, fs)
			if err != nil {
				return err
			}
			ret.Fields = append(ret.Fields, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// unmarshalBody decodes a sequence of values with the given signature
// from d, one value per single complete type.
func unmarshalBody(d *fragments.Decoder, sig Signature) ([]Value, error) {
	var ret []Value
	for _, fs := range sig.split() {
		v, err := unmarshalValue(d, fs)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}
