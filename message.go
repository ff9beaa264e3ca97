package dbus

import (
	"errors"
	"fmt"

	"github.com/wirebus/dbus/fragments"
)

// A MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method call"
	case TypeMethodReturn:
		return "method return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown message type %d", byte(t))
}

// Message header flag bits.
const (
	// FlagNoReplyExpected marks a method call whose sender does not
	// want a reply.
	FlagNoReplyExpected byte = 0x1
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart byte = 0x2
	// FlagAllowInteractiveAuthorization tells the destination that
	// the caller is prepared to wait for an interactive authorization
	// prompt.
	FlagAllowInteractiveAuthorization byte = 0x4
)

// Header field codes, as assigned by the DBus specification.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

const protocolVersion = 1

// maxMessageBytes is the largest total message size the protocol
// permits.
const maxMessageBytes = 1 << 27

// A Message is one complete DBus wire message.
type Message struct {
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags byte
	// Serial is the sender-assigned serial for this message. It must
	// be non-zero on the wire.
	Serial uint32

	// Path is the target object for a call, or the emitting object
	// for a signal.
	Path ObjectPath
	// Interface is the interface of the called method or emitted
	// signal.
	Interface string
	// Member is the method name for a call, or the signal name for a
	// signal.
	Member string
	// ErrName is the name of the error being reported. Required for
	// [TypeError] messages.
	ErrName string
	// ReplySerial is the serial of the message this one replies
	// to. Required for [TypeMethodReturn] and [TypeError] messages.
	ReplySerial uint32
	// Destination is the intended recipient of the message. Optional
	// for signals, which broadcast when it is empty.
	Destination string
	// Sender is the unique name of the sending connection. The bus
	// populates this value itself; any sent value is ignored.
	Sender string

	// Body is the message payload. Its signature on the wire is the
	// concatenation of the body values' signatures.
	Body []Value
}

// Valid checks that the message is well formed for its type. It is
// checked before a message is encoded; inbound messages are handled
// more leniently, so that a malformed call can be answered with an
// error instead of being dropped.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if !m.Path.Valid() {
			return fmt.Errorf("invalid object path %q", m.Path)
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case TypeError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case TypeSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if !m.Path.Valid() {
			return fmt.Errorf("invalid object path %q", m.Path)
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		return fmt.Errorf("invalid message type %d", byte(m.Type))
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Encode returns the wire encoding of the message in the given byte
// order.
func (m *Message) Encode(order fragments.ByteOrder) ([]byte, error) {
	e := fragments.Encoder{Order: order}
	if err := m.encodeTo(&e); err != nil {
		return nil, err
	}
	return e.Out, nil
}

// encodeTo appends the wire encoding of the message to e, which must
// be empty or positioned at an 8-byte boundary.
func (m *Message) encodeTo(e *fragments.Encoder) error {
	if err := m.Valid(); err != nil {
		return err
	}

	body := fragments.Encoder{Order: e.Order}
	for _, v := range m.Body {
		if err := v.marshal(&body); err != nil {
			return err
		}
	}
	if len(body.Out) > maxMessageBytes {
		return fmt.Errorf("message body too large (%d bytes)", len(body.Out))
	}

	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(m.Flags)
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(body.Out)))
	e.Uint32(m.Serial)

	field := func(code byte, v Value) error {
		return e.Struct(func() error {
			e.Uint8(code)
			return Variant{Value: v}.marshal(e)
		})
	}
	err := e.Array(8, func() error {
		if m.Path != "" {
			if err := field(fieldPath, m.Path); err != nil {
				return err
			}
		}
		if m.Interface != "" {
			if err := field(fieldInterface, String(m.Interface)); err != nil {
				return err
			}
		}
		if m.Member != "" {
			if err := field(fieldMember, String(m.Member)); err != nil {
				return err
			}
		}
		if m.ErrName != "" {
			if err := field(fieldErrName, String(m.ErrName)); err != nil {
				return err
			}
		}
		if m.ReplySerial != 0 {
			if err := field(fieldReplySerial, Uint32(m.ReplySerial)); err != nil {
				return err
			}
		}
		if m.Destination != "" {
			if err := field(fieldDestination, String(m.Destination)); err != nil {
				return err
			}
		}
		if m.Sender != "" {
			if err := field(fieldSender, String(m.Sender)); err != nil {
				return err
			}
		}
		if sig := SignatureOf(m.Body...); !sig.IsZero() {
			if err := field(fieldSignature, sig); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	e.Write(body.Out)
	return nil
}

// DecodeMessage decodes one message from d. The caller must have
// marked d at the start of the frame.
//
// If the buffer does not yet hold a complete frame, DecodeMessage
// returns [fragments.ErrIncomplete] and the caller should rewind,
// feed more bytes, and retry. If the frame is complete but malformed,
// the whole frame is consumed and a [ProtocolError] describes the
// defect; such errors are recoverable, subsequent frames can still be
// decoded. Any other error means the stream itself is corrupt.
func DecodeMessage(d *fragments.Decoder) (*Message, error) {
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	typ, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	flags, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	ver, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	if ver != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", ver)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	serial, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	fieldsLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}

	// The fixed header is 16 bytes: the fields array is padded out to
	// an 8-byte boundary, and the body follows it.
	fieldsPadded := int(fieldsLen) + (8-int(fieldsLen)%8)%8
	total := 16 + fieldsPadded + int(bodyLen)
	if total > maxMessageBytes {
		return nil, fmt.Errorf("declared message size %d exceeds protocol maximum", total)
	}
	if d.Buffered() < total-16 {
		return nil, fragments.ErrIncomplete
	}

	// The frame is fully buffered. Errors below consume it whole, so
	// the caller can continue with the next frame. An incomplete read
	// at this point means a length field inside the frame overran the
	// frame itself, not that more bytes are coming.
	skip := func(err error) error {
		if errors.Is(err, fragments.ErrIncomplete) {
			err = errors.New("value length runs past the end of the frame")
		}
		d.Rewind()
		d.Discard(total)
		return ProtocolError{"message decode", err}
	}

	msg := &Message{
		Type:   MessageType(typ),
		Flags:  flags,
		Serial: serial,
	}
	var bodySig Signature

	remain := int(fieldsLen)
	for remain > 0 {
		before := d.Buffered()
		err := d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			val, err := unmarshalVariant(d)
			if err != nil {
				return err
			}
			inner := val.(Variant).Value
			if code == fieldSignature {
				s, ok := inner.(Signature)
				if !ok {
					return fmt.Errorf("header field %d has signature %s, want g", code, inner.Signature())
				}
				bodySig = s
				return nil
			}
			return msg.setField(code, inner)
		})
		if err != nil {
			return nil, skip(err)
		}
		remain -= before - d.Buffered()
	}
	if remain < 0 {
		return nil, skip(errors.New("header field ran past the end of the field array"))
	}
	if err := d.Pad(8); err != nil {
		return nil, skip(err)
	}

	if bodyLen > 0 {
		if bodySig.IsZero() {
			return nil, skip(errors.New("message has a body but no signature header field"))
		}
		before := d.Buffered()
		body, err := unmarshalBody(d, bodySig)
		if err != nil {
			return nil, skip(err)
		}
		if got := before - d.Buffered(); got != int(bodyLen) {
			return nil, skip(fmt.Errorf("body decode consumed %d bytes of a %d byte body", got, bodyLen))
		}
		msg.Body = body
	}
	if msg.Serial == 0 {
		return nil, skip(errors.New("message has zero serial"))
	}
	return msg, nil
}

// setField applies one decoded header field to the message.
func (m *Message) setField(code uint8, v Value) error {
	bad := func(want string) error {
		return fmt.Errorf("header field %d has signature %s, want %s", code, v.Signature(), want)
	}
	switch code {
	case fieldPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return bad("o")
		}
		m.Path = p
	case fieldInterface:
		s, ok := v.(String)
		if !ok {
			return bad("s")
		}
		m.Interface = string(s)
	case fieldMember:
		s, ok := v.(String)
		if !ok {
			return bad("s")
		}
		m.Member = string(s)
	case fieldErrName:
		s, ok := v.(String)
		if !ok {
			return bad("s")
		}
		m.ErrName = string(s)
	case fieldReplySerial:
		u, ok := v.(Uint32)
		if !ok {
			return bad("u")
		}
		m.ReplySerial = uint32(u)
	case fieldDestination:
		s, ok := v.(String)
		if !ok {
			return bad("s")
		}
		m.Destination = string(s)
	case fieldSender:
		s, ok := v.(String)
		if !ok {
			return bad("s")
		}
		m.Sender = string(s)
	case fieldNumFDs:
		u, ok := v.(Uint32)
		if !ok {
			return bad("u")
		}
		if u != 0 {
			return errors.New("message carries file descriptors, which are not supported")
		}
	default:
		// Unknown header fields must be ignored.
	}
	return nil
}
