package fragments

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decoder reads that run past the end of
// the buffered data. The caller should rewind to the last mark, feed
// more bytes, and retry.
var ErrIncomplete = errors.New("incomplete fragment")

// A Decoder provides utilities to read DBus wire format messages out
// of a byte buffer that is filled incrementally, as bytes arrive from
// a stream.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. Alignment is computed relative to the
// last call to [Decoder.Mark], which callers must place at the start
// of each message.
//
// Reads that need more bytes than have been fed return
// [ErrIncomplete] without consuming anything beyond the cursor. After
// feeding more data with [Decoder.Feed], callers rewind to the mark
// and retry the decode from the top.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder

	buf  []byte
	pos  int
	mark int
}

// Feed appends bs to the decoder's buffer.
func (d *Decoder) Feed(bs []byte) {
	d.buf = append(d.buf, bs...)
}

// Buffered reports the number of unconsumed bytes in the buffer.
func (d *Decoder) Buffered() int { return len(d.buf) - d.pos }

// Mark records the current cursor as the origin for alignment and
// for [Decoder.Rewind].
func (d *Decoder) Mark() { d.mark = d.pos }

// Rewind moves the cursor back to the last mark.
func (d *Decoder) Rewind() { d.pos = d.mark }

// Compact discards consumed bytes before the mark, so that the
// buffer does not grow without bound across messages.
func (d *Decoder) Compact() {
	if d.mark == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.mark:])
	d.buf = d.buf[:n]
	d.pos -= d.mark
	d.mark = 0
}

// Discard consumes and ignores n bytes.
func (d *Decoder) Discard(n int) error {
	if d.Buffered() < n {
		return ErrIncomplete
	}
	d.pos += n
	return nil
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes from the mark. If the decoder is
// already correctly aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := (d.pos - d.mark) % align
	if extra == 0 {
		return nil
	}
	return d.Discard(align - extra)
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases the decoder's buffer and is only valid until the next call
// to [Decoder.Feed] or [Decoder.Compact].
func (d *Decoder) Read(n int) ([]byte, error) {
	if d.Buffered() < n {
		return nil, ErrIncomplete
	}
	bs := d.buf[d.pos : d.pos+n]
	d.pos += n
	return bs, nil
}

// ReadLine reads one \r\n-terminated line, as exchanged during the
// authentication phase of a DBus connection, and returns it without
// the line terminator.
func (d *Decoder) ReadLine() (string, error) {
	i := bytes.IndexByte(d.buf[d.pos:], '\n')
	if i < 0 {
		return "", ErrIncomplete
	}
	line := d.buf[d.pos : d.pos+i]
	d.pos += i + 1
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return string(ret[:len(ret)-1]), nil
}

// Signature reads a DBus string with a single-byte length prefix, the
// framing DBus uses for type signatures.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and must not read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type. The decoder
// consumes array header padding for 8-aligned element types even when
// the array is empty.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if elemAlign > 4 {
		if err := d.Pad(elemAlign); err != nil {
			return 0, err
		}
	}
	if d.Buffered() < int(ln) {
		return 0, ErrIncomplete
	}
	end := d.pos + int(ln)
	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.pos != end {
		return idx, fmt.Errorf("array element decoder overran %d-byte array body", ln)
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := ByteOrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = ord
	return nil
}
