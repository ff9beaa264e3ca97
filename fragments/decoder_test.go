package fragments_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wirebus/dbus/fragments"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	d.t.Helper()
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	d.t.Helper()
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	d.t.Helper()
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	d.t.Helper()
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustLine(want string) {
	d.t.Helper()
	got, err := d.ReadLine()
	if err != nil {
		d.t.Fatalf("ReadLine() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("ReadLine() got %q, want %q", got, want)
	}
}

func newMust(t *testing.T, bs []byte) *mustDecoder {
	d := &fragments.Decoder{Order: fragments.BigEndian}
	d.Feed(bs)
	return &mustDecoder{t, d}
}

func TestDecoderBasic(t *testing.T) {
	d := newMust(t, []byte{
		0x2a,
		0x00, // pad
		0x00, 0x42,
		0x00, 0x00, 0x00, 0x2a,
		0x00, 0x00, 0x00, 0x03, // string length
		0x66, 0x6f, 0x6f, // "foo"
		0x00, // terminator
	})
	if got, err := d.Uint8(); err != nil || got != 42 {
		t.Fatalf("Uint8() = %d, %v, want 42", got, err)
	}
	d.MustUint16(66)
	d.MustUint32(42)
	d.MustString("foo")
	if n := d.Buffered(); n != 0 {
		t.Fatalf("Buffered() = %d after consuming everything, want 0", n)
	}
}

func TestDecoderIncomplete(t *testing.T) {
	d := &fragments.Decoder{Order: fragments.BigEndian}
	d.Feed([]byte{0x00, 0x00})
	d.Mark()

	if _, err := d.Uint32(); !errors.Is(err, fragments.ErrIncomplete) {
		t.Fatalf("Uint32() on short buffer got %v, want ErrIncomplete", err)
	}
	d.Rewind()

	d.Feed([]byte{0x00, 0x2a})
	got, err := d.Uint32()
	if err != nil {
		t.Fatalf("Uint32() after Feed got err: %v", err)
	}
	if got != 42 {
		t.Fatalf("Uint32() = %d, want 42", got)
	}
}

func TestDecoderRewindRereads(t *testing.T) {
	d := newMust(t, []byte{0x00, 0x01, 0x00, 0x02})
	d.Mark()
	d.MustUint16(1)
	d.MustUint16(2)
	d.Rewind()
	d.MustUint16(1)
	d.MustUint16(2)
}

func TestDecoderPadAfterMark(t *testing.T) {
	// Alignment is relative to the mark, not to the start of the
	// buffer.
	d := newMust(t, []byte{
		0xff,                   // consumed before the mark
		0x00, 0x00, 0x00, 0x2a, // u32 at offset 0 from mark
		0x00, 0x00, 0x00, 0x00, // pad to 8
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42, // u64
	})
	d.MustRead(1, []byte{0xff})
	d.Mark()
	d.MustUint32(42)
	if got, err := d.Uint64(); err != nil || got != 66 {
		t.Fatalf("Uint64() = %d, %v, want 66", got, err)
	}
}

func TestDecoderCompact(t *testing.T) {
	d := newMust(t, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03})
	d.Mark()
	d.MustUint16(1)
	d.MustUint16(2)

	d.Mark()
	d.Compact()
	if n := d.Buffered(); n != 2 {
		t.Fatalf("Buffered() = %d after Compact, want 2", n)
	}
	// The new mark is the alignment origin, so the next uint16 needs
	// no padding even though it sat at offset 4 before compaction.
	d.MustUint16(3)
}

func TestDecoderLines(t *testing.T) {
	d := newMust(t, []byte("OK 1234deadbeef\r\nAGREE"))
	d.Mark()

	d.MustLine("OK 1234deadbeef")
	if _, err := d.ReadLine(); !errors.Is(err, fragments.ErrIncomplete) {
		t.Fatalf("ReadLine() on partial line got %v, want ErrIncomplete", err)
	}
	d.Feed([]byte("_UNIX_FD\r\n"))
	d.MustLine("AGREE_UNIX_FD")
}

func TestDecoderArray(t *testing.T) {
	d := newMust(t, []byte{
		0x00, 0x00, 0x00, 0x04, // length
		0x00, 0x01,
		0x00, 0x02,
	})
	d.Mark()
	var got []uint16
	n, err := d.Array(2, func(i int) error {
		v, err := d.Uint16()
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Array() got err: %v", err)
	}
	if n != 2 || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Array() decoded %d elements %v, want [1 2]", n, got)
	}
}

func TestDecoderStructArray(t *testing.T) {
	d := newMust(t, []byte{
		0x00, 0x00, 0x00, 0x0a, // length
		0x00, 0x00, 0x00, 0x00, // pad to struct
		0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct
		0x00, 0x02,
	})
	d.Mark()
	var got []uint16
	n, err := d.Array(8, func(i int) error {
		return d.Struct(func() error {
			v, err := d.Uint16()
			if err != nil {
				return err
			}
			got = append(got, v)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Array() got err: %v", err)
	}
	if n != 2 || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Array() decoded %d elements %v, want [1 2]", n, got)
	}
}

func TestDecoderIncompleteArray(t *testing.T) {
	d := &fragments.Decoder{Order: fragments.BigEndian}
	d.Feed([]byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x01})
	d.Mark()
	if _, err := d.Array(2, func(int) error {
		_, err := d.Uint16()
		return err
	}); !errors.Is(err, fragments.ErrIncomplete) {
		t.Fatalf("Array() on short buffer got %v, want ErrIncomplete", err)
	}
}

func TestDecoderByteOrderFlag(t *testing.T) {
	d := &fragments.Decoder{}
	d.Feed([]byte{'l', 0x00, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x00})
	d.Mark()
	if err := d.ByteOrderFlag(); err != nil {
		t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	got, err := d.Uint32()
	if err != nil || got != 42 {
		t.Fatalf("Uint32() = %d, %v, want little-endian 42", got, err)
	}

	d = &fragments.Decoder{}
	d.Feed([]byte{'x'})
	d.Mark()
	if err := d.ByteOrderFlag(); err == nil {
		t.Fatal("ByteOrderFlag() accepted bogus flag byte")
	}
}
