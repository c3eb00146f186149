package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var (
	ErrShortMessage   = errors.New("remote: message truncated")
	ErrTrailingBytes  = errors.New("remote: trailing bytes after message")
	ErrUnknownMessage = errors.New("remote: unknown message kind")
)

// appendNatural appends x in the variable length natural format: the count
// of leading one bits in the first byte is the number of little-endian
// bytes that follow, and the remaining bits of the first byte hold the most
// significant part. Values below 128 take one byte; 0xff prefixes a full
// 8-byte value.
func appendNatural(b []byte, x uint64) []byte {
	var l uint
	for l = 0; l < 8; l++ {
		if x < 1<<(7*(l+1)) {
			break
		}
	}
	if l == 8 {
		b = append(b, math.MaxUint8)
		return binary.LittleEndian.AppendUint64(b, x)
	}
	prefix := byte(uint64(256) - uint64(1)<<(8-l) + x>>(8*l))
	b = append(b, prefix)
	for i := uint(0); i < l; i++ {
		b = append(b, byte(x>>(8*i)))
	}
	return b
}

// decoder reads fields in order and keeps the first error; reads after an
// error return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrShortMessage
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) flag() bool {
	return d.u8() != 0
}

func (d *decoder) natural() uint64 {
	first := d.u8()
	if d.err != nil {
		return 0
	}
	l := uint(bits.LeadingZeros8(^first))
	if l == 8 {
		b := d.take(8)
		if b == nil {
			return 0
		}
		return binary.LittleEndian.Uint64(b)
	}
	rest := d.take(uint64(l))
	if rest == nil && l > 0 {
		return 0
	}
	var x uint64
	for i, b := range rest {
		x |= uint64(b) << (8 * i)
	}
	return x | uint64(first&(math.MaxUint8>>l))<<(8*l)
}

// bytes reads a length prefixed byte string. The result is copied so it
// does not alias the frame.
func (d *decoder) bytes() []byte {
	n := d.natural()
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// optBytes reads a byte string that may be absent.
func (d *decoder) optBytes() []byte {
	if !d.flag() {
		return nil
	}
	return d.bytes()
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, len(d.buf))
	}
	return nil
}

func appendBytes(b, v []byte) []byte {
	b = appendNatural(b, uint64(len(v)))
	return append(b, v...)
}

func appendOptBytes(b, v []byte) []byte {
	if v == nil {
		return append(b, 0)
	}
	return appendBytes(append(b, 1), v)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}
