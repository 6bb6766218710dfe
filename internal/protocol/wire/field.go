package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Unsigned is the set of integer widths the schemas use on the wire.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Enum is an unsigned wire type with a closed value set.
type Enum interface {
	Unsigned
	Valid() bool
}

func widthOf[T Unsigned]() int {
	return bits.Len64(uint64(^T(0))) / 8
}

// NullOf returns the null sentinel for T. The schemas reserve 0xFFFFFFFE
// for u32 and all-ones for every other width.
func NullOf[T Unsigned]() T {
	max := ^T(0)
	if widthOf[T]() == 4 {
		return max - 1
	}
	return max
}

// Block is the fixed-size portion of a message or of one group element.
type Block struct {
	buf     []byte
	version uint16
}

// Bytes exposes the raw block.
func (b Block) Bytes() []byte { return b.buf }

// Len is the acting block length.
func (b Block) Len() int { return len(b.buf) }

func (b Block) present(offset, width int, since uint16) bool {
	return b.version >= since && offset >= 0 && offset+width <= len(b.buf)
}

// Field is a fixed-offset little-endian integer inside a block.
type Field[T Unsigned] struct {
	Offset       int
	SinceVersion uint16
}

func (f Field[T]) Width() int { return widthOf[T]() }

func (f Field[T]) Null() T { return NullOf[T]() }

func (f Field[T]) IsNull(v T) bool { return v == NullOf[T]() }

// InActingVersion reports whether the field exists in the block being decoded.
func (f Field[T]) InActingVersion(b Block) bool {
	return b.present(f.Offset, widthOf[T](), f.SinceVersion)
}

// Get returns the null sentinel when the field is absent from the acting block.
func (f Field[T]) Get(b Block) T {
	w := widthOf[T]()
	if !b.present(f.Offset, w, f.SinceVersion) {
		return NullOf[T]()
	}
	return T(getUint(b.buf[f.Offset:], w))
}

// Put writes v. Offsets are static layout constants, so an out-of-range
// Put is a layout bug and panics like encoding/binary does.
func (f Field[T]) Put(b Block, v T) {
	putUint(b.buf[f.Offset:], widthOf[T](), uint64(v))
}

// EnumField decodes through E.Valid and refuses unknown wire values.
type EnumField[E Enum] struct {
	Offset       int
	SinceVersion uint16
}

func (f EnumField[E]) raw() Field[E] {
	return Field[E]{Offset: f.Offset, SinceVersion: f.SinceVersion}
}

// Get returns the null value with a nil error when the field is absent.
func (f EnumField[E]) Get(b Block) (E, error) {
	r := f.raw()
	if !r.InActingVersion(b) {
		return r.Null(), nil
	}
	v := r.Get(b)
	if !v.Valid() {
		return v, fmt.Errorf("%w: %d at offset %d", ErrUnknownEnumValue, uint64(v), f.Offset)
	}
	return v, nil
}

func (f EnumField[E]) Put(b Block, v E) { f.raw().Put(b, v) }

// ArrayField is a fixed-length array of integers.
type ArrayField[T Unsigned] struct {
	Offset       int
	Length       int
	SinceVersion uint16
}

func (f ArrayField[T]) elem(i int) Field[T] {
	return Field[T]{Offset: f.Offset + i*widthOf[T](), SinceVersion: f.SinceVersion}
}

// Read copies up to len(dst) elements and returns the count copied.
func (f ArrayField[T]) Read(b Block, dst []T) int {
	n := min(len(dst), f.Length)
	for i := 0; i < n; i++ {
		dst[i] = f.elem(i).Get(b)
	}
	return n
}

// Write stores src and zero-fills the remaining elements.
func (f ArrayField[T]) Write(b Block, src []T) error {
	if len(src) > f.Length {
		return fmt.Errorf("%w: %d elements into array of %d", ErrValueTooLarge, len(src), f.Length)
	}
	for i := 0; i < f.Length; i++ {
		var v T
		if i < len(src) {
			v = src[i]
		}
		f.elem(i).Put(b, v)
	}
	return nil
}

func getUint(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func putUint(b []byte, width int, v uint64) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}
