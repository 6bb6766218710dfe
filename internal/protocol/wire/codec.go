package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VarLengthPrefix is the size of the length that precedes var data.
const VarLengthPrefix = 4

// Codec is a cursor over a caller-owned buffer. It never copies or owns
// the buffer; slices returned by VarData alias it and are only valid while
// the backing memory stays mapped.
type Codec struct {
	buf               []byte
	offset            int
	position          int
	actingBlockLength int
	actingVersion     uint16
}

// WrapForEncode positions the cursor after the layout's fixed block.
func WrapForEncode(buf []byte, offset int, l Layout) (*Codec, error) {
	return wrap(buf, offset, l.BlockLength, l.Version)
}

// WrapForDecode positions the cursor after the acting fixed block so
// trailing fields from a newer schema are skipped.
func WrapForDecode(buf []byte, offset, actingBlockLength int, actingVersion uint16) (*Codec, error) {
	return wrap(buf, offset, actingBlockLength, actingVersion)
}

// WrapAndApplyHeader writes the layout's header at offset and wraps the body.
func WrapAndApplyHeader(buf []byte, offset int, l Layout) (*Codec, error) {
	if err := EncodeHeader(buf, offset, l.Header()); err != nil {
		return nil, err
	}
	return WrapForEncode(buf, offset+HeaderLength, l)
}

// WrapAndCheckHeader decodes and checks the header at offset, then wraps
// the body with the acting block length and version it declares.
func WrapAndCheckHeader(buf []byte, offset int, l Layout) (*Codec, error) {
	h, err := DecodeHeader(buf, offset)
	if err != nil {
		return nil, err
	}
	if err := CheckHeader(h, l); err != nil {
		return nil, err
	}
	return WrapForDecode(buf, offset+HeaderLength, int(h.BlockLength), h.Version)
}

func wrap(buf []byte, offset, blockLength int, version uint16) (*Codec, error) {
	if offset < 0 || blockLength < 0 {
		return nil, fmt.Errorf("%w: offset=%d block=%d", ErrBufferTooShort, offset, blockLength)
	}
	if offset+blockLength > len(buf) {
		return nil, shortBuffer("fixed block", offset+blockLength, len(buf))
	}
	return &Codec{
		buf:               buf,
		offset:            offset,
		position:          offset + blockLength,
		actingBlockLength: blockLength,
		actingVersion:     version,
	}, nil
}

// Root is the message's fixed block.
func (c *Codec) Root() Block {
	return Block{buf: c.buf[c.offset : c.offset+c.actingBlockLength], version: c.actingVersion}
}

func (c *Codec) Offset() int            { return c.offset }
func (c *Codec) Position() int          { return c.position }
func (c *Codec) ActingBlockLength() int { return c.actingBlockLength }
func (c *Codec) ActingVersion() uint16  { return c.actingVersion }
func (c *Codec) Buffer() []byte         { return c.buf }

// EncodedLength is the number of body bytes between offset and the cursor.
func (c *Codec) EncodedLength() int { return c.position - c.offset }

func (c *Codec) advance(what string, n int) (int, error) {
	next := c.position + n
	if n < 0 || next > len(c.buf) {
		return 0, shortBuffer(what, next, len(c.buf))
	}
	start := c.position
	c.position = next
	return start, nil
}

// PutVarData writes a u32 length prefix followed by v.
func (c *Codec) PutVarData(v []byte) error {
	if uint64(len(v)) > math.MaxUint32 {
		return fmt.Errorf("%w: var data of %d bytes", ErrValueTooLarge, len(v))
	}
	if c.position+VarLengthPrefix+len(v) > len(c.buf) {
		return shortBuffer("var data", c.position+VarLengthPrefix+len(v), len(c.buf))
	}
	binary.LittleEndian.PutUint32(c.buf[c.position:], uint32(len(v)))
	copy(c.buf[c.position+VarLengthPrefix:], v)
	c.position += VarLengthPrefix + len(v)
	return nil
}

func (c *Codec) PutVarString(s string) error {
	return c.PutVarData([]byte(s))
}

// VarDataLength peeks the next length prefix without moving the cursor.
func (c *Codec) VarDataLength() (int, error) {
	if c.position+VarLengthPrefix > len(c.buf) {
		return 0, shortBuffer("var data length", c.position+VarLengthPrefix, len(c.buf))
	}
	return int(binary.LittleEndian.Uint32(c.buf[c.position:])), nil
}

// VarData returns a zero-copy view of the next var field and advances past it.
func (c *Codec) VarData() ([]byte, error) {
	n, err := c.VarDataLength()
	if err != nil {
		return nil, err
	}
	if c.position+VarLengthPrefix+n > len(c.buf) {
		return nil, shortBuffer("var data", c.position+VarLengthPrefix+n, len(c.buf))
	}
	start := c.position + VarLengthPrefix
	c.position = start + n
	return c.buf[start:c.position:c.position], nil
}

// GetVarData copies the next var field into dst, truncating to len(dst),
// and returns the number of bytes copied. The cursor always moves past the
// whole field.
func (c *Codec) GetVarData(dst []byte) (int, error) {
	v, err := c.VarData()
	if err != nil {
		return 0, err
	}
	return copy(dst, v), nil
}

// VarString decodes the next var field as an owned string.
func (c *Codec) VarString() (string, error) {
	v, err := c.VarData()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SkipVarData advances past the next var field and returns its length.
func (c *Codec) SkipVarData() (int, error) {
	v, err := c.VarData()
	if err != nil {
		return 0, err
	}
	return len(v), nil
}
