package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GroupHeaderLength is the size of the {blockLength, numInGroup} dimension.
const GroupHeaderLength = 4

// GroupLayout describes one repeating group of a message.
type GroupLayout struct {
	Name        string
	BlockLength int
	// HasVarData groups are written with a declared block length of 0:
	// element size is not static and the shared cursor tracks progress.
	HasVarData bool
}

// Group iterates the elements of a repeating group. It shares the cursor
// of the codec it was opened from, so every var field of element N must be
// consumed before Next is called for N+1.
type Group struct {
	codec       *Codec
	name        string
	blockLength int
	count       int
	index       int
}

// PeekGroupHeader reads the dimension at the cursor without moving it.
func (c *Codec) PeekGroupHeader() (blockLength, count uint16, err error) {
	if c.position+GroupHeaderLength > len(c.buf) {
		return 0, 0, shortBuffer("group header", c.position+GroupHeaderLength, len(c.buf))
	}
	return binary.LittleEndian.Uint16(c.buf[c.position:]),
		binary.LittleEndian.Uint16(c.buf[c.position+2:]), nil
}

// EncodeGroup writes the dimension header for count elements.
func (c *Codec) EncodeGroup(l GroupLayout, count int) (*Group, error) {
	if count < 0 || count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s count=%d", ErrValueTooLarge, l.Name, count)
	}
	start, err := c.advance(l.Name+" header", GroupHeaderLength)
	if err != nil {
		return nil, err
	}
	declared := l.BlockLength
	if l.HasVarData {
		declared = 0
	}
	binary.LittleEndian.PutUint16(c.buf[start:], uint16(declared))
	binary.LittleEndian.PutUint16(c.buf[start+2:], uint16(count))
	return &Group{codec: c, name: l.Name, blockLength: l.BlockLength, count: count, index: -1}, nil
}

// DecodeGroup reads the dimension header. A declared block length of 0 on
// a var-data group means "use the schema element block and cursor tracking".
func (c *Codec) DecodeGroup(l GroupLayout) (*Group, error) {
	bl, n, err := c.PeekGroupHeader()
	if err != nil {
		return nil, err
	}
	c.position += GroupHeaderLength
	acting := int(bl)
	if acting == 0 && l.HasVarData {
		acting = l.BlockLength
	}
	return &Group{codec: c, name: l.Name, blockLength: acting, count: int(n), index: -1}, nil
}

func (g *Group) Count() int       { return g.count }
func (g *Group) Index() int       { return g.index }
func (g *Group) BlockLength() int { return g.blockLength }
func (g *Group) HasNext() bool    { return g.index+1 < g.count }

// Next advances to the following element and returns its fixed block.
func (g *Group) Next() (Block, error) {
	if g.index+1 >= g.count {
		return Block{}, fmt.Errorf("%w: %s index=%d count=%d", ErrGroupOverrun, g.name, g.index+1, g.count)
	}
	c := g.codec
	if c.position+g.blockLength > len(c.buf) {
		return Block{}, fmt.Errorf("%w: %s element %d needs %d bytes, have %d",
			ErrGroupElementTooShort, g.name, g.index+1, c.position+g.blockLength, len(c.buf))
	}
	start := c.position
	c.position += g.blockLength
	g.index++
	return Block{buf: c.buf[start : start+g.blockLength], version: c.actingVersion}, nil
}
