// Package wire implements the flyweight codec every control and data
// message uses: an 8-byte message header, a fixed block of little-endian
// fields, then variable-length data and repeating groups consumed in
// declaration order through a shared cursor.
package wire

import "fmt"

// HeaderLength is the encoded size of MessageHeader.
const HeaderLength = 8

var (
	hdrBlockLength = Field[uint16]{Offset: 0}
	hdrTemplateID  = Field[uint16]{Offset: 2}
	hdrSchemaID    = Field[uint16]{Offset: 4}
	hdrVersion     = Field[uint16]{Offset: 6}
)

// MessageHeader precedes every message on the transport.
type MessageHeader struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// Layout describes one message type of a schema.
type Layout struct {
	Name        string
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
	BlockLength int
}

// Header returns the header an encoder of this layout writes.
func (l Layout) Header() MessageHeader {
	return MessageHeader{
		BlockLength: uint16(l.BlockLength),
		TemplateID:  l.TemplateID,
		SchemaID:    l.SchemaID,
		Version:     l.Version,
	}
}

// EncodeHeader writes h at offset.
func EncodeHeader(buf []byte, offset int, h MessageHeader) error {
	if offset < 0 || offset+HeaderLength > len(buf) {
		return shortBuffer("message header", offset+HeaderLength, len(buf))
	}
	b := Block{buf: buf[offset : offset+HeaderLength]}
	hdrBlockLength.Put(b, h.BlockLength)
	hdrTemplateID.Put(b, h.TemplateID)
	hdrSchemaID.Put(b, h.SchemaID)
	hdrVersion.Put(b, h.Version)
	return nil
}

// DecodeHeader reads the header at offset.
func DecodeHeader(buf []byte, offset int) (MessageHeader, error) {
	if offset < 0 || offset+HeaderLength > len(buf) {
		return MessageHeader{}, shortBuffer("message header", offset+HeaderLength, len(buf))
	}
	b := Block{buf: buf[offset : offset+HeaderLength]}
	return MessageHeader{
		BlockLength: hdrBlockLength.Get(b),
		TemplateID:  hdrTemplateID.Get(b),
		SchemaID:    hdrSchemaID.Get(b),
		Version:     hdrVersion.Get(b),
	}, nil
}

// CheckHeader validates h against the layout the caller expects.
func CheckHeader(h MessageHeader, l Layout) error {
	if h.SchemaID != l.SchemaID {
		return fmt.Errorf("%w: %s got=%d want=%d", ErrSchemaMismatch, l.Name, h.SchemaID, l.SchemaID)
	}
	if h.TemplateID != l.TemplateID {
		return fmt.Errorf("%w: %s got=%d want=%d", ErrTemplateMismatch, l.Name, h.TemplateID, l.TemplateID)
	}
	return nil
}
