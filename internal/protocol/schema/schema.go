package schema

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/logging"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Schema families.
const (
	ControlSchemaID      uint16 = 900
	ControlSchemaVersion uint16 = 1

	DriverSchemaID      uint16 = 901
	DriverSchemaVersion uint16 = 1
)

// Driver schema template ids.
const (
	TemplateDiscoveryRequest  uint16 = 1
	TemplateShmAttachRequest  uint16 = 2
	TemplateShmAttachResponse uint16 = 3
	TemplateShmDetachRequest  uint16 = 4
	TemplateShmDetachResponse uint16 = 5
	TemplateShmLeaseKeepalive uint16 = 6
	TemplateShmLeaseRevoked   uint16 = 7
	TemplateShmDriverShutdown uint16 = 8
)

// Control/data-plane schema template ids.
const (
	TemplateShmPoolAnnounce     uint16 = 1
	TemplateConsumerConfig      uint16 = 2
	TemplateFrameDescriptor     uint16 = 3
	TemplateSlotHeader          uint16 = 4
	TemplateTensorHeader        uint16 = 5
	TemplateQosProducer         uint16 = 6
	TemplateQosConsumer         uint16 = 7
	TemplateDataSourceAnnounce  uint16 = 8
	TemplateDataSourceMeta      uint16 = 9
	TemplateShmRegionSuperblock uint16 = 10
)

// MaxDims is the fixed capacity of the tensor header dims/strides arrays.
const MaxDims = 8

// MaxErrorMessage bounds driver-supplied error strings kept by clients.
const MaxErrorMessage = 1024

func driverLayout(name string, template uint16, block int) wire.Layout {
	return wire.Layout{Name: name, TemplateID: template, SchemaID: DriverSchemaID, Version: DriverSchemaVersion, BlockLength: block}
}

func controlLayout(name string, template uint16, block int) wire.Layout {
	return wire.Layout{Name: name, TemplateID: template, SchemaID: ControlSchemaID, Version: ControlSchemaVersion, BlockLength: block}
}

// ValidationError reports a structurally decodable message whose values
// break a schema rule.
type ValidationError struct {
	Message string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%s: %s", e.Message, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return protocol.ErrProtocol }

// Peek returns the message header at offset so a handler can dispatch on
// schema and template id before decoding.
func Peek(buf []byte, offset int) (wire.MessageHeader, error) {
	return wire.DecodeHeader(buf, offset)
}

// VarLen is the encoded size of one var field holding n bytes.
func VarLen(n int) int { return wire.VarLengthPrefix + n }

func encodeMessage(buf []byte, offset int, l wire.Layout, length int, body func(c *wire.Codec, b wire.Block) error) (int, error) {
	if offset < 0 || offset+length > len(buf) {
		return 0, fmt.Errorf("%w: %s needs %d bytes, have %d", wire.ErrBufferTooShort, l.Name, offset+length, len(buf))
	}
	c, err := wire.WrapAndApplyHeader(buf, offset, l)
	if err != nil {
		return 0, err
	}
	clear(c.Root().Bytes())
	if err := body(c, c.Root()); err != nil {
		return 0, err
	}
	return c.Position() - offset, nil
}

func decodeMessage(buf []byte, offset int, l wire.Layout, body func(c *wire.Codec, b wire.Block) error) (int, error) {
	c, err := wire.WrapAndCheckHeader(buf, offset, l)
	if err == nil {
		err = body(c, c.Root())
	}
	if err != nil {
		if logging.DebugDecode() {
			log.Warn().Err(err).Str("message", l.Name).Int("offset", offset).Int("len", len(buf)).
				Msg("schema.decode failed")
		}
		return 0, err
	}
	return c.Position() - offset, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
