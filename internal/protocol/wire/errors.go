package wire

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol"
)

var (
	ErrBufferTooShort   = fmt.Errorf("wire: buffer too short: %w", protocol.ErrProtocol)
	ErrUnknownEnumValue = fmt.Errorf("wire: unknown enum value: %w", protocol.ErrProtocol)
	ErrGroupOverrun     = fmt.Errorf("wire: group element past count: %w", protocol.ErrProtocol)
	ErrSchemaMismatch   = fmt.Errorf("wire: schema id mismatch: %w", protocol.ErrProtocol)
	ErrTemplateMismatch = fmt.Errorf("wire: template id mismatch: %w", protocol.ErrProtocol)
	ErrValueTooLarge    = fmt.Errorf("wire: value too large for field: %w", protocol.ErrArg)

	ErrGroupElementTooShort = fmt.Errorf("wire: no room for next group element: %w", ErrBufferTooShort)
)

func shortBuffer(what string, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrBufferTooShort, what, need, have)
}
