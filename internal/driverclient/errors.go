package driverclient

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

var (
	ErrAttachTimeout  = fmt.Errorf("driverclient: attach timed out: %w", protocol.ErrTimeout)
	ErrDetachTimeout  = fmt.Errorf("driverclient: detach timed out: %w", protocol.ErrTimeout)
	ErrUnknownRequest = fmt.Errorf("driverclient: unknown correlation id: %w", protocol.ErrNotFound)
	ErrLeaseRevoked   = fmt.Errorf("driverclient: lease revoked: %w", protocol.ErrProtocol)
	ErrDriverShutdown = fmt.Errorf("driverclient: driver shut down: %w", protocol.ErrProtocol)
	ErrClientClosed   = fmt.Errorf("driverclient: closed: %w", protocol.ErrArg)
)

// RejectedError is a non-OK attach or detach response. Message is the
// driver's text, already bounded by the decoder.
type RejectedError struct {
	Op      string
	Code    schema.ResponseCode
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("driverclient: %s rejected code=%s", e.Op, e.Code)
	}
	return fmt.Sprintf("driverclient: %s rejected code=%s: %s", e.Op, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error {
	if e.Code == schema.ResponseUnsupported {
		return protocol.ErrUnsupported
	}
	return protocol.ErrProtocol
}
