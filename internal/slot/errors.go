package slot

import (
	"errors"
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol"
)

var (
	// ErrNotReady means the slot is being written or changed mid-read. Retry.
	// It carries no protocol category; Category reports nil for it.
	ErrNotReady = errors.New("slot: frame not ready")
	// ErrFrameMissed means the ring wrapped past the announced sequence.
	ErrFrameMissed = fmt.Errorf("slot: frame overwritten before read: %w", protocol.ErrProtocol)

	ErrGeometry     = fmt.Errorf("slot: invalid ring geometry: %w", protocol.ErrProtocol)
	ErrPayloadRange = fmt.Errorf("slot: payload outside pool: %w", protocol.ErrProtocol)
	ErrUnknownPool  = fmt.Errorf("slot: unknown payload pool: %w", protocol.ErrProtocol)
	ErrNoPoolFits   = fmt.Errorf("slot: no payload pool fits: %w", protocol.ErrArg)
)
