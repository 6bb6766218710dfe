package shm

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol"
)

var (
	ErrBadMagic           = fmt.Errorf("shm: bad superblock magic: %w", protocol.ErrProtocol)
	ErrSuperblockMismatch = fmt.Errorf("shm: superblock mismatch: %w", protocol.ErrProtocol)
	ErrRegionTooSmall     = fmt.Errorf("shm: region smaller than its geometry: %w", protocol.ErrProtocol)
	ErrInvalidURI         = fmt.Errorf("shm: invalid region uri: %w", protocol.ErrProtocol)
	ErrInvalidStride      = fmt.Errorf("shm: invalid stride: %w", protocol.ErrProtocol)
	ErrHugepages          = fmt.Errorf("shm: hugepage-backed regions not supported: %w", protocol.ErrUnsupported)
	ErrMapFailed          = fmt.Errorf("shm: map failed: %w", protocol.ErrShm)
	ErrUnmapped           = fmt.Errorf("shm: mapping already released: %w", protocol.ErrShm)
)
