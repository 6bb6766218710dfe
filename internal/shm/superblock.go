package shm

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

// MaxStrideBytes bounds payload strides on regular pages.
const MaxStrideBytes = 4096

// Expected is the geometry negotiated in an attach response. A region is
// trusted only when its superblock matches every field.
type Expected struct {
	LayoutVersion uint32
	Epoch         uint64
	StreamID      uint32
	Nslots        uint32
	SlotBytes     uint32
	// StrideBytes of 0 skips the stride check on header rings only.
	StrideBytes uint32
	PoolID      uint16
	RegionType  schema.RegionType
}

// HeaderRing returns the expectation for a stream's header ring.
func HeaderRing(layoutVersion uint32, epoch uint64, streamID, nslots, slotBytes uint32) Expected {
	return Expected{
		LayoutVersion: layoutVersion,
		Epoch:         epoch,
		StreamID:      streamID,
		Nslots:        nslots,
		SlotBytes:     slotBytes,
		RegionType:    schema.RegionHeaderRing,
	}
}

// PayloadPool returns the expectation for one payload pool. Payload
// superblocks carry the stride in both slotBytes and strideBytes.
func PayloadPool(layoutVersion uint32, epoch uint64, streamID uint32, p schema.PoolInfo) Expected {
	return Expected{
		LayoutVersion: layoutVersion,
		Epoch:         epoch,
		StreamID:      streamID,
		Nslots:        p.Nslots,
		SlotBytes:     p.StrideBytes,
		StrideBytes:   p.StrideBytes,
		PoolID:        p.PoolID,
		RegionType:    schema.RegionPayloadPool,
	}
}

// Superblock builds the record a region writer stores for e.
func (e Expected) Superblock() schema.Superblock {
	return schema.Superblock{
		Magic:         schema.SuperblockMagic,
		LayoutVersion: e.LayoutVersion,
		StreamID:      e.StreamID,
		Epoch:         e.Epoch,
		Nslots:        e.Nslots,
		SlotBytes:     e.SlotBytes,
		StrideBytes:   e.StrideBytes,
		PoolID:        e.PoolID,
		RegionType:    e.RegionType,
	}
}

// RegionSize is the mapped size a region with this geometry needs.
func (e Expected) RegionSize() int {
	return RegionSize(e.Nslots, e.SlotBytes)
}

// RegionSize is superblock plus nslots fixed-size slots.
func RegionSize(nslots, slotBytes uint32) int {
	return schema.SuperblockSize + int(nslots)*int(slotBytes)
}

// ValidateSuperblock decodes the superblock at offset 0 of mapping and
// compares it field by field against want.
func ValidateSuperblock(mapping []byte, want Expected) error {
	sb, err := schema.DecodeSuperblock(mapping)
	if err != nil {
		return err
	}
	if sb.Magic != schema.SuperblockMagic {
		return fmt.Errorf("%w: got=%#x", ErrBadMagic, sb.Magic)
	}
	checks := []struct {
		field     string
		got, want uint64
	}{
		{"layoutVersion", uint64(sb.LayoutVersion), uint64(want.LayoutVersion)},
		{"epoch", sb.Epoch, want.Epoch},
		{"streamId", uint64(sb.StreamID), uint64(want.StreamID)},
		{"nslots", uint64(sb.Nslots), uint64(want.Nslots)},
		{"slotBytes", uint64(sb.SlotBytes), uint64(want.SlotBytes)},
		{"poolId", uint64(sb.PoolID), uint64(want.PoolID)},
		{"regionType", uint64(sb.RegionType), uint64(want.RegionType)},
	}
	if !(want.RegionType == schema.RegionHeaderRing && want.StrideBytes == 0) {
		checks = append(checks, struct {
			field     string
			got, want uint64
		}{"strideBytes", uint64(sb.StrideBytes), uint64(want.StrideBytes)})
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%w: %s got=%d want=%d", ErrSuperblockMismatch, c.field, c.got, c.want)
		}
	}
	if need := want.RegionSize(); len(mapping) < need {
		return fmt.Errorf("%w: need %d bytes, mapped %d", ErrRegionTooSmall, need, len(mapping))
	}
	return nil
}

// ValidateStrideBytes checks a payload pool stride. Hugepage-backed pools
// are refused unless the caller supports them.
func ValidateStrideBytes(stride uint32, requireHugepages, hugepagesSupported bool) error {
	if requireHugepages && !hugepagesSupported {
		return fmt.Errorf("%w: stride=%d", ErrHugepages, stride)
	}
	if stride == 0 {
		return fmt.Errorf("%w: stride must be non-zero", ErrInvalidStride)
	}
	if !requireHugepages && stride > MaxStrideBytes {
		return fmt.Errorf("%w: stride=%d exceeds %d", ErrInvalidStride, stride, MaxStrideBytes)
	}
	return nil
}
