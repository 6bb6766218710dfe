package slot

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/shm"
)

// PayloadPool is a view over a mapped payload pool region.
type PayloadPool struct {
	info   schema.PoolInfo
	region []byte
}

// NewPayloadPool checks that region covers info's geometry.
func NewPayloadPool(region []byte, info schema.PoolInfo) (*PayloadPool, error) {
	if info.Nslots == 0 || info.StrideBytes == 0 {
		return nil, fmt.Errorf("%w: pool %d nslots=%d stride=%d", ErrGeometry, info.PoolID, info.Nslots, info.StrideBytes)
	}
	if need := shm.RegionSize(info.Nslots, info.StrideBytes); len(region) < need {
		return nil, fmt.Errorf("%w: pool %d region is %d bytes, need %d", ErrGeometry, info.PoolID, len(region), need)
	}
	return &PayloadPool{info: info, region: region}, nil
}

func (p *PayloadPool) ID() uint16            { return p.info.PoolID }
func (p *PayloadPool) Nslots() uint32        { return p.info.Nslots }
func (p *PayloadPool) StrideBytes() uint32   { return p.info.StrideBytes }
func (p *PayloadPool) Info() schema.PoolInfo { return p.info }

// Slot returns the writable stride for payload slot i.
func (p *PayloadPool) Slot(i uint32) ([]byte, error) {
	if i >= p.info.Nslots {
		return nil, fmt.Errorf("%w: pool %d slot %d >= nslots %d", ErrPayloadRange, p.info.PoolID, i, p.info.Nslots)
	}
	off := schema.SuperblockSize + int(i)*int(p.info.StrideBytes)
	end := off + int(p.info.StrideBytes)
	return p.region[off:end:end], nil
}

// View returns a zero-copy view of length bytes at offset in slot i.
func (p *PayloadPool) View(i, offset, length uint32) ([]byte, error) {
	s, err := p.Slot(i)
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(length) > uint64(len(s)) {
		return nil, fmt.Errorf("%w: pool %d slot %d offset=%d len=%d stride=%d",
			ErrPayloadRange, p.info.PoolID, i, offset, length, p.info.StrideBytes)
	}
	return s[offset : offset+length : offset+length], nil
}

// SmallestFit picks the pool with the smallest stride that holds n bytes.
func SmallestFit(pools []*PayloadPool, n int) (*PayloadPool, error) {
	var best *PayloadPool
	for _, p := range pools {
		if int(p.info.StrideBytes) < n {
			continue
		}
		if best == nil || p.info.StrideBytes < best.info.StrideBytes {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoPoolFits, n)
	}
	return best, nil
}

// FindPool returns the pool with the given id.
func FindPool(pools []*PayloadPool, id uint16) (*PayloadPool, error) {
	for _, p := range pools {
		if p.info.PoolID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: id=%d", ErrUnknownPool, id)
}
