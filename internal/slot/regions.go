package slot

import (
	"errors"
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/rs/zerolog/log"
)

// Regions is the header ring and payload pools of one attach.
type Regions struct {
	Ring  *HeaderRing
	Pools []*PayloadPool

	header   *shm.Mapping
	poolMaps []*shm.Mapping
}

// OpenRegions maps and validates every region resp names. Pools must be
// co-indexed with the ring. On error nothing stays mapped.
func OpenRegions(resp schema.AttachResponse, writable, hugepagesSupported bool) (*Regions, error) {
	if resp.MaxDims > schema.MaxDims {
		return nil, fmt.Errorf("%w: maxDims=%d exceeds %d", ErrGeometry, resp.MaxDims, schema.MaxDims)
	}
	if len(resp.Pools) == 0 {
		return nil, fmt.Errorf("%w: attach response has no payload pools", ErrGeometry)
	}
	r := &Regions{}
	ok := false
	defer func() {
		if !ok {
			_ = r.Close()
		}
	}()

	want := shm.HeaderRing(resp.LayoutVersion, resp.Epoch, resp.StreamID, resp.HeaderNslots, resp.HeaderSlotBytes)
	m, err := shm.Open(resp.HeaderRegionURI, want, writable, hugepagesSupported)
	if err != nil {
		return nil, fmt.Errorf("slot: header region: %w", err)
	}
	r.header = m
	if r.Ring, err = NewHeaderRing(m.Bytes(), resp.HeaderNslots, resp.HeaderSlotBytes); err != nil {
		return nil, err
	}

	for _, info := range resp.Pools {
		if info.Nslots != resp.HeaderNslots {
			return nil, fmt.Errorf("%w: pool %d nslots=%d, header nslots=%d", ErrGeometry, info.PoolID, info.Nslots, resp.HeaderNslots)
		}
		u, err := shm.ParseURI(info.RegionURI)
		if err != nil {
			return nil, fmt.Errorf("slot: pool %d: %w", info.PoolID, err)
		}
		if err := shm.ValidateStrideBytes(info.StrideBytes, u.RequireHugepages, hugepagesSupported); err != nil {
			return nil, fmt.Errorf("slot: pool %d: %w", info.PoolID, err)
		}
		pm, err := shm.Open(info.RegionURI, shm.PayloadPool(resp.LayoutVersion, resp.Epoch, resp.StreamID, info), writable, hugepagesSupported)
		if err != nil {
			return nil, fmt.Errorf("slot: pool %d region: %w", info.PoolID, err)
		}
		r.poolMaps = append(r.poolMaps, pm)
		pool, err := NewPayloadPool(pm.Bytes(), info)
		if err != nil {
			return nil, err
		}
		r.Pools = append(r.Pools, pool)
	}
	ok = true
	log.Debug().Msgf("slot.OpenRegions stream=%d epoch=%d nslots=%d pools=%d writable=%t",
		resp.StreamID, resp.Epoch, resp.HeaderNslots, len(r.Pools), writable)
	return r, nil
}

// Header is the header ring mapping.
func (r *Regions) Header() *shm.Mapping { return r.header }

// Close unmaps every region. It is safe to call more than once.
func (r *Regions) Close() error {
	var errs []error
	if r.header != nil {
		errs = append(errs, r.header.Unmap())
	}
	for _, m := range r.poolMaps {
		errs = append(errs, m.Unmap())
	}
	r.Ring = nil
	r.Pools = nil
	return errors.Join(errs...)
}
