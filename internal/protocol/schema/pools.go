package schema

import "github.com/danmuck/tensorpool/internal/protocol/wire"

// PoolInfo describes one payload pool region.
type PoolInfo struct {
	PoolID      uint16
	Nslots      uint32
	StrideBytes uint32
	RegionURI   string
}

var poolsGroup = wire.GroupLayout{Name: "payloadPools", BlockLength: 12, HasVarData: true}

var (
	poolIDField     = wire.Field[uint16]{Offset: 0}
	poolNslotsField = wire.Field[uint32]{Offset: 4}
	poolStrideField = wire.Field[uint32]{Offset: 8}
)

func poolsLength(pools []PoolInfo) int {
	n := wire.GroupHeaderLength
	for _, p := range pools {
		n += poolsGroup.BlockLength + VarLen(len(p.RegionURI))
	}
	return n
}

func encodePools(c *wire.Codec, pools []PoolInfo) error {
	g, err := c.EncodeGroup(poolsGroup, len(pools))
	if err != nil {
		return err
	}
	for _, p := range pools {
		b, err := g.Next()
		if err != nil {
			return err
		}
		clear(b.Bytes())
		poolIDField.Put(b, p.PoolID)
		poolNslotsField.Put(b, p.Nslots)
		poolStrideField.Put(b, p.StrideBytes)
		if err := c.PutVarString(p.RegionURI); err != nil {
			return err
		}
	}
	return nil
}

func decodePools(c *wire.Codec) ([]PoolInfo, error) {
	g, err := c.DecodeGroup(poolsGroup)
	if err != nil {
		return nil, err
	}
	pools := make([]PoolInfo, 0, g.Count())
	for g.HasNext() {
		b, err := g.Next()
		if err != nil {
			return nil, err
		}
		p := PoolInfo{
			PoolID:      poolIDField.Get(b),
			Nslots:      poolNslotsField.Get(b),
			StrideBytes: poolStrideField.Get(b),
		}
		if p.RegionURI, err = c.VarString(); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}
