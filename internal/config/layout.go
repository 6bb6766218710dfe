package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/wire"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/pelletier/go-toml/v2"
)

// Layout describes the regions of one stream epoch.
type Layout struct {
	Dir             string       `toml:"dir"`
	StreamID        uint32       `toml:"stream_id"`
	Epoch           uint64       `toml:"epoch"`
	LayoutVersion   uint32       `toml:"layout_version"`
	HeaderNslots    uint32       `toml:"header_nslots"`
	HeaderSlotBytes uint32       `toml:"header_slot_bytes"`
	Hugepages       bool         `toml:"hugepages"`
	Pools           []PoolLayout `toml:"pools"`
}

// PoolLayout is one payload pool. Pools always have HeaderNslots slots.
type PoolLayout struct {
	ID          uint16 `toml:"id"`
	StrideBytes uint32 `toml:"stride_bytes"`
}

// MinHeaderSlotBytes fits a slot header carrying one encoded tensor header.
const MinHeaderSlotBytes = schema.SlotHeaderBlockLength + wire.VarLengthPrefix + schema.TensorHeaderLength

func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("layout load failed (%s): %w", path, err)
	}
	l, err := ParseLayout(data)
	if err != nil {
		return Layout{}, fmt.Errorf("layout %s: %w", path, err)
	}
	if !filepath.IsAbs(l.Dir) {
		l.Dir = filepath.Join(filepath.Dir(path), l.Dir)
	}
	return l, nil
}

// ParseLayout decodes a layout, refusing keys it does not know.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Layout{}, fmt.Errorf("layout parse failed: %w: %s", protocol.ErrArg, strict.String())
		}
		return Layout{}, fmt.Errorf("layout parse failed: %w: %w", protocol.ErrArg, err)
	}
	if l.LayoutVersion == 0 {
		l.LayoutVersion = 1
	}
	if l.Epoch == 0 {
		l.Epoch = 1
	}
	if err := ValidateLayout(l); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func ValidateLayout(l Layout) error {
	if l.HeaderNslots == 0 || l.HeaderNslots&(l.HeaderNslots-1) != 0 {
		return fmt.Errorf("layout header_nslots=%d must be a power of two: %w", l.HeaderNslots, protocol.ErrArg)
	}
	if l.HeaderSlotBytes%8 != 0 || l.HeaderSlotBytes < uint32(MinHeaderSlotBytes) {
		return fmt.Errorf("layout header_slot_bytes=%d must be a multiple of 8 and at least %d: %w",
			l.HeaderSlotBytes, MinHeaderSlotBytes, protocol.ErrArg)
	}
	if len(l.Pools) == 0 {
		return fmt.Errorf("layout needs at least one pool: %w", protocol.ErrArg)
	}
	seen := make(map[uint16]bool, len(l.Pools))
	for i, p := range l.Pools {
		if seen[p.ID] {
			return fmt.Errorf("pool[%d] duplicate id %d: %w", i, p.ID, protocol.ErrArg)
		}
		seen[p.ID] = true
		if err := shm.ValidateStrideBytes(p.StrideBytes, l.Hugepages, l.Hugepages); err != nil {
			return fmt.Errorf("pool[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func (l Layout) HeaderPath() string {
	return filepath.Join(l.Dir, shm.HeaderFileName(l.StreamID, l.Epoch))
}

func (l Layout) PoolPath(id uint16) string {
	return filepath.Join(l.Dir, shm.PoolFileName(l.StreamID, l.Epoch, id))
}

func (l Layout) HeaderURI() string {
	return shm.URI{Path: l.HeaderPath()}.String()
}

// PoolInfos is the pool list as a driver advertises it.
func (l Layout) PoolInfos() []schema.PoolInfo {
	out := make([]schema.PoolInfo, 0, len(l.Pools))
	for _, p := range l.Pools {
		out = append(out, schema.PoolInfo{
			PoolID:      p.ID,
			Nslots:      l.HeaderNslots,
			StrideBytes: p.StrideBytes,
			RegionURI:   shm.URI{Path: l.PoolPath(p.ID), RequireHugepages: l.Hugepages}.String(),
		})
	}
	return out
}

// Create writes every region file. On failure the regions already made
// are unmapped and removed.
func (l Layout) Create() ([]*shm.Mapping, error) {
	if !filepath.IsAbs(l.Dir) {
		return nil, fmt.Errorf("layout dir %q must be absolute: %w", l.Dir, protocol.ErrArg)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("layout dir: %w: %w", protocol.ErrIO, err)
	}
	var maps []*shm.Mapping
	fail := func(err error) ([]*shm.Mapping, error) {
		for _, m := range maps {
			_ = m.Unmap()
			_ = os.Remove(m.Path())
		}
		return nil, err
	}
	m, err := shm.CreateRegion(l.HeaderPath(), shm.HeaderRing(l.LayoutVersion, l.Epoch, l.StreamID, l.HeaderNslots, l.HeaderSlotBytes))
	if err != nil {
		return fail(err)
	}
	maps = append(maps, m)
	for _, p := range l.PoolInfos() {
		m, err := shm.CreateRegion(l.PoolPath(p.PoolID), shm.PayloadPool(l.LayoutVersion, l.Epoch, l.StreamID, p))
		if err != nil {
			return fail(err)
		}
		maps = append(maps, m)
	}
	return maps, nil
}
