package shm

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

// RegionInfo is what an operator sees of a region without attaching.
type RegionInfo struct {
	URI        string            `json:"uri" toml:"uri"`
	Path       string            `json:"path" toml:"path"`
	Size       int               `json:"size" toml:"size"`
	Superblock schema.Superblock `json:"superblock" toml:"superblock"`
	// Complete is false when the file is shorter than its superblock
	// geometry says.
	Complete bool `json:"complete" toml:"complete"`
}

// Inspect maps the region at uri read-only and decodes its superblock.
// It checks the magic but no stream identity.
func Inspect(uri string, hugepagesSupported bool) (RegionInfo, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return RegionInfo{}, err
	}
	if err := u.CheckSupport(hugepagesSupported); err != nil {
		return RegionInfo{}, err
	}
	m, err := Map(u.Path, 0, false)
	if err != nil {
		return RegionInfo{}, err
	}
	defer m.Unmap()
	if magic := binary.LittleEndian.Uint64(m.Bytes()); magic != schema.SuperblockMagic {
		return RegionInfo{}, fmt.Errorf("%w: %s magic=%#x", ErrBadMagic, u.Path, magic)
	}
	sb, err := m.Superblock()
	if err != nil {
		return RegionInfo{}, err
	}
	return RegionInfo{
		URI:        uri,
		Path:       u.Path,
		Size:       m.Len(),
		Superblock: sb,
		Complete:   m.Len() >= RegionSize(sb.Nslots, sb.SlotBytes),
	}, nil
}
