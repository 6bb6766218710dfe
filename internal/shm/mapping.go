package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

// Mapping is one mapped region file. Slices handed out by Bytes alias the
// mapping and must not be used after Unmap.
type Mapping struct {
	path     string
	data     []byte
	writable bool
}

func (m *Mapping) Path() string   { return m.path }
func (m *Mapping) Bytes() []byte  { return m.data }
func (m *Mapping) Len() int       { return len(m.data) }
func (m *Mapping) Writable() bool { return m.writable }
func (m *Mapping) Mapped() bool   { return m != nil && m.data != nil }

// Unmap releases the mapping. It is safe to call more than once.
func (m *Mapping) Unmap() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := munmap(data); err != nil {
		return fmt.Errorf("%w: munmap %s: %w", ErrMapFailed, m.path, err)
	}
	return nil
}

// Word returns the 8-byte aligned word at offset for atomic access.
func (m *Mapping) Word(offset int) *uint64 {
	return WordAt(m.data, offset)
}

// WordAt returns the aligned u64 at offset in b. Region mappings are page
// aligned, so every 8-byte aligned offset within them is too.
func WordAt(b []byte, offset int) *uint64 {
	if offset%8 != 0 || offset < 0 || offset+8 > len(b) {
		panic(fmt.Sprintf("shm: unaligned or out of range word offset=%d len=%d", offset, len(b)))
	}
	return (*uint64)(unsafe.Pointer(&b[offset]))
}

// TouchActivity refreshes the superblock liveness timestamp.
func (m *Mapping) TouchActivity(nowNs uint64) {
	atomic.StoreUint64(m.Word(schema.ActivityTimestampOffset), nowNs)
}

// ActivityTimestamp reads the superblock liveness timestamp.
func (m *Mapping) ActivityTimestamp() uint64 {
	return atomic.LoadUint64(m.Word(schema.ActivityTimestampOffset))
}

// Superblock decodes the region's superblock.
func (m *Mapping) Superblock() (schema.Superblock, error) {
	if !m.Mapped() {
		return schema.Superblock{}, ErrUnmapped
	}
	return schema.DecodeSuperblock(m.data)
}

// Open parses uri, maps the region and validates it against want. The
// mapping is released on every failure path.
func Open(uri string, want Expected, writable, hugepagesSupported bool) (*Mapping, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if err := u.CheckSupport(hugepagesSupported); err != nil {
		return nil, err
	}
	m, err := Map(u.Path, want.RegionSize(), writable)
	if err != nil {
		return nil, err
	}
	if err := ValidateSuperblock(m.data, want); err != nil {
		_ = m.Unmap()
		return nil, err
	}
	return m, nil
}
