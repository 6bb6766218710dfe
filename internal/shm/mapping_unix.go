//go:build unix

package shm

import (
	"fmt"
	"os"
	"time"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Map maps size bytes of the file at path. A size of 0 maps the whole file.
func Map(path string, size int, writable bool) (*Mapping, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMapFailed, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrMapFailed, path, err)
	}
	if size == 0 {
		size = int(info.Size())
	}
	if size < schema.SuperblockSize || int64(size) > info.Size() {
		return nil, fmt.Errorf("%w: %s is %d bytes, need %d", ErrRegionTooSmall, path, info.Size(), max(size, schema.SuperblockSize))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrMapFailed, path, err)
	}
	log.Debug().Msgf("shm.Map path=%q size=%d writable=%t", path, size, writable)
	return &Mapping{path: path, data: data, writable: writable}, nil
}

// CreateRegion creates (or truncates) the file at path, sizes it for e and
// writes the superblock. The returned mapping is writable.
func CreateRegion(path string, e Expected) (*Mapping, error) {
	if e.Nslots == 0 || e.SlotBytes == 0 {
		return nil, fmt.Errorf("shm: region %s needs nslots and slot bytes: %w", path, protocol.ErrArg)
	}
	size := e.RegionSize()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMapFailed, path, err)
	}
	defer f.Close()
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: ftruncate %s: %w", ErrMapFailed, path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrMapFailed, path, err)
	}
	now := uint64(time.Now().UnixNano())
	sb := e.Superblock()
	sb.PID = uint64(os.Getpid())
	sb.StartTimestampNs = now
	sb.ActivityTimestampNs = now
	if err := sb.Encode(data); err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	log.Info().
		Str("path", path).
		Str("region", e.RegionType.String()).
		Uint32("stream", e.StreamID).
		Uint64("epoch", e.Epoch).
		Int("size", size).
		Msg("shm region created")
	return &Mapping{path: path, data: data, writable: true}, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
