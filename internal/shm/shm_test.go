package shm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
	"github.com/maxatome/go-testdeep/td"
)

func exampleHeaderRing() Expected {
	return HeaderRing(1, 3, 10000, 1024, 256)
}

func encodedRegion(t *testing.T, e Expected) []byte {
	t.Helper()
	region := make([]byte, e.RegionSize())
	sb := e.Superblock()
	if err := sb.Encode(region); err != nil {
		t.Fatalf("encode superblock: %v", err)
	}
	return region
}

func TestValidateSuperblockExample(t *testing.T) {
	testlog.Start(t)
	region := encodedRegion(t, exampleHeaderRing())
	if err := ValidateSuperblock(region, exampleHeaderRing()); err != nil {
		t.Fatalf("matching superblock rejected: %v", err)
	}
	want := exampleHeaderRing()
	want.Epoch = 4
	err := ValidateSuperblock(region, want)
	if !errors.Is(err, ErrSuperblockMismatch) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected protocol mismatch for epoch 4, got %v", err)
	}
}

func TestValidateSuperblockEveryField(t *testing.T) {
	testlog.Start(t)
	base := PayloadPool(1, 3, 10000, schema.PoolInfo{PoolID: 1, Nslots: 8, StrideBytes: 4096})
	region := encodedRegion(t, base)
	if err := ValidateSuperblock(region, base); err != nil {
		t.Fatalf("matching superblock rejected: %v", err)
	}

	mutations := map[string]func(e *Expected){
		"layoutVersion": func(e *Expected) { e.LayoutVersion++ },
		"epoch":         func(e *Expected) { e.Epoch++ },
		"streamId":      func(e *Expected) { e.StreamID++ },
		"nslots":        func(e *Expected) { e.Nslots = 4 },
		"slotBytes":     func(e *Expected) { e.SlotBytes = 2048 },
		"strideBytes":   func(e *Expected) { e.StrideBytes = 2048 },
		"poolId":        func(e *Expected) { e.PoolID = 2 },
		"regionType":    func(e *Expected) { e.RegionType = schema.RegionHeaderRing },
	}
	for field, mutate := range mutations {
		want := base
		mutate(&want)
		err := ValidateSuperblock(region, want)
		if !errors.Is(err, protocol.ErrProtocol) {
			t.Fatalf("field=%s: expected protocol error, got %v", field, err)
		}
	}
}

func TestValidateSuperblockMagic(t *testing.T) {
	testlog.Start(t)
	region := encodedRegion(t, exampleHeaderRing())
	region[0] ^= 0xFF
	if err := ValidateSuperblock(region, exampleHeaderRing()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestValidateSuperblockStrideSkipOnlyForHeaderRing(t *testing.T) {
	testlog.Start(t)
	hdr := exampleHeaderRing()
	sb := hdr.Superblock()
	sb.StrideBytes = 512
	region := make([]byte, hdr.RegionSize())
	if err := sb.Encode(region); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ValidateSuperblock(region, hdr); err != nil {
		t.Fatalf("header ring with stride 0 should skip stride check: %v", err)
	}

	pool := PayloadPool(1, 3, 10000, schema.PoolInfo{PoolID: 1, Nslots: 8, StrideBytes: 4096})
	poolRegion := encodedRegion(t, pool)
	pool.StrideBytes = 0
	if err := ValidateSuperblock(poolRegion, pool); !errors.Is(err, ErrSuperblockMismatch) {
		t.Fatalf("payload pool stride 0 must not be a wildcard, got %v", err)
	}
}

func TestValidateSuperblockRegionTooSmall(t *testing.T) {
	testlog.Start(t)
	e := exampleHeaderRing()
	region := encodedRegion(t, e)
	if err := ValidateSuperblock(region[:len(region)-1], e); !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("expected ErrRegionTooSmall, got %v", err)
	}
	if err := ValidateSuperblock(region[:10], e); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected protocol error for truncated superblock, got %v", err)
	}
}

func TestParseURI(t *testing.T) {
	testlog.Start(t)
	u, err := ParseURI("shm:file?path=/dev/shm/x")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	td.Cmp(t, u, URI{Path: "/dev/shm/x"})

	u, err = ParseURI("shm:file?path=/dev/shm/x|require_hugepages=true")
	if err != nil {
		t.Fatalf("parse hugepages: %v", err)
	}
	td.Cmp(t, u, URI{Path: "/dev/shm/x", RequireHugepages: true})
	td.Cmp(t, u.String(), "shm:file?path=/dev/shm/x|require_hugepages=true")

	cases := map[string]error{
		"shm:file?path=/dev/shm/x|unknown=1":       ErrInvalidURI,
		"file?path=/dev/shm/x":                     ErrInvalidURI,
		"shm:file?path=dev/shm/x":                  ErrInvalidURI,
		"shm:file?name=/dev/shm/x":                 ErrInvalidURI,
		"shm:file?path=/x|require_hugepages=maybe": ErrInvalidURI,
		"": protocol.ErrArg,
	}
	for in, want := range cases {
		if _, err := ParseURI(in); !errors.Is(err, want) {
			t.Fatalf("uri=%q expected %v, got %v", in, want, err)
		}
	}
	_, err = ParseURI("shm:file?path=/dev/shm/x|unknown=1")
	td.Cmp(t, protocol.Category(err), protocol.ErrProtocol)
}

func TestCheckSupportHugepages(t *testing.T) {
	testlog.Start(t)
	u, err := ParseURI("shm:file?path=/dev/shm/x|require_hugepages=true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = u.CheckSupport(false)
	if !errors.Is(err, protocol.ErrUnsupported) || errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected unsupported only, got %v", err)
	}
	if err := u.CheckSupport(true); err != nil {
		t.Fatalf("supported caller rejected: %v", err)
	}
}

func TestValidateStrideBytes(t *testing.T) {
	testlog.Start(t)
	if err := ValidateStrideBytes(4096, false, false); err != nil {
		t.Fatalf("4096 rejected: %v", err)
	}
	if err := ValidateStrideBytes(0, false, false); !errors.Is(err, ErrInvalidStride) {
		t.Fatalf("expected ErrInvalidStride for 0, got %v", err)
	}
	if err := ValidateStrideBytes(4097, false, false); !errors.Is(err, ErrInvalidStride) {
		t.Fatalf("expected ErrInvalidStride for 4097, got %v", err)
	}
	if err := ValidateStrideBytes(2<<20, true, false); !errors.Is(err, protocol.ErrUnsupported) {
		t.Fatalf("expected unsupported for hugepages, got %v", err)
	}
	if err := ValidateStrideBytes(2<<20, true, true); err != nil {
		t.Fatalf("hugepage stride rejected with support: %v", err)
	}
}

func TestCreateOpenRegion(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tp-10000-header")
	e := HeaderRing(1, 3, 10000, 8, 256)
	w, err := CreateRegion(path, e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Unmap()

	r, err := Open(FileURI(path), e, false, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	td.Cmp(t, r.Len(), e.RegionSize())
	td.Cmp(t, r.Writable(), false)

	w.TouchActivity(12345)
	td.Cmp(t, r.ActivityTimestamp(), uint64(12345))

	sb, err := r.Superblock()
	if err != nil {
		t.Fatalf("superblock: %v", err)
	}
	td.Cmp(t, sb.RegionType, schema.RegionHeaderRing)
	td.Cmp(t, sb.Nslots, uint32(8))

	if err := r.Unmap(); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if err := r.Unmap(); err != nil {
		t.Fatalf("second unmap: %v", err)
	}
	if _, err := r.Superblock(); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped, got %v", err)
	}

	stale := e
	stale.Epoch = 2
	if _, err := Open(FileURI(path), stale, false, false); !errors.Is(err, ErrSuperblockMismatch) {
		t.Fatalf("expected mismatch for stale epoch, got %v", err)
	}
	if _, err := Open(FileURI(filepath.Join(t.TempDir(), "missing")), e, false, false); !errors.Is(err, protocol.ErrShm) {
		t.Fatalf("expected shm error for missing file, got %v", err)
	}
	bigger := HeaderRing(1, 3, 10000, 16, 256)
	if _, err := Open(FileURI(path), bigger, false, false); !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("expected ErrRegionTooSmall, got %v", err)
	}
}

func TestInspectRegion(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, PoolFileName(10000, 3, 2))
	pool := PayloadPool(1, 3, 10000, schema.PoolInfo{PoolID: 2, Nslots: 4, StrideBytes: 1024})
	w, err := CreateRegion(path, pool)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Unmap()

	info, err := Inspect(FileURI(path), false)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	td.Cmp(t, info.Path, path)
	td.Cmp(t, info.Size, pool.RegionSize())
	td.Cmp(t, info.Complete, true)
	td.Cmp(t, info.Superblock.RegionType, schema.RegionPayloadPool)
	td.Cmp(t, info.Superblock.PoolID, uint16(2))

	if _, err := Inspect(FileURI(path)+"|require_hugepages=true", false); !errors.Is(err, protocol.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if _, err := Inspect("shm:file?path=relative", false); !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("expected invalid uri, got %v", err)
	}
	junk := filepath.Join(dir, "junk")
	if err := os.WriteFile(junk, make([]byte, 128), 0o600); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := Inspect(FileURI(junk), false); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
}
