package slot

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
)

func createStream(t *testing.T) schema.AttachResponse {
	t.Helper()
	dir := t.TempDir()
	resp := schema.AttachResponse{
		StreamID:        10000,
		Epoch:           3,
		LayoutVersion:   1,
		HeaderNslots:    testNslots,
		HeaderSlotBytes: testSlotBytes,
		MaxDims:         schema.MaxDims,
	}
	headerPath := filepath.Join(dir, "header.shm")
	hm, err := shm.CreateRegion(headerPath, shm.HeaderRing(1, 3, 10000, testNslots, testSlotBytes))
	if err != nil {
		t.Fatalf("create header: %v", err)
	}
	_ = hm.Unmap()
	resp.HeaderRegionURI = shm.FileURI(headerPath)

	info := schema.PoolInfo{PoolID: 1, Nslots: testNslots, StrideBytes: testStride}
	poolPath := filepath.Join(dir, "pool-1.shm")
	pm, err := shm.CreateRegion(poolPath, shm.PayloadPool(1, 3, 10000, info))
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	_ = pm.Unmap()
	info.RegionURI = shm.FileURI(poolPath)
	resp.Pools = []schema.PoolInfo{info}
	return resp
}

func TestOpenRegionsSharesMemory(t *testing.T) {
	testlog.Start(t)
	resp := createStream(t)
	w, err := OpenRegions(resp, true, false)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	r, err := OpenRegions(resp, false, false)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	payload, err := w.Pools[0].Slot(writeFrame(t, w.Ring, 5, testTensor()))
	if err != nil {
		t.Fatalf("payload slot: %v", err)
	}
	copy(payload, "shared")

	sh, _, err := r.Ring.Read(5, 5)
	if err != nil {
		t.Fatalf("reader Read: %v", err)
	}
	v, err := r.Pools[0].View(sh.PayloadSlot, 0, 6)
	if err != nil || string(v) != "shared" {
		t.Fatalf("reader view got=%q err=%v", v, err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if w.Header().Mapped() {
		t.Fatalf("header still mapped after Close")
	}
}

func TestOpenRegionsRejectsMismatch(t *testing.T) {
	testlog.Start(t)
	resp := createStream(t)

	stale := resp
	stale.Epoch = 4
	if _, err := OpenRegions(stale, false, false); !errors.Is(err, shm.ErrSuperblockMismatch) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("stale epoch err=%v", err)
	}

	uneven := resp
	uneven.Pools = []schema.PoolInfo{resp.Pools[0]}
	uneven.Pools[0].Nslots = testNslots * 2
	if _, err := OpenRegions(uneven, false, false); !errors.Is(err, ErrGeometry) {
		t.Fatalf("pool nslots err=%v", err)
	}

	huge := resp
	huge.Pools = []schema.PoolInfo{resp.Pools[0]}
	huge.Pools[0].RegionURI += "|require_hugepages=true"
	if _, err := OpenRegions(huge, false, false); !errors.Is(err, protocol.ErrUnsupported) {
		t.Fatalf("hugepages pool err=%v", err)
	}

	none := resp
	none.Pools = nil
	if _, err := OpenRegions(none, false, false); !errors.Is(err, ErrGeometry) {
		t.Fatalf("no pools err=%v", err)
	}
}
