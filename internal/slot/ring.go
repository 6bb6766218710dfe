package slot

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/shm"
)

// MinSlotBytes is the smallest header slot that can hold a slot header
// with an embedded tensor header.
const MinSlotBytes = schema.SlotHeaderBlockLength + 4 + schema.TensorHeaderLength

// HeaderRing is a view over a mapped header ring region.
type HeaderRing struct {
	region    []byte
	nslots    uint32
	slotBytes uint32
	mask      uint64

	// afterDecode runs between the two commit loads of Read. Tests use it
	// to simulate a writer racing the reader.
	afterDecode func(index uint32)
}

// NewHeaderRing checks the geometry and wraps region. nslots must be a
// power of two and slotBytes a multiple of 8 large enough for a header.
func NewHeaderRing(region []byte, nslots, slotBytes uint32) (*HeaderRing, error) {
	if nslots == 0 || bits.OnesCount32(nslots) != 1 {
		return nil, fmt.Errorf("%w: nslots=%d is not a power of two", ErrGeometry, nslots)
	}
	if slotBytes%8 != 0 || slotBytes < MinSlotBytes {
		return nil, fmt.Errorf("%w: slotBytes=%d (multiple of 8, min %d)", ErrGeometry, slotBytes, MinSlotBytes)
	}
	if need := shm.RegionSize(nslots, slotBytes); len(region) < need {
		return nil, fmt.Errorf("%w: region is %d bytes, need %d", ErrGeometry, len(region), need)
	}
	return &HeaderRing{region: region, nslots: nslots, slotBytes: slotBytes, mask: uint64(nslots - 1)}, nil
}

func (r *HeaderRing) Nslots() uint32    { return r.nslots }
func (r *HeaderRing) SlotBytes() uint32 { return r.slotBytes }

// Index maps a sequence number to its ring slot.
func (r *HeaderRing) Index(seq uint64) uint32 {
	return uint32(seq & r.mask)
}

func (r *HeaderRing) offset(index uint32) int {
	return schema.SuperblockSize + int(index)*int(r.slotBytes)
}

// Slot returns the raw bytes of header slot index.
func (r *HeaderRing) Slot(index uint32) []byte {
	off := r.offset(index)
	return r.region[off : off+int(r.slotBytes) : off+int(r.slotBytes)]
}

func (r *HeaderRing) word(index uint32) *uint64 {
	return shm.WordAt(r.region, r.offset(index))
}

// LoadCommit reads the commit word of slot index.
func (r *HeaderRing) LoadCommit(index uint32) uint64 {
	return atomic.LoadUint64(r.word(index))
}

// Claim marks the slot for seq as in progress and returns its index.
func (r *HeaderRing) Claim(seq uint64) uint32 {
	index := r.Index(seq)
	atomic.StoreUint64(r.word(index), seq<<1|1)
	return index
}

// WriteHeader encodes h into the body of a claimed slot.
func (r *HeaderRing) WriteHeader(index uint32, h *schema.SlotHeader) error {
	_, err := h.Encode(r.Slot(index))
	return err
}

// Commit publishes seq in slot index to readers.
func (r *HeaderRing) Commit(index uint32, seq uint64) {
	atomic.StoreUint64(r.word(index), seq<<1)
}

// Read decodes the frame header in slot index if it still holds
// expectedSeq. It returns ErrNotReady for an in-progress or torn slot,
// ErrFrameMissed when the ring has moved past expectedSeq, and a protocol
// error when a stable slot does not decode.
func (r *HeaderRing) Read(index uint32, expectedSeq uint64) (schema.SlotHeader, schema.TensorHeader, error) {
	if index >= r.nslots {
		return schema.SlotHeader{}, schema.TensorHeader{}, fmt.Errorf("%w: header index %d >= nslots %d", ErrGeometry, index, r.nslots)
	}
	begin := r.LoadCommit(index)
	if begin&1 != 0 {
		return schema.SlotHeader{}, schema.TensorHeader{}, ErrNotReady
	}

	sh, _, decodeErr := schema.DecodeSlotHeader(r.Slot(index))
	var th schema.TensorHeader
	if decodeErr == nil {
		th, _, decodeErr = schema.DecodeTensorHeader(sh.HeaderBytes, 0)
	}
	sh.HeaderBytes = nil
	if r.afterDecode != nil {
		r.afterDecode(index)
	}

	end := r.LoadCommit(index)
	if begin != end || end&1 != 0 {
		return schema.SlotHeader{}, schema.TensorHeader{}, ErrNotReady
	}
	if got := end >> 1; got != expectedSeq {
		return schema.SlotHeader{}, schema.TensorHeader{}, fmt.Errorf("%w: slot %d holds seq %d, want %d", ErrFrameMissed, index, got, expectedSeq)
	}
	if decodeErr != nil {
		return schema.SlotHeader{}, schema.TensorHeader{}, decodeErr
	}
	sh.SeqCommit = end
	return sh, th, nil
}
