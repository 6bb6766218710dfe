package schema

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/protocol/wire"
)

// TensorHeader describes the shape of one frame. It travels as a nested
// message inside SlotHeader.HeaderBytes.
type TensorHeader struct {
	Dtype               Dtype
	MajorOrder          MajorOrder
	NDims               uint8
	PadAlign            uint8
	ProgressUnit        ProgressUnit
	ProgressStrideBytes uint32
	Dims                [MaxDims]uint32
	Strides             [MaxDims]uint32
}

var tensorHeaderLayout = controlLayout("tensorHeader", TemplateTensorHeader, 76)

var (
	thDtype          = wire.EnumField[Dtype]{Offset: 0}
	thMajorOrder     = wire.EnumField[MajorOrder]{Offset: 1}
	thNDims          = wire.Field[uint8]{Offset: 2}
	thPadAlign       = wire.Field[uint8]{Offset: 3}
	thProgressUnit   = wire.EnumField[ProgressUnit]{Offset: 4}
	thProgressStride = wire.Field[uint32]{Offset: 8}
	thDims           = wire.ArrayField[uint32]{Offset: 12, Length: MaxDims}
	thStrides        = wire.ArrayField[uint32]{Offset: 44, Length: MaxDims}
)

// TensorHeaderLength is the encoded size including the message header.
const TensorHeaderLength = wire.HeaderLength + 76

func (m *TensorHeader) EncodedLength() int { return TensorHeaderLength }

// Validate checks the rules a decoder enforces beyond enum ranges.
func (m *TensorHeader) Validate() error {
	if m.NDims > MaxDims {
		return ValidationError{Message: tensorHeaderLayout.Name, Field: "ndims",
			Reason: fmt.Sprintf("%d exceeds max %d", m.NDims, MaxDims)}
	}
	return nil
}

// ValuesLen is the dense byte size implied by dims and dtype, or 0 when the
// dtype has no fixed element width.
func (m *TensorHeader) ValuesLen() int {
	size := m.Dtype.Size()
	if size == 0 || m.NDims == 0 {
		return 0
	}
	n := size
	for i := 0; i < int(m.NDims); i++ {
		n *= int(m.Dims[i])
	}
	return n
}

func (m *TensorHeader) Encode(buf []byte, offset int) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	return encodeMessage(buf, offset, tensorHeaderLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		thDtype.Put(b, m.Dtype)
		thMajorOrder.Put(b, m.MajorOrder)
		thNDims.Put(b, m.NDims)
		thPadAlign.Put(b, m.PadAlign)
		thProgressUnit.Put(b, m.ProgressUnit)
		thProgressStride.Put(b, m.ProgressStrideBytes)
		if err := thDims.Write(b, m.Dims[:]); err != nil {
			return err
		}
		return thStrides.Write(b, m.Strides[:])
	})
}

func DecodeTensorHeader(buf []byte, offset int) (TensorHeader, int, error) {
	var m TensorHeader
	n, err := decodeMessage(buf, offset, tensorHeaderLayout, func(c *wire.Codec, b wire.Block) error {
		var err error
		if m.Dtype, err = thDtype.Get(b); err != nil {
			return err
		}
		if m.MajorOrder, err = thMajorOrder.Get(b); err != nil {
			return err
		}
		if m.ProgressUnit, err = thProgressUnit.Get(b); err != nil {
			return err
		}
		m.NDims = thNDims.Get(b)
		m.PadAlign = thPadAlign.Get(b)
		m.ProgressStrideBytes = thProgressStride.Get(b)
		thDims.Read(b, m.Dims[:])
		thStrides.Read(b, m.Strides[:])
		return m.Validate()
	})
	return m, n, err
}

// SlotHeader is the record stored in a header ring slot. It is written raw
// (no message header) so the commit word stays at byte 0 of the slot.
// Encode never touches SeqCommit; the ring owns that word.
type SlotHeader struct {
	SeqCommit      uint64
	ValuesLenBytes uint32
	PayloadSlot    uint32
	PayloadOffset  uint32
	PoolID         uint16
	TimestampNs    uint64
	MetaVersion    uint32
	// HeaderBytes aliases the slot memory after decode.
	HeaderBytes []byte
}

// SlotHeaderBlockLength is the fixed part of a slot, commit word included.
const SlotHeaderBlockLength = 40

var (
	shSeqCommit   = wire.Field[uint64]{Offset: 0}
	shValuesLen   = wire.Field[uint32]{Offset: 8}
	shPayloadSlot = wire.Field[uint32]{Offset: 12}
	shPayloadOff  = wire.Field[uint32]{Offset: 16}
	shPoolID      = wire.Field[uint16]{Offset: 20}
	shTimestamp   = wire.Field[uint64]{Offset: 24}
	shMetaVersion = wire.Field[uint32]{Offset: 32}
)

func (m *SlotHeader) EncodedLength() int {
	return SlotHeaderBlockLength + VarLen(len(m.HeaderBytes))
}

// Encode writes the record at the start of slot and returns its length.
func (m *SlotHeader) Encode(slot []byte) (int, error) {
	if m.EncodedLength() > len(slot) {
		return 0, fmt.Errorf("%w: slotHeader needs %d bytes, slot has %d", wire.ErrBufferTooShort, m.EncodedLength(), len(slot))
	}
	c, err := wire.WrapForEncode(slot, 0, wire.Layout{Name: "slotHeader", BlockLength: SlotHeaderBlockLength})
	if err != nil {
		return 0, err
	}
	b := c.Root()
	clear(b.Bytes()[8:])
	shValuesLen.Put(b, m.ValuesLenBytes)
	shPayloadSlot.Put(b, m.PayloadSlot)
	shPayloadOff.Put(b, m.PayloadOffset)
	shPoolID.Put(b, m.PoolID)
	shTimestamp.Put(b, m.TimestampNs)
	shMetaVersion.Put(b, m.MetaVersion)
	if err := c.PutVarData(m.HeaderBytes); err != nil {
		return 0, err
	}
	return c.Position(), nil
}

// DecodeSlotHeader reads the record at the start of slot.
func DecodeSlotHeader(slot []byte) (SlotHeader, int, error) {
	c, err := wire.WrapForDecode(slot, 0, SlotHeaderBlockLength, ControlSchemaVersion)
	if err != nil {
		return SlotHeader{}, 0, err
	}
	b := c.Root()
	m := SlotHeader{
		SeqCommit:      shSeqCommit.Get(b),
		ValuesLenBytes: shValuesLen.Get(b),
		PayloadSlot:    shPayloadSlot.Get(b),
		PayloadOffset:  shPayloadOff.Get(b),
		PoolID:         shPoolID.Get(b),
		TimestampNs:    shTimestamp.Get(b),
		MetaVersion:    shMetaVersion.Get(b),
	}
	if m.HeaderBytes, err = c.VarData(); err != nil {
		return SlotHeader{}, 0, err
	}
	return m, c.Position(), nil
}

// SuperblockMagic spells "TOPLSHM1" when its bytes are read big-endian.
const SuperblockMagic uint64 = 0x544F504C53484D31

// SuperblockSize is the fixed header at offset 0 of every region.
const SuperblockSize = 64

// Superblock identifies and describes a shared-memory region.
type Superblock struct {
	Magic               uint64
	LayoutVersion       uint32
	StreamID            uint32
	Epoch               uint64
	Nslots              uint32
	SlotBytes           uint32
	StrideBytes         uint32
	PoolID              uint16
	RegionType          RegionType
	PID                 uint64
	StartTimestampNs    uint64
	ActivityTimestampNs uint64
}

var (
	sbMagic         = wire.Field[uint64]{Offset: 0}
	sbLayoutVersion = wire.Field[uint32]{Offset: 8}
	sbStreamID      = wire.Field[uint32]{Offset: 12}
	sbEpoch         = wire.Field[uint64]{Offset: 16}
	sbNslots        = wire.Field[uint32]{Offset: 24}
	sbSlotBytes     = wire.Field[uint32]{Offset: 28}
	sbStrideBytes   = wire.Field[uint32]{Offset: 32}
	sbPoolID        = wire.Field[uint16]{Offset: 36}
	sbRegionType    = wire.EnumField[RegionType]{Offset: 38}
	sbPID           = wire.Field[uint64]{Offset: 40}
	sbStartTime     = wire.Field[uint64]{Offset: 48}
	sbActivityTime  = wire.Field[uint64]{Offset: ActivityTimestampOffset}
)

// ActivityTimestampOffset lets the region writer refresh liveness atomically.
const ActivityTimestampOffset = 56

var superblockLayout = wire.Layout{Name: "shmRegionSuperblock", TemplateID: TemplateShmRegionSuperblock,
	SchemaID: ControlSchemaID, Version: ControlSchemaVersion, BlockLength: SuperblockSize}

// Encode writes the superblock at offset 0 of region.
func (m *Superblock) Encode(region []byte) error {
	c, err := wire.WrapForEncode(region, 0, superblockLayout)
	if err != nil {
		return err
	}
	b := c.Root()
	clear(b.Bytes())
	sbMagic.Put(b, m.Magic)
	sbLayoutVersion.Put(b, m.LayoutVersion)
	sbStreamID.Put(b, m.StreamID)
	sbEpoch.Put(b, m.Epoch)
	sbNslots.Put(b, m.Nslots)
	sbSlotBytes.Put(b, m.SlotBytes)
	sbStrideBytes.Put(b, m.StrideBytes)
	sbPoolID.Put(b, m.PoolID)
	sbRegionType.Put(b, m.RegionType)
	sbPID.Put(b, m.PID)
	sbStartTime.Put(b, m.StartTimestampNs)
	sbActivityTime.Put(b, m.ActivityTimestampNs)
	return nil
}

// DecodeSuperblock reads the superblock at offset 0 of region.
func DecodeSuperblock(region []byte) (Superblock, error) {
	c, err := wire.WrapForDecode(region, 0, SuperblockSize, ControlSchemaVersion)
	if err != nil {
		return Superblock{}, err
	}
	b := c.Root()
	m := Superblock{
		Magic:               sbMagic.Get(b),
		LayoutVersion:       sbLayoutVersion.Get(b),
		StreamID:            sbStreamID.Get(b),
		Epoch:               sbEpoch.Get(b),
		Nslots:              sbNslots.Get(b),
		SlotBytes:           sbSlotBytes.Get(b),
		StrideBytes:         sbStrideBytes.Get(b),
		PoolID:              sbPoolID.Get(b),
		PID:                 sbPID.Get(b),
		StartTimestampNs:    sbStartTime.Get(b),
		ActivityTimestampNs: sbActivityTime.Get(b),
	}
	if m.RegionType, err = sbRegionType.Get(b); err != nil {
		return Superblock{}, err
	}
	return m, nil
}
