package schema

import "github.com/danmuck/tensorpool/internal/protocol/wire"

// PoolAnnounce advertises a producer's region geometry to consumers.
type PoolAnnounce struct {
	StreamID            uint32
	ProducerID          uint32
	Epoch               uint64
	AnnounceTimestampNs uint64
	LayoutVersion       uint32
	HeaderNslots        uint32
	HeaderSlotBytes     uint32
	MaxDims             uint8
	Pools               []PoolInfo
	HeaderRegionURI     string
}

var poolAnnounceLayout = controlLayout("shmPoolAnnounce", TemplateShmPoolAnnounce, 40)

var (
	annStreamID        = wire.Field[uint32]{Offset: 0}
	annProducerID      = wire.Field[uint32]{Offset: 4}
	annEpoch           = wire.Field[uint64]{Offset: 8}
	annTimestamp       = wire.Field[uint64]{Offset: 16}
	annLayoutVersion   = wire.Field[uint32]{Offset: 24}
	annHeaderNslots    = wire.Field[uint32]{Offset: 28}
	annHeaderSlotBytes = wire.Field[uint32]{Offset: 32}
	annMaxDims         = wire.Field[uint8]{Offset: 36}
)

func (m *PoolAnnounce) EncodedLength() int {
	return wire.HeaderLength + poolAnnounceLayout.BlockLength + poolsLength(m.Pools) + VarLen(len(m.HeaderRegionURI))
}

func (m *PoolAnnounce) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, poolAnnounceLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		annStreamID.Put(b, m.StreamID)
		annProducerID.Put(b, m.ProducerID)
		annEpoch.Put(b, m.Epoch)
		annTimestamp.Put(b, m.AnnounceTimestampNs)
		annLayoutVersion.Put(b, m.LayoutVersion)
		annHeaderNslots.Put(b, m.HeaderNslots)
		annHeaderSlotBytes.Put(b, m.HeaderSlotBytes)
		annMaxDims.Put(b, m.MaxDims)
		if err := encodePools(c, m.Pools); err != nil {
			return err
		}
		return c.PutVarString(m.HeaderRegionURI)
	})
}

func DecodePoolAnnounce(buf []byte, offset int) (PoolAnnounce, int, error) {
	var m PoolAnnounce
	n, err := decodeMessage(buf, offset, poolAnnounceLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = annStreamID.Get(b)
		m.ProducerID = annProducerID.Get(b)
		m.Epoch = annEpoch.Get(b)
		m.AnnounceTimestampNs = annTimestamp.Get(b)
		m.LayoutVersion = annLayoutVersion.Get(b)
		m.HeaderNslots = annHeaderNslots.Get(b)
		m.HeaderSlotBytes = annHeaderSlotBytes.Get(b)
		m.MaxDims = annMaxDims.Get(b)
		var err error
		if m.Pools, err = decodePools(c); err != nil {
			return err
		}
		m.HeaderRegionURI, err = c.VarString()
		return err
	})
	return m, n, err
}

// ConsumerConfig tells a consumer how to receive a stream.
type ConsumerConfig struct {
	StreamID           uint32
	ConsumerID         uint32
	UseShm             bool
	Mode               ConsumerMode
	DescriptorStreamID uint32
	ControlStreamID    uint32
	PayloadFallbackURI string
	DescriptorChannel  string
	ControlChannel     string
}

var consumerConfigLayout = controlLayout("consumerConfig", TemplateConsumerConfig, 20)

var (
	ccStreamID           = wire.Field[uint32]{Offset: 0}
	ccConsumerID         = wire.Field[uint32]{Offset: 4}
	ccUseShm             = wire.Field[uint8]{Offset: 8}
	ccMode               = wire.EnumField[ConsumerMode]{Offset: 9}
	ccDescriptorStreamID = wire.Field[uint32]{Offset: 12}
	ccControlStreamID    = wire.Field[uint32]{Offset: 16}
)

func (m *ConsumerConfig) EncodedLength() int {
	return wire.HeaderLength + consumerConfigLayout.BlockLength +
		VarLen(len(m.PayloadFallbackURI)) + VarLen(len(m.DescriptorChannel)) + VarLen(len(m.ControlChannel))
}

func (m *ConsumerConfig) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, consumerConfigLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		ccStreamID.Put(b, m.StreamID)
		ccConsumerID.Put(b, m.ConsumerID)
		var useShm uint8
		if m.UseShm {
			useShm = 1
		}
		ccUseShm.Put(b, useShm)
		ccMode.Put(b, m.Mode)
		ccDescriptorStreamID.Put(b, m.DescriptorStreamID)
		ccControlStreamID.Put(b, m.ControlStreamID)
		for _, s := range []string{m.PayloadFallbackURI, m.DescriptorChannel, m.ControlChannel} {
			if err := c.PutVarString(s); err != nil {
				return err
			}
		}
		return nil
	})
}

func DecodeConsumerConfig(buf []byte, offset int) (ConsumerConfig, int, error) {
	var m ConsumerConfig
	n, err := decodeMessage(buf, offset, consumerConfigLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = ccStreamID.Get(b)
		m.ConsumerID = ccConsumerID.Get(b)
		m.UseShm = ccUseShm.Get(b) == 1
		m.DescriptorStreamID = ccDescriptorStreamID.Get(b)
		m.ControlStreamID = ccControlStreamID.Get(b)
		var err error
		if m.Mode, err = ccMode.Get(b); err != nil {
			return err
		}
		for _, dst := range []*string{&m.PayloadFallbackURI, &m.DescriptorChannel, &m.ControlChannel} {
			if *dst, err = c.VarString(); err != nil {
				return err
			}
		}
		return nil
	})
	return m, n, err
}

// FrameDescriptor tells consumers which header slot holds a new frame.
type FrameDescriptor struct {
	StreamID    uint32
	HeaderIndex uint32
	Epoch       uint64
	Seq         uint64
	TimestampNs uint64
	MetaVersion uint32
}

var frameDescriptorLayout = controlLayout("frameDescriptor", TemplateFrameDescriptor, 36)

var (
	fdStreamID    = wire.Field[uint32]{Offset: 0}
	fdHeaderIndex = wire.Field[uint32]{Offset: 4}
	fdEpoch       = wire.Field[uint64]{Offset: 8}
	fdSeq         = wire.Field[uint64]{Offset: 16}
	fdTimestamp   = wire.Field[uint64]{Offset: 24}
	fdMetaVersion = wire.Field[uint32]{Offset: 32}
)

// FrameDescriptorLength is the fixed encoded size of a descriptor.
const FrameDescriptorLength = wire.HeaderLength + 36

func (m *FrameDescriptor) EncodedLength() int { return FrameDescriptorLength }

func (m *FrameDescriptor) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, frameDescriptorLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		fdStreamID.Put(b, m.StreamID)
		fdHeaderIndex.Put(b, m.HeaderIndex)
		fdEpoch.Put(b, m.Epoch)
		fdSeq.Put(b, m.Seq)
		fdTimestamp.Put(b, m.TimestampNs)
		fdMetaVersion.Put(b, m.MetaVersion)
		return nil
	})
}

func DecodeFrameDescriptor(buf []byte, offset int) (FrameDescriptor, int, error) {
	var m FrameDescriptor
	n, err := decodeMessage(buf, offset, frameDescriptorLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = fdStreamID.Get(b)
		m.HeaderIndex = fdHeaderIndex.Get(b)
		m.Epoch = fdEpoch.Get(b)
		m.Seq = fdSeq.Get(b)
		m.TimestampNs = fdTimestamp.Get(b)
		m.MetaVersion = fdMetaVersion.Get(b)
		return nil
	})
	return m, n, err
}

// QosProducer is a producer's periodic progress report.
type QosProducer struct {
	StreamID   uint32
	ProducerID uint32
	Epoch      uint64
	CurrentSeq uint64
	Watermark  uint64
}

var qosProducerLayout = controlLayout("qosProducer", TemplateQosProducer, 32)

var (
	qpStreamID   = wire.Field[uint32]{Offset: 0}
	qpProducerID = wire.Field[uint32]{Offset: 4}
	qpEpoch      = wire.Field[uint64]{Offset: 8}
	qpCurrentSeq = wire.Field[uint64]{Offset: 16}
	qpWatermark  = wire.Field[uint64]{Offset: 24}
)

func (m *QosProducer) EncodedLength() int { return wire.HeaderLength + qosProducerLayout.BlockLength }

func (m *QosProducer) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, qosProducerLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		qpStreamID.Put(b, m.StreamID)
		qpProducerID.Put(b, m.ProducerID)
		qpEpoch.Put(b, m.Epoch)
		qpCurrentSeq.Put(b, m.CurrentSeq)
		qpWatermark.Put(b, m.Watermark)
		return nil
	})
}

func DecodeQosProducer(buf []byte, offset int) (QosProducer, int, error) {
	var m QosProducer
	n, err := decodeMessage(buf, offset, qosProducerLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = qpStreamID.Get(b)
		m.ProducerID = qpProducerID.Get(b)
		m.Epoch = qpEpoch.Get(b)
		m.CurrentSeq = qpCurrentSeq.Get(b)
		m.Watermark = qpWatermark.Get(b)
		return nil
	})
	return m, n, err
}

// QosConsumer is a consumer's periodic progress and drop report.
type QosConsumer struct {
	StreamID    uint32
	ConsumerID  uint32
	Epoch       uint64
	LastSeqSeen uint64
	DropsGap    uint64
	DropsLate   uint64
	Mode        ConsumerMode
}

var qosConsumerLayout = controlLayout("qosConsumer", TemplateQosConsumer, 44)

var (
	qcStreamID    = wire.Field[uint32]{Offset: 0}
	qcConsumerID  = wire.Field[uint32]{Offset: 4}
	qcEpoch       = wire.Field[uint64]{Offset: 8}
	qcLastSeqSeen = wire.Field[uint64]{Offset: 16}
	qcDropsGap    = wire.Field[uint64]{Offset: 24}
	qcDropsLate   = wire.Field[uint64]{Offset: 32}
	qcMode        = wire.EnumField[ConsumerMode]{Offset: 40}
)

func (m *QosConsumer) EncodedLength() int { return wire.HeaderLength + qosConsumerLayout.BlockLength }

func (m *QosConsumer) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, qosConsumerLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		qcStreamID.Put(b, m.StreamID)
		qcConsumerID.Put(b, m.ConsumerID)
		qcEpoch.Put(b, m.Epoch)
		qcLastSeqSeen.Put(b, m.LastSeqSeen)
		qcDropsGap.Put(b, m.DropsGap)
		qcDropsLate.Put(b, m.DropsLate)
		qcMode.Put(b, m.Mode)
		return nil
	})
}

func DecodeQosConsumer(buf []byte, offset int) (QosConsumer, int, error) {
	var m QosConsumer
	n, err := decodeMessage(buf, offset, qosConsumerLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = qcStreamID.Get(b)
		m.ConsumerID = qcConsumerID.Get(b)
		m.Epoch = qcEpoch.Get(b)
		m.LastSeqSeen = qcLastSeqSeen.Get(b)
		m.DropsGap = qcDropsGap.Get(b)
		m.DropsLate = qcDropsLate.Get(b)
		var err error
		m.Mode, err = qcMode.Get(b)
		return err
	})
	return m, n, err
}

// DataSourceAnnounce names the data source behind a stream.
type DataSourceAnnounce struct {
	StreamID    uint32
	ProducerID  uint32
	Epoch       uint64
	MetaVersion uint32
	Name        string
	Summary     string
}

var dataSourceAnnounceLayout = controlLayout("dataSourceAnnounce", TemplateDataSourceAnnounce, 20)

var (
	dsaStreamID    = wire.Field[uint32]{Offset: 0}
	dsaProducerID  = wire.Field[uint32]{Offset: 4}
	dsaEpoch       = wire.Field[uint64]{Offset: 8}
	dsaMetaVersion = wire.Field[uint32]{Offset: 16}
)

func (m *DataSourceAnnounce) EncodedLength() int {
	return wire.HeaderLength + dataSourceAnnounceLayout.BlockLength + VarLen(len(m.Name)) + VarLen(len(m.Summary))
}

func (m *DataSourceAnnounce) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, dataSourceAnnounceLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		dsaStreamID.Put(b, m.StreamID)
		dsaProducerID.Put(b, m.ProducerID)
		dsaEpoch.Put(b, m.Epoch)
		dsaMetaVersion.Put(b, m.MetaVersion)
		if err := c.PutVarString(m.Name); err != nil {
			return err
		}
		return c.PutVarString(m.Summary)
	})
}

func DecodeDataSourceAnnounce(buf []byte, offset int) (DataSourceAnnounce, int, error) {
	var m DataSourceAnnounce
	n, err := decodeMessage(buf, offset, dataSourceAnnounceLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = dsaStreamID.Get(b)
		m.ProducerID = dsaProducerID.Get(b)
		m.Epoch = dsaEpoch.Get(b)
		m.MetaVersion = dsaMetaVersion.Get(b)
		var err error
		if m.Name, err = c.VarString(); err != nil {
			return err
		}
		m.Summary, err = c.VarString()
		return err
	})
	return m, n, err
}

// Attribute is one key/format/value metadata entry.
type Attribute struct {
	Key    string
	Format string
	Value  []byte
}

// DataSourceMeta carries the full attribute set for a meta version.
type DataSourceMeta struct {
	StreamID    uint32
	MetaVersion uint32
	TimestampNs uint64
	Attributes  []Attribute
}

var dataSourceMetaLayout = controlLayout("dataSourceMeta", TemplateDataSourceMeta, 16)

var attributesGroup = wire.GroupLayout{Name: "attributes", BlockLength: 0, HasVarData: true}

var (
	dsmStreamID    = wire.Field[uint32]{Offset: 0}
	dsmMetaVersion = wire.Field[uint32]{Offset: 4}
	dsmTimestamp   = wire.Field[uint64]{Offset: 8}
)

func (m *DataSourceMeta) EncodedLength() int {
	n := wire.HeaderLength + dataSourceMetaLayout.BlockLength + wire.GroupHeaderLength
	for _, a := range m.Attributes {
		n += VarLen(len(a.Key)) + VarLen(len(a.Format)) + VarLen(len(a.Value))
	}
	return n
}

func (m *DataSourceMeta) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, dataSourceMetaLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		dsmStreamID.Put(b, m.StreamID)
		dsmMetaVersion.Put(b, m.MetaVersion)
		dsmTimestamp.Put(b, m.TimestampNs)
		g, err := c.EncodeGroup(attributesGroup, len(m.Attributes))
		if err != nil {
			return err
		}
		for _, a := range m.Attributes {
			if _, err := g.Next(); err != nil {
				return err
			}
			if err := c.PutVarString(a.Key); err != nil {
				return err
			}
			if err := c.PutVarString(a.Format); err != nil {
				return err
			}
			if err := c.PutVarData(a.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func DecodeDataSourceMeta(buf []byte, offset int) (DataSourceMeta, int, error) {
	var m DataSourceMeta
	n, err := decodeMessage(buf, offset, dataSourceMetaLayout, func(c *wire.Codec, b wire.Block) error {
		m.StreamID = dsmStreamID.Get(b)
		m.MetaVersion = dsmMetaVersion.Get(b)
		m.TimestampNs = dsmTimestamp.Get(b)
		g, err := c.DecodeGroup(attributesGroup)
		if err != nil {
			return err
		}
		m.Attributes = make([]Attribute, 0, g.Count())
		for g.HasNext() {
			if _, err := g.Next(); err != nil {
				return err
			}
			var a Attribute
			if a.Key, err = c.VarString(); err != nil {
				return err
			}
			if a.Format, err = c.VarString(); err != nil {
				return err
			}
			v, err := c.VarData()
			if err != nil {
				return err
			}
			a.Value = append([]byte(nil), v...)
			m.Attributes = append(m.Attributes, a)
		}
		return nil
	})
	return m, n, err
}
