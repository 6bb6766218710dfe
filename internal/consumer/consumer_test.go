package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/tensorpool/internal/driverclient"
	"github.com/danmuck/tensorpool/internal/producer"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
	"github.com/danmuck/tensorpool/internal/protocol/wire"
	"github.com/danmuck/tensorpool/internal/slot"
	"github.com/danmuck/tensorpool/internal/testutil/drivertest"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
	"github.com/danmuck/tensorpool/internal/transport"
	"github.com/danmuck/tensorpool/internal/transport/loopback"
	"github.com/maxatome/go-testdeep/td"
)

const (
	descChannel = "tpool:data"
	descStream  = 2000
	qosChannel  = "tpool:qos"
	qosStream   = 3000
	metaStream  = 3001
)

type harness struct {
	bus    *loopback.Bus
	dcfg   drivertest.Config
	driver *drivertest.Driver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{bus: loopback.New(), dcfg: drivertest.DefaultConfig(t.TempDir())}
	h.driver = drivertest.Start(t, h.bus, h.dcfg)
	return h
}

func (h *harness) client(t *testing.T, id uint32) *driverclient.Client {
	t.Helper()
	c, err := driverclient.New(h.bus, driverclient.Config{
		ClientID:         id,
		ControlChannel:   h.dcfg.ControlChannel,
		ControlStreamID:  h.dcfg.ControlStreamID,
		ResponseStreamID: h.dcfg.ResponseStreamID,
		Session:          session.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("driverclient.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) attach(t *testing.T, c *driverclient.Client, role schema.Role) schema.AttachResponse {
	t.Helper()
	id, err := c.SendAttach(schema.AttachRequest{StreamID: h.dcfg.StreamID, Role: role, PublishMode: schema.PublishRequireExisting})
	if err != nil {
		t.Fatalf("SendAttach: %v", err)
	}
	if _, err := h.driver.Poll(0); err != nil {
		t.Fatalf("driver poll: %v", err)
	}
	if _, err := c.Poll(0); err != nil {
		t.Fatalf("client poll: %v", err)
	}
	resp, _, err := c.AttachResult(id)
	if err != nil {
		t.Fatalf("AttachResult: %v", err)
	}
	return resp
}

func cadence() session.Config {
	cfg := session.DefaultConfig()
	cfg.KeepaliveInterval = time.Hour
	cfg.QosInterval = 0
	cfg.AnnounceInterval = 0
	return cfg
}

func consumerConfig(h *harness) Config {
	return Config{
		StreamID:           h.dcfg.StreamID,
		ConsumerID:         2,
		DescriptorChannel:  descChannel,
		DescriptorStreamID: descStream,
		QosChannel:         qosChannel,
		QosStreamID:        qosStream,
		MetadataStreamID:   metaStream,
		Session:            cadence(),
	}
}

func producerConfig(h *harness) producer.Config {
	return producer.Config{
		StreamID:           h.dcfg.StreamID,
		ProducerID:         1,
		DescriptorChannel:  descChannel,
		DescriptorStreamID: descStream,
		QosChannel:         qosChannel,
		QosStreamID:        qosStream,
		MetadataStreamID:   metaStream,
		SourceName:         "lidar",
		Session:            cadence(),
	}
}

// pair opens a consumer then a producer on the same stream.
func pair(t *testing.T, h *harness) (*producer.Producer, *Consumer) {
	t.Helper()
	cc := h.client(t, 2)
	c, err := Open(cc, h.bus, consumerConfig(h), h.attach(t, cc, schema.RoleConsumer))
	if err != nil {
		t.Fatalf("consumer Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	pc := h.client(t, 1)
	p, err := producer.Open(pc, h.bus, producerConfig(h), h.attach(t, pc, schema.RoleProducer))
	if err != nil {
		t.Fatalf("producer Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, c
}

func vector(n uint32) schema.TensorHeader {
	return schema.TensorHeader{Dtype: schema.DtypeUint8, MajorOrder: schema.MajorOrderRow, NDims: 1,
		Dims: [schema.MaxDims]uint32{n}, Strides: [schema.MaxDims]uint32{1}}
}

func offer(t *testing.T, p *producer.Producer, b byte) uint64 {
	t.Helper()
	seq, err := p.Offer([]byte{b, b, b, b}, vector(4))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	return seq
}

func TestEndToEndFrame(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	drivertest.RunInBackground(t, h.driver)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Attach(ctx, h.client(t, 2), h.bus, consumerConfig(h))
	if err != nil {
		t.Fatalf("consumer Attach: %v", err)
	}
	defer c.Close()
	p, err := producer.Attach(ctx, h.client(t, 1), h.bus, producerConfig(h))
	if err != nil {
		t.Fatalf("producer Attach: %v", err)
	}
	defer p.Close()
	lease := p.Lease()
	if lease.LayoutVersion != 1 || lease.HeaderNslots != 8 || lease.HeaderSlotBytes != 256 || lease.Pools[0].StrideBytes != 4096 {
		t.Fatalf("lease geometry %+v", lease)
	}

	// 2x3 float32, row major.
	values := make([]byte, 24)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint32(values[i*4:], math.Float32bits(float32(i)+0.5))
	}
	tensor := schema.TensorHeader{
		Dtype:      schema.DtypeFloat32,
		MajorOrder: schema.MajorOrderRow,
		NDims:      2,
		Dims:       [schema.MaxDims]uint32{2, 3},
		Strides:    [schema.MaxDims]uint32{12, 4},
	}
	claim, err := p.TryClaim(len(values))
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if claim.Seq() != 0 || claim.Index() != 0 {
		t.Fatalf("claim seq=%d index=%d", claim.Seq(), claim.Index())
	}
	copy(claim.Payload(), values)
	if err := p.Commit(claim, producer.Frame{Tensor: tensor, ValuesLen: uint32(len(values))}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	f, err := c.TryReadFrame()
	if err != nil {
		t.Fatalf("TryReadFrame: %v", err)
	}
	if f.Seq != 0 || f.Slot.SeqCommit != 0 || f.Slot.PoolID != 1 {
		t.Fatalf("frame seq=%d slot=%+v", f.Seq, f.Slot)
	}
	td.Cmp(t, f.Tensor, tensor)
	td.Cmp(t, f.Payload, values)
	if f.Tensor.ValuesLen() != len(f.Payload) {
		t.Fatalf("tensor ValuesLen=%d payload=%d", f.Tensor.ValuesLen(), len(f.Payload))
	}
	if !c.Stable(f) {
		t.Fatalf("frame not stable right after read")
	}
	if _, err := c.TryReadFrame(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("second read err=%v", err)
	}

	if err := p.Detach(ctx); err != nil {
		t.Fatalf("producer Detach: %v", err)
	}
	if err := c.Detach(ctx); err != nil {
		t.Fatalf("consumer Detach: %v", err)
	}
	if h.driver.Leases() != 0 {
		t.Fatalf("leases after detach: %d", h.driver.Leases())
	}
}

func TestLatestDescriptorWinsAndGapsCount(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	p, c := pair(t, h)

	for i := byte(0); i < 3; i++ {
		offer(t, p, i)
	}
	if n, err := c.Poll(0); err != nil || n != 3 {
		t.Fatalf("Poll n=%d err=%v", n, err)
	}
	d, ok := c.Latest()
	if !ok || d.Seq != 2 {
		t.Fatalf("latest got=%+v ok=%t", d, ok)
	}
	f, err := c.TryReadFrame()
	if err != nil || f.Seq != 2 || f.Payload[0] != 2 {
		t.Fatalf("read seq=%d err=%v", f.Seq, err)
	}

	offer(t, p, 3)
	offer(t, p, 4)
	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	f, err = c.TryReadFrame()
	if err != nil || f.Seq != 4 {
		t.Fatalf("read seq=%d err=%v", f.Seq, err)
	}
	if gap, late := c.Drops(); gap != 1 || late != 0 {
		t.Fatalf("drops gap=%d late=%d", gap, late)
	}
}

func TestReadOutcomes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	p, c := pair(t, h)

	_, err := c.TryReadFrame()
	if !errors.Is(err, ErrNoFrame) || !Retryable(err) || protocol.Category(err) != nil {
		t.Fatalf("empty read err=%v category=%v", err, protocol.Category(err))
	}
	offer(t, p, 0)
	if _, err := c.Poll(1); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	for i := byte(1); i < 8; i++ {
		offer(t, p, i)
	}

	// seq 8 reuses slot 0 and is still being written.
	claim, err := p.TryClaim(4)
	if err != nil || claim.Index() != 0 {
		t.Fatalf("TryClaim index=%d err=%v", claim.Index(), err)
	}
	_, err = c.TryReadFrame()
	if !errors.Is(err, slot.ErrNotReady) || !Retryable(err) || protocol.Category(err) != nil {
		t.Fatalf("in-progress read err=%v category=%v", err, protocol.Category(err))
	}
	if _, ok := c.Latest(); !ok {
		t.Fatalf("not-ready read dropped the descriptor")
	}

	copy(claim.Payload(), []byte{8, 8, 8, 8})
	if err := p.Commit(claim, producer.Frame{Tensor: vector(4), ValuesLen: 4}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_, err = c.TryReadFrame()
	if !errors.Is(err, slot.ErrFrameMissed) || protocol.Category(err) != protocol.ErrProtocol || Retryable(err) {
		t.Fatalf("wrapped read err=%v", err)
	}
	if gap, late := c.Drops(); gap != 0 || late != 1 {
		t.Fatalf("drops gap=%d late=%d", gap, late)
	}

	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	f, err := c.TryReadFrame()
	if err != nil || f.Seq != 8 || f.Payload[0] != 8 {
		t.Fatalf("read after wrap seq=%d err=%v", f.Seq, err)
	}
	if gap, _ := c.Drops(); gap != 7 {
		t.Fatalf("gap after wrap got=%d want=7", gap)
	}

	offer(t, p, 9)
	if !c.Stable(f) {
		t.Fatalf("frame at seq 8 should still be stable")
	}
	for i := byte(10); i < 17; i++ {
		offer(t, p, i)
	}
	if c.Stable(f) {
		t.Fatalf("frame at seq 8 stable after slot reuse")
	}
}

func TestForeignDescriptorsIgnored(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	_, c := pair(t, h)
	pub, _ := h.bus.AddPublication(descChannel, descStream)

	for _, d := range []schema.FrameDescriptor{
		{StreamID: h.dcfg.StreamID + 1, Epoch: h.dcfg.Epoch, Seq: 5},
		{StreamID: h.dcfg.StreamID, Epoch: h.dcfg.Epoch + 1, Seq: 5},
	} {
		if _, err := transport.Send(pub, "frameDescriptor", &d); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := pub.Offer([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := c.Poll(0); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("garbage descriptor err=%v", err)
	}
	if _, ok := c.Latest(); ok {
		t.Fatalf("foreign descriptor accepted")
	}
}

func TestRevokedConsumerFailsFast(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	p, c := pair(t, h)
	offer(t, p, 1)

	if err := h.driver.Revoke(c.Lease().LeaseID, schema.RevokeExpired, ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := c.DoWork(); !errors.Is(err, driverclient.ErrLeaseRevoked) {
		t.Fatalf("DoWork err=%v", err)
	}
	if _, err := c.Poll(0); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("Poll after revoke err=%v", err)
	}
	if _, err := c.TryReadFrame(); !errors.Is(err, driverclient.ErrLeaseRevoked) {
		t.Fatalf("TryReadFrame after revoke err=%v", err)
	}
	if c.Phase() != session.PhaseRevoked {
		t.Fatalf("phase got=%s", c.Phase())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.TryReadFrame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("TryReadFrame after close err=%v", err)
	}
	if c.Stable(Frame{}) {
		t.Fatalf("closed consumer reports a stable frame")
	}

	// With its only subscriber gone the producer still commits, then
	// reports the unpublished descriptor.
	seq, err := p.Offer([]byte{1}, vector(1))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Offer without subscribers err=%v", err)
	}
	if seq != 1 || p.NextSeq() != 2 {
		t.Fatalf("seq got=%d next=%d", seq, p.NextSeq())
	}

	descs, err := h.bus.AddSubscription(descChannel, descStream)
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	defer descs.Close()
	if seq, err = p.Offer([]byte{2}, vector(1)); err != nil || seq != 2 {
		t.Fatalf("Offer with a subscriber seq=%d err=%v", seq, err)
	}
	var got []uint64
	if _, err := descs.Poll(func(buf []byte) {
		if d, _, err := schema.DecodeFrameDescriptor(buf, 0); err == nil {
			got = append(got, d.Seq)
		}
	}, 0); err != nil {
		t.Fatalf("Poll descriptors: %v", err)
	}
	td.Cmp(t, got, []uint64{2})
}

func TestQosAndMetadataCaches(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	p, c := pair(t, h)

	if err := p.SetAttribute("frame_id", "ascii", []byte("lidar_top")); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	offer(t, p, 1)
	if _, err := p.DoWork(); err != nil {
		t.Fatalf("producer DoWork: %v", err)
	}
	if _, err := c.DoWork(); err != nil {
		t.Fatalf("consumer DoWork: %v", err)
	}
	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	attr, err := c.Metadata().Attribute(h.dcfg.StreamID, "frame_id")
	if err != nil || string(attr.Value) != "lidar_top" {
		t.Fatalf("attribute got=%+v err=%v", attr, err)
	}
	e, ok := c.Metadata().Get(h.dcfg.StreamID)
	if !ok || e.Announce.Name != "lidar" || e.Announce.MetaVersion != p.MetaVersion() {
		t.Fatalf("metadata entry got=%+v", e)
	}
	announce, ok := c.PoolAnnounce()
	if !ok || announce.HeaderNslots != 8 || len(announce.Pools) != 1 {
		t.Fatalf("pool announce got=%+v ok=%t", announce, ok)
	}
	ps, ok := c.QosCache().Producer(h.dcfg.StreamID, 1)
	if !ok || ps.Report.CurrentSeq != 0 || ps.Report.Watermark != 0 {
		t.Fatalf("producer qos got=%+v ok=%t", ps, ok)
	}
	cs, ok := c.QosCache().Consumer(h.dcfg.StreamID, 2)
	if !ok || cs.Report.Mode != schema.ModeStream || cs.Report.LastSeqSeen != wire.NullOf[uint64]() {
		t.Fatalf("consumer qos before any read got=%+v ok=%t", cs, ok)
	}

	if f, err := c.TryReadFrame(); err != nil || f.Seq != 0 {
		t.Fatalf("read seq=%d err=%v", f.Seq, err)
	}
	if _, err := c.DoWork(); err != nil {
		t.Fatalf("consumer DoWork: %v", err)
	}
	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	cs, ok = c.QosCache().Consumer(h.dcfg.StreamID, 2)
	if !ok || cs.Report.LastSeqSeen != 0 {
		t.Fatalf("consumer qos after reading seq 0 got=%+v ok=%t", cs, ok)
	}

	pub, _ := h.bus.AddPublication(qosChannel, qosStream)
	cfgMsg := schema.ConsumerConfig{StreamID: h.dcfg.StreamID, ConsumerID: 2, UseShm: true, Mode: schema.ModeRateLimited,
		DescriptorChannel: descChannel, ControlChannel: qosChannel}
	if _, err := transport.Send(pub, "consumerConfig", &cfgMsg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Mode() != schema.ModeRateLimited {
		t.Fatalf("mode got=%d", c.Mode())
	}
}
