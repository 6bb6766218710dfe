// Package consumer is the reading side of a stream: it maps a consumer
// lease's regions read-only, tracks the newest frame descriptor and reads
// committed frames without copying them.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/tensorpool/internal/driverclient"
	"github.com/danmuck/tensorpool/internal/logging"
	"github.com/danmuck/tensorpool/internal/meta"
	"github.com/danmuck/tensorpool/internal/observability"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
	"github.com/danmuck/tensorpool/internal/protocol/wire"
	"github.com/danmuck/tensorpool/internal/qos"
	"github.com/danmuck/tensorpool/internal/slot"
	"github.com/danmuck/tensorpool/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed = fmt.Errorf("consumer: session closed: %w", protocol.ErrProtocol)
	// ErrNoFrame means no descriptor arrived since the last read. Retry.
	// Like slot.ErrNotReady it carries no protocol category.
	ErrNoFrame = errors.New("consumer: no frame announced")
)

// Retryable reports whether a TryReadFrame error is worth another poll.
// Everything else TryReadFrame returns wraps a protocol category.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoFrame) || errors.Is(err, slot.ErrNotReady)
}

// Frame is one committed frame. Payload aliases the payload pool and is
// only trustworthy while Stable reports true.
type Frame struct {
	Seq     uint64
	Slot    schema.SlotHeader
	Tensor  schema.TensorHeader
	Payload []byte
}

// Consumer is single-threaded: one goroutine drives Poll, TryReadFrame
// and DoWork.
type Consumer struct {
	cfg     Config
	client  *driverclient.Client
	lease   schema.AttachResponse
	phase   session.Phase
	regions *slot.Regions
	mode    schema.ConsumerMode

	descSub transport.Subscription
	qosSub  transport.Subscription
	metaSub transport.Subscription
	qosPub  transport.Publication

	latest    schema.FrameDescriptor
	hasLatest bool
	lastSeq   uint64
	seen      bool
	dropsGap  uint64
	dropsLate uint64

	qos      *qos.Cache
	metadata *meta.Cache
	announce *schema.PoolAnnounce

	lastKeepalive time.Time
	lastQos       time.Time

	now func() time.Time
}

// Attach requests a consumer lease for cfg.StreamID and opens it.
func Attach(ctx context.Context, client *driverclient.Client, tr transport.Transport, cfg Config) (*Consumer, error) {
	hugepages := schema.HugepagesStandard
	if cfg.HugepagesSupported {
		hugepages = schema.HugepagesUnspecified
	}
	resp, err := client.Attach(ctx, schema.AttachRequest{
		StreamID:              cfg.StreamID,
		ExpectedLayoutVersion: cfg.LayoutVersion,
		Role:                  schema.RoleConsumer,
		PublishMode:           schema.PublishRequireExisting,
		RequireHugepages:      hugepages,
	})
	if err != nil {
		return nil, err
	}
	c, err := Open(client, tr, cfg, resp)
	if err != nil {
		if _, derr := client.Detach(ctx, schema.DetachRequest{LeaseID: resp.LeaseID, StreamID: resp.StreamID, Role: schema.RoleConsumer}); derr != nil {
			log.Debug().Msgf("consumer.Attach detach after failed open lease=%d err=%v", resp.LeaseID, derr)
		}
		return nil, err
	}
	return c, nil
}

// Open builds a consumer from an accepted attach response.
func Open(client *driverclient.Client, tr transport.Transport, cfg Config, resp schema.AttachResponse) (*Consumer, error) {
	if resp.Code != schema.ResponseOK {
		return nil, fmt.Errorf("consumer: attach response code=%s: %w", resp.Code, protocol.ErrArg)
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = schema.ModeStream
	}
	c := &Consumer{
		cfg:      cfg,
		client:   client,
		lease:    resp,
		phase:    session.PhaseAttaching,
		mode:     mode,
		qos:      qos.NewCache(cfg.QosCapacity),
		metadata: meta.NewCache(),
		now:      time.Now,
	}
	regions, err := slot.OpenRegions(resp, false, cfg.HugepagesSupported)
	if err != nil {
		return nil, err
	}
	c.regions = regions
	if err := c.openEndpoints(tr); err != nil {
		_ = c.Close()
		return nil, err
	}
	now := c.now()
	c.lastKeepalive, c.lastQos = now, now
	c.phase = session.PhaseActive
	log.Info().
		Uint32("stream", resp.StreamID).
		Uint64("lease", resp.LeaseID).
		Uint64("epoch", resp.Epoch).
		Msg("consumer active")
	return c, nil
}

func (c *Consumer) openEndpoints(tr transport.Transport) error {
	var err error
	if c.descSub, err = tr.AddSubscription(c.cfg.DescriptorChannel, c.cfg.DescriptorStreamID); err != nil {
		return fmt.Errorf("consumer: descriptor subscription: %w", err)
	}
	if c.cfg.QosChannel == "" {
		return nil
	}
	if c.qosSub, err = tr.AddSubscription(c.cfg.QosChannel, c.cfg.QosStreamID); err != nil {
		return fmt.Errorf("consumer: qos subscription: %w", err)
	}
	if c.metaSub, err = tr.AddSubscription(c.cfg.QosChannel, c.cfg.MetadataStreamID); err != nil {
		return fmt.Errorf("consumer: metadata subscription: %w", err)
	}
	if c.qosPub, err = tr.AddPublication(c.cfg.QosChannel, c.cfg.QosStreamID); err != nil {
		return fmt.Errorf("consumer: qos publication: %w", err)
	}
	return nil
}

func (c *Consumer) Lease() schema.AttachResponse { return c.lease }
func (c *Consumer) Phase() session.Phase         { return c.phase }
func (c *Consumer) Mode() schema.ConsumerMode    { return c.mode }

// QosCache holds the QoS reports seen on the QoS stream.
func (c *Consumer) QosCache() *qos.Cache { return c.qos }

// Metadata holds the data-source metadata seen on the metadata stream.
func (c *Consumer) Metadata() *meta.Cache { return c.metadata }

// PoolAnnounce returns the newest pool announce for the stream.
func (c *Consumer) PoolAnnounce() (schema.PoolAnnounce, bool) {
	if c.announce == nil {
		return schema.PoolAnnounce{}, false
	}
	return *c.announce, true
}

// Drops returns the gap and late drop counters reported in QoS.
func (c *Consumer) Drops() (gap, late uint64) { return c.dropsGap, c.dropsLate }

func (c *Consumer) live() error {
	switch c.phase {
	case session.PhaseActive:
	case session.PhaseRevoked:
		return fmt.Errorf("consumer: %w", driverclient.ErrLeaseRevoked)
	case session.PhaseShutDown:
		return fmt.Errorf("consumer: %w", driverclient.ErrDriverShutdown)
	default:
		return fmt.Errorf("%w: phase=%s", ErrClosed, c.phase)
	}
	if err := c.client.LeaseEnded(c.lease.LeaseID); err != nil {
		if errors.Is(err, driverclient.ErrDriverShutdown) {
			c.phase = session.PhaseShutDown
		} else {
			c.phase = session.PhaseRevoked
		}
		log.Warn().Uint64("lease", c.lease.LeaseID).Str("phase", c.phase.String()).Msg("consumer lease ended")
		return fmt.Errorf("consumer: %w", err)
	}
	return nil
}

// Poll drains up to limit descriptors and control messages. Only the
// newest descriptor is kept. The first decode error is returned after
// the rest of the batch is handled.
func (c *Consumer) Poll(limit int) (int, error) {
	if err := c.live(); err != nil {
		return 0, err
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	work, err := c.descSub.Poll(func(buf []byte) { keep(c.onDescriptor(buf)) }, limit)
	if err != nil {
		return work, err
	}
	if c.qosSub != nil {
		n, err := c.qosSub.Poll(func(buf []byte) { keep(c.onControl(buf)) }, limit)
		work += n
		keep(err)
		n, err = c.metaSub.Poll(func(buf []byte) { keep(c.onMetadata(buf)) }, limit)
		work += n
		keep(err)
	}
	return work, firstErr
}

func (c *Consumer) onDescriptor(buf []byte) error {
	d, _, err := schema.DecodeFrameDescriptor(buf, 0)
	if err != nil {
		if logging.DebugDecode() {
			log.Warn().Err(err).Msg("frame descriptor decode failed")
		}
		return err
	}
	if d.StreamID != c.lease.StreamID || d.Epoch != c.lease.Epoch {
		log.Trace().Msgf("consumer.onDescriptor foreign stream=%d epoch=%d", d.StreamID, d.Epoch)
		return nil
	}
	if (c.seen && d.Seq <= c.lastSeq) || (c.hasLatest && d.Seq < c.latest.Seq) {
		return nil
	}
	c.latest, c.hasLatest = d, true
	return nil
}

func (c *Consumer) onControl(buf []byte) error {
	h, err := schema.Peek(buf, 0)
	if err != nil {
		return err
	}
	if h.SchemaID != schema.ControlSchemaID {
		return nil
	}
	switch h.TemplateID {
	case schema.TemplateQosProducer:
		m, _, err := schema.DecodeQosProducer(buf, 0)
		if err != nil {
			return err
		}
		c.qos.ApplyProducer(m, c.now())
	case schema.TemplateQosConsumer:
		m, _, err := schema.DecodeQosConsumer(buf, 0)
		if err != nil {
			return err
		}
		c.qos.ApplyConsumer(m, c.now())
	case schema.TemplateShmPoolAnnounce:
		m, _, err := schema.DecodePoolAnnounce(buf, 0)
		if err != nil {
			return err
		}
		if m.StreamID == c.lease.StreamID {
			c.announce = &m
		}
	case schema.TemplateConsumerConfig:
		m, _, err := schema.DecodeConsumerConfig(buf, 0)
		if err != nil {
			return err
		}
		if m.StreamID == c.lease.StreamID && m.ConsumerID == c.cfg.ConsumerID {
			c.mode = m.Mode
			log.Debug().Msgf("consumer.onControl config consumer=%d mode=%d", m.ConsumerID, m.Mode)
		}
	}
	return nil
}

func (c *Consumer) onMetadata(buf []byte) error {
	h, err := schema.Peek(buf, 0)
	if err != nil {
		return err
	}
	if h.SchemaID != schema.ControlSchemaID {
		return nil
	}
	switch h.TemplateID {
	case schema.TemplateDataSourceAnnounce:
		m, _, err := schema.DecodeDataSourceAnnounce(buf, 0)
		if err != nil {
			return err
		}
		c.metadata.ApplyAnnounce(m)
	case schema.TemplateDataSourceMeta:
		m, _, err := schema.DecodeDataSourceMeta(buf, 0)
		if err != nil {
			return err
		}
		c.metadata.ApplyMeta(m)
	}
	return nil
}

// Latest returns the pending descriptor, if any.
func (c *Consumer) Latest() (schema.FrameDescriptor, bool) {
	return c.latest, c.hasLatest
}

// TryReadFrame reads the frame the newest descriptor names. It returns
// ErrNoFrame when nothing is pending and slot.ErrNotReady while the slot
// is being written; both are worth retrying. slot.ErrFrameMissed means
// the frame was overwritten and is counted as a late drop.
func (c *Consumer) TryReadFrame() (Frame, error) {
	if err := c.live(); err != nil {
		return Frame{}, err
	}
	if !c.hasLatest {
		return Frame{}, ErrNoFrame
	}
	d := c.latest
	stream := c.lease.StreamID
	sh, th, err := c.regions.Ring.Read(d.HeaderIndex, d.Seq)
	switch {
	case errors.Is(err, slot.ErrNotReady):
		observability.RecordFrameRead(stream, observability.ReadNotReady)
		return Frame{}, err
	case errors.Is(err, slot.ErrFrameMissed):
		c.hasLatest = false
		c.dropsLate++
		c.advance(d.Seq)
		observability.RecordFrameRead(stream, observability.ReadMissed)
		return Frame{}, err
	case err != nil:
		c.hasLatest = false
		observability.RecordFrameRead(stream, observability.ReadInvalid)
		if logging.DebugDecode() {
			log.Warn().Err(err).Uint64("seq", d.Seq).Uint32("index", d.HeaderIndex).Msg("slot decode failed")
		}
		return Frame{}, err
	}
	c.hasLatest = false

	pool, err := slot.FindPool(c.regions.Pools, sh.PoolID)
	if err != nil {
		observability.RecordFrameRead(stream, observability.ReadInvalid)
		return Frame{}, err
	}
	payload, err := pool.View(sh.PayloadSlot, sh.PayloadOffset, sh.ValuesLenBytes)
	if err != nil {
		observability.RecordFrameRead(stream, observability.ReadInvalid)
		return Frame{}, err
	}
	c.advance(d.Seq)
	observability.RecordFrameRead(stream, observability.ReadOK)
	return Frame{Seq: d.Seq, Slot: sh, Tensor: th, Payload: payload}, nil
}

// advance moves the last seen sequence to seq, counting skipped
// sequences as gap drops.
func (c *Consumer) advance(seq uint64) {
	if c.seen && seq > c.lastSeq+1 {
		c.dropsGap += seq - c.lastSeq - 1
	}
	c.lastSeq, c.seen = seq, true
}

// Stable reports whether f's slot still holds f. Check it after using
// f.Payload to know the bytes were not overwritten meanwhile.
func (c *Consumer) Stable(f Frame) bool {
	if c.regions == nil || c.regions.Ring == nil {
		return false
	}
	return c.regions.Ring.LoadCommit(c.regions.Ring.Index(f.Seq)) == f.Slot.SeqCommit
}

// DoWork runs one round of housekeeping: driver events, keepalive and
// the QoS report. A failed keepalive ends the session.
func (c *Consumer) DoWork() (int, error) {
	if c.phase == session.PhaseClosed {
		return 0, ErrClosed
	}
	work, pollErr := c.client.Poll(driverclient.DefaultPollLimit)
	if pollErr != nil {
		log.Debug().Msgf("consumer.DoWork client poll err=%v", pollErr)
	}
	if err := c.live(); err != nil {
		return work, err
	}
	now := c.now()
	if now.Sub(c.lastKeepalive) >= c.cfg.Session.KeepaliveInterval {
		if err := c.client.SendKeepalive(c.lease.LeaseID, c.lease.StreamID, schema.RoleConsumer); err != nil {
			c.phase = session.PhaseRevoked
			log.Warn().Err(err).Uint64("lease", c.lease.LeaseID).Msg("consumer keepalive failed")
			return work, fmt.Errorf("consumer: keepalive: %w: %w", driverclient.ErrLeaseRevoked, err)
		}
		c.lastKeepalive = now
		work++
	}
	if c.qosPub != nil && now.Sub(c.lastQos) >= c.cfg.Session.QosInterval {
		lastSeq := wire.NullOf[uint64]()
		if c.seen {
			lastSeq = c.lastSeq
		}
		msg := schema.QosConsumer{
			StreamID:    c.lease.StreamID,
			ConsumerID:  c.cfg.ConsumerID,
			Epoch:       c.lease.Epoch,
			LastSeqSeen: lastSeq,
			DropsGap:    c.dropsGap,
			DropsLate:   c.dropsLate,
			Mode:        c.mode,
		}
		if _, err := transport.Send(c.qosPub, "qosConsumer", &msg); err == nil {
			c.lastQos = now
			work++
		}
	}
	return work, pollErr
}

// Detach releases the lease and closes the session.
func (c *Consumer) Detach(ctx context.Context) error {
	var err error
	if c.phase == session.PhaseActive {
		c.phase = session.PhaseDetaching
		_, err = c.client.Detach(ctx, schema.DetachRequest{
			LeaseID:  c.lease.LeaseID,
			StreamID: c.lease.StreamID,
			Role:     schema.RoleConsumer,
		})
	}
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close unmaps every region and closes the endpoints without telling the
// driver. It is safe to call more than once.
func (c *Consumer) Close() error {
	if c.phase == session.PhaseClosed {
		return nil
	}
	var errs []error
	if c.regions != nil {
		errs = append(errs, c.regions.Close())
	}
	for _, sub := range []transport.Subscription{c.descSub, c.qosSub, c.metaSub} {
		if sub != nil {
			errs = append(errs, sub.Close())
		}
	}
	if c.qosPub != nil {
		errs = append(errs, c.qosPub.Close())
	}
	c.hasLatest = false
	c.phase = session.PhaseClosed
	log.Debug().Msgf("consumer.Close lease=%d", c.lease.LeaseID)
	return errors.Join(errs...)
}
