// Package producer is the writing side of a stream: it owns the writable
// header ring and payload pools of a producer lease, commits frames and
// announces them with descriptors.
package producer

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
	"github.com/danmuck/tensorpool/internal/slot"
	"github.com/danmuck/tensorpool/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = fmt.Errorf("producer: session closed: %w", protocol.ErrProtocol)
	ErrClaimPending = fmt.Errorf("producer: a claim is already outstanding: %w", protocol.ErrArg)
	ErrStaleClaim   = fmt.Errorf("producer: claim is not the outstanding one: %w", protocol.ErrArg)
	ErrFrameTooBig  = fmt.Errorf("producer: frame does not fit its payload slot: %w", protocol.ErrArg)
)

// Claim is a header slot and payload slot reserved for one frame.
type Claim struct {
	seq     uint64
	index   uint32
	pool    *slot.PayloadPool
	payload []byte
}

func (c *Claim) Seq() uint64    { return c.seq }
func (c *Claim) Index() uint32  { return c.index }
func (c *Claim) PoolID() uint16 { return c.pool.ID() }

// Payload is the whole payload stride. It aliases shared memory.
func (c *Claim) Payload() []byte { return c.payload }

// Frame describes the bytes written into a claim.
type Frame struct {
	Tensor        schema.TensorHeader
	ValuesLen     uint32
	PayloadOffset uint32
	// TimestampNs defaults to the commit time when zero.
	TimestampNs uint64
}

// Producer is single-threaded: one goroutine drives TryClaim, Commit and
// DoWork.
type Producer struct {
	cfg     Config
	client  *driverclient.Client
	lease   schema.AttachResponse
	phase   session.Phase
	regions *slot.Regions

	descPub transport.Publication
	qosPub  transport.Publication
	metaPub transport.Publication

	seq           uint64
	committed     uint64
	announced     uint64
	claim         *Claim
	attrs         *meta.Store
	tensorScratch [schema.TensorHeaderLength]byte

	lastKeepalive time.Time
	lastQos       time.Time
	lastAnnounce  time.Time

	now func() time.Time
}

// Attach requests a producer lease for cfg.StreamID and opens it.
func Attach(ctx context.Context, client *driverclient.Client, tr transport.Transport, cfg Config) (*Producer, error) {
	mode := cfg.PublishMode
	if mode == 0 {
		mode = schema.PublishRequireExisting
	}
	hugepages := schema.HugepagesStandard
	if cfg.HugepagesSupported {
		hugepages = schema.HugepagesUnspecified
	}
	resp, err := client.Attach(ctx, schema.AttachRequest{
		StreamID:              cfg.StreamID,
		ExpectedLayoutVersion: cfg.LayoutVersion,
		Role:                  schema.RoleProducer,
		PublishMode:           mode,
		RequireHugepages:      hugepages,
	})
	if err != nil {
		return nil, err
	}
	p, err := Open(client, tr, cfg, resp)
	if err != nil {
		// The lease is useless without its regions.
		if _, derr := client.Detach(ctx, schema.DetachRequest{LeaseID: resp.LeaseID, StreamID: resp.StreamID, Role: schema.RoleProducer}); derr != nil {
			log.Debug().Msgf("producer.Attach detach after failed open lease=%d err=%v", resp.LeaseID, derr)
		}
		return nil, err
	}
	return p, nil
}

// Open builds a producer from an accepted attach response.
func Open(client *driverclient.Client, tr transport.Transport, cfg Config, resp schema.AttachResponse) (*Producer, error) {
	if resp.Code != schema.ResponseOK {
		return nil, fmt.Errorf("producer: attach response code=%s: %w", resp.Code, protocol.ErrArg)
	}
	p := &Producer{
		cfg:    cfg,
		client: client,
		lease:  resp,
		phase:  session.PhaseAttaching,
		attrs:  meta.NewStore(cfg.SourceName, cfg.SourceSummary),
		now:    time.Now,
	}
	regions, err := slot.OpenRegions(resp, true, cfg.HugepagesSupported)
	if err != nil {
		return nil, err
	}
	p.regions = regions
	if err := p.openPublications(tr); err != nil {
		_ = p.Close()
		return nil, err
	}
	now := p.now()
	p.lastKeepalive, p.lastQos = now, now
	p.phase = session.PhaseActive
	log.Info().
		Uint32("stream", resp.StreamID).
		Uint64("lease", resp.LeaseID).
		Uint64("epoch", resp.Epoch).
		Int("pools", len(resp.Pools)).
		Msg("producer active")
	return p, nil
}

func (p *Producer) openPublications(tr transport.Transport) error {
	var err error
	if p.descPub, err = tr.AddPublication(p.cfg.DescriptorChannel, p.cfg.DescriptorStreamID); err != nil {
		return fmt.Errorf("producer: descriptor publication: %w", err)
	}
	if p.cfg.QosChannel == "" {
		return nil
	}
	if p.qosPub, err = tr.AddPublication(p.cfg.QosChannel, p.cfg.QosStreamID); err != nil {
		return fmt.Errorf("producer: qos publication: %w", err)
	}
	if p.metaPub, err = tr.AddPublication(p.cfg.QosChannel, p.cfg.MetadataStreamID); err != nil {
		return fmt.Errorf("producer: metadata publication: %w", err)
	}
	return nil
}

func (p *Producer) Lease() schema.AttachResponse { return p.lease }
func (p *Producer) Phase() session.Phase         { return p.phase }

// NextSeq is the sequence the next claim will take.
func (p *Producer) NextSeq() uint64 { return p.seq }

// Pools returns the payload pools of the lease.
func (p *Producer) Pools() []schema.PoolInfo { return p.lease.Pools }

// live fails fast once the lease is gone. A revocation or shutdown seen
// by the client moves the session to its terminal phase.
func (p *Producer) live() error {
	switch p.phase {
	case session.PhaseActive:
	case session.PhaseRevoked:
		return fmt.Errorf("producer: %w", driverclient.ErrLeaseRevoked)
	case session.PhaseShutDown:
		return fmt.Errorf("producer: %w", driverclient.ErrDriverShutdown)
	default:
		return fmt.Errorf("%w: phase=%s", ErrClosed, p.phase)
	}
	if err := p.client.LeaseEnded(p.lease.LeaseID); err != nil {
		if errors.Is(err, driverclient.ErrDriverShutdown) {
			p.phase = session.PhaseShutDown
		} else {
			p.phase = session.PhaseRevoked
		}
		log.Warn().Uint64("lease", p.lease.LeaseID).Str("phase", p.phase.String()).Msg("producer lease ended")
		return fmt.Errorf("producer: %w", err)
	}
	return nil
}

// TryClaim reserves the next slot in the smallest pool that holds n bytes.
func (p *Producer) TryClaim(n int) (*Claim, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	pool, err := slot.SmallestFit(p.regions.Pools, n)
	if err != nil {
		return nil, err
	}
	return p.claimIn(pool)
}

// TryClaimPool reserves the next slot in pool poolID.
func (p *Producer) TryClaimPool(poolID uint16, n int) (*Claim, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	pool, err := slot.FindPool(p.regions.Pools, poolID)
	if err != nil {
		return nil, err
	}
	if n > int(pool.StrideBytes()) {
		return nil, fmt.Errorf("%w: %d bytes, pool %d stride %d", ErrFrameTooBig, n, poolID, pool.StrideBytes())
	}
	return p.claimIn(pool)
}

func (p *Producer) claimIn(pool *slot.PayloadPool) (*Claim, error) {
	if p.claim != nil {
		return nil, fmt.Errorf("%w: seq=%d", ErrClaimPending, p.claim.seq)
	}
	seq := p.seq
	payload, err := pool.Slot(p.regions.Ring.Index(seq))
	if err != nil {
		return nil, err
	}
	index := p.regions.Ring.Claim(seq)
	p.seq++
	p.claim = &Claim{seq: seq, index: index, pool: pool, payload: payload}
	return p.claim, nil
}

// Abort gives up an outstanding claim. The slot stays marked in progress
// until the ring wraps onto it, so readers never trust it.
func (p *Producer) Abort(c *Claim) {
	if c != nil && c == p.claim {
		p.claim = nil
	}
}

// Commit publishes the frame written into c. The frame is visible in
// shared memory once the commit word is stored; a descriptor publish
// failure after that is returned but does not undo the commit.
func (p *Producer) Commit(c *Claim, f Frame) error {
	if err := p.live(); err != nil {
		return err
	}
	if c == nil || c != p.claim {
		return ErrStaleClaim
	}
	if err := f.Tensor.Validate(); err != nil {
		return err
	}
	if uint64(f.PayloadOffset)+uint64(f.ValuesLen) > uint64(len(c.payload)) {
		return fmt.Errorf("%w: offset=%d len=%d stride=%d", ErrFrameTooBig, f.PayloadOffset, f.ValuesLen, len(c.payload))
	}
	n, err := f.Tensor.Encode(p.tensorScratch[:], 0)
	if err != nil {
		return err
	}
	now := p.now()
	ts := f.TimestampNs
	if ts == 0 {
		ts = uint64(now.UnixNano())
	}
	metaVersion := p.attrs.Version()
	sh := schema.SlotHeader{
		ValuesLenBytes: f.ValuesLen,
		PayloadSlot:    c.index,
		PayloadOffset:  f.PayloadOffset,
		PoolID:         c.pool.ID(),
		TimestampNs:    ts,
		MetaVersion:    metaVersion,
		HeaderBytes:    p.tensorScratch[:n],
	}
	if err := p.regions.Ring.WriteHeader(c.index, &sh); err != nil {
		return err
	}
	p.regions.Ring.Commit(c.index, c.seq)
	p.claim = nil
	p.committed = c.seq
	p.regions.Header().TouchActivity(uint64(now.UnixNano()))

	desc := schema.FrameDescriptor{
		StreamID:    p.lease.StreamID,
		HeaderIndex: c.index,
		Epoch:       p.lease.Epoch,
		Seq:         c.seq,
		TimestampNs: ts,
		MetaVersion: metaVersion,
	}
	if _, err := transport.Send(p.descPub, "frameDescriptor", &desc); err != nil {
		observability.RecordDescriptorFailure(p.lease.StreamID)
		if logging.DebugPublish() {
			log.Warn().Err(err).Uint64("seq", c.seq).Uint32("index", c.index).Msg("frame committed without descriptor")
		}
		return fmt.Errorf("producer: seq %d committed, descriptor not published: %w", c.seq, err)
	}
	p.announced = c.seq
	observability.RecordFramePublished(p.lease.StreamID)
	return nil
}

// Offer claims a slot, copies payload into it and commits. It returns
// the frame's sequence number.
func (p *Producer) Offer(payload []byte, tensor schema.TensorHeader) (uint64, error) {
	c, err := p.TryClaim(len(payload))
	if err != nil {
		return 0, err
	}
	copy(c.payload, payload)
	if err := p.Commit(c, Frame{Tensor: tensor, ValuesLen: uint32(len(payload))}); err != nil {
		p.Abort(c)
		return c.seq, err
	}
	return c.seq, nil
}

// SetAttribute adds or replaces a metadata attribute.
func (p *Producer) SetAttribute(key, format string, value []byte) error {
	return p.attrs.Set(key, format, value)
}

// DeleteAttribute removes a metadata attribute.
func (p *Producer) DeleteAttribute(key string) error {
	return p.attrs.Delete(key)
}

// SetSource renames the data source announced for the stream.
func (p *Producer) SetSource(name, summary string) {
	p.attrs.SetSource(name, summary)
}

// MetaVersion is the version stamped on the next committed frame.
func (p *Producer) MetaVersion() uint32 { return p.attrs.Version() }

// DoWork runs one round of housekeeping and returns the work done. A
// failed keepalive ends the session; announce and QoS sends are best
// effort.
func (p *Producer) DoWork() (int, error) {
	if p.phase == session.PhaseClosed {
		return 0, ErrClosed
	}
	work, pollErr := p.client.Poll(driverclient.DefaultPollLimit)
	if pollErr != nil {
		log.Debug().Msgf("producer.DoWork client poll err=%v", pollErr)
	}
	if err := p.live(); err != nil {
		return work, err
	}
	now := p.now()
	if now.Sub(p.lastKeepalive) >= p.cfg.Session.KeepaliveInterval {
		if err := p.client.SendKeepalive(p.lease.LeaseID, p.lease.StreamID, schema.RoleProducer); err != nil {
			p.phase = session.PhaseRevoked
			log.Warn().Err(err).Uint64("lease", p.lease.LeaseID).Msg("producer keepalive failed")
			return work, fmt.Errorf("producer: keepalive: %w: %w", driverclient.ErrLeaseRevoked, err)
		}
		p.lastKeepalive = now
		work++
	}
	if p.qosPub != nil {
		if p.lastAnnounce.IsZero() || now.Sub(p.lastAnnounce) >= p.cfg.Session.AnnounceInterval {
			if p.sendAnnounce(now) {
				p.lastAnnounce = now
				work++
			}
		}
		if p.attrs.Dirty() && p.sendMetadata(now) {
			work++
		}
		if now.Sub(p.lastQos) >= p.cfg.Session.QosInterval {
			if p.sendQos() {
				p.lastQos = now
				work++
			}
		}
	}
	return work, pollErr
}

func (p *Producer) sendAnnounce(now time.Time) bool {
	msg := schema.PoolAnnounce{
		StreamID:            p.lease.StreamID,
		ProducerID:          p.cfg.ProducerID,
		Epoch:               p.lease.Epoch,
		AnnounceTimestampNs: uint64(now.UnixNano()),
		LayoutVersion:       p.lease.LayoutVersion,
		HeaderNslots:        p.lease.HeaderNslots,
		HeaderSlotBytes:     p.lease.HeaderSlotBytes,
		MaxDims:             p.lease.MaxDims,
		Pools:               p.lease.Pools,
		HeaderRegionURI:     p.lease.HeaderRegionURI,
	}
	_, err := transport.Send(p.qosPub, "shmPoolAnnounce", &msg)
	return err == nil
}

func (p *Producer) sendMetadata(now time.Time) bool {
	announce, m := p.attrs.Snapshot(p.lease.StreamID, p.cfg.ProducerID, p.lease.Epoch, uint64(now.UnixNano()))
	if _, err := transport.Send(p.metaPub, "dataSourceAnnounce", &announce); err != nil {
		return false
	}
	if _, err := transport.Send(p.metaPub, "dataSourceMeta", &m); err != nil {
		return false
	}
	p.attrs.MarkClean(m.MetaVersion)
	return true
}

func (p *Producer) sendQos() bool {
	msg := schema.QosProducer{
		StreamID:   p.lease.StreamID,
		ProducerID: p.cfg.ProducerID,
		Epoch:      p.lease.Epoch,
		CurrentSeq: p.committed,
		Watermark:  p.announced,
	}
	_, err := transport.Send(p.qosPub, "qosProducer", &msg)
	return err == nil
}

// Detach releases the lease and closes the session.
func (p *Producer) Detach(ctx context.Context) error {
	var err error
	if p.phase == session.PhaseActive {
		p.phase = session.PhaseDetaching
		_, err = p.client.Detach(ctx, schema.DetachRequest{
			LeaseID:  p.lease.LeaseID,
			StreamID: p.lease.StreamID,
			Role:     schema.RoleProducer,
		})
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close unmaps every region and closes the publications without telling
// the driver. It is safe to call more than once.
func (p *Producer) Close() error {
	if p.phase == session.PhaseClosed {
		return nil
	}
	var errs []error
	if p.regions != nil {
		errs = append(errs, p.regions.Close())
	}
	for _, pub := range []transport.Publication{p.descPub, p.qosPub, p.metaPub} {
		if pub != nil {
			errs = append(errs, pub.Close())
		}
	}
	p.claim = nil
	p.phase = session.PhaseClosed
	log.Debug().Msgf("producer.Close lease=%d", p.lease.LeaseID)
	return errors.Join(errs...)
}
