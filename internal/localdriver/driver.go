// Package localdriver is an in-process driver for tests and demos. It
// creates the stream's regions under a directory and answers attach,
// detach and keepalive requests over any transport.
package localdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/danmuck/tensorpool/internal/transport"
	"github.com/rs/zerolog/log"
)

// Config is the stream the driver serves.
type Config struct {
	Dir              string
	ControlChannel   string
	ControlStreamID  uint32
	ResponseStreamID uint32

	StreamID        uint32
	Epoch           uint64
	LayoutVersion   uint32
	HeaderNslots    uint32
	HeaderSlotBytes uint32
	NodeID          uint32
	// Pools lists pool geometry; region URIs are assigned by the driver.
	Pools     []schema.PoolInfo
	LeaseTTL  time.Duration
	TailOrder schema.TailOrder
}

// DefaultConfig is one stream with an 8-slot ring and one 4 KiB pool.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		ControlChannel:   "tpool:control",
		ControlStreamID:  1000,
		ResponseStreamID: 1001,
		StreamID:         10000,
		Epoch:            1,
		LayoutVersion:    1,
		HeaderNslots:     8,
		HeaderSlotBytes:  256,
		NodeID:           1,
		Pools:            []schema.PoolInfo{{PoolID: 1, Nslots: 8, StrideBytes: 4096}},
		LeaseTTL:         10 * time.Second,
	}
}

type lease struct {
	id         uint64
	clientID   uint32
	role       schema.Role
	expires    time.Time
	keepalives int
}

// Driver answers driver-schema requests for one stream.
type Driver struct {
	cfg  Config
	pub  transport.Publication
	sub  transport.Subscription
	maps []*shm.Mapping

	headerURI string
	pools     []schema.PoolInfo

	mu        sync.Mutex
	nextLease uint64
	leases    map[uint64]*lease
	reject    *schema.AttachResponse
	requests  int

	now func() time.Time
}

// New creates the stream's regions and opens the driver endpoints.
func New(tr transport.Transport, cfg Config) (*Driver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("localdriver: region directory required: %w", protocol.ErrArg)
	}
	d := &Driver{cfg: cfg, leases: make(map[uint64]*lease), nextLease: 100, now: time.Now}
	if err := d.createRegions(); err != nil {
		d.unmapAll()
		return nil, err
	}
	pub, err := tr.AddPublication(cfg.ControlChannel, cfg.ResponseStreamID)
	if err != nil {
		d.unmapAll()
		return nil, err
	}
	sub, err := tr.AddSubscription(cfg.ControlChannel, cfg.ControlStreamID)
	if err != nil {
		_ = pub.Close()
		d.unmapAll()
		return nil, err
	}
	d.pub, d.sub = pub, sub
	log.Info().
		Uint32("stream", cfg.StreamID).
		Uint64("epoch", cfg.Epoch).
		Str("dir", cfg.Dir).
		Msg("local driver started")
	return d, nil
}

func (d *Driver) createRegions() error {
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("localdriver: region dir: %w", err)
	}
	headerPath := filepath.Join(d.cfg.Dir, shm.HeaderFileName(d.cfg.StreamID, d.cfg.Epoch))
	m, err := shm.CreateRegion(headerPath, shm.HeaderRing(d.cfg.LayoutVersion, d.cfg.Epoch, d.cfg.StreamID, d.cfg.HeaderNslots, d.cfg.HeaderSlotBytes))
	if err != nil {
		return err
	}
	d.maps = append(d.maps, m)
	d.headerURI = shm.FileURI(headerPath)

	for _, p := range d.cfg.Pools {
		path := filepath.Join(d.cfg.Dir, shm.PoolFileName(d.cfg.StreamID, d.cfg.Epoch, p.PoolID))
		pm, err := shm.CreateRegion(path, shm.PayloadPool(d.cfg.LayoutVersion, d.cfg.Epoch, d.cfg.StreamID, p))
		if err != nil {
			return err
		}
		d.maps = append(d.maps, pm)
		p.RegionURI = shm.FileURI(path)
		d.pools = append(d.pools, p)
	}
	return nil
}

// HeaderURI is the header ring region URI handed to clients.
func (d *Driver) HeaderURI() string { return d.headerURI }

// Pools returns the pool descriptions handed to clients.
func (d *Driver) Pools() []schema.PoolInfo {
	return append([]schema.PoolInfo(nil), d.pools...)
}

// RejectAttaches makes every later attach fail with code and message.
// ResponseOK restores normal answers.
func (d *Driver) RejectAttaches(code schema.ResponseCode, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == schema.ResponseOK {
		d.reject = nil
		return
	}
	d.reject = &schema.AttachResponse{Code: code, ErrorMessage: message}
}

// SetClock replaces the driver's time source.
func (d *Driver) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Poll handles up to limit requests and revokes leases that expired.
func (d *Driver) Poll(limit int) (int, error) {
	var firstErr error
	n, err := d.sub.Poll(func(buf []byte) {
		if err := d.onRequest(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}, limit)
	if err != nil {
		return n, err
	}
	expired, err := d.expireLeases()
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return n + expired, firstErr
}

// Run polls until ctx ends, idling between empty polls. Request
// handling errors are logged and do not stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	idler := session.NewIdler(session.DefaultConfig().Idle)
	for ctx.Err() == nil {
		n, err := d.Poll(64)
		if errors.Is(err, transport.ErrClosed) {
			return err
		}
		if err != nil {
			log.Debug().Msgf("localdriver.Run poll err=%v", err)
		}
		idler.Idle(n)
	}
	return nil
}

func (d *Driver) onRequest(buf []byte) error {
	h, err := schema.Peek(buf, 0)
	if err != nil {
		return err
	}
	if h.SchemaID != schema.DriverSchemaID {
		return nil
	}
	d.mu.Lock()
	d.requests++
	d.mu.Unlock()
	switch h.TemplateID {
	case schema.TemplateShmAttachRequest:
		req, _, err := schema.DecodeAttachRequest(buf, 0)
		if err != nil {
			return err
		}
		resp := d.attach(req)
		_, err = d.sendAttachResponse(&resp)
		return err
	case schema.TemplateShmDetachRequest:
		req, _, err := schema.DecodeDetachRequest(buf, 0)
		if err != nil {
			return err
		}
		resp := d.detach(req)
		_, err = transport.Send(d.pub, "shmDetachResponse", &resp)
		return err
	case schema.TemplateShmLeaseKeepalive:
		req, _, err := schema.DecodeLeaseKeepalive(buf, 0)
		if err != nil {
			return err
		}
		return d.keepalive(req)
	}
	return nil
}

func (d *Driver) sendAttachResponse(resp *schema.AttachResponse) (int64, error) {
	claim, err := d.pub.TryClaim(resp.EncodedLength())
	if err != nil {
		return 0, err
	}
	if _, err := resp.EncodeWithOrder(claim.Buffer(), 0, d.cfg.TailOrder); err != nil {
		claim.Abort()
		return 0, err
	}
	return claim.Commit()
}

func (d *Driver) attach(req schema.AttachRequest) schema.AttachResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := schema.AttachResponse{CorrelationID: req.CorrelationID, StreamID: req.StreamID}
	reject := func(code schema.ResponseCode, msg string) schema.AttachResponse {
		resp.Code = code
		resp.ErrorMessage = msg
		log.Debug().Msgf("localdriver.attach rejected client=%d code=%s msg=%q", req.ClientID, code, msg)
		return resp
	}
	switch {
	case d.reject != nil:
		return reject(d.reject.Code, d.reject.ErrorMessage)
	case req.StreamID != d.cfg.StreamID:
		return reject(schema.ResponseInvalidParams, fmt.Sprintf("unknown stream %d", req.StreamID))
	case req.ExpectedLayoutVersion != 0 && req.ExpectedLayoutVersion != d.cfg.LayoutVersion:
		return reject(schema.ResponseRejected, fmt.Sprintf("layout version %d not served", req.ExpectedLayoutVersion))
	case req.RequireHugepages == schema.HugepagesRequired:
		return reject(schema.ResponseUnsupported, "hugepages not available")
	}
	if req.Role == schema.RoleProducer {
		for _, l := range d.leases {
			if l.role == schema.RoleProducer {
				return reject(schema.ResponseRejected, "stream already has a producer")
			}
		}
	}
	d.nextLease++
	now := d.now()
	l := &lease{id: d.nextLease, clientID: req.ClientID, role: req.Role, expires: now.Add(d.cfg.LeaseTTL)}
	d.leases[l.id] = l

	resp.Code = schema.ResponseOK
	resp.LeaseID = l.id
	resp.LeaseExpiryTimestampNs = uint64(l.expires.UnixNano())
	resp.Epoch = d.cfg.Epoch
	resp.LayoutVersion = d.cfg.LayoutVersion
	resp.HeaderNslots = d.cfg.HeaderNslots
	resp.HeaderSlotBytes = d.cfg.HeaderSlotBytes
	resp.NodeID = d.cfg.NodeID
	resp.MaxDims = schema.MaxDims
	resp.Pools = append([]schema.PoolInfo(nil), d.pools...)
	resp.HeaderRegionURI = d.headerURI
	log.Debug().Msgf("localdriver.attach lease=%d client=%d role=%s", l.id, req.ClientID, req.Role)
	return resp
}

func (d *Driver) detach(req schema.DetachRequest) schema.DetachResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := schema.DetachResponse{CorrelationID: req.CorrelationID, LeaseID: req.LeaseID, StreamID: req.StreamID}
	if _, ok := d.leases[req.LeaseID]; !ok {
		resp.Code = schema.ResponseInvalidParams
		resp.ErrorMessage = fmt.Sprintf("unknown lease %d", req.LeaseID)
		return resp
	}
	delete(d.leases, req.LeaseID)
	resp.Code = schema.ResponseOK
	return resp
}

func (d *Driver) keepalive(req schema.LeaseKeepalive) error {
	d.mu.Lock()
	l, ok := d.leases[req.LeaseID]
	if ok {
		l.keepalives++
		l.expires = d.now().Add(d.cfg.LeaseTTL)
	}
	d.mu.Unlock()
	if ok {
		return nil
	}
	return d.sendRevoked(req.LeaseID, req.ClientID, req.Role, schema.RevokeExpired, "unknown lease")
}

func (d *Driver) expireLeases() (int, error) {
	d.mu.Lock()
	now := d.now()
	var gone []*lease
	for id, l := range d.leases {
		if !now.Before(l.expires) {
			gone = append(gone, l)
			delete(d.leases, id)
		}
	}
	d.mu.Unlock()
	var errs []error
	for _, l := range gone {
		errs = append(errs, d.sendRevoked(l.id, l.clientID, l.role, schema.RevokeExpired, "lease expired"))
	}
	return len(gone), errors.Join(errs...)
}

// Revoke ends leaseID and tells its client.
func (d *Driver) Revoke(leaseID uint64, reason schema.LeaseRevokeReason, message string) error {
	d.mu.Lock()
	l, ok := d.leases[leaseID]
	delete(d.leases, leaseID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("localdriver: lease %d: %w", leaseID, protocol.ErrNotFound)
	}
	return d.sendRevoked(leaseID, l.clientID, l.role, reason, message)
}

func (d *Driver) sendRevoked(leaseID uint64, clientID uint32, role schema.Role, reason schema.LeaseRevokeReason, message string) error {
	msg := schema.LeaseRevoked{
		TimestampNs:  uint64(d.now().UnixNano()),
		LeaseID:      leaseID,
		StreamID:     d.cfg.StreamID,
		ClientID:     clientID,
		Role:         role,
		Reason:       reason,
		ErrorMessage: message,
	}
	_, err := transport.Send(d.pub, "shmLeaseRevoked", &msg)
	return err
}

// Shutdown ends every lease and announces the driver is going away.
func (d *Driver) Shutdown(reason schema.ShutdownReason, message string) error {
	d.mu.Lock()
	d.leases = make(map[uint64]*lease)
	d.mu.Unlock()
	msg := schema.DriverShutdown{TimestampNs: uint64(d.now().UnixNano()), Reason: reason, ErrorMessage: message}
	_, err := transport.Send(d.pub, "shmDriverShutdown", &msg)
	return err
}

// Leases returns the number of live leases.
func (d *Driver) Leases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.leases)
}

// Keepalives returns how many keepalives leaseID has received.
func (d *Driver) Keepalives(leaseID uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.leases[leaseID]; ok {
		return l.keepalives
	}
	return 0
}

// Requests returns the number of driver-schema requests handled.
func (d *Driver) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

func (d *Driver) unmapAll() {
	for _, m := range d.maps {
		if err := m.Unmap(); err != nil {
			log.Warn().Err(err).Str("path", m.Path()).Msg("localdriver unmap failed")
		}
	}
	d.maps = nil
}

// Close unmaps the regions and closes the endpoints. Region files stay
// on disk.
func (d *Driver) Close() error {
	d.unmapAll()
	var errs []error
	if d.pub != nil {
		errs = append(errs, d.pub.Close())
	}
	if d.sub != nil {
		errs = append(errs, d.sub.Close())
	}
	return errors.Join(errs...)
}
