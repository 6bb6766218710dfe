// Package driverclient speaks the driver schema: it sends attach, detach
// and keepalive requests and files the driver's responses and lease
// events for sessions to poll.
package driverclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tensorpool/internal/logging"
	"github.com/danmuck/tensorpool/internal/observability"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
	"github.com/danmuck/tensorpool/internal/transport"
	"github.com/rs/zerolog/log"
)

// DefaultPollLimit bounds the fragments one Poll call handles.
const DefaultPollLimit = 16

// Config names the driver endpoints and request cadence of a client.
type Config struct {
	ClientID         uint32
	ControlChannel   string
	ControlStreamID  uint32
	ResponseStreamID uint32
	Session          session.Config
}

// Client correlates driver requests with responses. It never blocks on
// its own: Poll drains the response subscription and the blocking Attach
// and Detach helpers are loops over Poll.
type Client struct {
	cfg Config
	pub transport.Publication
	sub transport.Subscription

	nextID   atomic.Uint64
	attaches *session.Table[schema.AttachResponse]
	detaches *session.Table[schema.DetachResponse]

	mu       sync.Mutex
	roles    map[uint64]schema.Role
	revoked  map[uint64]schema.LeaseRevoked
	shutdown *schema.DriverShutdown
	closed   bool

	now func() time.Time
}

// New opens the request publication and response subscription.
func New(tr transport.Transport, cfg Config) (*Client, error) {
	pub, err := tr.AddPublication(cfg.ControlChannel, cfg.ControlStreamID)
	if err != nil {
		return nil, fmt.Errorf("driverclient: control publication: %w", err)
	}
	sub, err := tr.AddSubscription(cfg.ControlChannel, cfg.ResponseStreamID)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("driverclient: response subscription: %w", err)
	}
	c := &Client{
		cfg:      cfg,
		pub:      pub,
		sub:      sub,
		attaches: session.NewTable[schema.AttachResponse](),
		detaches: session.NewTable[schema.DetachResponse](),
		roles:    make(map[uint64]schema.Role),
		revoked:  make(map[uint64]schema.LeaseRevoked),
		now:      time.Now,
	}
	// Clients share the response stream, so ids start in a per-client range.
	c.nextID.Store(uint64(cfg.ClientID) << 32)
	log.Debug().Msgf("driverclient.New client=%d channel=%q control=%d response=%d",
		cfg.ClientID, cfg.ControlChannel, cfg.ControlStreamID, cfg.ResponseStreamID)
	return c, nil
}

func (c *Client) ClientID() uint32 { return c.cfg.ClientID }

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

func (c *Client) nextCorrelationID() uint64 {
	return c.nextID.Add(1)
}

// SendAttach publishes an attach request and returns its correlation id.
// The client id and correlation id of req are filled in.
func (c *Client) SendAttach(req schema.AttachRequest) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClientClosed
	}
	req.CorrelationID = c.nextCorrelationID()
	req.ClientID = c.cfg.ClientID
	now := c.now()
	c.attaches.Register(req.CorrelationID, now, now.Add(c.cfg.Session.AttachTimeout))
	c.mu.Lock()
	c.roles[req.CorrelationID] = req.Role
	c.mu.Unlock()
	if _, err := transport.Send(c.pub, "shmAttachRequest", &req); err != nil {
		c.attaches.Remove(req.CorrelationID)
		c.forgetRole(req.CorrelationID)
		return 0, err
	}
	log.Debug().Msgf("driverclient.SendAttach id=%d stream=%d role=%s", req.CorrelationID, req.StreamID, req.Role)
	return req.CorrelationID, nil
}

// SendDetach publishes a detach request and returns its correlation id.
func (c *Client) SendDetach(req schema.DetachRequest) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClientClosed
	}
	req.CorrelationID = c.nextCorrelationID()
	req.ClientID = c.cfg.ClientID
	now := c.now()
	c.detaches.Register(req.CorrelationID, now, now.Add(c.cfg.Session.DetachTimeout))
	if _, err := transport.Send(c.pub, "shmDetachRequest", &req); err != nil {
		c.detaches.Remove(req.CorrelationID)
		return 0, err
	}
	log.Debug().Msgf("driverclient.SendDetach id=%d lease=%d", req.CorrelationID, req.LeaseID)
	return req.CorrelationID, nil
}

// SendKeepalive renews leaseID.
func (c *Client) SendKeepalive(leaseID uint64, streamID uint32, role schema.Role) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	msg := schema.LeaseKeepalive{
		LeaseID:           leaseID,
		ClientTimestampNs: uint64(c.now().UnixNano()),
		StreamID:          streamID,
		ClientID:          c.cfg.ClientID,
		Role:              role,
	}
	_, err := transport.Send(c.pub, "shmLeaseKeepalive", &msg)
	return err
}

// Poll handles up to limit driver messages and expires overdue requests.
// It returns the work done and the first decode error seen; messages
// after a bad one are still handled.
func (c *Client) Poll(limit int) (int, error) {
	if c.isClosed() {
		return 0, ErrClientClosed
	}
	var firstErr error
	n, err := c.sub.Poll(func(buf []byte) {
		if err := c.onMessage(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}, limit)
	if err != nil {
		return n, err
	}
	now := c.now()
	expired := c.attaches.Expire(now)
	expired = append(expired, c.detaches.Expire(now)...)
	for _, id := range expired {
		log.Debug().Msgf("driverclient.Poll expired id=%d", id)
	}
	return n + len(expired), firstErr
}

func (c *Client) onMessage(buf []byte) error {
	h, err := schema.Peek(buf, 0)
	if err != nil {
		return err
	}
	if h.SchemaID != schema.DriverSchemaID {
		return nil
	}
	switch h.TemplateID {
	case schema.TemplateShmAttachResponse:
		m, _, err := schema.DecodeAttachResponse(buf, 0)
		if err != nil {
			logDecodeFailure("shmAttachResponse", err)
			return err
		}
		if !c.attaches.Complete(m.CorrelationID, m) {
			log.Trace().Msgf("driverclient.onMessage stray attach response id=%d", m.CorrelationID)
		}
	case schema.TemplateShmDetachResponse:
		m, _, err := schema.DecodeDetachResponse(buf, 0)
		if err != nil {
			logDecodeFailure("shmDetachResponse", err)
			return err
		}
		c.detaches.Complete(m.CorrelationID, m)
	case schema.TemplateShmLeaseRevoked:
		m, _, err := schema.DecodeLeaseRevoked(buf, 0)
		if err != nil {
			logDecodeFailure("shmLeaseRevoked", err)
			return err
		}
		c.mu.Lock()
		_, seen := c.revoked[m.LeaseID]
		c.revoked[m.LeaseID] = m
		c.mu.Unlock()
		if !seen {
			observability.RecordLeaseEvent("revoked", m.Reason.String())
			log.Warn().
				Uint64("lease", m.LeaseID).
				Uint32("stream", m.StreamID).
				Str("reason", m.Reason.String()).
				Str("message", m.ErrorMessage).
				Msg("lease revoked")
		}
	case schema.TemplateShmDriverShutdown:
		m, _, err := schema.DecodeDriverShutdown(buf, 0)
		if err != nil {
			logDecodeFailure("shmDriverShutdown", err)
			return err
		}
		c.mu.Lock()
		first := c.shutdown == nil
		c.shutdown = &m
		c.mu.Unlock()
		if first {
			observability.RecordLeaseEvent("shutdown", m.Reason.String())
			log.Warn().Str("reason", m.Reason.String()).Str("message", m.ErrorMessage).Msg("driver shutdown")
		}
	}
	return nil
}

func logDecodeFailure(name string, err error) {
	if logging.DebugDecode() {
		log.Warn().Err(err).Str("message", name).Msg("driver message decode failed")
	}
}

// AttachResult collects the outcome of attach id. done is false while
// the request is still pending.
func (c *Client) AttachResult(id uint64) (resp schema.AttachResponse, done bool, err error) {
	p, ok := c.attaches.Take(id)
	if !ok {
		if _, pending := c.attaches.Get(id); pending {
			return schema.AttachResponse{}, false, nil
		}
		return schema.AttachResponse{}, true, fmt.Errorf("%w: attach id=%d", ErrUnknownRequest, id)
	}
	role := c.forgetRole(id)
	switch {
	case p.State == session.StateTimedOut:
		observability.RecordAttach(role.String(), "timeout")
		if logging.DebugAttach() {
			log.Warn().Uint64("correlation", id).Dur("waited", c.now().Sub(p.SentAt)).Msg("attach timed out")
		}
		return schema.AttachResponse{}, true, fmt.Errorf("%w: id=%d", ErrAttachTimeout, id)
	case p.Result.Code != schema.ResponseOK:
		observability.RecordAttach(role.String(), "rejected")
		if logging.DebugAttach() {
			log.Warn().
				Uint64("correlation", id).
				Str("code", p.Result.Code.String()).
				Str("message", p.Result.ErrorMessage).
				Msg("attach rejected")
		}
		return p.Result, true, &RejectedError{Op: "attach", Code: p.Result.Code, Message: p.Result.ErrorMessage}
	}
	observability.RecordAttach(role.String(), "ok")
	log.Info().
		Uint64("lease", p.Result.LeaseID).
		Uint32("stream", p.Result.StreamID).
		Uint64("epoch", p.Result.Epoch).
		Str("role", role.String()).
		Msg("attached")
	return p.Result, true, nil
}

// DetachResult collects the outcome of detach id.
func (c *Client) DetachResult(id uint64) (resp schema.DetachResponse, done bool, err error) {
	p, ok := c.detaches.Take(id)
	if !ok {
		if _, pending := c.detaches.Get(id); pending {
			return schema.DetachResponse{}, false, nil
		}
		return schema.DetachResponse{}, true, fmt.Errorf("%w: detach id=%d", ErrUnknownRequest, id)
	}
	if p.State == session.StateTimedOut {
		return schema.DetachResponse{}, true, fmt.Errorf("%w: id=%d", ErrDetachTimeout, id)
	}
	if p.Result.Code != schema.ResponseOK {
		return p.Result, true, &RejectedError{Op: "detach", Code: p.Result.Code, Message: p.Result.ErrorMessage}
	}
	return p.Result, true, nil
}

// Attach sends req and polls until the driver answers, the attach
// timeout passes or ctx ends.
func (c *Client) Attach(ctx context.Context, req schema.AttachRequest) (schema.AttachResponse, error) {
	id, err := c.SendAttach(req)
	if err != nil {
		return schema.AttachResponse{}, err
	}
	idler := session.NewIdler(c.cfg.Session.Idle)
	for {
		if err := ctx.Err(); err != nil {
			c.attaches.Remove(id)
			c.forgetRole(id)
			return schema.AttachResponse{}, err
		}
		n, err := c.Poll(DefaultPollLimit)
		if err != nil {
			c.attaches.Remove(id)
			c.forgetRole(id)
			return schema.AttachResponse{}, err
		}
		if resp, done, err := c.AttachResult(id); done {
			return resp, err
		}
		idler.Idle(n)
	}
}

// Detach sends req and polls until the driver answers or the detach
// timeout passes.
func (c *Client) Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error) {
	id, err := c.SendDetach(req)
	if err != nil {
		return schema.DetachResponse{}, err
	}
	idler := session.NewIdler(c.cfg.Session.Idle)
	for {
		if err := ctx.Err(); err != nil {
			c.detaches.Remove(id)
			return schema.DetachResponse{}, err
		}
		n, err := c.Poll(DefaultPollLimit)
		if err != nil {
			c.detaches.Remove(id)
			return schema.DetachResponse{}, err
		}
		if resp, done, err := c.DetachResult(id); done {
			return resp, err
		}
		idler.Idle(n)
	}
}

// LeaseRevoked returns the revocation notice for leaseID, if one arrived.
func (c *Client) LeaseRevoked(leaseID uint64) (schema.LeaseRevoked, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.revoked[leaseID]
	return m, ok
}

// Shutdown returns the driver shutdown notice, if one arrived.
func (c *Client) Shutdown() (schema.DriverShutdown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown == nil {
		return schema.DriverShutdown{}, false
	}
	return *c.shutdown, true
}

// LeaseEnded returns ErrDriverShutdown or ErrLeaseRevoked once either
// event has been seen for leaseID, and nil while the lease stands.
func (c *Client) LeaseEnded(leaseID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown != nil {
		return ErrDriverShutdown
	}
	if m, ok := c.revoked[leaseID]; ok {
		return fmt.Errorf("%w: lease=%d reason=%s", ErrLeaseRevoked, leaseID, m.Reason)
	}
	return nil
}

// Close releases the transport endpoints. Pending requests are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	errPub := c.pub.Close()
	errSub := c.sub.Close()
	if errPub != nil {
		return errPub
	}
	return errSub
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) forgetRole(id uint64) schema.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	role := c.roles[id]
	delete(c.roles, id)
	return role
}
