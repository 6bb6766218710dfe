// Package loopback is an in-process Transport. Every publication on a
// channel/stream fans out to every subscription on it.
package loopback

import (
	"fmt"
	"sync"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/transport"
)

// DefaultQueueDepth bounds each subscription's backlog.
const DefaultQueueDepth = 1024

type key struct {
	channel  string
	streamID uint32
}

type stream struct {
	subs  map[*Subscription]struct{}
	fault error
	pos   int64
}

// Bus is a loopback transport. The zero value is not usable; use New.
type Bus struct {
	mu      sync.Mutex
	depth   int
	streams map[key]*stream
}

func New() *Bus {
	return NewWithDepth(DefaultQueueDepth)
}

func NewWithDepth(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Bus{depth: depth, streams: make(map[key]*stream)}
}

func (b *Bus) stream(k key) *stream {
	s, ok := b.streams[k]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		b.streams[k] = s
	}
	return s
}

// SetFault makes every publish on channel/streamID fail with err until
// cleared with a nil err.
func (b *Bus) SetFault(channel string, streamID uint32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream(key{channel, streamID}).fault = err
}

func (b *Bus) AddPublication(channel string, streamID uint32) (transport.Publication, error) {
	if channel == "" {
		return nil, fmt.Errorf("loopback: empty channel: %w", protocol.ErrArg)
	}
	return &Publication{bus: b, key: key{channel, streamID}}, nil
}

func (b *Bus) AddSubscription(channel string, streamID uint32) (transport.Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("loopback: empty channel: %w", protocol.ErrArg)
	}
	sub := &Subscription{bus: b, key: key{channel, streamID}}
	b.mu.Lock()
	b.stream(sub.key).subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// deliver copies msg into every subscriber queue.
func (b *Bus) deliver(k key, msg []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(k)
	if err := b.admit(s); err != nil {
		return 0, err
	}
	for sub := range s.subs {
		sub.queue = append(sub.queue, append([]byte(nil), msg...))
	}
	s.pos += int64(len(msg))
	return s.pos, nil
}

func (b *Bus) admit(s *stream) error {
	if s.fault != nil {
		return s.fault
	}
	if len(s.subs) == 0 {
		return transport.ErrNotConnected
	}
	for sub := range s.subs {
		if len(sub.queue) >= b.depth {
			return transport.ErrBackPressured
		}
	}
	return nil
}

// Publication is a loopback publication.
type Publication struct {
	bus    *Bus
	key    key
	closed bool
}

func (p *Publication) Channel() string  { return p.key.channel }
func (p *Publication) StreamID() uint32 { return p.key.streamID }

func (p *Publication) IsConnected() bool {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return !p.closed && len(p.bus.stream(p.key).subs) > 0
}

func (p *Publication) TryClaim(length int) (transport.Claim, error) {
	if p.closed {
		return nil, transport.ErrClosed
	}
	if length < 0 {
		return nil, fmt.Errorf("loopback: claim length %d: %w", length, protocol.ErrArg)
	}
	p.bus.mu.Lock()
	err := p.bus.admit(p.bus.stream(p.key))
	p.bus.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &claim{pub: p, buf: make([]byte, length)}, nil
}

func (p *Publication) Offer(msg []byte) (int64, error) {
	if p.closed {
		return 0, transport.ErrClosed
	}
	return p.bus.deliver(p.key, msg)
}

func (p *Publication) Close() error {
	p.closed = true
	return nil
}

type claim struct {
	pub  *Publication
	buf  []byte
	done bool
}

func (c *claim) Buffer() []byte { return c.buf }

func (c *claim) Commit() (int64, error) {
	if c.done {
		return 0, fmt.Errorf("loopback: claim already settled: %w", protocol.ErrArg)
	}
	c.done = true
	return c.pub.bus.deliver(c.pub.key, c.buf)
}

func (c *claim) Abort() { c.done = true }

// Subscription is a loopback subscription.
type Subscription struct {
	bus    *Bus
	key    key
	queue  [][]byte
	closed bool
}

func (s *Subscription) Channel() string  { return s.key.channel }
func (s *Subscription) StreamID() uint32 { return s.key.streamID }

// Poll hands up to limit queued messages to handler. A limit <= 0 drains
// the queue.
func (s *Subscription) Poll(handler transport.FragmentHandler, limit int) (int, error) {
	s.bus.mu.Lock()
	if s.closed {
		s.bus.mu.Unlock()
		return 0, transport.ErrClosed
	}
	n := len(s.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := s.queue[:n:n]
	s.queue = s.queue[n:]
	s.bus.mu.Unlock()

	for _, msg := range batch {
		handler(msg)
	}
	return n, nil
}

// Pending is the number of undelivered messages.
func (s *Subscription) Pending() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	delete(s.bus.stream(s.key).subs, s)
	return nil
}
