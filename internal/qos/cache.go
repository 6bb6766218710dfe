// Package qos keeps the latest QoS report per producer and consumer of
// the streams a client watches.
package qos

import (
	"sync"
	"time"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

// DefaultCapacity bounds each snapshot table.
const DefaultCapacity = 16

type key struct {
	streamID uint32
	id       uint32
}

// ProducerSnapshot is the last report from one producer.
type ProducerSnapshot struct {
	Report    schema.QosProducer
	UpdatedAt time.Time
}

// ConsumerSnapshot is the last report from one consumer.
type ConsumerSnapshot struct {
	Report    schema.QosConsumer
	UpdatedAt time.Time
}

// Cache holds at most capacity producer snapshots and capacity consumer
// snapshots. Reports from an already known peer replace its snapshot;
// reports from new peers are dropped once the table is full.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	producers map[key]ProducerSnapshot
	consumers map[key]ConsumerSnapshot
	dropped   uint64
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity:  capacity,
		producers: make(map[key]ProducerSnapshot, capacity),
		consumers: make(map[key]ConsumerSnapshot, capacity),
	}
}

func (c *Cache) Capacity() int { return c.capacity }

// ApplyProducer records m and reports whether it was kept.
func (c *Cache) ApplyProducer(m schema.QosProducer, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{m.StreamID, m.ProducerID}
	if _, ok := c.producers[k]; !ok && len(c.producers) >= c.capacity {
		c.dropped++
		return false
	}
	c.producers[k] = ProducerSnapshot{Report: m, UpdatedAt: now}
	return true
}

// ApplyConsumer records m and reports whether it was kept.
func (c *Cache) ApplyConsumer(m schema.QosConsumer, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{m.StreamID, m.ConsumerID}
	if _, ok := c.consumers[k]; !ok && len(c.consumers) >= c.capacity {
		c.dropped++
		return false
	}
	c.consumers[k] = ConsumerSnapshot{Report: m, UpdatedAt: now}
	return true
}

func (c *Cache) Producer(streamID, producerID uint32) (ProducerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.producers[key{streamID, producerID}]
	return s, ok
}

func (c *Cache) Consumer(streamID, consumerID uint32) (ConsumerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.consumers[key{streamID, consumerID}]
	return s, ok
}

// Producers returns the number of producer snapshots held.
func (c *Cache) Producers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.producers)
}

// Consumers returns the number of consumer snapshots held.
func (c *Cache) Consumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

// Dropped counts reports refused because a table was full.
func (c *Cache) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Prune forgets snapshots not updated since before cutoff.
func (c *Cache) Prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, s := range c.producers {
		if s.UpdatedAt.Before(cutoff) {
			delete(c.producers, k)
			n++
		}
	}
	for k, s := range c.consumers {
		if s.UpdatedAt.Before(cutoff) {
			delete(c.consumers, k)
			n++
		}
	}
	return n
}
