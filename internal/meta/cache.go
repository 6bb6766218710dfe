package meta

import (
	"bytes"
	"sync"

	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

// Entry is what a consumer knows about one stream's data source.
type Entry struct {
	Announce    schema.DataSourceAnnounce
	HasAnnounce bool
	Meta        schema.DataSourceMeta
	HasMeta     bool
}

// Cache keeps the newest announce and meta per stream. Messages with a
// meta version older than the one held are ignored.
type Cache struct {
	mu      sync.Mutex
	streams map[uint32]*Entry
}

func NewCache() *Cache {
	return &Cache{streams: make(map[uint32]*Entry)}
}

func (c *Cache) entry(streamID uint32) *Entry {
	e, ok := c.streams[streamID]
	if !ok {
		e = &Entry{}
		c.streams[streamID] = e
	}
	return e
}

// ApplyAnnounce reports whether m replaced the held announce.
func (c *Cache) ApplyAnnounce(m schema.DataSourceAnnounce) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(m.StreamID)
	if e.HasAnnounce && m.MetaVersion < e.Announce.MetaVersion {
		return false
	}
	e.Announce, e.HasAnnounce = m, true
	return true
}

// ApplyMeta reports whether m replaced the held attribute set.
func (c *Cache) ApplyMeta(m schema.DataSourceMeta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(m.StreamID)
	if e.HasMeta && m.MetaVersion < e.Meta.MetaVersion {
		return false
	}
	e.Meta, e.HasMeta = m, true
	return true
}

// Get returns a copy of the stream's entry.
func (c *Cache) Get(streamID uint32) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.streams[streamID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Attribute looks up key in the stream's newest attribute set.
func (c *Cache) Attribute(streamID uint32, key string) (schema.Attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.streams[streamID]; ok && e.HasMeta {
		for _, a := range e.Meta.Attributes {
			if a.Key == key {
				return schema.Attribute{Key: a.Key, Format: a.Format, Value: bytes.Clone(a.Value)}, nil
			}
		}
	}
	return schema.Attribute{}, ErrNoAttribute
}
