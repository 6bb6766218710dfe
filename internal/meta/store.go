// Package meta holds data-source metadata: the attribute set a producer
// announces and the latest copy a consumer has seen.
package meta

import (
	"fmt"
	"sync"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

var ErrNoAttribute = fmt.Errorf("meta: attribute not found: %w", protocol.ErrNotFound)

// Store is a producer's attribute set. Every mutation bumps the meta
// version and marks the store dirty until the next announce.
type Store struct {
	mu      sync.Mutex
	name    string
	summary string
	attrs   []schema.Attribute
	version uint32
	dirty   bool
}

func NewStore(name, summary string) *Store {
	return &Store{name: name, summary: summary, dirty: true}
}

// SetSource renames the data source.
func (s *Store) SetSource(name, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name, s.summary = name, summary
	s.bump()
}

// Set adds or replaces key. Insertion order is kept on the wire.
func (s *Store) Set(key, format string, value []byte) error {
	if key == "" {
		return fmt.Errorf("meta: empty attribute key: %w", protocol.ErrArg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := append([]byte(nil), value...)
	for i := range s.attrs {
		if s.attrs[i].Key == key {
			s.attrs[i].Format = format
			s.attrs[i].Value = v
			s.bump()
			return nil
		}
	}
	s.attrs = append(s.attrs, schema.Attribute{Key: key, Format: format, Value: v})
	s.bump()
	return nil
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attrs {
		if s.attrs[i].Key == key {
			s.attrs = append(s.attrs[:i], s.attrs[i+1:]...)
			s.bump()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoAttribute, key)
}

func (s *Store) bump() {
	s.version++
	s.dirty = true
}

func (s *Store) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// MarkClean records that version was announced. A mutation that raced
// the announce keeps the store dirty.
func (s *Store) MarkClean(version uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == version {
		s.dirty = false
	}
}

// Snapshot builds the announce and meta messages for the current version.
func (s *Store) Snapshot(streamID, producerID uint32, epoch, nowNs uint64) (schema.DataSourceAnnounce, schema.DataSourceMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	announce := schema.DataSourceAnnounce{
		StreamID:    streamID,
		ProducerID:  producerID,
		Epoch:       epoch,
		MetaVersion: s.version,
		Name:        s.name,
		Summary:     s.summary,
	}
	attrs := make([]schema.Attribute, len(s.attrs))
	copy(attrs, s.attrs)
	m := schema.DataSourceMeta{
		StreamID:    streamID,
		MetaVersion: s.version,
		TimestampNs: nowNs,
		Attributes:  attrs,
	}
	return announce, m
}
