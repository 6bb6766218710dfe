package meta

import (
	"errors"
	"testing"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
	"github.com/maxatome/go-testdeep/td"
)

func TestStoreMutationsBumpVersion(t *testing.T) {
	testlog.Start(t)
	s := NewStore("camera", "front")
	if !s.Dirty() || s.Version() != 0 {
		t.Fatalf("new store dirty=%t version=%d", s.Dirty(), s.Version())
	}
	s.MarkClean(0)
	if s.Dirty() {
		t.Fatalf("store dirty after MarkClean")
	}

	if err := s.Set("fps", "u32", []byte{30, 0, 0, 0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("units", "ascii", []byte("m")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("fps", "u32", []byte{60, 0, 0, 0}); err != nil {
		t.Fatalf("Set replace: %v", err)
	}
	if s.Version() != 3 || !s.Dirty() {
		t.Fatalf("after sets version=%d dirty=%t", s.Version(), s.Dirty())
	}

	announce, m := s.Snapshot(10, 7, 2, 123)
	td.Cmp(t, announce, schema.DataSourceAnnounce{StreamID: 10, ProducerID: 7, Epoch: 2, MetaVersion: 3, Name: "camera", Summary: "front"})
	td.Cmp(t, m, schema.DataSourceMeta{
		StreamID:    10,
		MetaVersion: 3,
		TimestampNs: 123,
		Attributes: []schema.Attribute{
			{Key: "fps", Format: "u32", Value: []byte{60, 0, 0, 0}},
			{Key: "units", Format: "ascii", Value: []byte("m")},
		},
	})

	s.MarkClean(2)
	if !s.Dirty() {
		t.Fatalf("stale MarkClean cleared dirty")
	}
	s.MarkClean(3)
	if s.Dirty() {
		t.Fatalf("MarkClean at current version left dirty")
	}
}

func TestStoreDeleteMissing(t *testing.T) {
	testlog.Start(t)
	s := NewStore("x", "")
	err := s.Delete("nope")
	if !errors.Is(err, ErrNoAttribute) || !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("Delete missing err=%v", err)
	}
	if err := s.Set("", "ascii", nil); !errors.Is(err, protocol.ErrArg) {
		t.Fatalf("empty key err=%v", err)
	}
	_ = s.Set("a", "ascii", []byte("1"))
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, m := s.Snapshot(1, 1, 1, 0); len(m.Attributes) != 0 {
		t.Fatalf("attributes after delete: %+v", m.Attributes)
	}
}

func TestCacheKeepsNewestVersion(t *testing.T) {
	testlog.Start(t)
	c := NewCache()
	if !c.ApplyAnnounce(schema.DataSourceAnnounce{StreamID: 1, MetaVersion: 4, Name: "new"}) {
		t.Fatalf("first announce refused")
	}
	if c.ApplyAnnounce(schema.DataSourceAnnounce{StreamID: 1, MetaVersion: 3, Name: "old"}) {
		t.Fatalf("older announce applied")
	}
	c.ApplyMeta(schema.DataSourceMeta{StreamID: 1, MetaVersion: 4, Attributes: []schema.Attribute{{Key: "k", Format: "ascii", Value: []byte("v")}}})
	c.ApplyMeta(schema.DataSourceMeta{StreamID: 1, MetaVersion: 2})

	e, ok := c.Get(1)
	if !ok || e.Announce.Name != "new" || len(e.Meta.Attributes) != 1 {
		t.Fatalf("entry got=%+v ok=%t", e, ok)
	}
	a, err := c.Attribute(1, "k")
	if err != nil || string(a.Value) != "v" {
		t.Fatalf("Attribute got=%+v err=%v", a, err)
	}
	if _, err := c.Attribute(1, "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("missing attribute err=%v", err)
	}
	if _, err := c.Attribute(2, "k"); !errors.Is(err, ErrNoAttribute) {
		t.Fatalf("unknown stream err=%v", err)
	}
}
