package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
)

type color uint8

const (
	colorRed  color = 1
	colorBlue color = 2
)

func (c color) Valid() bool { return c == colorRed || c == colorBlue }

var testLayout = Layout{Name: "test", TemplateID: 7, SchemaID: 42, Version: 2, BlockLength: 16}

var (
	fID      = Field[uint64]{Offset: 0}
	fCount   = Field[uint32]{Offset: 8}
	fKind    = Field[uint16]{Offset: 12}
	fColor   = EnumField[color]{Offset: 14}
	fFlag    = Field[uint8]{Offset: 15, SinceVersion: 2}
	itemsGrp = GroupLayout{Name: "items", BlockLength: 4}
	itemVal  = Field[uint32]{Offset: 0}
	namesGrp = GroupLayout{Name: "names", BlockLength: 2, HasVarData: true}
	nameTag  = Field[uint16]{Offset: 0}
)

func encodeTest(t *testing.T, buf []byte) int {
	t.Helper()
	c, err := WrapAndApplyHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	b := c.Root()
	fID.Put(b, 0xDEADBEEF01)
	fCount.Put(b, 3)
	fKind.Put(b, 9)
	fColor.Put(b, colorBlue)
	fFlag.Put(b, 1)
	if err := c.PutVarString("hello"); err != nil {
		t.Fatalf("put var: %v", err)
	}
	if err := c.PutVarData(nil); err != nil {
		t.Fatalf("put empty var: %v", err)
	}
	g, err := c.EncodeGroup(itemsGrp, 2)
	if err != nil {
		t.Fatalf("encode group: %v", err)
	}
	for i := uint32(0); i < 2; i++ {
		eb, err := g.Next()
		if err != nil {
			t.Fatalf("group next: %v", err)
		}
		itemVal.Put(eb, 100+i)
	}
	ng, err := c.EncodeGroup(namesGrp, 1)
	if err != nil {
		t.Fatalf("encode names: %v", err)
	}
	eb, err := ng.Next()
	if err != nil {
		t.Fatalf("names next: %v", err)
	}
	nameTag.Put(eb, 77)
	if err := c.PutVarString("n0"); err != nil {
		t.Fatalf("put name: %v", err)
	}
	return c.Position()
}

const testEncodedLen = HeaderLength + 16 + (4 + 5) + 4 + (4 + 2*4) + (4 + 2 + 4 + 2)

func TestCodecRoundTrip(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	end := encodeTest(t, buf)
	if end != testEncodedLen {
		t.Fatalf("encoded end got=%d want=%d", end, testEncodedLen)
	}

	c, err := WrapAndCheckHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap decode: %v", err)
	}
	b := c.Root()
	if fID.Get(b) != 0xDEADBEEF01 || fCount.Get(b) != 3 || fKind.Get(b) != 9 || fFlag.Get(b) != 1 {
		t.Fatalf("fixed fields mismatch")
	}
	if col, err := fColor.Get(b); err != nil || col != colorBlue {
		t.Fatalf("enum got=%v err=%v", col, err)
	}
	s, err := c.VarString()
	if err != nil || s != "hello" {
		t.Fatalf("var string got=%q err=%v", s, err)
	}
	empty, err := c.VarData()
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty var got=%v err=%v", empty, err)
	}
	g, err := c.DecodeGroup(itemsGrp)
	if err != nil || g.Count() != 2 {
		t.Fatalf("group count got=%d err=%v", g.Count(), err)
	}
	for i := uint32(0); g.HasNext(); i++ {
		eb, err := g.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if v := itemVal.Get(eb); v != 100+i {
			t.Fatalf("item %d got=%d", i, v)
		}
	}
	if _, err := g.Next(); !errors.Is(err, ErrGroupOverrun) {
		t.Fatalf("expected ErrGroupOverrun, got %v", err)
	}
	ng, err := c.DecodeGroup(namesGrp)
	if err != nil {
		t.Fatalf("decode names: %v", err)
	}
	if ng.BlockLength() != 2 {
		t.Fatalf("var group should fall back to schema block length, got=%d", ng.BlockLength())
	}
	eb, err := ng.Next()
	if err != nil || nameTag.Get(eb) != 77 {
		t.Fatalf("name tag err=%v", err)
	}
	if name, err := c.VarString(); err != nil || name != "n0" {
		t.Fatalf("name got=%q err=%v", name, err)
	}
	if c.Position() != end {
		t.Fatalf("decode end got=%d want=%d", c.Position(), end)
	}
}

func TestVarGroupWritesZeroBlockLength(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	encodeTest(t, buf)
	namesAt := testEncodedLen - (4 + 2 + 4 + 2)
	if buf[namesAt] != 0 || buf[namesAt+1] != 0 {
		t.Fatalf("expected declared block length 0, got %v", buf[namesAt:namesAt+2])
	}
}

func TestEncodeOneByteShortFails(t *testing.T) {
	testlog.Start(t)
	for short := 1; short <= testEncodedLen; short++ {
		buf := make([]byte, testEncodedLen-short)
		c, err := WrapAndApplyHeader(buf, 0, testLayout)
		if err != nil {
			if !errors.Is(err, ErrBufferTooShort) {
				t.Fatalf("short=%d wrap err=%v", short, err)
			}
			continue
		}
		failed := false
		steps := []func() error{
			func() error { return c.PutVarString("hello") },
			func() error { return c.PutVarData(nil) },
			func() error {
				g, err := c.EncodeGroup(itemsGrp, 2)
				if err != nil {
					return err
				}
				for g.HasNext() {
					if _, err := g.Next(); err != nil {
						return err
					}
				}
				return nil
			},
			func() error {
				g, err := c.EncodeGroup(namesGrp, 1)
				if err != nil {
					return err
				}
				if _, err := g.Next(); err != nil {
					return err
				}
				return c.PutVarString("n0")
			},
		}
		for _, step := range steps {
			if err := step(); err != nil {
				if !errors.Is(err, ErrBufferTooShort) || !errors.Is(err, protocol.ErrProtocol) {
					t.Fatalf("short=%d unexpected err=%v", short, err)
				}
				failed = true
				break
			}
		}
		if !failed {
			t.Fatalf("short=%d encode should fail", short)
		}
		if c.Position() > len(buf) {
			t.Fatalf("cursor past buffer: %d > %d", c.Position(), len(buf))
		}
	}
}

func TestPutVarDataDoesNotWriteOnFailure(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, HeaderLength+16+6)
	c, err := WrapAndApplyHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	before := append([]byte(nil), buf...)
	if err := c.PutVarString("hello"); !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("expected ErrBufferTooShort, got %v", err)
	}
	if !bytes.Equal(before, buf) {
		t.Fatalf("failed write modified the buffer")
	}
	if c.Position() != HeaderLength+16 {
		t.Fatalf("cursor moved on failure: %d", c.Position())
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	testlog.Start(t)
	full := make([]byte, testEncodedLen)
	encodeTest(t, full)
	buf := full[:testEncodedLen-1]
	c, err := WrapAndCheckHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := c.VarString(); err != nil {
		t.Fatalf("first var: %v", err)
	}
	if _, err := c.SkipVarData(); err != nil {
		t.Fatalf("empty var: %v", err)
	}
	g, _ := c.DecodeGroup(itemsGrp)
	for g.HasNext() {
		if _, err := g.Next(); err != nil {
			t.Fatalf("items: %v", err)
		}
	}
	ng, err := c.DecodeGroup(namesGrp)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if _, err := ng.Next(); err != nil {
		t.Fatalf("names next: %v", err)
	}
	if _, err := c.VarString(); !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("expected ErrBufferTooShort, got %v", err)
	}
}

func TestGroupNextBoundsChecked(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, HeaderLength+16+4+4)
	c, err := WrapAndApplyHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	g, err := c.EncodeGroup(itemsGrp, 2)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if _, err := g.Next(); err != nil {
		t.Fatalf("first element: %v", err)
	}
	_, err = g.Next()
	if !errors.Is(err, ErrGroupElementTooShort) || !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("expected ErrGroupElementTooShort, got %v", err)
	}
}

func TestUnknownEnumValueFails(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	encodeTest(t, buf)
	buf[HeaderLength+14] = 9
	c, err := WrapAndCheckHeader(buf, 0, testLayout)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := fColor.Get(c.Root()); !errors.Is(err, ErrUnknownEnumValue) {
		t.Fatalf("expected ErrUnknownEnumValue, got %v", err)
	}
}

func TestActingVersionAndBlockLength(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	encodeTest(t, buf)

	old, err := WrapForDecode(buf, HeaderLength, 16, 1)
	if err != nil {
		t.Fatalf("wrap old: %v", err)
	}
	if fFlag.InActingVersion(old.Root()) {
		t.Fatalf("flag should be absent in version 1")
	}
	if got := fFlag.Get(old.Root()); got != fFlag.Null() {
		t.Fatalf("absent field should read null, got=%d", got)
	}

	// A shorter acting block hides trailing fields and moves the cursor back.
	short, err := WrapForDecode(buf, HeaderLength, 12, 2)
	if err != nil {
		t.Fatalf("wrap short: %v", err)
	}
	if fKind.InActingVersion(short.Root()) {
		t.Fatalf("kind lies outside the acting block")
	}
	if short.Position() != HeaderLength+12 {
		t.Fatalf("cursor got=%d", short.Position())
	}
}

func TestHeaderChecks(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	encodeTest(t, buf)
	other := testLayout
	other.SchemaID = 43
	if _, err := WrapAndCheckHeader(buf, 0, other); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	other = testLayout
	other.TemplateID = 8
	if _, err := WrapAndCheckHeader(buf, 0, other); !errors.Is(err, ErrTemplateMismatch) {
		t.Fatalf("expected ErrTemplateMismatch, got %v", err)
	}
	if _, err := DecodeHeader(buf[:7], 0); !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("expected ErrBufferTooShort, got %v", err)
	}
}

func TestVarDataAccessorsAgreeOnCursor(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, testEncodedLen)
	encodeTest(t, buf)
	start := HeaderLength + 16

	a, _ := WrapForDecode(buf, HeaderLength, 16, 2)
	dst := make([]byte, 2)
	n, err := a.GetVarData(dst)
	if err != nil || n != 2 || string(dst) != "he" {
		t.Fatalf("copy form got=%q n=%d err=%v", dst, n, err)
	}
	b, _ := WrapForDecode(buf, HeaderLength, 16, 2)
	view, err := b.VarData()
	if err != nil || string(view) != "hello" {
		t.Fatalf("view form got=%q err=%v", view, err)
	}
	c, _ := WrapForDecode(buf, HeaderLength, 16, 2)
	l, err := c.VarDataLength()
	if err != nil || l != 5 || c.Position() != start {
		t.Fatalf("peek got=%d err=%v pos=%d", l, err, c.Position())
	}
	if _, err := c.SkipVarData(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if a.Position() != b.Position() || b.Position() != c.Position() || a.Position() != start+4+5 {
		t.Fatalf("cursor mismatch a=%d b=%d c=%d", a.Position(), b.Position(), c.Position())
	}
}

func TestNullSentinels(t *testing.T) {
	testlog.Start(t)
	if NullOf[uint8]() != 0xFF || NullOf[uint16]() != 0xFFFF {
		t.Fatalf("unexpected small null sentinels")
	}
	if NullOf[uint32]() != 0xFFFFFFFE {
		t.Fatalf("u32 null got=%#x", NullOf[uint32]())
	}
	if NullOf[uint64]() != 0xFFFFFFFFFFFFFFFF {
		t.Fatalf("u64 null got=%#x", NullOf[uint64]())
	}
}

func TestArrayField(t *testing.T) {
	testlog.Start(t)
	arr := ArrayField[uint32]{Offset: 0, Length: 4}
	b := Block{buf: make([]byte, 16), version: 1}
	for i := range b.buf {
		b.buf[i] = 0xAA
	}
	if err := arr.Write(b, []uint32{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := make([]uint32, 4)
	if n := arr.Read(b, out); n != 4 || out[0] != 1 || out[1] != 2 || out[2] != 0 || out[3] != 0 {
		t.Fatalf("read got=%v n=%d", out, n)
	}
	if err := arr.Write(b, make([]uint32, 5)); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}
