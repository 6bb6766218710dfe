package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/danmuck/tensorpool/internal/testutil/testlog"
	"github.com/maxatome/go-testdeep/td"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadClientConfigOverridesDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "client.toml", `
client_id = 7
role = "producer"
producer_id = 3
descriptor_stream_id = 2100
keepalive_interval = "250ms"
qos_interval = "2s"
hugepages_supported = true
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	want := DefaultClientConfig()
	want.ClientID = 7
	want.Role = schema.RoleProducer
	want.ProducerID = 3
	want.DescriptorStreamID = 2100
	want.Session.KeepaliveInterval = 250 * time.Millisecond
	want.Session.QosInterval = 2 * time.Second
	want.HugepagesSupported = true
	td.Cmp(t, cfg, want)

	pc := cfg.Producer()
	if pc.ProducerID != 3 || pc.DescriptorStreamID != 2100 || !pc.HugepagesSupported {
		t.Fatalf("producer config got=%+v", pc)
	}
	dc := cfg.DriverClient()
	if dc.ClientID != 7 || dc.Session.KeepaliveInterval != 250*time.Millisecond {
		t.Fatalf("driver client config got=%+v", dc)
	}
	if cc := cfg.Consumer(); cc.Mode != schema.ModeStream || cc.QosCapacity != want.QosCapacity {
		t.Fatalf("consumer config got=%+v", cc)
	}
}

func TestLoadClientConfigZeroValuesStick(t *testing.T) {
	testlog.Start(t)
	cfg, err := ParseClientConfig(`
qos_channel = ""
qos_capacity = 0
`)
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if cfg.QosChannel != "" || cfg.QosCapacity != 0 {
		t.Fatalf("explicit zero values lost got=%+v", cfg)
	}
	if cfg.ControlChannel != "tpool:control" {
		t.Fatalf("default control channel got=%q", cfg.ControlChannel)
	}
}

func TestClientConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"role":         `role = "observer"`,
		"duration":     `attach_timeout = "soon"`,
		"zero timeout": `attach_timeout = "0s"`,
		"same streams": "control_stream_id = 5\nresponse_stream_id = 5",
		"no channel":   `descriptor_channel = ""`,
		"bad toml":     `client_id = `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseClientConfig(body); !errors.Is(err, protocol.ErrArg) {
				t.Fatalf("err=%v want ErrArg", err)
			}
		})
	}
	if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	clientPath := filepath.Join(dir, "client.toml")
	if err := WriteTemplate(clientPath, "client", false); err != nil {
		t.Fatalf("WriteTemplate client: %v", err)
	}
	if err := WriteTemplate(clientPath, "client", false); err == nil {
		t.Fatalf("template overwritten without overwrite flag")
	}
	cfg, err := LoadClientConfig(clientPath)
	if err != nil {
		t.Fatalf("client template: %v", err)
	}
	td.Cmp(t, cfg, DefaultClientConfig())

	layoutPath := filepath.Join(dir, "layout.toml")
	if err := WriteTemplate(layoutPath, "layout", true); err != nil {
		t.Fatalf("WriteTemplate layout: %v", err)
	}
	l, err := LoadLayout(layoutPath)
	if err != nil {
		t.Fatalf("layout template: %v", err)
	}
	if l.Dir != filepath.Join(dir, "regions") || l.HeaderNslots != 64 || len(l.Pools) != 1 {
		t.Fatalf("layout got=%+v", l)
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("unknown template kind accepted")
	}
}

func TestParseLayoutRejects(t *testing.T) {
	testlog.Start(t)
	base := "header_nslots = 8\nheader_slot_bytes = 256\n"
	pool := "[[pools]]\nid = 1\nstride_bytes = 4096\n"
	cases := map[string]string{
		"unknown key":    base + "colour = \"blue\"\n" + pool,
		"no pools":       base,
		"zero nslots":    "header_nslots = 0\nheader_slot_bytes = 256\n" + pool,
		"odd nslots":     "header_nslots = 6\nheader_slot_bytes = 256\n" + pool,
		"small slot":     "header_nslots = 8\nheader_slot_bytes = 64\n" + pool,
		"unaligned slot": "header_nslots = 8\nheader_slot_bytes = 260\n" + pool,
		"duplicate pool": base + pool + pool,
		"big stride":     base + "[[pools]]\nid = 2\nstride_bytes = 8192\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseLayout([]byte(body)); err == nil {
				t.Fatalf("layout accepted:\n%s", body)
			}
		})
	}
	l, err := ParseLayout([]byte(base + pool))
	if err != nil {
		t.Fatalf("ParseLayout: %v", err)
	}
	if l.Epoch != 1 || l.LayoutVersion != 1 {
		t.Fatalf("defaults epoch=%d layout=%d", l.Epoch, l.LayoutVersion)
	}
}

func TestLayoutCreateOpensCleanly(t *testing.T) {
	testlog.Start(t)
	l := Layout{
		Dir:             t.TempDir(),
		StreamID:        42,
		Epoch:           3,
		LayoutVersion:   1,
		HeaderNslots:    4,
		HeaderSlotBytes: 256,
		Pools:           []PoolLayout{{ID: 1, StrideBytes: 1024}, {ID: 2, StrideBytes: 4096}},
	}
	maps, err := l.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, m := range maps {
		if err := m.Unmap(); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
	}

	header, err := shm.Open(l.HeaderURI(), shm.HeaderRing(1, 3, 42, 4, 256), false, false)
	if err != nil {
		t.Fatalf("open header: %v", err)
	}
	defer header.Unmap()
	for _, p := range l.PoolInfos() {
		m, err := shm.Open(p.RegionURI, shm.PayloadPool(1, 3, 42, p), false, false)
		if err != nil {
			t.Fatalf("open pool %d: %v", p.PoolID, err)
		}
		sb, _ := m.Superblock()
		if sb.Nslots != 4 || sb.StrideBytes != p.StrideBytes {
			t.Fatalf("pool %d superblock got=%+v", p.PoolID, sb)
		}
		_ = m.Unmap()
	}

	l.Dir = "relative"
	if _, err := l.Create(); !errors.Is(err, protocol.ErrArg) {
		t.Fatalf("relative dir err=%v", err)
	}
}
