package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
	"github.com/danmuck/tensorpool/internal/qos"
)

// ClientConfig is everything a producer or consumer process needs to
// reach the driver and its stream.
type ClientConfig struct {
	ClientID   uint32
	StreamID   uint32
	Role       schema.Role
	ProducerID uint32
	ConsumerID uint32
	// LayoutVersion is the expected region layout; 0 accepts the driver's.
	LayoutVersion uint32

	ControlChannel   string
	ControlStreamID  uint32
	ResponseStreamID uint32

	DescriptorChannel  string
	DescriptorStreamID uint32
	QosChannel         string
	QosStreamID        uint32
	MetadataStreamID   uint32
	QosCapacity        int

	HugepagesSupported bool
	AdminAddr          string

	Session session.Config
}

// DefaultClientConfig matches the channel layout of the bundled driver.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ClientID:           1,
		StreamID:           10000,
		Role:               schema.RoleConsumer,
		ProducerID:         1,
		ConsumerID:         1,
		ControlChannel:     "tpool:control",
		ControlStreamID:    1000,
		ResponseStreamID:   1001,
		DescriptorChannel:  "tpool:data",
		DescriptorStreamID: 2000,
		QosChannel:         "tpool:qos",
		QosStreamID:        3000,
		MetadataStreamID:   3001,
		QosCapacity:        qos.DefaultCapacity,
		AdminAddr:          ":9400",
		Session:            session.DefaultConfig(),
	}
}

type clientFile struct {
	ClientID           uint32 `toml:"client_id"`
	StreamID           uint32 `toml:"stream_id"`
	Role               string `toml:"role"`
	ProducerID         uint32 `toml:"producer_id"`
	ConsumerID         uint32 `toml:"consumer_id"`
	LayoutVersion      uint32 `toml:"layout_version"`
	ControlChannel     string `toml:"control_channel"`
	ControlStreamID    uint32 `toml:"control_stream_id"`
	ResponseStreamID   uint32 `toml:"response_stream_id"`
	DescriptorChannel  string `toml:"descriptor_channel"`
	DescriptorStreamID uint32 `toml:"descriptor_stream_id"`
	QosChannel         string `toml:"qos_channel"`
	QosStreamID        uint32 `toml:"qos_stream_id"`
	MetadataStreamID   uint32 `toml:"metadata_stream_id"`
	QosCapacity        int    `toml:"qos_capacity"`
	AttachTimeout      string `toml:"attach_timeout"`
	DetachTimeout      string `toml:"detach_timeout"`
	KeepaliveInterval  string `toml:"keepalive_interval"`
	QosInterval        string `toml:"qos_interval"`
	AnnounceInterval   string `toml:"announce_interval"`
	HugepagesSupported bool   `toml:"hugepages_supported"`
	AdminAddr          string `toml:"admin_addr"`
}

// LoadClientConfig reads path and applies every key it defines on top of
// DefaultClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w: %w", protocol.ErrArg, err)
	}
	cfg, err := applyClientFile(DefaultClientConfig(), raw, meta)
	if err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ParseClientConfig is LoadClientConfig for in-memory TOML.
func ParseClientConfig(data string) (ClientConfig, error) {
	var raw clientFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config: %w: %w", protocol.ErrArg, err)
	}
	cfg, err := applyClientFile(DefaultClientConfig(), raw, meta)
	if err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func applyClientFile(cfg ClientConfig, raw clientFile, meta toml.MetaData) (ClientConfig, error) {
	if meta.IsDefined("client_id") {
		cfg.ClientID = raw.ClientID
	}
	if meta.IsDefined("stream_id") {
		cfg.StreamID = raw.StreamID
	}
	if meta.IsDefined("role") {
		role, err := ParseRole(raw.Role)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.Role = role
	}
	if meta.IsDefined("producer_id") {
		cfg.ProducerID = raw.ProducerID
	}
	if meta.IsDefined("consumer_id") {
		cfg.ConsumerID = raw.ConsumerID
	}
	if meta.IsDefined("layout_version") {
		cfg.LayoutVersion = raw.LayoutVersion
	}
	if meta.IsDefined("control_channel") {
		cfg.ControlChannel = strings.TrimSpace(raw.ControlChannel)
	}
	if meta.IsDefined("control_stream_id") {
		cfg.ControlStreamID = raw.ControlStreamID
	}
	if meta.IsDefined("response_stream_id") {
		cfg.ResponseStreamID = raw.ResponseStreamID
	}
	if meta.IsDefined("descriptor_channel") {
		cfg.DescriptorChannel = strings.TrimSpace(raw.DescriptorChannel)
	}
	if meta.IsDefined("descriptor_stream_id") {
		cfg.DescriptorStreamID = raw.DescriptorStreamID
	}
	if meta.IsDefined("qos_channel") {
		cfg.QosChannel = strings.TrimSpace(raw.QosChannel)
	}
	if meta.IsDefined("qos_stream_id") {
		cfg.QosStreamID = raw.QosStreamID
	}
	if meta.IsDefined("metadata_stream_id") {
		cfg.MetadataStreamID = raw.MetadataStreamID
	}
	if meta.IsDefined("qos_capacity") {
		cfg.QosCapacity = raw.QosCapacity
	}
	if meta.IsDefined("hugepages_supported") {
		cfg.HugepagesSupported = raw.HugepagesSupported
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"attach_timeout", raw.AttachTimeout, &cfg.Session.AttachTimeout},
		{"detach_timeout", raw.DetachTimeout, &cfg.Session.DetachTimeout},
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.Session.KeepaliveInterval},
		{"qos_interval", raw.QosInterval, &cfg.Session.QosInterval},
		{"announce_interval", raw.AnnounceInterval, &cfg.Session.AnnounceInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse %s: %w: %w", d.key, protocol.ErrArg, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// ParseRole accepts "producer" or "consumer".
func ParseRole(s string) (schema.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer":
		return schema.RoleProducer, nil
	case "consumer":
		return schema.RoleConsumer, nil
	}
	return 0, fmt.Errorf("unknown role %q: %w", s, protocol.ErrArg)
}

func ValidateClientConfig(cfg ClientConfig) error {
	if !cfg.Role.Valid() {
		return fmt.Errorf("client config role=%d: %w", cfg.Role, protocol.ErrArg)
	}
	if cfg.ControlChannel == "" {
		return fmt.Errorf("client config missing control_channel: %w", protocol.ErrArg)
	}
	if cfg.DescriptorChannel == "" {
		return fmt.Errorf("client config missing descriptor_channel: %w", protocol.ErrArg)
	}
	if cfg.ControlStreamID == cfg.ResponseStreamID {
		return fmt.Errorf("client config control and response stream both %d: %w", cfg.ControlStreamID, protocol.ErrArg)
	}
	if cfg.QosCapacity < 0 {
		return fmt.Errorf("client config qos_capacity=%d: %w", cfg.QosCapacity, protocol.ErrArg)
	}
	for name, d := range map[string]time.Duration{
		"attach_timeout":     cfg.Session.AttachTimeout,
		"detach_timeout":     cfg.Session.DetachTimeout,
		"keepalive_interval": cfg.Session.KeepaliveInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("client config %s=%s must be positive: %w", name, d, protocol.ErrArg)
		}
	}
	return nil
}
