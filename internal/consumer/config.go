package consumer

import (
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
)

// Config is everything a consumer needs beyond its driver client.
type Config struct {
	StreamID      uint32
	ConsumerID    uint32
	LayoutVersion uint32
	Mode          schema.ConsumerMode

	DescriptorChannel  string
	DescriptorStreamID uint32
	// QosChannel carries QoS reports and pool announces on QosStreamID
	// and data-source metadata on MetadataStreamID. Empty disables them.
	QosChannel       string
	QosStreamID      uint32
	MetadataStreamID uint32
	QosCapacity      int

	HugepagesSupported bool

	Session session.Config
}
