package producer

import (
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/protocol/session"
)

// Config is everything a producer needs beyond its driver client.
type Config struct {
	StreamID      uint32
	ProducerID    uint32
	LayoutVersion uint32
	PublishMode   schema.PublishMode

	DescriptorChannel  string
	DescriptorStreamID uint32
	// QosChannel carries pool announces and QoS reports on QosStreamID
	// and data-source metadata on MetadataStreamID. Empty disables them.
	QosChannel       string
	QosStreamID      uint32
	MetadataStreamID uint32

	HugepagesSupported bool
	SourceName         string
	SourceSummary      string

	Session session.Config
}
