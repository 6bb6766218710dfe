package config

import (
	"github.com/danmuck/tensorpool/internal/consumer"
	"github.com/danmuck/tensorpool/internal/driverclient"
	"github.com/danmuck/tensorpool/internal/producer"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
)

func (c ClientConfig) DriverClient() driverclient.Config {
	return driverclient.Config{
		ClientID:         c.ClientID,
		ControlChannel:   c.ControlChannel,
		ControlStreamID:  c.ControlStreamID,
		ResponseStreamID: c.ResponseStreamID,
		Session:          c.Session,
	}
}

func (c ClientConfig) Producer() producer.Config {
	return producer.Config{
		StreamID:           c.StreamID,
		ProducerID:         c.ProducerID,
		LayoutVersion:      c.LayoutVersion,
		PublishMode:        schema.PublishRequireExisting,
		DescriptorChannel:  c.DescriptorChannel,
		DescriptorStreamID: c.DescriptorStreamID,
		QosChannel:         c.QosChannel,
		QosStreamID:        c.QosStreamID,
		MetadataStreamID:   c.MetadataStreamID,
		HugepagesSupported: c.HugepagesSupported,
		Session:            c.Session,
	}
}

func (c ClientConfig) Consumer() consumer.Config {
	return consumer.Config{
		StreamID:           c.StreamID,
		ConsumerID:         c.ConsumerID,
		LayoutVersion:      c.LayoutVersion,
		Mode:               schema.ModeStream,
		DescriptorChannel:  c.DescriptorChannel,
		DescriptorStreamID: c.DescriptorStreamID,
		QosChannel:         c.QosChannel,
		QosStreamID:        c.QosStreamID,
		MetadataStreamID:   c.MetadataStreamID,
		QosCapacity:        c.QosCapacity,
		HugepagesSupported: c.HugepagesSupported,
		Session:            c.Session,
	}
}
