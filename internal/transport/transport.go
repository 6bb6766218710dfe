// Package transport is the publish/subscribe boundary control and
// descriptor messages travel over. Implementations assemble fragments, so
// handlers always see one complete message per call.
package transport

import (
	"errors"
	"fmt"

	"github.com/danmuck/tensorpool/internal/logging"
	"github.com/danmuck/tensorpool/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackPressured = fmt.Errorf("transport: back pressured: %w", protocol.ErrTransport)
	ErrNotConnected  = fmt.Errorf("transport: not connected: %w", protocol.ErrTransport)
	ErrAdminAction   = fmt.Errorf("transport: admin action: %w", protocol.ErrTransport)
	ErrClosed        = fmt.Errorf("transport: closed: %w", protocol.ErrTransport)
)

// Retryable reports whether a publish status is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackPressured) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrAdminAction)
}

// Claim is buffer space reserved on a publication. Exactly one of Commit
// or Abort must be called.
type Claim interface {
	Buffer() []byte
	Commit() (int64, error)
	Abort()
}

// Publication sends messages on one channel/stream.
type Publication interface {
	TryClaim(length int) (Claim, error)
	Offer(msg []byte) (int64, error)
	IsConnected() bool
	Channel() string
	StreamID() uint32
	Close() error
}

// FragmentHandler receives one complete message. buf is only valid for
// the duration of the call.
type FragmentHandler func(buf []byte)

// Subscription receives messages on one channel/stream.
type Subscription interface {
	Poll(handler FragmentHandler, limit int) (int, error)
	Channel() string
	StreamID() uint32
	Close() error
}

// Transport creates endpoints.
type Transport interface {
	AddPublication(channel string, streamID uint32) (Publication, error)
	AddSubscription(channel string, streamID uint32) (Subscription, error)
}

// Encoder is a message that encodes itself at an offset.
type Encoder interface {
	EncodedLength() int
	Encode(buf []byte, offset int) (int, error)
}

// Send encodes m directly into claimed publication space.
func Send(pub Publication, name string, m Encoder) (int64, error) {
	claim, err := pub.TryClaim(m.EncodedLength())
	if err != nil {
		logPublishFailure(pub, name, err)
		return 0, err
	}
	if _, err := m.Encode(claim.Buffer(), 0); err != nil {
		claim.Abort()
		logPublishFailure(pub, name, err)
		return 0, err
	}
	pos, err := claim.Commit()
	if err != nil {
		logPublishFailure(pub, name, err)
		return 0, err
	}
	return pos, nil
}

func logPublishFailure(pub Publication, name string, err error) {
	if !logging.DebugPublish() {
		return
	}
	log.Warn().
		Str("channel", pub.Channel()).
		Uint32("stream", pub.StreamID()).
		Str("message", name).
		Bool("retryable", Retryable(err)).
		Err(err).
		Msg("transport publish failed")
}
