package session

import "time"

// BackoffConfig defines idle backoff between empty polls.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines client session cadence defaults.
type Config struct {
	AttachTimeout     time.Duration
	DetachTimeout     time.Duration
	KeepaliveInterval time.Duration
	QosInterval       time.Duration
	AnnounceInterval  time.Duration
	Idle              BackoffConfig
}

// DefaultConfig returns the cadence a client uses when none is configured.
func DefaultConfig() Config {
	return Config{
		AttachTimeout:     5 * time.Second,
		DetachTimeout:     5 * time.Second,
		KeepaliveInterval: time.Second,
		QosInterval:       time.Second,
		AnnounceInterval:  time.Second,
		Idle: BackoffConfig{
			InitialDelay: 50 * time.Microsecond,
			Multiplier:   2.0,
			MaxDelay:     time.Millisecond,
			Jitter:       false,
		},
	}
}
