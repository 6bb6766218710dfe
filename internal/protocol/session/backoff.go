package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the idle delay for empty poll N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Idler paces a caller-driven poll loop: it never sleeps after a poll
// that did work and backs off across consecutive empty polls.
type Idler struct {
	cfg   BackoffConfig
	empty int
	rng   *rand.Rand
	sleep func(time.Duration)
}

func NewIdler(cfg BackoffConfig) *Idler {
	return &Idler{cfg: cfg, sleep: time.Sleep}
}

// Idle is called once per loop iteration with the work count of the poll.
func (i *Idler) Idle(workCount int) {
	if workCount > 0 {
		i.empty = 0
		return
	}
	i.empty++
	if d := NextBackoffDelay(i.cfg, i.empty, i.rng); d > 0 {
		i.sleep(d)
	}
}

// Reset forgets the empty-poll streak.
func (i *Idler) Reset() { i.empty = 0 }
