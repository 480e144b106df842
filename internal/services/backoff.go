package services

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy returns the delay before reconnect attempt n (1-based).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	if b.Interval <= 0 {
		return 5 * time.Second
	}
	return b.Interval
}

// ExponentialBackoff doubles Base per attempt up to Max and picks a random
// delay in the upper half of that window.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = 2 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// NewBackoffPolicy maps the configured policy name onto an implementation.
func NewBackoffPolicy(name string, delay time.Duration) BackoffPolicy {
	if name == "exponential" {
		return ExponentialBackoff{Base: delay}
	}
	return FixedBackoff{Interval: delay}
}
