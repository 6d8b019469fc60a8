package storage

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const backoffMultiplier = 2

// syncDelay is the reconciliation pause: floor after a success, doubled after
// each failure, capped at ceiling.
//
// It wraps a non-randomised ExponentialBackOff so the sequence is exact:
// 5s, 10s, 20s, 40s, 80s, 160s, 300s, 300s, ...
type syncDelay struct {
	policy  *backoff.ExponentialBackOff
	current time.Duration
}

func newSyncDelay(floor, ceiling time.Duration) *syncDelay {
	d := &syncDelay{
		policy: &backoff.ExponentialBackOff{
			InitialInterval:     floor,
			RandomizationFactor: 0,
			Multiplier:          backoffMultiplier,
			MaxInterval:         ceiling,
			MaxElapsedTime:      0, // never give up
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
	}
	d.Reset()

	return d
}

// Reset returns the delay to the floor.
func (d *syncDelay) Reset() {
	d.policy.Reset()
	d.current = d.policy.NextBackOff()
}

// Fail advances the delay after a failed sync and returns it.
func (d *syncDelay) Fail() time.Duration {
	d.current = d.policy.NextBackOff()

	return d.current
}

// Current returns the delay to sleep before the next pass.
func (d *syncDelay) Current() time.Duration {
	return d.current
}
