package worker

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 60 * time.Second
	defaultBackoffCap  = 600 * time.Second
	backoffFactor      = 2.0
	backoffJitter      = 0.25
)

// backoffDelay computes the redelivery delay for the given retry attempt:
// base * factor^attempt with +/-25% jitter, capped.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
		if time.Duration(d) >= cap {
			d = float64(cap)
			break
		}
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	delay := time.Duration(d * jitter)
	if delay > cap {
		delay = cap
	}
	if delay < 0 {
		delay = base
	}
	return delay
}
