package dispatch

import (
	"math/rand"
	"time"

	"promobot/internal/transport"
)

// backoffDelay computes the retry delay after the given failed attempt
// (1-based): base doubled per attempt, capped, with optional jitter.
// A retry-after hint carried by err overrides the exponential curve but is
// still bounded by the cap.
func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}

	if hint, ok := transport.RetryAfterOf(err); ok {
		if hint > maxD {
			hint = maxD
		}
		return hint
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// pacingDelay draws the pre-send wait from the schedule's [min, max] bounds.
// With randomization off it is the fixed minimum.
func pacingDelay(minD, maxD time.Duration, randomize bool, rng *rand.Rand) time.Duration {
	if minD < 0 {
		minD = 0
	}
	if maxD < minD {
		maxD = minD
	}
	if !randomize || maxD == minD || rng == nil {
		return minD
	}
	return minD + time.Duration(rng.Int63n(int64(maxD-minD)+1))
}
