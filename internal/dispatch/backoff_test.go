package dispatch

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"promobot/internal/transport"
)

func TestBackoffExponential(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 30 * time.Second, RetryMaxDelay: 10 * time.Minute}
	err := errors.New("boom")

	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffDelay(cfg, attempt, err, nil)
		if d < prev {
			t.Fatalf("delay decreased: attempt %d gave %v after %v", attempt, d, prev)
		}
		if d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d exceeded cap: %v", attempt, d)
		}
		prev = d
	}
	if got := backoffDelay(cfg, 1, err, nil); got != 30*time.Second {
		t.Fatalf("attempt 1 = %v, want 30s", got)
	}
	if got := backoffDelay(cfg, 3, err, nil); got != 2*time.Minute {
		t.Fatalf("attempt 3 = %v, want 2m", got)
	}
	if got := backoffDelay(cfg, 20, err, nil); got != cfg.RetryMaxDelay {
		t.Fatalf("deep attempt = %v, want cap %v", got, cfg.RetryMaxDelay)
	}
}

func TestBackoffRetryAfterHint(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 30 * time.Second, RetryMaxDelay: 10 * time.Minute}

	hinted := transport.RateLimited(errors.New("flood wait"), 77*time.Second)
	if got := backoffDelay(cfg, 1, hinted, nil); got != 77*time.Second {
		t.Fatalf("hinted delay = %v, want 77s", got)
	}
	// The hint is still bounded by the cap.
	huge := transport.RateLimited(errors.New("flood wait"), time.Hour)
	if got := backoffDelay(cfg, 1, huge, nil); got != cfg.RetryMaxDelay {
		t.Fatalf("capped hint = %v, want %v", got, cfg.RetryMaxDelay)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Minute, RetryMaxDelay: time.Hour, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	err := errors.New("boom")

	for i := 0; i < 200; i++ {
		d := backoffDelay(cfg, 2, err, rng)
		lo := time.Duration(float64(2*time.Minute) * 0.8)
		hi := time.Duration(float64(2*time.Minute) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestPacingDelay(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	minD, maxD := 60*time.Second, 180*time.Second

	for i := 0; i < 500; i++ {
		d := pacingDelay(minD, maxD, true, rng)
		if d < minD || d > maxD {
			t.Fatalf("pacing %v outside [%v, %v]", d, minD, maxD)
		}
	}
	if got := pacingDelay(minD, maxD, false, rng); got != minD {
		t.Fatalf("fixed pacing = %v, want %v", got, minD)
	}
	if got := pacingDelay(minD, minD, true, rng); got != minD {
		t.Fatalf("degenerate range = %v, want %v", got, minD)
	}
	if got := pacingDelay(-time.Second, -time.Second, true, rng); got != 0 {
		t.Fatalf("negative bounds = %v, want 0", got)
	}
}
