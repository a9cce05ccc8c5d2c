package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"promobot/internal/campaign"
)

// Fake is a deterministic, seedable Transport for tests and dry runs.
//
// Outcomes are drawn from the seeded rng according to the configured rates,
// unless a scripted outcome is queued for the target via FailNext/Script.
// All sends are recorded and can be inspected with Sent().
type Fake struct {
	mu sync.Mutex

	rng       *rand.Rand
	failRate  float64 // probability of a transient failure per send
	latency   time.Duration
	connected map[string]bool
	scripted  map[string][]error // per-target queued outcomes, consumed in order
	sent      []FakeSend
	seq       int
}

// FakeSend is one recorded delivery attempt.
type FakeSend struct {
	AccountID string
	TargetID  string
	Content   string
	At        time.Time
}

// NewFake creates a fake transport with the given seed. failRate is the
// probability in [0,1] that an unscripted send fails transiently.
func NewFake(seed int64, failRate float64) *Fake {
	return &Fake{
		rng:       rand.New(rand.NewSource(seed)),
		failRate:  failRate,
		connected: map[string]bool{},
		scripted:  map[string][]error{},
	}
}

// SetLatency makes every Send sleep for d (respecting ctx cancellation).
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	f.latency = d
	f.mu.Unlock()
}

// Script queues outcomes for targetID. Each Send to that target consumes one
// entry (nil means success) before random outcomes resume.
func (f *Fake) Script(targetID string, outcomes ...error) {
	f.mu.Lock()
	f.scripted[targetID] = append(f.scripted[targetID], outcomes...)
	f.mu.Unlock()
}

func (f *Fake) Connect(_ context.Context, acc campaign.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc.Credentials == "" {
		return Classify(FailureAuth, errors.New("missing credentials"))
	}
	f.connected[acc.ID] = true
	return nil
}

func (f *Fake) Send(ctx context.Context, acc campaign.Account, target campaign.TargetGroup, content string) (Ack, error) {
	f.mu.Lock()
	latency := f.latency
	f.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Ack{}, Classify(FailureTransient, ctx.Err())
		case <-t.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[acc.ID] {
		return Ack{}, Classify(FailureAuth, fmt.Errorf("account %s not connected", acc.ID))
	}
	if q := f.scripted[target.ID]; len(q) > 0 {
		out := q[0]
		f.scripted[target.ID] = q[1:]
		if out != nil {
			return Ack{}, out
		}
	} else if f.failRate > 0 && f.rng.Float64() < f.failRate {
		return Ack{}, Classify(FailureTransient, errors.New("simulated network error"))
	}
	f.seq++
	now := time.Now()
	f.sent = append(f.sent, FakeSend{AccountID: acc.ID, TargetID: target.ID, Content: content, At: now})
	return Ack{MessageID: fmt.Sprintf("fake-%d", f.seq), At: now}, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.connected = map[string]bool{}
	f.mu.Unlock()
	return nil
}

// Sent returns a copy of all recorded deliveries.
func (f *Fake) Sent() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// Disconnect simulates a dropped session for accountID.
func (f *Fake) Disconnect(accountID string) {
	f.mu.Lock()
	delete(f.connected, accountID)
	f.mu.Unlock()
}
