package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"promobot/internal/accounts"
	"promobot/internal/campaign"
	"promobot/internal/eventbus"
	"promobot/internal/ledger"
	"promobot/internal/quota"
	"promobot/internal/ratelimit"
	"promobot/internal/transport"
	"promobot/pkg/logx"
)

// fakeClock advances simulated time whenever someone waits on it, so pacing
// and backoff delays resolve instantly in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	at := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- at
	return ch
}

type harness struct {
	reg   *campaign.Registry
	pool  *accounts.Pool
	subs  *quota.Memory
	led   *ledger.Ledger
	queue *Queue
	fake  *transport.Fake
	clock *fakeClock
	svc   *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessTransport(t, cfg, nil)
}

// newHarnessTransport lets a test wrap the fake transport, e.g. to inject
// faults the fake cannot script.
func newHarnessTransport(t *testing.T, cfg Config, wrap func(*transport.Fake) transport.Transport) *harness {
	t.Helper()
	reg := campaign.NewRegistry()
	limits := ratelimit.NewHourly(0)
	pool := accounts.NewPool(limits, nil, logx.Nop())
	led := ledger.New(ledger.Config{}, nil, nil, logx.Nop())
	subs := quota.NewMemory()
	fake := transport.NewFake(1, 0)
	var tr transport.Transport = fake
	if wrap != nil {
		tr = wrap(fake)
	}
	queue := NewQueue(reg)
	clock := newFakeClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	svc := New(cfg, Deps{
		Queue:     queue,
		Pool:      pool,
		Limits:    limits,
		Registry:  reg,
		Ledger:    led,
		Quota:     subs,
		Transport: tr,
		Bus:       eventbus.New(),
		Clock:     clock,
		Log:       logx.Nop(),
	})

	if err := reg.PutTemplate(campaign.MessageTemplate{ID: "tmpl", Content: "hello"}); err != nil {
		t.Fatalf("PutTemplate error: %v", err)
	}
	if err := reg.PutTarget(campaign.TargetGroup{ID: "g1", Username: "@group1"}); err != nil {
		t.Fatalf("PutTarget error: %v", err)
	}
	sch := campaign.Schedule{
		ID:       "always",
		MinDelay: 60 * time.Second,
		MaxDelay: 180 * time.Second,
		ActiveDays: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		Active:    true,
		Watermark: campaign.Watermark{Enabled: true, Text: "via promo", Position: campaign.WatermarkEnd},
	}
	if err := reg.PutSchedule(sch); err != nil {
		t.Fatalf("PutSchedule error: %v", err)
	}

	h := &harness{reg: reg, pool: pool, subs: subs, led: led, queue: queue, fake: fake, clock: clock, svc: svc}
	h.addAccount(t, "acc1", false)
	return h
}

func (h *harness) addAccount(t *testing.T, id string, premium bool) {
	t.Helper()
	acc := campaign.Account{ID: id, Credentials: "token-" + id, Premium: premium}
	if err := h.pool.Register(acc); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := h.fake.Connect(context.Background(), acc); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := h.pool.SetStatus(id, campaign.AccountConnected); err != nil {
		t.Fatalf("SetStatus error: %v", err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Stop(stopCtx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchDeliversWithWatermark(t *testing.T) {
	h := newHarness(t, Config{})
	h.subs.Put(quota.Subscription{ID: "sub", Remaining: 10, Active: true})
	h.start(t)

	ids, err := h.svc.Submit("always", "tmpl", "sub", []string{"g1"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("Submit returned %d jobs, want 1", len(ids))
	}

	waitFor(t, "delivery", func() bool { return h.queue.Len() == 0 })

	sent := h.fake.Sent()
	if len(sent) != 1 {
		t.Fatalf("fake recorded %d sends, want 1", len(sent))
	}
	if sent[0].Content != "hello\n\nvia promo" {
		t.Fatalf("sent content = %q", sent[0].Content)
	}

	entries := h.led.Query(ledger.Filter{JobID: ids[0]})
	if len(entries) != 1 || entries[0].Outcome != ledger.OutcomeSucceeded || entries[0].Attempt != 1 {
		t.Fatalf("ledger entries: %+v", entries)
	}
	g, _ := h.reg.Target("g1")
	if g.Status != campaign.TargetSent {
		t.Fatalf("target status = %s, want sent", g.Status)
	}
	s, _ := h.subs.Get("sub")
	if s.Remaining != 9 {
		t.Fatalf("subscription remaining = %d, want 9", s.Remaining)
	}
}

func TestDispatchAbandonsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.fake.Script("g1",
		transport.Classify(transport.FailureTransient, errors.New("net down")),
		transport.Classify(transport.FailureTransient, errors.New("net down")),
		transport.Classify(transport.FailureTransient, errors.New("net down")),
	)
	h.start(t)

	ids, err := h.svc.Submit("always", "tmpl", "", []string{"g1"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, "abandonment", func() bool { return h.queue.Len() == 0 })

	failed := h.led.Query(ledger.Filter{JobID: ids[0], Outcome: ledger.OutcomeFailed})
	if len(failed) != 3 {
		t.Fatalf("failed entries = %d, want 3", len(failed))
	}
	abandoned := h.led.Query(ledger.Filter{JobID: ids[0], Outcome: ledger.OutcomeAbandoned})
	if len(abandoned) != 1 {
		t.Fatalf("abandoned entries = %d, want 1", len(abandoned))
	}
	g, _ := h.reg.Target("g1")
	if g.Status != campaign.TargetFailed {
		t.Fatalf("target status = %s, want failed", g.Status)
	}
	if len(h.fake.Sent()) != 0 {
		t.Fatal("no message should have been recorded")
	}
}

func TestDispatchHoldsExhaustedSubscription(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.reg.PutTarget(campaign.TargetGroup{ID: "g2", Username: "@group2"}); err != nil {
		t.Fatalf("PutTarget error: %v", err)
	}
	h.subs.Put(quota.Subscription{ID: "sub", Remaining: 1, Active: true})
	h.start(t)

	if _, err := h.svc.Submit("always", "tmpl", "sub", []string{"g1", "g2"}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, "first delivery", func() bool { return len(h.fake.Sent()) == 1 })
	waitFor(t, "quota hold", func() bool { return h.queue.SubscriptionHeld("sub") })

	if h.queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 held job", h.queue.Len())
	}
	s, _ := h.subs.Get("sub")
	if s.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", s.Remaining)
	}

	// A refresh lifts the hold and the second job goes out.
	if err := h.subs.Refresh("sub", 5); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	h.svc.ReleaseSubscription("sub")

	waitFor(t, "second delivery", func() bool { return h.queue.Len() == 0 })
	if len(h.fake.Sent()) != 2 {
		t.Fatalf("fake recorded %d sends, want 2", len(h.fake.Sent()))
	}
}

func TestDispatchPullsFailingAccount(t *testing.T) {
	h := newHarness(t, Config{})
	h.fake.Script("g1", transport.Classify(transport.FailureAuth, errors.New("401 unauthorized")))
	h.start(t)

	ids, err := h.svc.Submit("always", "tmpl", "", []string{"g1"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, "account pulled", func() bool {
		acc, _ := h.pool.Get("acc1")
		return acc.Status == campaign.AccountError
	})

	// The account failure does not charge the job's attempt budget; the job
	// waits queued for another account.
	waitFor(t, "job requeued", func() bool {
		snap := h.svc.QueueSnapshot()
		return len(snap) == 1 && snap[0].State == JobQueued
	})
	snap := h.svc.QueueSnapshot()
	if snap[0].Attempt != 0 {
		t.Fatalf("attempt = %d, want 0", snap[0].Attempt)
	}
	failed := h.led.Query(ledger.Filter{JobID: ids[0], Outcome: ledger.OutcomeFailed})
	if len(failed) != 1 {
		t.Fatalf("failed entries = %d, want 1", len(failed))
	}

	// A healthy account picks the job up.
	h.addAccount(t, "acc2", false)
	waitFor(t, "delivery via second account", func() bool { return h.queue.Len() == 0 })
	sent := h.fake.Sent()
	if len(sent) != 1 || sent[0].AccountID != "acc2" {
		t.Fatalf("sends: %+v", sent)
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Pause()
	h.start(t)

	if _, err := h.svc.Submit("always", "tmpl", "", []string{"g1"}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if len(h.fake.Sent()) != 0 {
		t.Fatal("paused dispatcher sent a message")
	}
	if !h.svc.Paused() {
		t.Fatal("Paused = false")
	}

	h.svc.Resume()
	waitFor(t, "delivery after resume", func() bool { return h.queue.Len() == 0 })
}

// panicTransport panics on the first n sends, then behaves like the fake.
type panicTransport struct {
	*transport.Fake
	mu     sync.Mutex
	panics int
}

func (p *panicTransport) Send(ctx context.Context, acc campaign.Account, target campaign.TargetGroup, content string) (transport.Ack, error) {
	p.mu.Lock()
	if p.panics > 0 {
		p.panics--
		p.mu.Unlock()
		panic("adapter bug")
	}
	p.mu.Unlock()
	return p.Fake.Send(ctx, acc, target, content)
}

func TestDispatchSurvivesSendPanic(t *testing.T) {
	h := newHarnessTransport(t, Config{MaxAttempts: 3}, func(f *transport.Fake) transport.Transport {
		return &panicTransport{Fake: f, panics: 1}
	})
	h.start(t)

	ids, err := h.svc.Submit("always", "tmpl", "", []string{"g1"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// The panicking attempt is ledgered as a failure, the account is
	// released, and the retry delivers on the same (sole) worker.
	waitFor(t, "delivery after panic", func() bool { return h.queue.Len() == 0 })

	failed := h.led.Query(ledger.Filter{JobID: ids[0], Outcome: ledger.OutcomeFailed})
	if len(failed) != 1 {
		t.Fatalf("failed entries = %d, want 1", len(failed))
	}
	succeeded := h.led.Query(ledger.Filter{JobID: ids[0], Outcome: ledger.OutcomeSucceeded})
	if len(succeeded) != 1 || succeeded[0].Attempt != 2 {
		t.Fatalf("succeeded entries: %+v", succeeded)
	}
	if len(h.fake.Sent()) != 1 {
		t.Fatalf("fake recorded %d sends, want 1", len(h.fake.Sent()))
	}
	if _, ok := h.pool.Acquire(false, h.clock.Now()); !ok {
		t.Fatal("account still held after panic recovery")
	}
}

// contentionTransport counts overlapping sends to check the account-bound
// parallelism invariants under a multi-worker pool.
type contentionTransport struct {
	*transport.Fake
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	perAccount  map[string]int
	doubleHold  int
}

func (c *contentionTransport) Send(ctx context.Context, acc campaign.Account, target campaign.TargetGroup, content string) (transport.Ack, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.perAccount[acc.ID]++
	if c.perAccount[acc.ID] > 1 {
		c.doubleHold++
	}
	c.mu.Unlock()

	// Widen the overlap window so worker interleavings actually collide.
	time.Sleep(time.Duration(1+rand.Intn(3)) * time.Millisecond)
	ack, err := c.Fake.Send(ctx, acc, target, content)

	c.mu.Lock()
	c.inFlight--
	c.perAccount[acc.ID]--
	c.mu.Unlock()
	return ack, err
}

func TestDispatchBoundsInFlightByAccounts(t *testing.T) {
	var ct *contentionTransport
	h := newHarnessTransport(t, Config{Workers: 4, RatePerSec: 1000}, func(f *transport.Fake) transport.Transport {
		ct = &contentionTransport{Fake: f, perAccount: map[string]int{}}
		return ct
	})
	h.addAccount(t, "acc2", false)
	targets := []string{"g1"}
	for i := 2; i <= 10; i++ {
		id := fmt.Sprintf("g%d", i)
		if err := h.reg.PutTarget(campaign.TargetGroup{ID: id, Username: "@" + id}); err != nil {
			t.Fatalf("PutTarget error: %v", err)
		}
		targets = append(targets, id)
	}
	h.start(t)

	if _, err := h.svc.Submit("always", "tmpl", "", targets); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, "all deliveries", func() bool { return h.queue.Len() == 0 })

	if got := len(h.fake.Sent()); got != 10 {
		t.Fatalf("sends = %d, want 10", got)
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.doubleHold != 0 {
		t.Fatalf("%d overlapping sends shared one account, want 0", ct.doubleHold)
	}
	if ct.maxInFlight > 2 {
		t.Fatalf("in-flight sends peaked at %d with 2 accounts", ct.maxInFlight)
	}
}

func TestApplyKeepsLimiterState(t *testing.T) {
	t.Parallel()
	svc := New(Config{RatePerSec: 1}, Deps{})

	if !svc.global.Allow() {
		t.Fatal("burst token should be available")
	}
	before := svc.global
	svc.Apply(Config{RatePerSec: 1})
	if svc.global != before {
		t.Fatal("limiter was replaced on a no-op reload")
	}
	if svc.global.Allow() {
		t.Fatal("reload granted a fresh burst")
	}

	svc.Apply(Config{RatePerSec: 50})
	if svc.global != before || svc.global.Limit() != rate.Limit(50) {
		t.Fatalf("limit = %v after rate change, want 50 in place", svc.global.Limit())
	}
}
