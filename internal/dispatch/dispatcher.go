package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

// Config controls the dispatcher worker pool and retry policy.
//
// Workers bounds parallelism from above; the account pool bounds it from
// below at runtime, since a worker without an acquirable account cannot
// send. All durations come from config as Go duration strings.
type Config struct {
	Enabled bool
	Workers int

	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	SendTimeout time.Duration
	// PollFloor is the minimum idle wait; the loop never polls faster.
	PollFloor time.Duration
	// RatePerSec caps sends across all accounts (flood protection on top
	// of the per-account hourly budget).
	RatePerSec int

	// EnforcePremium requires a premium account for premium-only
	// templates. Policy flag; the platform rule is unconfirmed.
	EnforcePremium bool
	// RandomizePacing draws the pre-send delay from [min,max]; when off
	// the fixed minimum is used.
	RandomizePacing bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.PollFloor < time.Second {
		c.PollFloor = time.Second
	}
	return c
}

// Service is the core orchestrator. One instance owns the worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config

	queue  *Queue
	pool   *accounts.Pool
	limits *ratelimit.Hourly
	global *rate.Limiter
	reg    *campaign.Registry
	led    *ledger.Ledger
	quota  quota.Ledger
	tr     transport.Transport
	bus    *eventbus.Bus
	clock  Clock
	log    logx.Logger

	paused   atomic.Bool
	stopCh   chan struct{}
	stopDone chan struct{}
	workerWG sync.WaitGroup
}

// Deps bundles the collaborators the dispatcher orchestrates.
type Deps struct {
	Queue     *Queue
	Pool      *accounts.Pool
	Limits    *ratelimit.Hourly
	Registry  *campaign.Registry
	Ledger    *ledger.Ledger
	Quota     quota.Ledger
	Transport transport.Transport
	Bus       *eventbus.Bus
	Clock     Clock
	Log       logx.Logger
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = SystemClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Service{
		cfg:    cfg,
		queue:  d.Queue,
		pool:   d.Pool,
		limits: d.Limits,
		global: rate.NewLimiter(rate.Limit(rps), rps),
		reg:    d.Registry,
		led:    d.Ledger,
		quota:  d.Quota,
		tr:     d.Transport,
		bus:    d.Bus,
		clock:  d.Clock,
		log:    d.Log,
	}
}

// Apply swaps retry/pacing settings at runtime. Worker count changes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	// Adjust the limiter in place; a reload must not grant a fresh burst.
	if s.global.Limit() != rate.Limit(rps) {
		s.global.SetLimit(rate.Limit(rps))
		s.global.SetBurst(rps)
	}
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	workers := s.cfg.Workers
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, idx)
		}()
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop signals cooperative shutdown: no new jobs are assigned, in-flight
// sends finish (bounded by the per-send timeout), queued jobs stay queued.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	s.mu.Unlock()

	start := time.Now()
	close(stopCh)
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Pause keeps workers running but stops job assignment.
func (s *Service) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.log.Info("dispatcher paused")
	}
}

// Resume lifts a Pause.
func (s *Service) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.log.Info("dispatcher resumed")
		s.queue.signal()
	}
}

func (s *Service) Paused() bool { return s.paused.Load() }

// Submit is the operator boundary: it fans a campaign out into one job per
// target and enqueues them. Targets move to Scheduled.
func (s *Service) Submit(scheduleID, templateID, subscriptionID string, targetIDs []string) ([]string, error) {
	if _, ok := s.reg.Schedule(scheduleID); !ok {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, campaign.ErrNotFound)
	}
	if _, ok := s.reg.Template(templateID); !ok {
		return nil, fmt.Errorf("template %s: %w", templateID, campaign.ErrNotFound)
	}
	if len(targetIDs) == 0 {
		return nil, errors.New("at least one target required")
	}
	for _, id := range targetIDs {
		if _, ok := s.reg.Target(id); !ok {
			return nil, fmt.Errorf("target %s: %w", id, campaign.ErrNotFound)
		}
	}

	now := s.clock.Now()
	ids := make([]string, 0, len(targetIDs))
	for _, tid := range targetIDs {
		j := &Job{
			ID:             uuid.NewString(),
			ScheduleID:     scheduleID,
			TemplateID:     templateID,
			TargetID:       tid,
			SubscriptionID: subscriptionID,
			EnqueuedAt:     now,
		}
		if err := s.queue.Enqueue(j); err != nil {
			return ids, err
		}
		_ = s.reg.SetTargetStatus(tid, campaign.TargetScheduled, now)
		ids = append(ids, j.ID)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicJobQueued, Time: now, Data: *j})
		}
	}
	s.log.Info("campaign submitted",
		logx.String("schedule", scheduleID),
		logx.String("template", templateID),
		logx.Int("targets", len(targetIDs)))
	return ids, nil
}

// QueueSnapshot exposes live jobs for the progress UI.
func (s *Service) QueueSnapshot() []Job { return s.queue.Snapshot() }
