package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/eventbus"
	"promobot/internal/ledger"
	"promobot/internal/transport"
	"promobot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: pacing and jitter draws without global lock contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// Fast-exit so stop wins over claimable work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if s.paused.Load() {
			if !s.idle(ctx, stopCh, s.config().PollFloor) {
				return
			}
			continue
		}

		now := s.clock.Now()
		job, ok := s.queue.ClaimReady(now)
		if !ok {
			if !s.idle(ctx, stopCh, s.idleWait(now)) {
				return
			}
			continue
		}
		s.runJob(ctx, stopCh, job, rng)
	}
}

// idleWait computes how long to sleep when nothing is claimable: until the
// earliest job can become ready, but never below the poll floor.
func (s *Service) idleWait(now time.Time) time.Duration {
	cfg := s.config()
	wait := cfg.PollFloor
	if next, ok := s.queue.NextWake(now); ok {
		if d := next.Sub(now); d > wait {
			wait = d
		}
	} else if s.queue.Len() == 0 {
		// Empty queue: nothing to time against, rely on the wake signal.
		wait = time.Minute
	} else {
		// Jobs exist but none can ever open (inactive schedules).
		wait = time.Minute
	}
	return wait
}

// idle sleeps until d elapses, the queue wakes us, or shutdown begins.
// Returns false when the worker should exit.
func (s *Service) idle(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-s.queue.Wake():
		return true
	case <-s.clock.After(d):
		return true
	}
}

// sleep waits for the pacing delay. Returns false when interrupted by
// shutdown, in which case the caller must requeue the job.
func (s *Service) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Service) runJob(ctx context.Context, stopCh <-chan struct{}, job Job, rng *rand.Rand) {
	cfg := s.config()
	now := s.clock.Now()
	jlog := s.log.With(logx.String("job", job.ID), logx.String("target", job.TargetID))

	// A panic in the send path must not take the worker down or leak the
	// claimed job: drop the hold and route the job through the normal
	// retry policy as a failed attempt.
	var held string
	defer func() {
		if r := recover(); r != nil {
			jlog.Error("panic in job run", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.fail(cfg, job, held, fmt.Errorf("panic: %v", r), s.clock.Now(), rng, jlog)
		}
	}()

	tmpl, okT := s.reg.Template(job.TemplateID)
	target, okG := s.reg.Target(job.TargetID)
	sch, okS := s.reg.Schedule(job.ScheduleID)
	if !okT || !okG || !okS {
		s.abandon(job, "", "campaign reference no longer exists", now)
		jlog.Warn("job abandoned: dangling reference")
		return
	}

	// Account assignment honors the premium policy and the one-job-per-
	// account hold; selection is LRU among eligible accounts.
	needPremium := cfg.EnforcePremium && tmpl.PremiumOnly
	acc, ok := s.pool.Acquire(needPremium, now)
	if !ok {
		// Not a failure: no attempt consumed, retry once capacity frees up.
		_ = s.queue.Requeue(job.ID, now.Add(cfg.PollFloor), false, "")
		return
	}
	held = acc.ID

	if s.limits != nil && !s.limits.TryConsume(acc.ID, now) {
		s.pool.Release(acc.ID, now)
		_ = s.queue.Requeue(job.ID, now.Add(cfg.PollFloor), false, "")
		return
	}

	if job.SubscriptionID != "" && s.quota != nil && !s.quota.Check(job.SubscriptionID) {
		s.holdQuota(job.SubscriptionID, now)
		s.pool.Release(acc.ID, now)
		_ = s.queue.Requeue(job.ID, now, false, "")
		return
	}

	// Pacing: the randomized inter-message wait that keeps sends under
	// anti-spam thresholds. Always before the send.
	pace := pacingDelay(sch.MinDelay, sch.MaxDelay, cfg.RandomizePacing, rng)
	if !s.sleep(ctx, stopCh, pace) {
		s.pool.Release(acc.ID, now)
		_ = s.queue.Requeue(job.ID, s.clock.Now(), false, "")
		return
	}

	s.mu.Lock()
	global := s.global
	s.mu.Unlock()
	if global != nil {
		if err := global.Wait(ctx); err != nil {
			s.pool.Release(acc.ID, s.clock.Now())
			_ = s.queue.Requeue(job.ID, s.clock.Now(), false, "")
			return
		}
	}

	s.queue.SetSending(job.ID)
	content := tmpl.Rendered(sch.Watermark)

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := s.tr.Send(sendCtx, acc, target, content)
	cancel()
	now = s.clock.Now()

	if err == nil {
		s.succeed(job, acc.ID, now)
		jlog.Info("message delivered", logx.String("account", acc.ID), logx.Duration("pace", pace))
		return
	}
	s.fail(cfg, job, acc.ID, err, now, rng, jlog)
}

func (s *Service) succeed(job Job, accountID string, now time.Time) {
	attempt := job.Attempt + 1
	s.led.Append(ledger.Entry{
		At:         now,
		JobID:      job.ID,
		AccountID:  accountID,
		TargetID:   job.TargetID,
		TemplateID: job.TemplateID,
		Attempt:    attempt,
		Outcome:    ledger.OutcomeSucceeded,
	})
	if job.SubscriptionID != "" && s.quota != nil && !s.quota.TryDecrement(job.SubscriptionID) {
		// The message is out; the allowance lost a race with a concurrent
		// send. Hold the subscription so no further jobs dispatch.
		s.holdQuota(job.SubscriptionID, now)
	}
	_ = s.reg.SetTargetStatus(job.TargetID, campaign.TargetSent, now)
	s.pool.Release(accountID, now)
	done, err := s.queue.Complete(job.ID, JobSucceeded, true)
	if err == nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicJobSucceeded, Time: now, Data: done})
	}
}

func (s *Service) fail(cfg Config, job Job, accountID string, sendErr error, now time.Time, rng *rand.Rand, jlog logx.Logger) {
	class := transport.ClassOf(sendErr)
	switch class {
	case transport.FailureTargetGone:
		// Permanent target failure: no retry can help.
		s.pool.Release(accountID, now)
		s.abandon(job, accountID, sendErr.Error(), now)
		jlog.Warn("job abandoned: target gone", logx.Err(sendErr))

	case transport.FailureAuth, transport.FailureBlocked:
		// Account-level failure: pull the account from rotation and let the
		// job retry on a different account. The attempt budget is not
		// charged; the account was at fault, not the job.
		s.led.Append(ledger.Entry{
			At: now, JobID: job.ID, AccountID: accountID, TargetID: job.TargetID,
			TemplateID: job.TemplateID, Attempt: job.Attempt + 1,
			Outcome: ledger.OutcomeFailed, Error: sendErr.Error(),
		})
		s.pool.MarkError(accountID, sendErr.Error())
		_ = s.queue.Requeue(job.ID, now.Add(cfg.PollFloor), false, sendErr.Error())
		jlog.Warn("send failed: account error", logx.String("account", accountID), logx.Err(sendErr))

	default: // transient or rate limited
		attempt := job.Attempt + 1
		s.led.Append(ledger.Entry{
			At: now, JobID: job.ID, AccountID: accountID, TargetID: job.TargetID,
			TemplateID: job.TemplateID, Attempt: attempt,
			Outcome: ledger.OutcomeFailed, Error: sendErr.Error(),
		})
		s.pool.Release(accountID, now)

		if attempt >= cfg.MaxAttempts {
			// Terminal marker so the abandonment itself is auditable.
			s.led.Append(ledger.Entry{
				At: now, JobID: job.ID, AccountID: accountID, TargetID: job.TargetID,
				TemplateID: job.TemplateID, Attempt: attempt,
				Outcome: ledger.OutcomeAbandoned, Error: "attempts exhausted: " + sendErr.Error(),
			})
			_ = s.reg.SetTargetStatus(job.TargetID, campaign.TargetFailed, now)
			done, err := s.queue.Complete(job.ID, JobAbandoned, true)
			if err == nil && s.bus != nil {
				s.bus.Publish(eventbus.Event{Topic: eventbus.TopicJobAbandoned, Time: now, Data: done})
			}
			jlog.Warn("job abandoned: attempts exhausted", logx.Int("attempts", attempt), logx.Err(sendErr))
			return
		}

		delay := backoffDelay(cfg, attempt, sendErr, rng)
		_ = s.queue.Requeue(job.ID, now.Add(delay), true, sendErr.Error())
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicJobFailed, Time: now, Data: job})
		}
		jlog.Debug("send retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(sendErr))
	}
}

// abandon terminates the job with a single terminal ledger entry and marks
// the target permanently failed.
func (s *Service) abandon(job Job, accountID, reason string, now time.Time) {
	s.led.Append(ledger.Entry{
		At: now, JobID: job.ID, AccountID: accountID, TargetID: job.TargetID,
		TemplateID: job.TemplateID, Attempt: job.Attempt,
		Outcome: ledger.OutcomeAbandoned, Error: reason,
	})
	_ = s.reg.SetTargetStatus(job.TargetID, campaign.TargetFailed, now)
	done, err := s.queue.Complete(job.ID, JobAbandoned, false)
	if err == nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicJobAbandoned, Time: now, Data: done})
	}
}

func (s *Service) holdQuota(subscriptionID string, now time.Time) {
	if s.queue.SubscriptionHeld(subscriptionID) {
		return
	}
	s.queue.HoldSubscription(subscriptionID)
	s.log.Warn("subscription quota exhausted", logx.String("subscription", subscriptionID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicQuotaExhaust, Time: now, Data: subscriptionID})
	}
}

// ReleaseSubscription resumes dispatch for a refreshed subscription.
func (s *Service) ReleaseSubscription(id string) {
	s.queue.ReleaseSubscription(id)
}
