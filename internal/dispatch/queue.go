package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/schedule"
)

var ErrJobNotFound = errors.New("job not found")

// Queue holds pending jobs awaiting assignment.
//
// Readiness, not insertion order, gates selection: a job is ready when its
// schedule window is open, its backoff deadline has passed, its subscription
// is not held, and it is in Queued state. Among ready jobs the oldest
// enqueue wins. All mutations are atomic with respect to ClaimReady, so two
// workers can never claim the same job.
type Queue struct {
	mu    sync.Mutex
	order []*Job            // insertion order, terminal jobs removed
	byID  map[string]*Job
	held  map[string]bool // subscriptions paused on quota exhaustion

	reg  *campaign.Registry
	wake chan struct{}
}

func NewQueue(reg *campaign.Registry) *Queue {
	return &Queue{
		byID: map[string]*Job{},
		held: map[string]bool{},
		reg:  reg,
		wake: make(chan struct{}, 1),
	}
}

// Wake is signaled whenever a job may have become claimable
// (enqueue, requeue, subscription release).
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a job in Queued state.
func (q *Queue) Enqueue(j *Job) error {
	if j.ID == "" {
		return errors.New("job id required")
	}
	q.mu.Lock()
	if _, ok := q.byID[j.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s: %w", j.ID, campaign.ErrDuplicate)
	}
	j.State = JobQueued
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	q.byID[j.ID] = j
	q.order = append(q.order, j)
	q.mu.Unlock()
	q.signal()
	return nil
}

// ClaimReady atomically selects the first ready job and marks it Assigned.
func (q *Queue) ClaimReady(now time.Time) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.order {
		if j.State != JobQueued {
			continue
		}
		if q.held[j.SubscriptionID] {
			continue
		}
		if now.Before(j.NextEligibleAt) {
			continue
		}
		sch, ok := q.reg.Schedule(j.ScheduleID)
		if !ok || !schedule.IsOpen(sch, now) {
			continue
		}
		j.State = JobAssigned
		return *j, true
	}
	return Job{}, false
}

// SetSending transitions an Assigned job to Sending.
func (q *Queue) SetSending(id string) {
	q.mu.Lock()
	if j, ok := q.byID[id]; ok && j.State == JobAssigned {
		j.State = JobSending
	}
	q.mu.Unlock()
}

// Requeue puts the job back in Queued state with a new eligibility time.
// incrementAttempt distinguishes real failed attempts from resource waits
// (no account, rate limit, quota), which never consume the attempt budget.
func (q *Queue) Requeue(id string, at time.Time, incrementAttempt bool, lastErr string) error {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	j.State = JobQueued
	j.NextEligibleAt = at
	if incrementAttempt {
		j.Attempt++
	}
	if lastErr != "" {
		j.LastError = lastErr
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Complete removes the job from the live queue with a terminal state.
// IncrementAttempt applies for a final failed attempt that caused the
// abandonment.
func (q *Queue) Complete(id string, state JobState, incrementAttempt bool) (Job, error) {
	if !state.Terminal() {
		return Job{}, fmt.Errorf("state %s is not terminal", state)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if incrementAttempt {
		j.Attempt++
	}
	j.State = state
	delete(q.byID, id)
	for i, o := range q.order {
		if o.ID == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return *j, nil
}

// HoldSubscription pauses all jobs of a subscription (quota exhausted).
func (q *Queue) HoldSubscription(id string) {
	if id == "" {
		return
	}
	q.mu.Lock()
	q.held[id] = true
	q.mu.Unlock()
}

// ReleaseSubscription resumes a subscription after a quota refresh.
func (q *Queue) ReleaseSubscription(id string) {
	q.mu.Lock()
	delete(q.held, id)
	q.mu.Unlock()
	q.signal()
}

// SubscriptionHeld reports whether the subscription is paused.
func (q *Queue) SubscriptionHeld(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.held[id]
}

// NextWake computes the earliest instant any queued job could become ready:
// the minimum over queued jobs of max(backoff deadline, next window open).
// ok is false when nothing in the queue can ever become ready.
func (q *Queue) NextWake(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best time.Time
	found := false
	for _, j := range q.order {
		if j.State != JobQueued || q.held[j.SubscriptionID] {
			continue
		}
		sch, ok := q.reg.Schedule(j.ScheduleID)
		if !ok {
			continue
		}
		at := j.NextEligibleAt
		if at.Before(now) {
			at = now
		}
		open, ok := schedule.NextOpen(sch, at)
		if !ok {
			continue
		}
		if !found || open.Before(best) {
			best = open
			found = true
		}
	}
	return best, found
}

// Snapshot returns copies of all live jobs in insertion order.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, j := range q.order {
		out = append(out, *j)
	}
	return out
}

// Len reports the number of live jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
