// Package dispatch holds the dispatcher core: the pending-job queue and the
// worker pool that assigns accounts, paces sends, applies retry policy and
// records outcomes to the delivery ledger.
package dispatch

import "time"

// JobState is the dispatcher-owned lifecycle of a send job.
//
//	Queued -> Assigned -> Sending -> Succeeded | Failed
//
// Failed goes back to Queued until the attempt budget runs out, then the
// job terminates as Abandoned.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobAssigned  JobState = "assigned"
	JobSending   JobState = "sending"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobAbandoned JobState = "abandoned"
)

// Terminal reports whether the state ends the job's life in the queue.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobAbandoned
}

// Job is one pending (template x target x schedule) unit of work.
// Owned by the queue until Assigned, then by the worker until terminal.
type Job struct {
	ID             string
	ScheduleID     string
	TemplateID     string
	TargetID       string
	SubscriptionID string

	Attempt        int
	NextEligibleAt time.Time
	State          JobState
	EnqueuedAt     time.Time
	LastError      string
}
