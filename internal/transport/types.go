// Package transport defines the capability contract the dispatcher uses to
// talk to a messaging service, together with the failure taxonomy the retry
// policy routes on. The real Telegram adapter lives in transport/telegram;
// tests use the deterministic fake in this package.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promobot/internal/campaign"
)

// Ack identifies a delivered message.
type Ack struct {
	MessageID string
	At        time.Time
}

// Transport is the wire capability. Implementations must be safe for
// concurrent Send calls on different accounts; the dispatcher guarantees at
// most one in-flight Send per account.
type Transport interface {
	// Connect establishes (or re-establishes) the session for acc.
	Connect(ctx context.Context, acc campaign.Account) error
	// Send delivers content to the target through acc's session.
	Send(ctx context.Context, acc campaign.Account, target campaign.TargetGroup, content string) (Ack, error)
	// Close tears down all sessions.
	Close() error
}

// FailureClass drives the dispatcher's retry policy.
type FailureClass int

const (
	// FailureTransient covers timeouts and transient network errors;
	// retried with backoff.
	FailureTransient FailureClass = iota
	// FailureRateLimited is a flood control rejection; retried with the
	// carried retry-after delay.
	FailureRateLimited
	// FailureAuth means the account session is invalid (auth expired,
	// revoked). The account leaves rotation until reconnected.
	FailureAuth
	// FailureBlocked means the account is banned or restricted.
	// Treated like FailureAuth for rotation purposes.
	FailureBlocked
	// FailureTargetGone means the target was deleted, is inaccessible or
	// has blocked the sender; the job is abandoned immediately.
	FailureTargetGone
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureAuth:
		return "auth"
	case FailureBlocked:
		return "blocked"
	case FailureTargetGone:
		return "target_gone"
	default:
		return "unknown"
	}
}

// SendError attaches a FailureClass (and optional retry-after hint) to a
// transport failure.
type SendError struct {
	Class      FailureClass
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify wraps err with a failure class.
func Classify(class FailureClass, err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Class: class, Err: err}
}

// RateLimited wraps err as a flood rejection with a retry-after hint.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &SendError{Class: FailureRateLimited, RetryAfter: after, Err: err}
}

// ClassOf extracts the failure class from err.
// Unclassified errors default to FailureTransient so an adapter bug degrades
// to retry-with-backoff instead of dropping jobs.
func ClassOf(err error) FailureClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return FailureTransient
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
