// Package ledger is the append-only audit trail of delivery attempts.
//
// The live ring buffer serves snapshot queries and restartable cursor
// streaming for the log UI; entries are also written through to the
// configured persistent store (sqlite) when one is enabled.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"promobot/internal/eventbus"
	"promobot/pkg/logx"
)

// Outcome of one delivery attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Entry is immutable once appended.
type Entry struct {
	ID         string
	Seq        uint64 // assigned by the ledger, strictly increasing
	At         time.Time
	JobID      string
	AccountID  string
	TargetID   string
	TemplateID string
	Attempt    int
	Outcome    Outcome
	Error      string
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	JobID     string
	AccountID string
	TargetID  string
	Outcome   Outcome
	Since     time.Time
	Limit     int
}

// Config bounds the in-memory ring.
type Config struct {
	MaxEntries int           // ring capacity; 0 means default
	Retention  time.Duration // Prune() drops entries older than this; 0 disables
}

type Ledger struct {
	mu      sync.RWMutex
	cfg     Config
	entries []Entry
	nextSeq uint64

	store Store
	bus   *eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, store Store, bus *eventbus.Bus, log logx.Logger) *Ledger {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{cfg: cfg, nextSeq: 1, store: store, bus: bus, log: log}
}

// Append records e. The ledger assigns Seq, and At when the caller left it
// zero. Entries are never reordered after insertion; trimming only ever
// drops from the old end.
func (l *Ledger) Append(e Entry) Entry {
	l.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Seq = l.nextSeq
	l.nextSeq++
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cfg.MaxEntries {
		l.entries = l.entries[len(l.entries)-l.cfg.MaxEntries:]
	}
	store := l.store
	l.mu.Unlock()

	if store != nil {
		if err := store.Append(e); err != nil {
			l.log.Warn("ledger store append failed", logx.String("entry", e.ID), logx.Err(err))
		}
	}
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Topic: eventbus.TopicLedgerAppend, Time: e.At, Data: e})
	}
	return e
}

// Query returns matching entries in insertion order.
func (l *Ledger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stream returns up to limit entries with Seq > cursor plus the cursor to
// resume from. A cursor of 0 starts from the oldest retained entry.
func (l *Ledger) Stream(cursor uint64, limit int) ([]Entry, uint64) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	next := cursor
	var out []Entry
	for _, e := range l.entries {
		if e.Seq <= cursor {
			continue
		}
		out = append(out, e)
		next = e.Seq
		if len(out) >= limit {
			break
		}
	}
	return out, next
}

// Len reports the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Prune drops ring entries older than the retention horizon and asks the
// store to do the same. Called from the maintenance cron.
func (l *Ledger) Prune(now time.Time) int {
	l.mu.Lock()
	dropped := 0
	if l.cfg.Retention > 0 {
		horizon := now.Add(-l.cfg.Retention)
		i := 0
		for i < len(l.entries) && l.entries[i].At.Before(horizon) {
			i++
		}
		dropped = i
		if i > 0 {
			l.entries = append([]Entry(nil), l.entries[i:]...)
		}
	}
	store := l.store
	retention := l.cfg.Retention
	l.mu.Unlock()

	if store != nil && retention > 0 {
		if err := store.Prune(now.Add(-retention)); err != nil {
			l.log.Warn("ledger store prune failed", logx.Err(err))
		}
	}
	return dropped
}

func matches(e Entry, f Filter) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	return true
}
