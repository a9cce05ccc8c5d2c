// Package eventbus is a small in-memory fanout used to decouple the
// dispatcher core from reporting collaborators (API, log streamers,
// reconnect workflows).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the core.
const (
	TopicJobQueued     = "job.queued"
	TopicJobSucceeded  = "job.succeeded"
	TopicJobFailed     = "job.failed"
	TopicJobAbandoned  = "job.abandoned"
	TopicAccountError  = "account.error"
	TopicQuotaExhaust  = "quota.exhausted"
	TopicLedgerAppend  = "ledger.append"
	TopicConfigApplied = "config.applied"
)

type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish never holds the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrently unsubscribed channel may be closed; the send
		// panic is recovered so Publish stays safe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
