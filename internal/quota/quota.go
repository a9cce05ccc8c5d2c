// Package quota models the subscription message allowance the dispatcher
// consumes. The core only ever calls TryDecrement; plan bookkeeping
// (pricing, renewal) belongs to the external subscription manager.
package quota

import (
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("subscription not found")

// Plan names mirror the subscription tiers the operator assigns.
type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

type Subscription struct {
	ID              string
	Plan            Plan
	AllowedAccounts int
	AllowedMessages int
	Remaining       int
	Active          bool
	EndDate         time.Time
}

// Ledger is the atomic check-and-decrement capability.
type Ledger interface {
	// Check reports whether the subscription could send one message right
	// now, without consuming anything. Used as the cheap pre-dispatch gate.
	Check(subscriptionID string) bool
	// TryDecrement consumes one message from the subscription's allowance.
	// It returns false, without side effects, when the allowance is zero,
	// the subscription is inactive, expired, or unknown.
	TryDecrement(subscriptionID string) bool
}

// Memory is the in-process Ledger implementation.
type Memory struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]*Subscription{}}
}

func (m *Memory) Put(s Subscription) {
	m.mu.Lock()
	cp := s
	m.subs[s.ID] = &cp
	m.mu.Unlock()
}

func (m *Memory) Get(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

func (m *Memory) Check(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || !s.Active || s.Remaining <= 0 {
		return false
	}
	if !s.EndDate.IsZero() && time.Now().After(s.EndDate) {
		return false
	}
	return true
}

func (m *Memory) TryDecrement(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || !s.Active || s.Remaining <= 0 {
		return false
	}
	if !s.EndDate.IsZero() && time.Now().After(s.EndDate) {
		return false
	}
	s.Remaining--
	return true
}

// Refresh tops the subscription back up to n remaining messages and
// reactivates it. Used by the operator API after a plan renewal.
func (m *Memory) Refresh(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.Remaining = n
	s.Active = true
	return nil
}

func (m *Memory) List() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	return out
}
