// Package accounts owns the sender account set: connection status, holds,
// and the least-recently-used selection the dispatcher draws from.
package accounts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/eventbus"
	"promobot/internal/ratelimit"
	"promobot/pkg/logx"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrHeld     = errors.New("account is held by an in-flight job")
)

// Pool tracks accounts and enforces the one-in-flight-job-per-account rule.
//
// Acquire/Release/MarkError are the only mutation paths the dispatcher uses;
// SetStatus is for transitions reported by the transport. The hold check and
// the hourly budget pre-check happen under one lock so no two workers can
// claim the same account.
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*campaign.Account
	held     map[string]bool

	limits *ratelimit.Hourly
	bus    *eventbus.Bus
	log    logx.Logger
}

func NewPool(limits *ratelimit.Hourly, bus *eventbus.Bus, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		accounts: map[string]*campaign.Account{},
		held:     map[string]bool{},
		limits:   limits,
		bus:      bus,
		log:      log,
	}
}

// Register adds a new account in Disconnected state.
func (p *Pool) Register(acc campaign.Account) error {
	if acc.ID == "" {
		return errors.New("account id required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[acc.ID]; ok {
		return fmt.Errorf("account %s: %w", acc.ID, campaign.ErrDuplicate)
	}
	if acc.Status == "" {
		acc.Status = campaign.AccountDisconnected
	}
	cp := acc
	p.accounts[acc.ID] = &cp
	p.log.Info("account registered", logx.String("account", acc.ID), logx.Bool("premium", acc.Premium))
	return nil
}

// Remove deletes an account. It fails while the account holds an in-flight
// job; the caller must wait for release.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if p.held[id] {
		return fmt.Errorf("account %s: %w", id, ErrHeld)
	}
	delete(p.accounts, id)
	if p.limits != nil {
		p.limits.Forget(id)
	}
	p.log.Info("account removed", logx.String("account", id))
	return nil
}

// Acquire returns a connected, un-held account with remaining hourly budget,
// preferring the least recently used. needPremium restricts the choice to
// premium accounts. The account is marked held until Release or MarkError.
func (p *Pool) Acquire(needPremium bool, now time.Time) (campaign.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *campaign.Account
	for _, acc := range p.accounts {
		if acc.Status != campaign.AccountConnected || p.held[acc.ID] {
			continue
		}
		if needPremium && !acc.Premium {
			continue
		}
		if p.limits != nil && p.limits.Remaining(acc.ID, now) <= 0 {
			continue
		}
		if best == nil || acc.LastActiveAt.Before(best.LastActiveAt) {
			best = acc
		}
	}
	if best == nil {
		return campaign.Account{}, false
	}
	p.held[best.ID] = true
	return *best, true
}

// Release returns the account to the idle pool and bumps LastActiveAt.
func (p *Pool) Release(id string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, id)
	if acc, ok := p.accounts[id]; ok {
		acc.LastActiveAt = now
	}
}

// MarkError pulls the account from rotation, drops any hold, and notifies
// the reconnect workflow through the bus.
func (p *Pool) MarkError(id, reason string) {
	p.mu.Lock()
	acc, ok := p.accounts[id]
	if ok {
		acc.Status = campaign.AccountError
		acc.LastError = reason
	}
	delete(p.held, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.log.Warn("account pulled from rotation", logx.String("account", id), logx.String("reason", reason))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Topic: eventbus.TopicAccountError, Data: map[string]string{
			"account_id": id,
			"reason":     reason,
		}})
	}
}

// SetStatus records a transport-reported transition
// (Connecting/Connected/Disconnected). Clears LastError on Connected.
func (p *Pool) SetStatus(id string, st campaign.AccountStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	acc.Status = st
	if st == campaign.AccountConnected {
		acc.LastError = ""
	}
	return nil
}

// Get returns a copy of the account.
func (p *Pool) Get(id string) (campaign.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return campaign.Account{}, false
	}
	return *acc, true
}

// List returns copies of all accounts.
func (p *Pool) List() []campaign.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]campaign.Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, *acc)
	}
	return out
}

// ConnectedCount reports how many accounts are currently in rotation.
func (p *Pool) ConnectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, acc := range p.accounts {
		if acc.Status == campaign.AccountConnected {
			n++
		}
	}
	return n
}
