package accounts

import (
	"errors"
	"testing"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/ratelimit"
	"promobot/pkg/logx"
)

func connectedAccount(id string, premium bool, lastActive time.Time) campaign.Account {
	return campaign.Account{
		ID:           id,
		Credentials:  "token-" + id,
		Premium:      premium,
		Status:       campaign.AccountConnected,
		LastActiveAt: lastActive,
	}
}

func TestAcquirePrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	p := NewPool(nil, nil, logx.Nop())
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	mustRegister(t, p, connectedAccount("a", false, base.Add(-time.Minute)))
	mustRegister(t, p, connectedAccount("b", false, base.Add(-time.Hour)))
	mustRegister(t, p, connectedAccount("c", false, base.Add(-time.Second)))

	acc, ok := p.Acquire(false, base)
	if !ok {
		t.Fatal("expected an account")
	}
	if acc.ID != "b" {
		t.Fatalf("Acquire picked %s, want b (oldest LastActiveAt)", acc.ID)
	}
}

func TestAcquireHoldExclusivity(t *testing.T) {
	t.Parallel()
	p := NewPool(nil, nil, logx.Nop())
	now := time.Now()
	mustRegister(t, p, connectedAccount("a", false, now))

	if _, ok := p.Acquire(false, now); !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := p.Acquire(false, now); ok {
		t.Fatal("held account was acquired twice")
	}

	p.Release("a", now)
	if _, ok := p.Acquire(false, now); !ok {
		t.Fatal("released account should be acquirable again")
	}
}

func TestAcquirePremiumFilter(t *testing.T) {
	t.Parallel()
	p := NewPool(nil, nil, logx.Nop())
	now := time.Now()
	mustRegister(t, p, connectedAccount("basic", false, now.Add(-time.Hour)))
	mustRegister(t, p, connectedAccount("prem", true, now))

	acc, ok := p.Acquire(true, now)
	if !ok {
		t.Fatal("expected the premium account")
	}
	if acc.ID != "prem" {
		t.Fatalf("Acquire(premium) picked %s", acc.ID)
	}

	// Without the premium requirement LRU wins.
	p.Release("prem", now)
	acc, ok = p.Acquire(false, now)
	if !ok || acc.ID != "basic" {
		t.Fatalf("Acquire picked %s, want basic", acc.ID)
	}
}

func TestAcquireSkipsExhaustedBudget(t *testing.T) {
	t.Parallel()
	limits := ratelimit.NewHourly(1)
	p := NewPool(limits, nil, logx.Nop())
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	mustRegister(t, p, connectedAccount("a", false, now))

	if !limits.TryConsume("a", now) {
		t.Fatal("budget consume failed")
	}
	if _, ok := p.Acquire(false, now); ok {
		t.Fatal("account with exhausted hourly budget was acquired")
	}
	if _, ok := p.Acquire(false, now.Add(time.Hour)); !ok {
		t.Fatal("account should be acquirable after rollover")
	}
}

func TestRemoveWhileHeld(t *testing.T) {
	t.Parallel()
	p := NewPool(nil, nil, logx.Nop())
	now := time.Now()
	mustRegister(t, p, connectedAccount("a", false, now))

	if _, ok := p.Acquire(false, now); !ok {
		t.Fatal("acquire failed")
	}
	if err := p.Remove("a"); !errors.Is(err, ErrHeld) {
		t.Fatalf("Remove while held = %v, want ErrHeld", err)
	}
	p.Release("a", now)
	if err := p.Remove("a"); err != nil {
		t.Fatalf("Remove after release: %v", err)
	}
	if err := p.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestMarkErrorDropsHold(t *testing.T) {
	t.Parallel()
	p := NewPool(nil, nil, logx.Nop())
	now := time.Now()
	mustRegister(t, p, connectedAccount("a", false, now))

	if _, ok := p.Acquire(false, now); !ok {
		t.Fatal("acquire failed")
	}
	p.MarkError("a", "401 unauthorized")

	acc, ok := p.Get("a")
	if !ok || acc.Status != campaign.AccountError || acc.LastError == "" {
		t.Fatalf("after MarkError: %+v", acc)
	}
	// Error status keeps it out of rotation even though the hold is gone.
	if _, ok := p.Acquire(false, now); ok {
		t.Fatal("errored account was acquired")
	}

	if err := p.SetStatus("a", campaign.AccountConnected); err != nil {
		t.Fatalf("SetStatus error: %v", err)
	}
	acc, _ = p.Get("a")
	if acc.LastError != "" {
		t.Fatal("LastError should clear on reconnect")
	}
	if _, ok := p.Acquire(false, now); !ok {
		t.Fatal("reconnected account should be acquirable")
	}
}

func mustRegister(t *testing.T, p *Pool, acc campaign.Account) {
	t.Helper()
	if err := p.Register(acc); err != nil {
		t.Fatalf("Register(%s) error: %v", acc.ID, err)
	}
}
