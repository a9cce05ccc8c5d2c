package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"promobot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenStore(StoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "promobot.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenStoreDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := OpenStore(StoreConfig{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := OpenStore(StoreConfig{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSQLiteAppendAndPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{ID: "e1", Seq: 1, At: base, JobID: "j1", Outcome: OutcomeSucceeded},
		{ID: "e2", Seq: 2, At: base.Add(time.Hour), JobID: "j2", Outcome: OutcomeFailed, Error: "boom"},
	}
	for _, e := range entries {
		if err := st.Append(e); err != nil {
			t.Fatalf("Append(%s) error: %v", e.ID, err)
		}
	}
	// Duplicate primary key must error.
	if err := st.Append(entries[0]); err == nil {
		t.Fatal("duplicate append succeeded")
	}

	if err := st.Prune(base.Add(30 * time.Minute)); err != nil {
		t.Fatalf("Prune error: %v", err)
	}
}

func TestLedgerWritesThroughToStore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	l := New(Config{Retention: time.Hour}, st, nil, logx.Nop())

	e := l.Append(Entry{JobID: "j1", Outcome: OutcomeSucceeded})
	if e.Seq == 0 {
		t.Fatal("seq not assigned")
	}
	if n := l.Prune(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Prune dropped %d, want 1", n)
	}
}
