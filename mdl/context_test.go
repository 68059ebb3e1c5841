package mdl

import (
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(nil, nil)
}

func TestContextAcquireAndRelease(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)
	key := NewKey(Table, "db", "t")

	tk, err := ctx.Acquire(key, SharedRead, TransactionDuration, time.Time{})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ctx.IsOwner(key, SharedRead) {
		t.Fatal("context should own an SR lock on the key it just acquired")
	}

	ctx.Release(tk)
	if ctx.IsOwner(key, SharedRead) {
		t.Fatal("context should no longer own the lock after release")
	}
}

func TestContextFindTicketSubsumesWeakerRequest(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)
	key := NewKey(Table, "db", "t")

	if _, err := ctx.Acquire(key, Exclusive, TransactionDuration, time.Time{}); err != nil {
		t.Fatalf("acquire X failed: %v", err)
	}
	tk, err := ctx.Acquire(key, SharedRead, TransactionDuration, time.Time{})
	if err != nil {
		t.Fatalf("acquire SR should be satisfied by held X: %v", err)
	}
	if tk.Type() != Exclusive {
		t.Fatalf("expected the existing X ticket to be returned, got %v", tk.Type())
	}
}

func TestContextReadersShareAnSRLock(t *testing.T) {
	m := newTestManager()
	key := NewKey(Table, "db", "t")
	a := m.NewContext(newFakeOwner(), 0)
	b := m.NewContext(newFakeOwner(), 0)

	if _, err := a.Acquire(key, SharedRead, TransactionDuration, time.Time{}); err != nil {
		t.Fatalf("a acquire failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Acquire(key, SharedRead, TransactionDuration, time.Now().Add(time.Second))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("concurrent reader should not block: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second reader should not need to wait for the first")
	}
}

func TestContextWriterBlocksReaders(t *testing.T) {
	m := newTestManager()
	key := NewKey(Table, "db", "t")
	writer := m.NewContext(newFakeOwner(), 0)
	reader := m.NewContext(newFakeOwner(), 0)

	wtk, err := writer.Acquire(key, Exclusive, TransactionDuration, time.Time{})
	if err != nil {
		t.Fatalf("writer acquire failed: %v", err)
	}

	readerDone := make(chan error, 1)
	go func() {
		_, err := reader.Acquire(key, SharedRead, TransactionDuration, time.Now().Add(2*time.Second))
		readerDone <- err
	}()

	select {
	case <-readerDone:
		t.Fatal("reader should block while writer holds X")
	case <-time.After(100 * time.Millisecond):
	}

	writer.Release(wtk)
	select {
	case err := <-readerDone:
		if err != nil {
			t.Fatalf("reader should succeed once writer releases: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke after writer released")
	}
}

func TestContextAcquireTimesOut(t *testing.T) {
	m := newTestManager()
	key := NewKey(Table, "db", "t")
	writer := m.NewContext(newFakeOwner(), 0)
	blocked := m.NewContext(newFakeOwner(), 0)

	if _, err := writer.Acquire(key, Exclusive, TransactionDuration, time.Time{}); err != nil {
		t.Fatalf("writer acquire failed: %v", err)
	}

	_, err := blocked.Acquire(key, SharedRead, TransactionDuration, time.Now().Add(50*time.Millisecond))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestContextAcquireMultiSortsByKey(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)

	reqs := []AcquireRequest{
		{Key: NewKey(Table, "db", "z"), Type: SharedRead, Duration: TransactionDuration},
		{Key: NewKey(Table, "db", "a"), Type: SharedRead, Duration: TransactionDuration},
	}
	tks, err := ctx.AcquireMulti(reqs, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("acquire multi failed: %v", err)
	}
	if len(tks) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tks))
	}
	if tks[0].Key().Name() != "a" || tks[1].Key().Name() != "z" {
		t.Fatalf("expected tickets in key order a, z; got %s, %s", tks[0].Key().Name(), tks[1].Key().Name())
	}
}

func TestContextReleaseStatementOnlyReleasesStatementDuration(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)

	k1 := NewKey(Table, "db", "a")
	k2 := NewKey(Table, "db", "b")
	if _, err := ctx.Acquire(k1, SharedRead, StatementDuration, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Acquire(k2, SharedRead, TransactionDuration, time.Time{}); err != nil {
		t.Fatal(err)
	}

	ctx.ReleaseStatement()

	if ctx.IsOwner(k1, SharedRead) {
		t.Fatal("statement-duration lock should have been released")
	}
	if !ctx.IsOwner(k2, SharedRead) {
		t.Fatal("transaction-duration lock should survive ReleaseStatement")
	}
}

// TestContextSelfGrantDoesNotDeadlockOnOwnFastPathLock covers a context
// that already holds a fast-path (unobtrusive) grant on a key and then
// requests a stronger, non-subsumed mode directly (not via Upgrade):
// the request must be satisfied immediately rather than waiting on its
// own earlier grant.
func TestContextSelfGrantDoesNotDeadlockOnOwnFastPathLock(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)
	key := NewKey(Table, "db", "t")

	if _, err := ctx.Acquire(key, SharedRead, TransactionDuration, time.Time{}); err != nil {
		t.Fatalf("acquire SR failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ctx.Acquire(key, SharedNoReadWrite, TransactionDuration, time.Now().Add(time.Second))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquiring a stronger mode on a key this context already holds should not block: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("context deadlocked against its own earlier fast-path grant")
	}
}

func TestContextUpgrade(t *testing.T) {
	m := newTestManager()
	ctx := m.NewContext(newFakeOwner(), 0)
	key := NewKey(Table, "db", "t")

	tk, err := ctx.Acquire(key, SharedUpgradable, TransactionDuration, time.Time{})
	if err != nil {
		t.Fatalf("acquire SU failed: %v", err)
	}

	if err := ctx.Upgrade(tk, Exclusive, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if !ctx.IsOwner(key, Exclusive) {
		t.Fatal("context should now own X after upgrade")
	}
}
