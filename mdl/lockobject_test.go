package mdl

import "testing"

func TestLockObjectFastPathGrantAndRelease(t *testing.T) {
	lo := newLockObject(NewKey(Table, "db", "t"))
	if !lo.tryFastPath(SharedRead) {
		t.Fatal("expected first SR request to take the fast path")
	}
	if !lo.tryFastPath(SharedRead) {
		t.Fatal("expected concurrent SR requests to both take the fast path")
	}
	if lo.isEmpty() {
		t.Fatal("object should not be empty while fast-path grants are outstanding")
	}

	lo.releaseFastPath(SharedRead)
	lo.releaseFastPath(SharedRead)
	if !lo.isEmpty() {
		t.Fatal("object should be empty after both fast-path grants release")
	}
}

func TestLockObjectFastPathBlockedByObtrusiveGrant(t *testing.T) {
	lo := newLockObject(NewKey(Table, "db", "t"))
	tk := &Ticket{key: lo.key, lockType: Exclusive}
	lo.lock.Lock()
	lo.addGranted(tk)
	lo.lock.Unlock()

	if lo.tryFastPath(SharedRead) {
		t.Fatal("fast path should be unavailable while an obtrusive lock is granted")
	}
}

func TestLockObjectCanGrantRespectsPendingPriority(t *testing.T) {
	lo := newLockObject(NewKey(Table, "db", "t"))
	lo.lock.Lock()
	defer lo.lock.Unlock()

	waiter := &Ticket{key: lo.key, lockType: SharedNoReadWrite}
	lo.addWaiting(waiter)

	if lo.canGrant(SharedWrite, nil, false) {
		t.Fatal("SW should wait behind a pending SNRW request")
	}
	if !lo.canGrant(SharedHighPrio, nil, false) {
		t.Fatal("SH should be able to jump a pending SNRW request")
	}
}

// TestLockObjectRescheduleWaitersGrantsPastIncompatibleHead checks that a
// waiter stuck behind a pending-priority conflict doesn't stop
// rescheduleWaiters from granting a compatible waiter queued after it.
func TestLockObjectRescheduleWaitersGrantsPastIncompatibleHead(t *testing.T) {
	lo := newLockObject(NewKey(Table, "db", "t"))
	lo.lock.Lock()

	w1 := &Ticket{key: lo.key, lockType: SharedRead, slot: newWaitSlot()}
	w2 := &Ticket{key: lo.key, lockType: Exclusive, slot: newWaitSlot()}
	w3 := &Ticket{key: lo.key, lockType: SharedRead, slot: newWaitSlot()}
	lo.addWaiting(w1)
	lo.addWaiting(w2)
	lo.addWaiting(w3)

	woken := lo.rescheduleWaiters()
	lo.lock.Unlock()

	if len(woken) != 1 || woken[0] != w2 {
		t.Fatalf("expected only w2 (X) to be woken, got %d tickets", len(woken))
	}
	if len(lo.waiting) != 2 || lo.waiting[0] != w1 || lo.waiting[1] != w3 {
		t.Fatal("expected w1 and w3 to remain waiting, blocked by the now-granted X")
	}
}

func TestLockObjectHogLimitYieldsToWaiters(t *testing.T) {
	lo := newLockObject(NewKey(Table, "db", "t"))
	lo.maxHogCount = 2

	lo.lock.Lock()
	srWaiter := &Ticket{key: lo.key, lockType: SharedRead, slot: newWaitSlot()}
	lo.addWaiting(srWaiter)
	for i := 0; i < 2; i++ {
		tk := &Ticket{key: lo.key, lockType: Exclusive}
		if !lo.canGrant(Exclusive, nil, false) {
			t.Fatalf("expected hog grant %d to be allowed", i)
		}
		lo.addGranted(tk)
		lo.removeTicket(tk)
	}

	xWaiter := &Ticket{key: lo.key, lockType: Exclusive, slot: newWaitSlot()}
	lo.addWaiting(xWaiter)

	woken := lo.rescheduleWaiters()
	lo.lock.Unlock()

	if len(woken) != 1 || woken[0] != srWaiter {
		t.Fatalf("expected only the SR waiter to be woken once the hog limit is hit, got %d", len(woken))
	}
	if len(lo.waiting) != 1 || lo.waiting[0] != xWaiter {
		t.Fatal("expected the X waiter to remain queued behind the hog limit")
	}
}
