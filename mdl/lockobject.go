package mdl

import (
	"sync/atomic"

	merrors "mantisdb-mdl/internal/errors"
)

// LockObject is the per-key state the manager maintains for as long as
// at least one ticket (granted or waiting) references it: the granted
// and waiting ticket lists, the bitmaps summarizing their types, and
// the bookkeeping the fast and slow acquire paths need.
//
// Invariants:
//  1. A LockObject with no granted and no waiting tickets is removed
//     from the LockTable as soon as it becomes empty (Invariant 1).
//  2. grantedBitmap/waitingBitmap are always the OR of their list's
//     ticket types (Invariant 2), maintained incrementally here rather
//     than recomputed, since they're read on every acquire.
//  3. The granted list only ever holds mutually-compatible tickets
//     (Invariant 3), enforced by canGrant before any insert.
//  4. unobtrusiveCount only tracks unobtrusive (fast-path) grants; the
//     moment an obtrusive grant exists, all further grants -- even of
//     unobtrusive types -- go through the slow path so the accounting
//     stays exact (Invariant 4).
//  5. destroyed is set under lock exactly once, right before the
//     LockObject is removed from the table, and never cleared
//     (Invariant 5) except by the one documented exception: a failed
//     LockTable.Remove due to a transient allocation failure leaves
//     destroyed cleared so the object stays live and usable (see
//     DESIGN.md, Open Question 3).
//  6. Readers (RLock on the object's rwLock) always pass a pending
//     writer (Invariant 6); see rwlock.go.
type LockObject struct {
	key      Key
	strategy *lockStrategy

	lock *rwLock // guards granted/waiting below

	granted       []*Ticket
	grantedBitmap bitmap
	waiting       []*Ticket
	waitingBitmap bitmap

	// unobtrusiveCount is the fast-path grant counter, one slot per
	// unobtrusive LockType, bumped atomically without holding lock.
	// Discrete per-type counters rather than bit-packed into one word:
	// Go doesn't need the single-word footprint a packed counter buys.
	unobtrusiveCount [numLockTypes]int64

	// obtrusiveCount is nonzero whenever any obtrusive-type ticket is
	// granted; its presence is what forces every further acquire,
	// including unobtrusive ones, onto the slow path.
	obtrusiveCount int32

	// hogLockCount counts consecutive hog-type grants made while a
	// weaker, non-hog request was waiting; once it reaches the
	// configured MaxWriteLockCount, rescheduleWaiters stops favoring
	// hog requests over the longest-waiting non-hog one for one pass.
	hogLockCount uint64
	maxHogCount  uint64

	destroyed int32 // atomic bool

	// refs is the hazard-pointer-lite reference count: the number of
	// Context pin slots currently referencing this LockObject. The
	// LockTable only reclaims a destroyed, empty LockObject once refs
	// drops to zero.
	refs int32

	fastPathHits   int64
	slowPathWaits  int64
}

// fastPathCounterLimit bounds a single fast-path grant counter; past
// this point something has gone wrong in bookkeeping elsewhere (no
// realistic workload holds this many concurrent grants of one type on
// one object), so tryFastPath treats crossing it as a hard invariant
// violation rather than silently wrapping.
const fastPathCounterLimit = 1<<20 - 1

func newLockObject(key Key) *LockObject {
	return &LockObject{
		key:         key,
		strategy:    strategyFor(key.namespace.family()),
		lock:        newRWLock(),
		maxHogCount: 1000,
	}
}

func (lo *LockObject) isDestroyed() bool { return atomic.LoadInt32(&lo.destroyed) != 0 }

func (lo *LockObject) pin()   { atomic.AddInt32(&lo.refs, 1) }
func (lo *LockObject) unpin() { atomic.AddInt32(&lo.refs, -1) }
func (lo *LockObject) refCount() int32 { return atomic.LoadInt32(&lo.refs) }

// isEmpty reports whether the object has no granted and no waiting
// tickets and therefore no fast-path grants outstanding either.
func (lo *LockObject) isEmpty() bool {
	for t := LockType(0); t < numLockTypes; t++ {
		if atomic.LoadInt64(&lo.unobtrusiveCount[t]) != 0 {
			return false
		}
	}
	return len(lo.granted) == 0 && len(lo.waiting) == 0
}

// tryFastPath attempts to grant an unobtrusive request with an atomic
// increment, without taking the object's rwLock for write (it only
// read-locks it briefly to check for waiters), as long as no obtrusive
// ticket is granted and no request is waiting. It mirrors
// MDL_lock::fast_path_state check in MDL_context::try_acquire_lock.
func (lo *LockObject) tryFastPath(t LockType) bool {
	if !lo.strategy.isUnobtrusive(t) {
		return false
	}
	if atomic.LoadInt32(&lo.obtrusiveCount) != 0 {
		return false
	}
	if lo.hasWaitersFast() {
		return false
	}
	count := atomic.AddInt64(&lo.unobtrusiveCount[t], 1)
	assertInvariant(count <= fastPathCounterLimit, "fast-path grant counter overflowed")
	// Re-check after the bump: a concurrent obtrusive grant or a new
	// waiter could have raced in between our checks and the increment.
	if atomic.LoadInt32(&lo.obtrusiveCount) != 0 || lo.hasWaitersFast() {
		atomic.AddInt64(&lo.unobtrusiveCount[t], -1)
		return false
	}
	atomic.AddInt64(&lo.fastPathHits, 1)
	return true
}

func (lo *LockObject) hasWaitersFast() bool {
	lo.lock.RLock()
	defer lo.lock.RUnlock()
	return len(lo.waiting) != 0
}

func (lo *LockObject) releaseFastPath(t LockType) {
	atomic.AddInt64(&lo.unobtrusiveCount[t], -1)
}

// materializeFastPathTicket folds a fast-path-granted ticket into the
// slow-path granted list, giving it a real entry canGrant's
// self-exclusion can match against. Called by
// Context.materializeFastPathLocks just before that context requests
// an obtrusive lock anywhere, mirroring
// MDL_context::materialize_fast_path_locks.
func (lo *LockObject) materializeFastPathTicket(tk *Ticket) {
	lo.lock.Lock()
	defer lo.lock.Unlock()
	atomic.AddInt64(&lo.unobtrusiveCount[tk.lockType], -1)
	tk.viaFastPath = false
	lo.addGranted(tk)
}

// fastPathGrantedBitmap returns the bitmap of unobtrusive types with at
// least one outstanding fast-path grant, folded together with the slow
// path's grantedBitmap to get the full set of granted types.
func (lo *LockObject) fastPathGrantedBitmap() bitmap {
	var b bitmap
	for t := LockType(0); t < numLockTypes; t++ {
		if atomic.LoadInt64(&lo.unobtrusiveCount[t]) > 0 {
			b |= t.bit()
		}
	}
	return b
}

// canGrant reports whether a request of type t by requestor can be
// granted given the object's current granted and waiting sets. Must be
// called with lo.lock held (read or write). requestor's own granted
// tickets are excluded from the conflict check, so a context already
// holding a weaker mode on this key never deadlocks against itself
// when requesting a stronger, non-subsumed one; requestor may be nil
// when no such exclusion applies. ignorePriority skips the
// waiting-incompatible check; rescheduleWaiters sets it during its
// anti-starvation pass.
func (lo *LockObject) canGrant(t LockType, requestor *Context, ignorePriority bool) bool {
	strat := lo.strategy
	if !ignorePriority && lo.waitingBitmap&strat.waitingIncompatible[t] != 0 {
		return false
	}
	granted := lo.otherGrantedBitmap(requestor) | lo.fastPathGrantedBitmap()
	if granted&strat.grantedIncompatible[t] != 0 {
		return false
	}
	return true
}

// otherGrantedBitmap is like grantedBitmap but skips tickets owned by
// requestor, so canGrant can ignore a context's own slow-path grants
// when deciding whether to grant it a stronger mode on the same key.
func (lo *LockObject) otherGrantedBitmap(requestor *Context) bitmap {
	if requestor == nil {
		return lo.grantedBitmap
	}
	var b bitmap
	for _, tk := range lo.granted {
		if tk.ctx == requestor {
			continue
		}
		b |= tk.lockType.bit()
	}
	return b
}

// addGranted links tk into the granted list/bitmap under lo.lock (write
// held by caller) and updates the hog/obtrusive counters.
func (lo *LockObject) addGranted(tk *Ticket) {
	tk.granted = true
	lo.granted = append(lo.granted, tk)
	lo.grantedBitmap |= tk.lockType.bit()
	if !lo.strategy.isUnobtrusive(tk.lockType) {
		atomic.AddInt32(&lo.obtrusiveCount, 1)
	}
	if lo.strategy.isHog(tk.lockType) {
		if lo.waitingBitmap&^lo.strategy.hog != 0 {
			lo.hogLockCount++
		}
	} else {
		lo.hogLockCount = 0
	}
}

// addWaiting appends tk to the waiting list/bitmap. Must be called with
// lo.lock held for write.
func (lo *LockObject) addWaiting(tk *Ticket) {
	lo.waiting = append(lo.waiting, tk)
	lo.waitingBitmap |= tk.lockType.bit()
	atomic.AddInt64(&lo.slowPathWaits, 1)
}

// removeTicket removes tk from whichever list it's currently on. Must
// be called with lo.lock held for write.
func (lo *LockObject) removeTicket(tk *Ticket) {
	if tk.granted {
		lo.granted = removeTicketFrom(lo.granted, tk)
		if !lo.strategy.isUnobtrusive(tk.lockType) {
			atomic.AddInt32(&lo.obtrusiveCount, -1)
		}
		lo.recomputeGrantedBitmap()
	} else {
		lo.waiting = removeTicketFrom(lo.waiting, tk)
		lo.recomputeWaitingBitmap()
	}
}

func removeTicketFrom(list []*Ticket, tk *Ticket) []*Ticket {
	for i, cur := range list {
		if cur == tk {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (lo *LockObject) recomputeGrantedBitmap() {
	var b bitmap
	for _, tk := range lo.granted {
		b |= tk.lockType.bit()
	}
	lo.grantedBitmap = b
}

func (lo *LockObject) recomputeWaitingBitmap() {
	var b bitmap
	for _, tk := range lo.waiting {
		b |= tk.lockType.bit()
	}
	lo.waitingBitmap = b
}

// rescheduleWaiters walks the entire waiting list in FIFO order and
// grants every request canGrant currently allows, not just a leading
// prefix -- a waiter blocked behind an incompatible head of the queue
// must never starve compatible waiters further back. If this object's
// hog count has hit its limit and weaker, non-hog waiters are still
// pending, hog-type waiters are skipped outright for this pass and
// every other waiter is checked with priority ignored, giving the
// weaker requests a chance to cut in front for a while. Must be called
// with lo.lock held for write. Returns the tickets that were granted
// so the caller can wake them.
func (lo *LockObject) rescheduleWaiters() []*Ticket {
	hogTypes := lo.strategy.hog
	skipHighPriority := lo.hogLockCount >= lo.maxHogCount && lo.waitingBitmap&^hogTypes != 0

	var woken []*Ticket
	i := 0
	for i < len(lo.waiting) {
		w := lo.waiting[i]
		if skipHighPriority && lo.strategy.isHog(w.lockType) {
			i++
			continue
		}
		if !lo.canGrant(w.lockType, w.ctx, skipHighPriority) {
			i++
			continue
		}
		lo.waiting = append(lo.waiting[:i], lo.waiting[i+1:]...)
		lo.recomputeWaitingBitmap()
		lo.addGranted(w)
		woken = append(woken, w)
	}

	if lo.waitingBitmap&^hogTypes == 0 {
		lo.hogLockCount = 0
	}
	return woken
}

// assertInvariant panics when an internal bookkeeping invariant the
// manager depends on for correctness has been violated; this is the
// one place the core intentionally fails loudly instead of returning
// an error, treating bookkeeping corruption as unrecoverable rather
// than something a caller could meaningfully handle.
func assertInvariant(cond bool, message string) {
	if !cond {
		panic(merrors.NewError(merrors.ErrorTypeInvariant, merrors.SeverityCritical, message))
	}
}
