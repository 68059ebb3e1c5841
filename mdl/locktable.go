package mdl

import (
	"sync"
	"sync/atomic"
)

// maxPins is the size of each Context's fixed pin array -- the number
// of LockObject pointers it can hold a hazard pointer on at once. A
// single acquire only ever needs one pin (the object being acquired);
// AcquireMulti acquires its keys one at a time and so also holds one
// pin at a time.
const maxPins = 16

// LockTable is the process-wide, (mostly) lock-free map from Key to
// *LockObject. It's built on sync.Map -- a concurrent map tuned for the
// read-mostly, disjoint-key-mostly access pattern lock lookups have --
// with a hazard-pointer-style pin scheme layered on top so a LockObject
// being looked at by one goroutine is never reclaimed out from under it
// by another goroutine that has just emptied and removed it.
type LockTable struct {
	objects sync.Map // Key -> *LockObject

	globalSingleton *LockObject
	commitSingleton *LockObject
}

// NewLockTable builds an empty table with its two well-known singleton
// LockObjects (GLOBAL and COMMIT) pre-allocated, since every connection
// touches them and recreating them on every first-acquire would be pure
// overhead.
func NewLockTable() *LockTable {
	t := &LockTable{}
	t.globalSingleton = newLockObject(GlobalKey())
	t.commitSingleton = newLockObject(CommitKey())
	t.objects.Store(GlobalKey(), t.globalSingleton)
	t.objects.Store(CommitKey(), t.commitSingleton)
	return t
}

// findOrInsert returns the LockObject for key, creating and inserting
// one if none exists yet, and pins it into the given Context's pin set
// before returning so the object can't be reclaimed while the caller
// still holds the reference. The caller must unpin() via ctx once done
// consulting/mutating the returned object outside of holding its rwLock.
func (t *LockTable) findOrInsert(ctx *Context, key Key) *LockObject {
	if v, ok := t.objects.Load(key); ok {
		lo := v.(*LockObject)
		lo.pin()
		ctx.pin(lo)
		return lo
	}

	candidate := newLockObject(key)
	candidate.maxHogCount = ctx.manager.cfg.MaxWriteLockCount
	candidate.pin()
	actual, loaded := t.objects.LoadOrStore(key, candidate)
	lo := actual.(*LockObject)
	if loaded {
		candidate.unpin()
		lo.pin()
	}
	ctx.pin(lo)
	return lo
}

// remove deletes key from the table if, and only if, the object is
// still empty, marked destroyed, and has no outstanding pins. It
// returns false without making any change when any of those conditions
// don't hold -- including the transient-allocation-failure case (see
// DESIGN.md), modeled here as simply declining to remove an object
// still reachable through a pin, leaving destroyed cleared by the
// caller in that case so the object stays usable.
func (t *LockTable) remove(key Key, lo *LockObject) bool {
	if lo.refCount() != 0 {
		return false
	}
	if !lo.isEmpty() {
		return false
	}
	t.objects.Delete(key)
	return true
}

// Len reports the number of LockObjects currently tracked, for metrics
// and for tests asserting on table shrinkage.
func (t *LockTable) Len() int {
	n := 0
	t.objects.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown removes every non-singleton LockObject that is empty and
// unpinned; objects that still hold tickets or pins stay in the table.
func (t *LockTable) Shutdown() {
	t.objects.Range(func(k, v any) bool {
		key := k.(Key)
		lo := v.(*LockObject)
		if lo == t.globalSingleton || lo == t.commitSingleton {
			return true
		}
		if lo.isEmpty() && lo.refCount() == 0 {
			t.objects.Delete(key)
		}
		return true
	})
}

// lcg is a linear congruential generator seeded from a host-provided
// value, using the constants of the classic ANSI C rand() generator:
// not cryptographically random, but enough to spread which LockObjects a
// sweep lands on across repeated calls, which is all random dives need.
type lcg struct {
	mu     sync.Mutex
	state  uint32
	seeded bool
}

func (r *lcg) next(seed uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seeded {
		r.state = seed & 0x7fffffff
		r.seeded = true
	}
	r.state = (r.state*1103515245 + 12345) & 0x7fffffff
	return r.state
}

// sweepUnused does a randomized dive over the table's non-singleton
// objects, visiting roughly ratio of them (picked independently per
// object via rng) and removing whichever of those it visits turn out to
// be empty and unpinned. It's a probabilistic sample rather than a full
// scan so a host can call it periodically without an O(n) stall under a
// table with many live objects; run it only once the table has grown
// past a low-water mark (Manager.Compact enforces that).
func (t *LockTable) sweepUnused(rng *lcg, seed uint32, ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	threshold := uint32(ratio * float64(1<<31))
	removed := 0
	t.objects.Range(func(k, v any) bool {
		key := k.(Key)
		lo := v.(*LockObject)
		if lo == t.globalSingleton || lo == t.commitSingleton {
			return true
		}
		if rng.next(seed) >= threshold {
			return true
		}
		if !lo.isEmpty() || lo.refCount() != 0 {
			return true
		}
		atomic.StoreInt32(&lo.destroyed, 1)
		if t.remove(key, lo) {
			removed++
		} else {
			atomic.StoreInt32(&lo.destroyed, 0)
		}
		return true
	})
	return removed
}
