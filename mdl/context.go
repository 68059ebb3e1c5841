package mdl

import (
	"sync"
	"sync/atomic"
	"time"

	merrors "mantisdb-mdl/internal/errors"
)

var nextContextID uint64

// Context represents one connection's (or worker's) view into the lock
// manager: the set of tickets it currently holds, grouped by duration,
// and -- while blocked -- the single edge pointing at whatever
// LockObject it's waiting on. That edge is what the deadlock detector
// walks to build the wait-for graph.
type Context struct {
	id    uint64
	owner Owner

	manager *Manager

	mu      sync.Mutex
	tickets [numDurations][]*Ticket

	pinsMu   sync.Mutex
	pins     [maxPins]*LockObject
	pinCount int

	// waitLock guards waitingFor/waitingForTicket. The deadlock
	// detector RLocks it while traversing outgoing edges from many
	// contexts concurrently; a context only ever writes its own edge,
	// under Lock, when it parks or unparks.
	waitLock         *rwLock
	waitingFor       *LockObject
	waitingForTicket *Ticket

	deadlockWeight int
}

// NewContext creates a Context bound to owner. deadlockWeight controls
// victim selection: the detector's "≥" tie-break rule (see Open
// Question 2) replaces the current victim candidate with any node seen
// at or below its weight, so lower weights are progressively more
// likely to be picked as the one killed to break a cycle.
func NewContext(m *Manager, owner Owner, deadlockWeight int) *Context {
	return &Context{
		id:             atomic.AddUint64(&nextContextID, 1),
		owner:          owner,
		manager:        m,
		waitLock:       newRWLock(),
		deadlockWeight: deadlockWeight,
	}
}

func (ctx *Context) ID() uint64 { return ctx.id }

func (ctx *Context) pin(lo *LockObject) {
	ctx.pinsMu.Lock()
	defer ctx.pinsMu.Unlock()
	if ctx.pinCount < maxPins {
		ctx.pins[ctx.pinCount] = lo
		ctx.pinCount++
	}
}

func (ctx *Context) unpinAll() {
	ctx.pinsMu.Lock()
	defer ctx.pinsMu.Unlock()
	for i := 0; i < ctx.pinCount; i++ {
		ctx.pins[i].unpin()
		ctx.pins[i] = nil
	}
	ctx.pinCount = 0
}

// findTicket looks for a ticket this context already holds on key that
// subsumes a request of type t, letting Acquire skip straight to
// "already satisfied" without touching the LockObject at all.
func (ctx *Context) findTicket(key Key, t LockType) *Ticket {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for d := Duration(0); d < numDurations; d++ {
		for _, tk := range ctx.tickets[d] {
			if tk.key.Equal(key) && tk.satisfies(t) {
				return tk
			}
		}
	}
	return nil
}

func (ctx *Context) addTicket(tk *Ticket, d Duration) {
	ctx.mu.Lock()
	ctx.tickets[d] = append(ctx.tickets[d], tk)
	ctx.mu.Unlock()
}

func (ctx *Context) dropTicket(tk *Ticket, d Duration) {
	ctx.mu.Lock()
	list := ctx.tickets[d]
	for i, cur := range list {
		if cur == tk {
			ctx.tickets[d] = append(list[:i], list[i+1:]...)
			break
		}
	}
	ctx.mu.Unlock()
}

// AcquireRequest is a single request within a multi-object Acquire
// call; AcquireMulti acquires a sorted batch of these requests one at
// a time so that, combined with Key's fixed total order, two contexts
// requesting overlapping object sets never deadlock against each
// other purely from acquisition order.
type AcquireRequest struct {
	Key      Key
	Type     LockType
	Duration Duration
}

// TryAcquire attempts to acquire a single lock without ever blocking,
// returning (nil, nil) if it would need to wait.
func (ctx *Context) TryAcquire(key Key, t LockType, d Duration) (*Ticket, error) {
	if tk := ctx.findTicket(key, t); tk != nil {
		return tk, nil
	}

	if !strategyFor(key.namespace.family()).isUnobtrusive(t) {
		ctx.materializeFastPathLocks()
	}

	lo := ctx.manager.lockTable.findOrInsert(ctx, key)
	defer ctx.unpinOne(lo)

	if lo.isDestroyed() {
		return nil, merrors.NewOutOfMemoryError("lock object was destroyed concurrently")
	}

	if lo.tryFastPath(t) {
		tk := ctx.newGrantedTicket(key, t, d, lo, true)
		return tk, nil
	}

	lo.lock.Lock()
	defer lo.lock.Unlock()
	if !lo.canGrant(t, ctx, false) {
		return nil, nil
	}
	tk := &Ticket{key: key, lockType: t, duration: d, ctx: ctx, lock: lo, grantedAt: time.Now()}
	lo.addGranted(tk)
	ctx.addTicket(tk, d)
	return tk, nil
}

// materializeFastPathLocks folds every fast-path-granted ticket this
// context holds into its LockObject's slow-path granted list before
// the context requests an obtrusive lock anywhere. Fast-path grants
// are tracked as anonymous per-type counters with no ctx attribution,
// so without this step canGrant's self-exclusion could not tell one
// of this context's own fast-path grants apart from an identical one
// held by somebody else. Mirrors MDL_context::materialize_fast_path_locks.
func (ctx *Context) materializeFastPathLocks() {
	ctx.mu.Lock()
	var toMaterialize []*Ticket
	for d := Duration(0); d < numDurations; d++ {
		for _, tk := range ctx.tickets[d] {
			if tk.viaFastPath {
				toMaterialize = append(toMaterialize, tk)
			}
		}
	}
	ctx.mu.Unlock()

	for _, tk := range toMaterialize {
		tk.lock.materializeFastPathTicket(tk)
	}
}

// Acquire acquires a single lock, blocking until granted, a deadline
// elapses, the context is killed, or the deadlock detector selects this
// wait as the victim to break a cycle. A zero deadline means wait
// indefinitely (subject only to kill/disconnect).
func (ctx *Context) Acquire(key Key, t LockType, d Duration, deadline time.Time) (*Ticket, error) {
	if tk := ctx.findTicket(key, t); tk != nil {
		return tk, nil
	}
	if tk, err := ctx.TryAcquire(key, t, d); tk != nil || err != nil {
		if err != nil {
			return nil, err
		}
		ctx.manager.logAcquire(ctx, key, t)
		if err := ctx.notifyPreAcquireExclusive(key, t); err != nil {
			ctx.Release(tk)
			return nil, err
		}
		return tk, nil
	}

	lo := ctx.manager.lockTable.findOrInsert(ctx, key)
	defer ctx.unpinOne(lo)

	lo.lock.Lock()
	if lo.canGrant(t, ctx, false) {
		tk := &Ticket{key: key, lockType: t, duration: d, ctx: ctx, lock: lo, grantedAt: time.Now()}
		lo.addGranted(tk)
		lo.lock.Unlock()
		ctx.addTicket(tk, d)
		ctx.manager.logAcquire(ctx, key, t)
		if err := ctx.notifyPreAcquireExclusive(key, t); err != nil {
			ctx.Release(tk)
			return nil, err
		}
		return tk, nil
	}

	conflicting := conflictingOwners(lo, ctx, t)
	tk := &Ticket{key: key, lockType: t, duration: d, ctx: ctx, lock: lo, slot: newWaitSlot()}
	lo.addWaiting(tk)
	lo.lock.Unlock()

	for _, other := range conflicting {
		other.NotifySharedLock(ctx, t == Exclusive)
	}

	var prevStage string
	if ctx.owner != nil {
		prevStage = ctx.owner.EnterCond("Waiting for metadata lock")
	}

	ctx.park(lo, tk)
	if victim := FindDeadlock(ctx); victim != nil {
		if _, victimTk := victim.WaitingFor(); victimTk != nil {
			victimTk.slot.set(waitVictim)
		}
		ctx.manager.logDeadlock(victim)
	}
	status := tk.slot.timedWait(ctx.owner, deadline)
	ctx.unpark()

	if ctx.owner != nil {
		ctx.owner.ExitCond(prevStage)
	}

	if status == waitGranted {
		ctx.addTicket(tk, d)
		ctx.manager.logAcquire(ctx, key, t)
		if err := ctx.notifyPreAcquireExclusive(key, t); err != nil {
			ctx.Release(tk)
			return nil, err
		}
		return tk, nil
	}

	lo.lock.Lock()
	if !tk.granted {
		lo.removeTicket(tk)
		woken := lo.rescheduleWaiters()
		lo.lock.Unlock()
		for _, w := range woken {
			w.slot.set(waitGranted)
		}
	} else {
		// Granted concurrently with our timeout/victim resolution;
		// honor the grant rather than drop a lock the caller never
		// asked to release.
		lo.lock.Unlock()
		ctx.addTicket(tk, d)
		return tk, nil
	}

	if status == waitTimeout {
		ctx.manager.logTimeout(ctx, key)
	}

	return nil, errorFor(status)
}

// conflictingOwners returns the distinct Owners of every ticket
// currently granted on lo by a context other than ctx whose type
// conflicts with a request of type t, so a new conflicting waiter can
// notify them (e.g. a shared-lock holder asked to end its statement
// early rather than block an incoming exclusive request until it
// expires on its own).
func conflictingOwners(lo *LockObject, ctx *Context, t LockType) []Owner {
	incompatible := lo.strategy.grantedIncompatible[t]
	seen := make(map[*Context]bool)
	var owners []Owner
	for _, g := range lo.granted {
		if g.ctx == ctx || seen[g.ctx] || g.ctx.owner == nil || !incompatible.has(g.lockType) {
			continue
		}
		seen[g.ctx] = true
		owners = append(owners, g.ctx.owner)
	}
	return owners
}

// notifyPreAcquireExclusive brackets granting an Exclusive ticket with
// the host's pre-acquire hook, giving the (out-of-scope) storage engine
// layer a chance to flush or invalidate state tied to the object before
// the lock takes effect, or to veto the acquisition outright.
func (ctx *Context) notifyPreAcquireExclusive(key Key, t LockType) error {
	if t != Exclusive || ctx.owner == nil {
		return nil
	}
	return ctx.owner.NotifyHtonPreAcquireExclusive(key)
}

// AcquireMulti acquires every request in reqs, sorted by Key so that
// concurrent multi-object acquires never form a cycle purely through
// acquisition order. On failure, every ticket acquired
// so far is released before returning the error.
func (ctx *Context) AcquireMulti(reqs []AcquireRequest, deadline time.Time) ([]*Ticket, error) {
	sorted := make([]AcquireRequest, len(reqs))
	copy(sorted, reqs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Key.Compare(sorted[j-1].Key) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	granted := make([]*Ticket, 0, len(sorted))
	for _, r := range sorted {
		tk, err := ctx.Acquire(r.Key, r.Type, r.Duration, deadline)
		if err != nil {
			for i := len(granted) - 1; i >= 0; i-- {
				ctx.Release(granted[i])
			}
			return nil, err
		}
		granted = append(granted, tk)
	}
	return granted, nil
}

func (ctx *Context) unpinOne(lo *LockObject) {
	ctx.pinsMu.Lock()
	defer ctx.pinsMu.Unlock()
	for i := 0; i < ctx.pinCount; i++ {
		if ctx.pins[i] == lo {
			lo.unpin()
			ctx.pins[i] = ctx.pins[ctx.pinCount-1]
			ctx.pins[ctx.pinCount-1] = nil
			ctx.pinCount--
			return
		}
	}
}

func (ctx *Context) newGrantedTicket(key Key, t LockType, d Duration, lo *LockObject, viaFastPath bool) *Ticket {
	tk := &Ticket{key: key, lockType: t, duration: d, ctx: ctx, lock: lo, granted: true, viaFastPath: viaFastPath, grantedAt: time.Now()}
	ctx.addTicket(tk, d)
	return tk
}

// park records that ctx is now blocked waiting on lo via tk, publishing
// the edge the deadlock detector's DFS follows.
func (ctx *Context) park(lo *LockObject, tk *Ticket) {
	ctx.waitLock.Lock()
	ctx.waitingFor = lo
	ctx.waitingForTicket = tk
	ctx.waitLock.Unlock()
}

func (ctx *Context) unpark() {
	ctx.waitLock.Lock()
	ctx.waitingFor = nil
	ctx.waitingForTicket = nil
	ctx.waitLock.Unlock()
}

// WaitingFor returns the LockObject this context is currently blocked
// on, or nil if it isn't waiting. Used by the deadlock detector.
func (ctx *Context) WaitingFor() (*LockObject, *Ticket) {
	ctx.waitLock.RLock()
	defer ctx.waitLock.RUnlock()
	return ctx.waitingFor, ctx.waitingForTicket
}

// Release releases a single ticket immediately, regardless of its
// duration, and wakes any waiters the release newly satisfies.
func (ctx *Context) Release(tk *Ticket) {
	lo := tk.lock
	ctx.dropTicket(tk, tk.duration)

	if !tk.granted {
		return
	}

	ctx.releaseFromObject(lo, tk)
}

func (ctx *Context) releaseFromObject(lo *LockObject, tk *Ticket) {
	lo.lock.Lock()
	inSlowList := false
	for _, cur := range lo.granted {
		if cur == tk {
			inSlowList = true
			break
		}
	}
	if inSlowList {
		lo.removeTicket(tk)
	}
	lo.lock.Unlock()

	if !inSlowList {
		// Granted on the fast path: just decrement the counter.
		lo.releaseFastPath(tk.lockType)
	}

	lo.lock.Lock()
	woken := lo.rescheduleWaiters()
	empty := lo.isEmpty()
	if empty {
		atomic.StoreInt32(&lo.destroyed, 1)
	}
	lo.lock.Unlock()

	for _, w := range woken {
		w.slot.set(waitGranted)
	}

	if empty {
		if !ctx.manager.lockTable.remove(lo.key, lo) {
			atomic.StoreInt32(&lo.destroyed, 0)
		}
	}

	if tk.lockType == Exclusive && ctx.owner != nil {
		ctx.owner.NotifyHtonPostReleaseExclusive(tk.key)
	}
}

// ReleaseStatement releases every statement-duration ticket this
// context holds; the (out-of-scope) statement executor calls this at
// the end of each statement.
func (ctx *Context) ReleaseStatement() {
	ctx.releaseDuration(StatementDuration)
}

// ReleaseTransactional releases every transaction- and
// statement-duration ticket, for use at commit or rollback.
func (ctx *Context) ReleaseTransactional() {
	ctx.releaseDuration(StatementDuration)
	ctx.releaseDuration(TransactionDuration)
}

func (ctx *Context) releaseDuration(d Duration) {
	ctx.mu.Lock()
	list := ctx.tickets[d]
	ctx.tickets[d] = nil
	ctx.mu.Unlock()

	for _, tk := range list {
		ctx.releaseFromObject(tk.lock, tk)
	}
}

// ReleaseAll releases every ticket this context holds, of any
// duration, typically on connection close.
func (ctx *Context) ReleaseAll() {
	for d := Duration(0); d < numDurations; d++ {
		ctx.releaseDuration(d)
	}
}

// SetExplicitForAll converts every ticket currently held to explicit
// duration, so a later ReleaseTransactional won't drop them.
func (ctx *Context) SetExplicitForAll() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for d := Duration(0); d < ExplicitDuration; d++ {
		for _, tk := range ctx.tickets[d] {
			tk.duration = ExplicitDuration
			ctx.tickets[ExplicitDuration] = append(ctx.tickets[ExplicitDuration], tk)
		}
		ctx.tickets[d] = nil
	}
}

// SetTransactionalForAll converts every statement-duration ticket to
// transaction duration, used when a statement turns out to be part of
// a multi-statement transaction after having already taken locks.
func (ctx *Context) SetTransactionalForAll() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, tk := range ctx.tickets[StatementDuration] {
		tk.duration = TransactionDuration
		ctx.tickets[TransactionDuration] = append(ctx.tickets[TransactionDuration], tk)
	}
	ctx.tickets[StatementDuration] = nil
}

// IsOwner reports whether this context already holds a lock on key at
// least as strong as t.
func (ctx *Context) IsOwner(key Key, t LockType) bool {
	return ctx.findTicket(key, t) != nil
}

// Savepoint captures enough of this context's ticket state to roll
// back to later.
type Savepoint struct {
	counts [numDurations]int
}

func (ctx *Context) Savepoint() Savepoint {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	var sp Savepoint
	for d := Duration(0); d < numDurations; d++ {
		sp.counts[d] = len(ctx.tickets[d])
	}
	return sp
}

// RollbackToSavepoint releases every ticket acquired after sp was
// taken.
func (ctx *Context) RollbackToSavepoint(sp Savepoint) {
	for d := Duration(0); d < numDurations; d++ {
		ctx.mu.Lock()
		list := ctx.tickets[d]
		if sp.counts[d] >= len(list) {
			ctx.mu.Unlock()
			continue
		}
		toRelease := append([]*Ticket(nil), list[sp.counts[d]:]...)
		ctx.tickets[d] = list[:sp.counts[d]]
		ctx.mu.Unlock()

		for _, tk := range toRelease {
			ctx.releaseFromObject(tk.lock, tk)
		}
	}
}

// Upgrade acquires a stronger lock on the same key as an existing
// ticket and, on success, merges it into the existing ticket -- used
// for e.g. SharedUpgradable -> Exclusive during online DDL's final
// phase. It's built on top of Acquire rather than its own wait loop:
// requesting the stronger mode through the normal acquire path gets
// upgrade the same blocking, deadlock-detection and victim-selection
// behavior every other acquire gets for free, and canGrant's
// self-exclusion (see LockObject.otherGrantedBitmap) means the
// context's own weaker ticket never counts as a conflict against its
// own upgrade request. Mirrors MDL_context::upgrade_shared_lock.
func (ctx *Context) Upgrade(tk *Ticket, stronger LockType, deadline time.Time) error {
	strat := strategyFor(tk.key.namespace.family())
	if strat.strength[stronger] < strat.strength[tk.lockType] {
		return merrors.NewError(merrors.ErrorTypeInvariant, merrors.SeverityHigh, "upgrade target is not stronger than the held lock").
			WithContext("from", tk.lockType.String()).WithContext("to", stronger.String())
	}
	if stronger == tk.lockType {
		return nil
	}

	existing := ctx.findTicket(tk.key, stronger)
	newTk, err := ctx.Acquire(tk.key, stronger, tk.duration, deadline)
	if err != nil {
		return err
	}

	if newTk == tk || newTk == existing {
		// Acquire folded the request into a ticket this context already
		// held (tk itself, or some other ticket on the same key that
		// already subsumed it); nothing to merge.
		return nil
	}

	lo := tk.lock
	lo.lock.Lock()
	lo.removeTicket(tk)
	lo.removeTicket(newTk)
	tk.lockType = stronger
	lo.addGranted(tk)
	lo.lock.Unlock()

	ctx.dropTicket(newTk, newTk.duration)
	ctx.manager.logAcquire(ctx, tk.key, stronger)
	return nil
}
