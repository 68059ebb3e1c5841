package mdl

import (
	"sync/atomic"
	"time"

	merrors "mantisdb-mdl/internal/errors"
)

// waitStatus is the outcome written into a waitSlot by whichever side
// resolves a parked acquire first.
type waitStatus int32

const (
	waitEmpty waitStatus = iota
	waitGranted
	waitVictim
	waitTimeout
	waitKilled
	waitDisconnected
)

// waitSlot is a one-shot rendezvous between a blocked waiter and
// whoever wakes it (the releaser that grants the request, the deadlock
// detector picking it as a victim, the timeout loop, or an owner kill
// signal). Exactly one of those parties wins the CAS in set(); the
// waiter's timedWait loop reads the result once it wins.
type waitSlot struct {
	status waitStatus
	ready  chan struct{}
}

func newWaitSlot() *waitSlot {
	return &waitSlot{ready: make(chan struct{})}
}

// reset prepares the slot for reuse by a new wait. Only the owning
// Context calls this, and only when no other goroutine can be
// observing the slot (i.e. before the ticket is linked into any
// LockObject's waiting list).
func (w *waitSlot) reset() {
	atomic.StoreInt32((*int32)(&w.status), int32(waitEmpty))
	w.ready = make(chan struct{})
}

// set transitions the slot to status exactly once; later callers lose
// the race silently, matching MDL_wait::set()'s "first chooser wins"
// semantics (e.g. a release granting the request beats a concurrent
// deadlock victim selection, or vice versa).
func (w *waitSlot) set(status waitStatus) bool {
	if atomic.CompareAndSwapInt32((*int32)(&w.status), int32(waitEmpty), int32(status)) {
		close(w.ready)
		return true
	}
	return false
}

func (w *waitSlot) get() waitStatus {
	return waitStatus(atomic.LoadInt32((*int32)(&w.status)))
}

// timedWait blocks until the slot is resolved or the deadline passes,
// re-checking the owner's kill/connection state once a second while
// waiting -- the same cadence MDL_wait::timed_wait renotifies blockers
// on, so a killed session or dropped connection is noticed within a
// second rather than only at the final deadline.
func (w *waitSlot) timedWait(owner Owner, deadline time.Time) waitStatus {
	for {
		var slice time.Duration
		if deadline.IsZero() {
			slice = time.Second
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				w.set(waitTimeout)
				return w.get()
			}
			if remaining > time.Second {
				slice = time.Second
			} else {
				slice = remaining
			}
		}

		timer := time.NewTimer(slice)
		select {
		case <-w.ready:
			timer.Stop()
			return w.get()
		case <-timer.C:
			if owner != nil {
				if owner.IsKilled() {
					w.set(waitKilled)
					return w.get()
				}
				if !owner.IsConnected() {
					w.set(waitDisconnected)
					return w.get()
				}
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				w.set(waitTimeout)
				return w.get()
			}
		}
	}
}

// errorFor maps a resolved wait status to the sentinel error the
// blocked acquire should return.
func errorFor(status waitStatus) error {
	switch status {
	case waitGranted:
		return nil
	case waitVictim:
		return merrors.NewDeadlockError("selected as deadlock victim while waiting for lock")
	case waitTimeout:
		return merrors.NewTimeoutError("timed out waiting for lock")
	case waitKilled:
		return merrors.NewKilledError("wait was cancelled (owner killed)")
	case waitDisconnected:
		return merrors.NewDisconnectedError("wait was cancelled (owner disconnected)")
	default:
		return merrors.NewTimeoutError("wait resolved with unexpected status")
	}
}
