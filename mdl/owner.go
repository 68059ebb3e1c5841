package mdl

// Owner is the vtable a Context's creator must supply so the lock
// manager can cooperate with whatever is driving the session: block on
// a condition variable the host understands, notice a kill signal, and
// be told about locks that might need to flush something before they
// can be granted. It corresponds 1:1 to the upstream MDL_context_owner
// interface.
type Owner interface {
	// EnterCond/ExitCond let the manager park the owner's thread of
	// execution on a stage description while waiting for a lock,
	// matching whatever "show processlist" style introspection the
	// host exposes; ExitCond restores the previous stage.
	EnterCond(stage string) (previous string)
	ExitCond(previous string)

	// IsKilled reports whether the owner has been asked to stop; a
	// blocked acquire checks it about once a second and resolves with
	// a Killed error once it reads true.
	IsKilled() bool

	// IsConnected reports whether the owner's client connection is
	// still alive; checked on the same cadence as IsKilled, losing it
	// resolves a blocked acquire with a Disconnected error.
	IsConnected() bool

	// NotifySharedLock is called on the owner of a conflicting SHARED
	// lock when a higher-priority request (e.g. an exclusive lock
	// needed for DDL) starts waiting, so the host can proactively end
	// the statement holding the shared lock instead of leaving it to
	// expire on its own.
	NotifySharedLock(ctx *Context, needExclusive bool)

	// NotifyHtonPreAcquireExclusive/NotifyHtonPostReleaseExclusive
	// bracket the acquisition of an EXCLUSIVE lock so the (out-of-scope)
	// storage engine layer can flush or invalidate caches tied to the
	// object being exclusively locked.
	NotifyHtonPreAcquireExclusive(key Key) error
	NotifyHtonPostReleaseExclusive(key Key)

	// RandSeed returns the value Manager.Compact seeds its
	// pseudo-random generator with the first time it runs; the
	// generator picks which lock objects a compaction sweep visits.
	RandSeed() uint32
}
