package mdl

import (
	"sync/atomic"

	"mantisdb-mdl/config"
	"mantisdb-mdl/logging"
)

// Manager is the process-wide entry point: it owns the LockTable, the
// commit-order sequencer, and the configuration governing anti-starvation
// behavior, and is where cmd/mdlhost (or any other host) creates
// Contexts from.
type Manager struct {
	lockTable   *LockTable
	commitOrder *CommitOrderGraph
	cfg         *config.Config
	log         *logging.StructuredLogger

	activeContexts int64
	compactionRNG  lcg
}

// NewManager builds a Manager from cfg (nil selects config.Default())
// and an optional logger (nil builds a default stdout JSON logger under
// the "mdl" component).
func NewManager(cfg *config.Config, log *logging.StructuredLogger) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.NewStructuredLogger(logging.Config{
			Level:     logging.INFO,
			Component: "mdl",
		})
	}
	return &Manager{
		lockTable:   NewLockTable(),
		commitOrder: NewCommitOrderGraph(),
		cfg:         cfg,
		log:         log,
	}
}

// NewContext creates a new Context bound to this manager and owner.
func (m *Manager) NewContext(owner Owner, deadlockWeight int) *Context {
	atomic.AddInt64(&m.activeContexts, 1)
	return NewContext(m, owner, deadlockWeight)
}

// CloseContext releases every lock ctx holds and retires it.
func (m *Manager) CloseContext(ctx *Context) {
	ctx.ReleaseAll()
	ctx.unpinAll()
	atomic.AddInt64(&m.activeContexts, -1)
}

// CommitOrder returns the shared commit-order sequencer (component C9).
func (m *Manager) CommitOrder() *CommitOrderGraph { return m.commitOrder }

// Config returns the manager's active configuration.
func (m *Manager) Config() *config.Config { return m.cfg }

// Shutdown sweeps the lock table, reclaiming any LockObject left
// empty and unpinned.
func (m *Manager) Shutdown() {
	m.lockTable.Shutdown()
}

// Compact probabilistically sweeps empty, unpinned, non-singleton
// LockObjects out of the lock table via a random dive rather than a full
// scan, the way a long-lived process keeps lock table growth in check
// between the natural per-release removals. It's a no-op until the table
// has grown past UnusedLocksLowWater, at which point it visits roughly
// UnusedLocksMinRatio of the table per call; a host calls this
// periodically (e.g. from its own housekeeping goroutine), not the core
// itself, since the core has no timers of its own. The dive's randomness
// is seeded from owner's RandSeed the first time any caller runs it.
func (m *Manager) Compact(owner Owner) int {
	if m.lockTable.Len() <= m.cfg.UnusedLocksLowWater {
		return 0
	}
	var seed uint32 = 1
	if owner != nil {
		seed = owner.RandSeed()
	}
	removed := m.lockTable.sweepUnused(&m.compactionRNG, seed, m.cfg.UnusedLocksMinRatio)
	if removed > 0 {
		m.log.DebugWithMetadata("compacted unused lock objects", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed
}

// logAcquire/logDeadlock/logTimeout give the rest of the package a
// single place to route structured log entries through: routine
// acquires at DEBUG, deadlocks and timeouts at WARN.

func (m *Manager) logAcquire(ctx *Context, key Key, t LockType) {
	m.log.DebugWithMetadata("lock granted", map[string]interface{}{
		"context": ctx.ID(), "key": key.String(), "type": t.String(),
	})
}

func (m *Manager) logDeadlock(victim *Context) {
	m.log.WarnWithMetadata("deadlock detected", map[string]interface{}{
		"victim": victim.ID(),
	})
}

func (m *Manager) logTimeout(ctx *Context, key Key) {
	m.log.WarnWithMetadata("lock wait timed out", map[string]interface{}{
		"context": ctx.ID(), "key": key.String(),
	})
}
