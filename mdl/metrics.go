package mdl

// Snapshot is a point-in-time view of manager-wide counters, exported
// the way pkg/concurrency/metrics_exporter.go exposes its lock
// manager's metrics -- a plain struct the host can serialize however it
// wants (Prometheus, JSON, a log line) rather than this package
// depending on a metrics client library directly.
type Snapshot struct {
	ObjectCount    int
	ActiveContexts int64
}

// Snapshot returns the current manager-wide metrics.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		ObjectCount:    m.lockTable.Len(),
		ActiveContexts: m.activeContexts,
	}
}

// LockObjectStats is a per-key diagnostic snapshot, analogous to the
// upstream's m_locks_immediately_available_event_counter instrumentation.
type LockObjectStats struct {
	Key           Key
	GrantedCount  int
	WaitingCount  int
	FastPathHits  int64
	SlowPathWaits int64
}

// Stats returns a diagnostic snapshot of lo's current state.
func (lo *LockObject) Stats() LockObjectStats {
	lo.lock.RLock()
	defer lo.lock.RUnlock()
	return LockObjectStats{
		Key:           lo.key,
		GrantedCount:  len(lo.granted),
		WaitingCount:  len(lo.waiting),
		FastPathHits:  lo.fastPathHits,
		SlowPathWaits: lo.slowPathWaits,
	}
}
