package fleet

import "time"

// Observer receives measurements from the engine's mutating paths. A nil
// observer disables instrumentation. Implementations must be safe for
// concurrent use; the background loops call them from their own goroutines.
type Observer interface {
	// ObservePlacement reports one placement transaction and how many
	// streams it handed out.
	ObservePlacement(elapsed time.Duration, assigned int)
	// RecordRebalance reports one completed rebalance.
	RecordRebalance(kind string, streamsMoved int)
	// RecordFailover reports one sweep that found orphaned assignments.
	RecordFailover(orphaned, reassigned, unassigned int)
}

// SetObserver attaches o to the engine's mutating paths. Must be called
// before Start.
func (m *Manager) SetObserver(o Observer) {
	m.placer.obs = o
	m.rebalancer.obs = o
	m.failover.obs = o
}
