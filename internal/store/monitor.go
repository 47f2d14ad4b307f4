package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTxWarnThreshold is how long a transaction may run before the
	// monitor logs a warning. Twice this flags it for forced rollback.
	DefaultTxWarnThreshold = 30 * time.Second
	// DefaultMonitorInterval is how often in-flight transactions are swept.
	DefaultMonitorInterval = 5 * time.Second

	maxTxHistory = 1000
)

// TxStatus is the terminal (or current) state of a tracked transaction.
type TxStatus string

const (
	TxActive     TxStatus = "active"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
	TxDeadlock   TxStatus = "deadlock"
	TxTimeout    TxStatus = "timeout"
	TxForceAbort TxStatus = "force_aborted"
)

type txInfo struct {
	id        int64
	label     string
	startedAt time.Time
	queries   atomic.Int64
	abort     atomic.Bool
	warned    bool
}

// TxSnapshot describes one in-flight transaction for diagnostics.
type TxSnapshot struct {
	ID        int64         `json:"id"`
	Label     string        `json:"op"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Queries   int64         `json:"queries"`
	Status    TxStatus      `json:"status"`
}

// TxRecord is one completed transaction in the bounded ledger.
type TxRecord struct {
	ID       int64         `json:"id"`
	Label    string        `json:"op"`
	Duration time.Duration `json:"duration"`
	Queries  int64         `json:"queries"`
	Status   TxStatus      `json:"status"`
	EndedAt  time.Time     `json:"ended_at"`
}

// TxMonitor tracks in-flight transactions, warns on long runners and flags
// those past twice the threshold for forced rollback. It keeps a bounded
// ledger of completed transactions.
type TxMonitor struct {
	log           *zap.Logger
	warnThreshold time.Duration
	interval      time.Duration
	nowFunc       func() time.Time

	mu      sync.Mutex
	nextID  int64
	active  map[int64]*txInfo
	history []TxRecord

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewTxMonitor creates a monitor. Zero durations use the defaults.
func NewTxMonitor(warnThreshold time.Duration, log *zap.Logger) *TxMonitor {
	if warnThreshold <= 0 {
		warnThreshold = DefaultTxWarnThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TxMonitor{
		log:           log,
		warnThreshold: warnThreshold,
		interval:      DefaultMonitorInterval,
		nowFunc:       time.Now,
		active:        make(map[int64]*txInfo),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (m *TxMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop halts the sweep loop and blocks until the goroutine has exited.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (m *TxMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	<-stoppedCh
}

// IsRunning returns true if the sweep loop is currently running.
func (m *TxMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *TxMonitor) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep inspects in-flight transactions once. Exposed for tests; the loop
// calls it every interval.
func (m *TxMonitor) Sweep() {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.active {
		elapsed := now.Sub(tx.startedAt)
		switch {
		case elapsed > 2*m.warnThreshold:
			if tx.abort.CompareAndSwap(false, true) {
				m.log.Error("transaction exceeded abort threshold, flagging for rollback",
					zap.Int64("tx_id", tx.id),
					zap.String("op", tx.label),
					zap.Duration("elapsed", elapsed),
					zap.Int64("queries", tx.queries.Load()))
			}
		case elapsed > m.warnThreshold:
			if !tx.warned {
				tx.warned = true
				m.log.Warn("long-running transaction",
					zap.Int64("tx_id", tx.id),
					zap.String("op", tx.label),
					zap.Duration("elapsed", elapsed),
					zap.Int64("queries", tx.queries.Load()))
			}
		}
	}
}

func (m *TxMonitor) begin(label string) *txInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tx := &txInfo{
		id:        m.nextID,
		label:     label,
		startedAt: m.nowFunc(),
	}
	m.active[tx.id] = tx
	return tx
}

func (m *TxMonitor) end(tx *txInfo, status TxStatus) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, tx.id)
	m.history = append(m.history, TxRecord{
		ID:       tx.id,
		Label:    tx.label,
		Duration: now.Sub(tx.startedAt),
		Queries:  tx.queries.Load(),
		Status:   status,
		EndedAt:  now,
	})
	if len(m.history) > maxTxHistory {
		m.history = m.history[len(m.history)-maxTxHistory:]
	}
}

// Active returns a snapshot of in-flight transactions, oldest first.
func (m *TxMonitor) Active() []TxSnapshot {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TxSnapshot, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, TxSnapshot{
			ID:        tx.id,
			Label:     tx.label,
			StartedAt: tx.startedAt,
			Elapsed:   now.Sub(tx.startedAt),
			Queries:   tx.queries.Load(),
			Status:    TxActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// History returns up to limit completed transactions, newest first.
func (m *TxMonitor) History(limit int) []TxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]TxRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.history[n-1-i]
	}
	return out
}

// WarnThreshold returns the configured warning threshold.
func (m *TxMonitor) WarnThreshold() time.Duration {
	return m.warnThreshold
}
