package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const maxErrorPatterns = 100

type counters struct {
	acquires      atomic.Int64
	acquireErrors atomic.Int64
	acquireNanos  atomic.Int64
	maxAcqNanos   atomic.Int64

	commits      atomic.Int64
	rollbacks    atomic.Int64
	deadlocks    atomic.Int64
	retries      atomic.Int64
	forcedAborts atomic.Int64
	reconnects   atomic.Int64
}

func newCounters() *counters {
	return &counters{}
}

func (c *counters) observeAcquire(d time.Duration, err error) {
	c.acquires.Add(1)
	if err != nil {
		c.acquireErrors.Add(1)
		return
	}
	n := d.Nanoseconds()
	c.acquireNanos.Add(n)
	for {
		cur := c.maxAcqNanos.Load()
		if n <= cur || c.maxAcqNanos.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ErrorPattern is one ranked entry in the recent-failure table.
type ErrorPattern struct {
	Pattern     string    `json:"pattern"`
	Severity    string    `json:"severity"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	LastMessage string    `json:"last_message"`
}

// patternTable groups failures by signature so recurring problems surface in
// Health even after logs rotate. Bounded; the stalest entry is evicted.
type patternTable struct {
	mu      sync.Mutex
	max     int
	entries map[string]*ErrorPattern
	nowFunc func() time.Time
}

func newPatternTable(max int) *patternTable {
	return &patternTable{
		max:     max,
		entries: make(map[string]*ErrorPattern),
		nowFunc: time.Now,
	}
}

func (t *patternTable) record(err error) {
	if err == nil {
		return
	}
	pattern, severity := classifyError(err)
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[pattern]; ok {
		e.Count++
		e.LastSeen = now
		e.LastMessage = err.Error()
		return
	}
	if len(t.entries) >= t.max {
		var stalest string
		var stalestAt time.Time
		for k, e := range t.entries {
			if stalest == "" || e.LastSeen.Before(stalestAt) {
				stalest, stalestAt = k, e.LastSeen
			}
		}
		delete(t.entries, stalest)
	}
	t.entries[pattern] = &ErrorPattern{
		Pattern:     pattern,
		Severity:    severity,
		Count:       1,
		FirstSeen:   now,
		LastSeen:    now,
		LastMessage: err.Error(),
	}
}

func (t *patternTable) ranked() []ErrorPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ErrorPattern, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func classifyError(err error) (pattern, severity string) {
	var pgErr *pgconn.PgError
	hasCode := errors.As(err, &pgErr)
	code := ""
	if hasCode {
		code = pgErr.Code
	}

	switch {
	case hasCode && (code == codeDeadlockDetected || code == codeSerializationFailure):
		return "deadlock", "high"
	case hasCode && code == codeLockNotAvailable:
		return "lock_timeout", "medium"
	case hasCode && code == codeUniqueViolation:
		return "unique_violation", "low"
	case hasCode && (code == codeInvalidAuthSpec || code == codeInvalidPassword):
		return "authentication", "critical"
	case hasCode && code == codeInsufficientPrivilege:
		return "permission", "critical"
	case hasCode && (code == codeSyntaxError || code == codeUndefinedColumn || code == codeUndefinedTable):
		return "schema_mismatch", "critical"
	case hasCode && strings.HasPrefix(code, "08"):
		return "connection", "medium"
	case hasCode:
		return "sqlstate_" + code, "low"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, deadlockMarkers):
		return "deadlock", "high"
	case containsAny(msg, connectionMarkers):
		return "connection", "medium"
	case strings.Contains(msg, "pool exhausted"):
		return "pool_exhausted", "critical"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout", "medium"
	default:
		return "uncategorized", "low"
	}
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// PoolStat is a point-in-time view of pool occupancy.
type PoolStat struct {
	TotalConns      int32         `json:"total_conns"`
	IdleConns       int32         `json:"idle_conns"`
	AcquiredConns   int32         `json:"acquired_conns"`
	MaxConns        int32         `json:"max_conns"`
	MinConns        int32         `json:"min_conns"`
	EmptyAcquires   int64         `json:"empty_acquires"`
	AcquireDuration time.Duration `json:"acquire_duration"`
}

// Health is the persistence layer snapshot served by diagnostics.
type Health struct {
	Healthy            bool           `json:"healthy"`
	Pool               PoolStat       `json:"pool"`
	SuccessRate        float64        `json:"success_rate"`
	AvgAcquire         time.Duration  `json:"avg_acquire"`
	MaxAcquire         time.Duration  `json:"max_acquire"`
	Acquires           int64          `json:"acquires"`
	AcquireErrors      int64          `json:"acquire_errors"`
	Commits            int64          `json:"commits"`
	Rollbacks          int64          `json:"rollbacks"`
	Deadlocks          int64          `json:"deadlocks"`
	Retries            int64          `json:"retries"`
	ForcedAborts       int64          `json:"forced_aborts"`
	Reconnects         int64          `json:"reconnects"`
	ActiveTransactions []TxSnapshot   `json:"active_transactions"`
	ErrorPatterns      []ErrorPattern `json:"error_patterns"`
}

// Health assembles the snapshot, probing the database with a short deadline
// so a dead backend cannot stall diagnostics.
func (d *DB) Health(ctx context.Context) Health {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	healthy := d.Ping(pctx) == nil

	h := Health{
		Healthy:            healthy,
		Acquires:           d.stats.acquires.Load(),
		AcquireErrors:      d.stats.acquireErrors.Load(),
		Commits:            d.stats.commits.Load(),
		Rollbacks:          d.stats.rollbacks.Load(),
		Deadlocks:          d.stats.deadlocks.Load(),
		Retries:            d.stats.retries.Load(),
		ForcedAborts:       d.stats.forcedAborts.Load(),
		Reconnects:         d.stats.reconnects.Load(),
		MaxAcquire:         time.Duration(d.stats.maxAcqNanos.Load()),
		ActiveTransactions: d.monitor.Active(),
		ErrorPatterns:      d.patterns.ranked(),
	}

	if ok := h.Acquires - h.AcquireErrors; ok > 0 {
		h.AvgAcquire = time.Duration(d.stats.acquireNanos.Load() / ok)
	}
	if total := h.Commits + h.Rollbacks; total > 0 {
		h.SuccessRate = float64(h.Commits) / float64(total)
	} else {
		h.SuccessRate = 1
	}

	if pool := d.getPool(); pool != nil {
		s := pool.Stat()
		h.Pool = PoolStat{
			TotalConns:      s.TotalConns(),
			IdleConns:       s.IdleConns(),
			AcquiredConns:   s.AcquiredConns(),
			MaxConns:        s.MaxConns(),
			MinConns:        d.cfg.MinConns,
			EmptyAcquires:   s.EmptyAcquireCount(),
			AcquireDuration: s.AcquireDuration(),
		}
	}
	return h
}
