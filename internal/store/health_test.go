package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		pattern  string
		severity string
	}{
		{"deadlock code", pgError(codeDeadlockDetected), "deadlock", "high"},
		{"serialization code", pgError(codeSerializationFailure), "deadlock", "high"},
		{"lock timeout code", pgError(codeLockNotAvailable), "lock_timeout", "medium"},
		{"unique violation code", pgError(codeUniqueViolation), "unique_violation", "low"},
		{"bad password code", pgError(codeInvalidPassword), "authentication", "critical"},
		{"permission code", pgError(codeInsufficientPrivilege), "permission", "critical"},
		{"syntax code", pgError(codeSyntaxError), "schema_mismatch", "critical"},
		{"undefined table code", pgError(codeUndefinedTable), "schema_mismatch", "critical"},
		{"connection class code", pgError("08006"), "connection", "medium"},
		{"other sqlstate", pgError("23503"), "sqlstate_23503", "low"},
		{"deadlock text", errors.New("ERROR: deadlock detected"), "deadlock", "high"},
		{"connection text", errors.New("dial tcp: connection refused"), "connection", "medium"},
		{"pool exhausted text", ErrPoolExhausted, "pool_exhausted", "critical"},
		{"timeout text", context.DeadlineExceeded, "timeout", "medium"},
		{"anything else", errors.New("boom"), "uncategorized", "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, severity := classifyError(tt.err)
			if pattern != tt.pattern || severity != tt.severity {
				t.Errorf("classifyError(%v) = (%q, %q), want (%q, %q)",
					tt.err, pattern, severity, tt.pattern, tt.severity)
			}
		})
	}
}

func TestPatternTableGroupsRecurringFailures(t *testing.T) {
	table := newPatternTable(maxErrorPatterns)

	table.record(pgError(codeDeadlockDetected))
	table.record(pgError(codeDeadlockDetected))
	table.record(pgError(codeSerializationFailure)) // same pattern
	table.record(pgError(codeLockNotAvailable))

	ranked := table.ranked()
	if len(ranked) != 2 {
		t.Fatalf("patterns = %d, want 2", len(ranked))
	}
	if ranked[0].Pattern != "deadlock" || ranked[0].Count != 3 {
		t.Errorf("top pattern = %q x%d, want deadlock x3", ranked[0].Pattern, ranked[0].Count)
	}
	if ranked[1].Pattern != "lock_timeout" || ranked[1].Count != 1 {
		t.Errorf("second pattern = %q x%d, want lock_timeout x1", ranked[1].Pattern, ranked[1].Count)
	}
}

func TestPatternTableEvictsStalest(t *testing.T) {
	table := newPatternTable(2)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	table.nowFunc = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	table.record(pgError(codeDeadlockDetected))  // oldest
	table.record(pgError(codeLockNotAvailable))  // fresher
	table.record(pgError(codeUniqueViolation))   // evicts the deadlock entry

	ranked := table.ranked()
	if len(ranked) != 2 {
		t.Fatalf("patterns = %d, want the table bounded at 2", len(ranked))
	}
	for _, p := range ranked {
		if p.Pattern == "deadlock" {
			t.Error("stalest entry was not evicted")
		}
	}
}

func TestPatternTableKeepsLastMessage(t *testing.T) {
	table := newPatternTable(maxErrorPatterns)

	table.record(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	table.record(errors.New("read tcp: connection reset by peer"))

	ranked := table.ranked()
	if len(ranked) != 1 {
		t.Fatalf("patterns = %d, want 1", len(ranked))
	}
	if ranked[0].Count != 2 {
		t.Errorf("count = %d, want 2", ranked[0].Count)
	}
	if ranked[0].LastMessage != "read tcp: connection reset by peer" {
		t.Errorf("last message = %q, want the most recent error text", ranked[0].LastMessage)
	}
}

func TestCountersObserveAcquire(t *testing.T) {
	c := newCounters()

	c.observeAcquire(5*time.Millisecond, nil)
	c.observeAcquire(10*time.Millisecond, nil)
	c.observeAcquire(2*time.Millisecond, errors.New("acquire timeout"))

	if got := c.acquires.Load(); got != 3 {
		t.Errorf("acquires = %d, want 3", got)
	}
	if got := c.acquireErrors.Load(); got != 1 {
		t.Errorf("acquire errors = %d, want 1", got)
	}
	if got := c.maxAcqNanos.Load(); got != (10 * time.Millisecond).Nanoseconds() {
		t.Errorf("max acquire = %dns, want 10ms", got)
	}
	// Failed acquires do not pollute the latency sum.
	if got := c.acquireNanos.Load(); got != (15 * time.Millisecond).Nanoseconds() {
		t.Errorf("acquire nanos = %d, want 15ms total", got)
	}
}
