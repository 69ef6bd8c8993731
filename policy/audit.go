package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teekit/securestore/interfaces"
)

// SlogAuditLogger emits audit records as structured log lines. Recording
// never blocks the data path.
type SlogAuditLogger struct {
	log *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing to log.
func NewSlogAuditLogger(log *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{log: log}
}

// Record logs one access attempt.
func (a *SlogAuditLogger) Record(ctx context.Context, attempt interfaces.AccessAttempt) {
	a.log.Info("audit",
		"id", attempt.ID,
		"key", attempt.Key,
		"op", attempt.Operation.String(),
		"caller", attempt.CallerID,
		"role", attempt.Role,
		"source_ip", attempt.SourceIP,
		"allowed", attempt.Allowed,
		"reason", attempt.Reason,
	)
}

// MemoryAuditLogger retains audit records in memory. Used in tests and as a
// ring buffer behind the audit inspection endpoint.
type MemoryAuditLogger struct {
	mu       sync.Mutex
	attempts []interfaces.AccessAttempt
	limit    int
}

// NewMemoryAuditLogger creates a logger retaining at most limit records;
// limit <= 0 means unbounded.
func NewMemoryAuditLogger(limit int) *MemoryAuditLogger {
	return &MemoryAuditLogger{limit: limit}
}

// Record appends the attempt, evicting the oldest when over the limit.
func (a *MemoryAuditLogger) Record(ctx context.Context, attempt interfaces.AccessAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, attempt)
	if a.limit > 0 && len(a.attempts) > a.limit {
		a.attempts = a.attempts[len(a.attempts)-a.limit:]
	}
}

// Attempts returns a copy of the retained records.
func (a *MemoryAuditLogger) Attempts() []interfaces.AccessAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]interfaces.AccessAttempt, len(a.attempts))
	copy(cp, a.attempts)
	return cp
}
