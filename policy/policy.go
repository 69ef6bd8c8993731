// Package policy authorizes every storage operation before any data is
// touched. Evaluation is layered: role grants first, then attribute checks
// (time window, source IP, classification, rate limits), then custom rules.
// Every decision, allowed or denied, produces an audit record.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teekit/securestore/interfaces"
)

// Rule is a custom authorization predicate evaluated after the built-in
// checks pass. Returning an error denies the request with the error text as
// the audit reason.
type Rule func(access interfaces.AccessContext, key string, op interfaces.Permission) error

// Engine evaluates access decisions. It holds the role grant table and the
// custom rule chain; per-request state (rate limit buckets, audit sink) lives
// in its collaborators.
type Engine struct {
	mu     sync.RWMutex
	grants map[interfaces.Role]map[string][]interfaces.Permission
	rules  []Rule

	limiter interfaces.RateLimitCounter
	audit   interfaces.AuditLogger
	log     *slog.Logger
}

// NewEngine creates an Engine with an empty grant table.
func NewEngine(limiter interfaces.RateLimitCounter, audit interfaces.AuditLogger, log *slog.Logger) *Engine {
	return &Engine{
		grants:  make(map[interfaces.Role]map[string][]interfaces.Permission),
		limiter: limiter,
		audit:   audit,
		log:     log,
	}
}

// Grant allows a role to perform the given operations on a key namespace.
// The namespace "*" matches all keys.
func (e *Engine) Grant(role interfaces.Role, namespace string, perms ...interfaces.Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns, ok := e.grants[role]
	if !ok {
		ns = make(map[string][]interfaces.Permission)
		e.grants[role] = ns
	}
	ns[namespace] = append(ns[namespace], perms...)
}

// AddRule appends a custom rule to the evaluation chain.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// AuthorizeWrite authorizes a store operation under the write policy.
func (e *Engine) AuthorizeWrite(ctx context.Context, access interfaces.AccessContext, key string, policy interfaces.StoragePolicy) error {
	return e.decide(ctx, access, key, interfaces.PermStore, nil, policy.Classification)
}

// Authorize authorizes a read-side operation (retrieve, delete, list,
// metadata) under the caller's access policy against the item's recorded
// classification.
func (e *Engine) Authorize(ctx context.Context, access interfaces.AccessContext, key string, op interfaces.Permission, ap interfaces.AccessPolicy, classification interfaces.DataClassification) error {
	return e.decide(ctx, access, key, op, &ap, classification)
}

func (e *Engine) decide(ctx context.Context, access interfaces.AccessContext, key string, op interfaces.Permission, ap *interfaces.AccessPolicy, classification interfaces.DataClassification) error {
	reason := e.evaluate(access, key, op, ap, classification)

	attempt := interfaces.AccessAttempt{
		ID:        uuid.New().String(),
		Key:       key,
		Operation: op,
		CallerID:  access.CallerID,
		Role:      access.Role,
		SourceIP:  access.SourceIP,
		Timestamp: time.Now().UTC(),
		Allowed:   reason == "",
		Reason:    reason,
	}
	e.audit.Record(ctx, attempt)

	if reason != "" {
		e.log.Info("Access denied", "key", key, "op", op.String(), "caller", access.CallerID, "role", access.Role, "reason", reason)
		return interfaces.NewStorageError(interfaces.ErrPolicyViolation, interfaces.StagePolicy, fmt.Errorf("%s", reason))
	}
	return nil
}

// evaluate returns an empty string when the request is allowed, otherwise the
// denial reason. Checks run cheapest first; the first failure wins.
func (e *Engine) evaluate(access interfaces.AccessContext, key string, op interfaces.Permission, ap *interfaces.AccessPolicy, classification interfaces.DataClassification) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.roleAllows(access.Role, key, op) {
		return fmt.Sprintf("role %q lacks %s permission on namespace %q", access.Role, op.String(), interfaces.KeyNamespace(key))
	}

	if ap != nil {
		now := access.RequestTime
		if now.IsZero() {
			now = time.Now().UTC()
		}
		if ap.TimeWindow != nil && !ap.TimeWindow.Contains(now) {
			return "request outside permitted time window"
		}
		if len(ap.AllowedSourceIPs) > 0 && !containsString(ap.AllowedSourceIPs, access.SourceIP) {
			return fmt.Sprintf("source ip %q not permitted", access.SourceIP)
		}
		if classification > ap.MaxClassification {
			return fmt.Sprintf("data classified %s exceeds caller ceiling %s", classification, ap.MaxClassification)
		}
		if ap.RateLimited && e.limiter != nil && !e.limiter.CheckAndIncrement(access.CallerID, key) {
			return "rate limit exceeded"
		}
	}

	for _, rule := range e.rules {
		if err := rule(access, key, op); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (e *Engine) roleAllows(role interfaces.Role, key string, op interfaces.Permission) bool {
	ns, ok := e.grants[role]
	if !ok {
		return false
	}
	for _, namespace := range []string{interfaces.KeyNamespace(key), "*"} {
		for _, p := range ns[namespace] {
			if p == op {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
