package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/teekit/securestore/interfaces"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryAuditLogger) {
	t.Helper()
	audit := NewMemoryAuditLogger(0)
	limiter := NewTokenBucketCounter(rate.Limit(1), 2)
	engine := NewEngine(limiter, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return engine, audit
}

func operatorAccess() interfaces.AccessContext {
	return interfaces.AccessContext{
		CallerID:    "svc-1",
		Role:        "operator",
		SourceIP:    "10.0.0.5",
		RequestTime: time.Now().UTC(),
	}
}

func TestAuthorizeWriteRequiresGrant(t *testing.T) {
	engine, audit := newTestEngine(t)

	err := engine.AuthorizeWrite(context.Background(), operatorAccess(), "secrets:db-password", interfaces.StoragePolicy{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	engine.Grant("operator", "secrets", interfaces.PermStore)
	err = engine.AuthorizeWrite(context.Background(), operatorAccess(), "secrets:db-password", interfaces.StoragePolicy{})
	require.NoError(t, err)

	// Both the denial and the allow were audited.
	attempts := audit.Attempts()
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].Allowed)
	assert.NotEmpty(t, attempts[0].Reason)
	assert.True(t, attempts[1].Allowed)
	assert.NotEmpty(t, attempts[1].ID)
}

func TestWildcardNamespaceGrant(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("admin", "*", interfaces.PermRetrieve)

	access := operatorAccess()
	access.Role = "admin"

	err := engine.Authorize(context.Background(), access, "anything:at-all", interfaces.PermRetrieve,
		interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}, interfaces.ClassPublic)
	require.NoError(t, err)
}

func TestPermissionIsOperationSpecific(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermRetrieve)

	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermDelete,
		interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}, interfaces.ClassPublic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))
}

func TestTimeWindowDenial(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermRetrieve)

	window := &interfaces.TimeWindow{
		NotBefore: time.Now().Add(time.Hour),
	}
	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve,
		interfaces.AccessPolicy{TimeWindow: window, MaxClassification: interfaces.ClassRestricted}, interfaces.ClassPublic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))
}

func TestSourceIPRestriction(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermRetrieve)

	ap := interfaces.AccessPolicy{
		AllowedSourceIPs:  []string{"10.0.0.5"},
		MaxClassification: interfaces.ClassRestricted,
	}

	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassPublic)
	require.NoError(t, err)

	access := operatorAccess()
	access.SourceIP = "192.168.1.1"
	err = engine.Authorize(context.Background(), access, "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassPublic)
	require.Error(t, err)
}

func TestClassificationCeiling(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermRetrieve)

	ap := interfaces.AccessPolicy{MaxClassification: interfaces.ClassInternal}

	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassInternal)
	require.NoError(t, err)

	err = engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassRestricted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))
}

func TestRateLimiting(t *testing.T) {
	engine, audit := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermRetrieve)

	ap := interfaces.AccessPolicy{RateLimited: true, MaxClassification: interfaces.ClassRestricted}

	// Burst of 2 allows two requests, the third is denied.
	for i := 0; i < 2; i++ {
		err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassPublic)
		require.NoError(t, err)
	}
	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:x", interfaces.PermRetrieve, ap, interfaces.ClassPublic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	attempts := audit.Attempts()
	assert.Equal(t, "rate limit exceeded", attempts[len(attempts)-1].Reason)
}

func TestCustomRule(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Grant("operator", "secrets", interfaces.PermDelete)
	engine.AddRule(func(access interfaces.AccessContext, key string, op interfaces.Permission) error {
		if op == interfaces.PermDelete && key == "secrets:root-ca" {
			return fmt.Errorf("deletion of root CA material is prohibited")
		}
		return nil
	})

	err := engine.Authorize(context.Background(), operatorAccess(), "secrets:root-ca", interfaces.PermDelete,
		interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}, interfaces.ClassPublic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))
	assert.Contains(t, err.Error(), "root CA")

	err = engine.Authorize(context.Background(), operatorAccess(), "secrets:other", interfaces.PermDelete,
		interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}, interfaces.ClassPublic)
	require.NoError(t, err)
}

func TestMemoryAuditLoggerLimit(t *testing.T) {
	audit := NewMemoryAuditLogger(2)
	for i := 0; i < 5; i++ {
		audit.Record(context.Background(), interfaces.AccessAttempt{ID: fmt.Sprintf("%d", i)})
	}
	attempts := audit.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, "3", attempts[0].ID)
	assert.Equal(t, "4", attempts[1].ID)
}
