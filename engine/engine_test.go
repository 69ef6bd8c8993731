package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/teekit/securestore/cache"
	"github.com/teekit/securestore/cryptoutils"
	"github.com/teekit/securestore/encryption"
	"github.com/teekit/securestore/index"
	"github.com/teekit/securestore/integrity"
	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/optimize"
	"github.com/teekit/securestore/policy"
	"github.com/teekit/securestore/sealing"
	"github.com/teekit/securestore/storage"
)

type testEnv struct {
	engine      *Engine
	attestation *cryptoutils.StaticAttestationProvider
	audit       *policy.MemoryAuditLogger
	backend     interfaces.StorageBackend
	index       *index.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	masterKey := make([]byte, 32)
	copy(masterKey, "engine-test-master-key-material")

	sealingKey, err := cryptoutils.DeriveSubKey(masterKey, "sealing")
	require.NoError(t, err)
	encryptionKey, err := cryptoutils.DeriveSubKey(masterKey, "encryption")
	require.NoError(t, err)
	integrityKey, err := cryptoutils.DeriveSubKey(masterKey, "integrity")
	require.NoError(t, err)

	audit := policy.NewMemoryAuditLogger(0)
	pol := policy.NewEngine(policy.NewTokenBucketCounter(rate.Limit(100), 100), audit, log)
	pol.Grant("admin", "*",
		interfaces.PermStore, interfaces.PermRetrieve, interfaces.PermDelete,
		interfaces.PermList, interfaces.PermReadMetadata)
	pol.Grant("reader", "*", interfaces.PermRetrieve)

	opt, err := optimize.NewOptimizer(log)
	require.NoError(t, err)

	km, err := encryption.NewKeyManager(encryptionKey, log)
	require.NoError(t, err)
	enc := encryption.NewManager(km, log)

	attestation := cryptoutils.NewStaticAttestationProvider(interfaces.Measurement{0x42, 0x42})
	seal, err := sealing.NewManager(sealing.AESGCMSealer{}, sealingKey, attestation, cryptoutils.NewKDFRegistry(), log)
	require.NoError(t, err)

	integ, err := integrity.NewManager(integrityKey, log)
	require.NoError(t, err)

	idx, err := index.NewManager(index.Options{InMemory: true}, log)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	c, err := cache.NewManager(128, log)
	require.NoError(t, err)

	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	eng := New(Config{}, pol, opt, enc, seal, integ, idx, c, backend, log)
	return &testEnv{engine: eng, attestation: attestation, audit: audit, backend: backend, index: idx}
}

func adminAccess() interfaces.AccessContext {
	return interfaces.AccessContext{CallerID: "svc-admin", Role: "admin", SourceIP: "10.0.0.1", RequestTime: time.Now().UTC()}
}

func openPolicy() interfaces.AccessPolicy {
	return interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("confidential payload "), 100)

	res, err := env.engine.StoreSecure(ctx, "secrets:db-creds", payload, interfaces.StoragePolicy{
		Encryption:     interfaces.EncryptionPolicy{MultiLayer: true},
		Sealing:        interfaces.SealingPolicy{AttestationBinding: true},
		Compression:    interfaces.CompressionPolicy{Allowed: true},
		Classification: interfaces.ClassConfidential,
	}, adminAccess())
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Size)
	assert.Less(t, res.StoredSize, res.Size)
	assert.Greater(t, res.CompressionRatio, 1.0)
	assert.NotEmpty(t, res.Fingerprint)
	assert.Equal(t, uint64(1), res.Version)

	got, err := env.engine.RetrieveSecure(ctx, "secrets:db-creds", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.False(t, got.CacheHit)
	assert.Equal(t, uint64(1), got.Version)
}

func TestPlaintextNeverReachesBackend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := []byte("super-secret-password-value")

	res, err := env.engine.StoreSecure(ctx, "secrets:pw", payload, interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	raw, err := env.backend.Load(ctx, res.Location)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(payload))
}

func TestOverwriteBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res1, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("v1"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)
	res2, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("v2"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res1.Version)
	assert.Equal(t, uint64(2), res2.Version)
	assert.NotEqual(t, res1.Location, res2.Location)

	got, err := env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Data)

	// The superseded blob is gone from the backend.
	_, err = env.backend.Load(ctx, res1.Location)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestRetrieveMissingKey(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.RetrieveSecure(context.Background(), "secrets:absent", openPolicy(), adminAccess())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestDeniedStoreLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intruder := interfaces.AccessContext{CallerID: "evil", Role: "nobody", RequestTime: time.Now().UTC()}
	_, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("data"), interfaces.StoragePolicy{}, intruder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	// No index entry, no blob, and the denial was audited.
	_, found := env.index.Lookup("secrets:k")
	assert.False(t, found)

	attempts := env.audit.Attempts()
	require.NotEmpty(t, attempts)
	last := attempts[len(attempts)-1]
	assert.False(t, last.Allowed)
	assert.Equal(t, "evil", last.CallerID)
}

func TestReaderCannotDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("data"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	reader := interfaces.AccessContext{CallerID: "ro", Role: "reader", RequestTime: time.Now().UTC()}
	err = env.engine.DeleteSecure(ctx, "secrets:k", openPolicy(), reader)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	// Item is still there.
	_, err = env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	require.NoError(t, err)
}

func TestTamperedBlobFailsIntegrity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	raw, err := env.backend.Load(ctx, res.Location)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, env.backend.Overwrite(ctx, res.Location, raw))

	_, err = env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrIntegrityFailure))
}

func TestMeasurementChangeFailsUnseal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:bound", []byte("payload"), interfaces.StoragePolicy{
		Sealing: interfaces.SealingPolicy{AttestationBinding: true},
	}, adminAccess())
	require.NoError(t, err)

	env.attestation.SetMeasurement(interfaces.Measurement{0x99})

	_, err = env.engine.RetrieveSecure(ctx, "secrets:bound", openPolicy(), adminAccess())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrSealingFailure))

	// Unbound data is unaffected by the measurement change.
	_, err = env.engine.StoreSecure(ctx, "secrets:unbound", []byte("other"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)
	_, err = env.engine.RetrieveSecure(ctx, "secrets:unbound", openPolicy(), adminAccess())
	require.NoError(t, err)
}

func TestUnsealRolesRestrictRetrieval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("payload"), interfaces.StoragePolicy{
		Sealing: interfaces.SealingPolicy{UnsealRoles: []interfaces.Role{"admin"}},
	}, adminAccess())
	require.NoError(t, err)

	reader := interfaces.AccessContext{CallerID: "ro", Role: "reader", RequestTime: time.Now().UTC()}
	_, err = env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), reader)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	_, err = env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	require.NoError(t, err)
}

func TestStoreDeleteRetrieve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.StoreSecure(ctx, "secrets:k", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	require.NoError(t, env.engine.DeleteSecure(ctx, "secrets:k", openPolicy(), adminAccess()))

	_, err = env.engine.RetrieveSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	_, err = env.backend.Load(ctx, res.Location)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	err = env.engine.DeleteSecure(ctx, "secrets:k", openPolicy(), adminAccess())
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestDeleteConvergesWhenBlobAlreadyGone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:wedge", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	// Lose the blob behind the engine's back, as a partial prior delete or
	// an operator cleanup would.
	entry, found := env.index.Lookup("secrets:wedge")
	require.True(t, found)
	require.NoError(t, env.backend.Delete(ctx, entry.Location))

	// The delete still succeeds and drops the index entry.
	require.NoError(t, env.engine.DeleteSecure(ctx, "secrets:wedge", openPolicy(), adminAccess()))
	_, found = env.index.Lookup("secrets:wedge")
	assert.False(t, found)

	err = env.engine.DeleteSecure(ctx, "secrets:wedge", openPolicy(), adminAccess())
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

// faultingBackend wraps a real backend, records successful stores, and fails
// the Nth Store call with a permanent error.
type faultingBackend struct {
	interfaces.StorageBackend
	mu      sync.Mutex
	failOn  int
	calls   int
	written []interfaces.StorageLocation
}

func (b *faultingBackend) Store(ctx context.Context, hint string, data []byte) (interfaces.StorageLocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failOn > 0 && b.calls >= b.failOn {
		return interfaces.StorageLocation{}, fmt.Errorf("write rejected")
	}
	loc, err := b.StorageBackend.Store(ctx, hint, data)
	if err == nil {
		b.written = append(b.written, loc)
	}
	return loc, err
}

func TestStoreBatchCommitsAllItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	items := []BatchItem{
		{Key: "secrets:b1", Data: []byte("one")},
		{Key: "secrets:b2", Data: []byte("two")},
		{Key: "secrets:b3", Data: []byte("three")},
	}
	results, err := env.engine.StoreBatch(ctx, items, adminAccess())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, items[i].Key, res.Key)
		assert.Equal(t, uint64(1), res.Version)
	}

	got, err := env.engine.RetrieveSecure(ctx, "secrets:b2", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Data)
}

func TestStoreBatchDeniedItemPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fb := &faultingBackend{StorageBackend: env.backend}
	env.engine.backend = fb

	// The writer may store under secrets: but not under config:, so the
	// middle item fails authorization.
	env.engine.policy.Grant("writer", "secrets", interfaces.PermStore)
	writer := interfaces.AccessContext{CallerID: "svc-writer", Role: "writer", RequestTime: time.Now().UTC()}

	items := []BatchItem{
		{Key: "secrets:a", Data: []byte("one")},
		{Key: "config:b", Data: []byte("two")},
		{Key: "secrets:c", Data: []byte("three")},
	}
	_, err := env.engine.StoreBatch(ctx, items, writer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))

	// Nothing was persisted: no index entries, no blob writes.
	assert.Zero(t, env.index.Stats().Entries)
	for _, item := range items {
		_, found := env.index.Lookup(item.Key)
		assert.False(t, found)
	}
	assert.Zero(t, fb.calls)
}

func TestStoreBatchRollsBackOnBackendFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fb := &faultingBackend{StorageBackend: env.backend, failOn: 2}
	env.engine.backend = fb

	_, err := env.engine.StoreBatch(ctx, []BatchItem{
		{Key: "secrets:a", Data: []byte("one")},
		{Key: "secrets:b", Data: []byte("two")},
	}, adminAccess())
	require.Error(t, err)

	// The blob written before the failure was rolled back and no entry was
	// published.
	assert.Zero(t, env.index.Stats().Entries)
	require.Len(t, fb.written, 1)
	_, err = env.backend.Load(ctx, fb.written[0])
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestCacheHitOnSecondRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:hot", []byte("payload"), interfaces.StoragePolicy{
		Cache: interfaces.CachePolicy{WarmOnWrite: true},
	}, adminAccess())
	require.NoError(t, err)

	got, err := env.engine.RetrieveSecure(ctx, "secrets:hot", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.True(t, got.CacheHit)
	assert.Equal(t, []byte("payload"), got.Data)
}

func TestCacheOnReadWarmsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StoreSecure(ctx, "secrets:warm", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)

	ap := openPolicy()
	ap.Cache.CacheOnRead = true

	first, err := env.engine.RetrieveSecure(ctx, "secrets:warm", ap, adminAccess())
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := env.engine.RetrieveSecure(ctx, "secrets:warm", ap, adminAccess())
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
}

func TestCapacityLimit(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cfg.MaxPayloadSize = 16

	_, err := env.engine.StoreSecure(context.Background(), "secrets:big", bytes.Repeat([]byte("x"), 17),
		interfaces.StoragePolicy{}, adminAccess())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrCapacityExceeded))
}

func TestConcurrentSameKeyStores(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.engine.StoreSecure(ctx, "secrets:contended", []byte(fmt.Sprintf("writer-%d", n)),
				interfaces.StoragePolicy{}, adminAccess())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every write was serialized; the final version equals the write count
	// and the payload is one writer's value, never interleaved state.
	got, err := env.engine.RetrieveSecure(ctx, "secrets:contended", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), got.Version)
	assert.Contains(t, string(got.Data), "writer-")
}

func TestListKeysAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, key := range []string{"secrets:a", "secrets:b", "config:c"} {
		_, err := env.engine.StoreSecure(ctx, key, bytes.Repeat([]byte("data "), 50), interfaces.StoragePolicy{
			Compression:    interfaces.CompressionPolicy{Allowed: true},
			Classification: interfaces.ClassInternal,
		}, adminAccess())
		require.NoError(t, err)
	}

	keys, err := env.engine.ListKeys(ctx, "secrets:", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets:a", "secrets:b"}, keys)

	md, err := env.engine.GetMetadata(ctx, "secrets:a", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, int64(250), md.Size)
	assert.Equal(t, interfaces.CompressionZstd, md.Compression)
	assert.Equal(t, uint64(1), md.Version)
	assert.Zero(t, md.AccessCount)

	// Retrieval bumps the access counter.
	_, err = env.engine.RetrieveSecure(ctx, "secrets:a", openPolicy(), adminAccess())
	require.NoError(t, err)
	md, err = env.engine.GetMetadata(ctx, "secrets:a", openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), md.AccessCount)

	stats := env.engine.UsageStats(ctx)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(750), stats.LogicalBytes)
}

func TestQueryKeysFiltersOnAttributes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	store := func(key string, pol interfaces.StoragePolicy) {
		_, err := env.engine.StoreSecure(ctx, key, []byte("payload"), pol, adminAccess())
		require.NoError(t, err)
	}
	store("secrets:db", interfaces.StoragePolicy{Classification: interfaces.ClassConfidential, Tier: interfaces.TierHot})
	store("secrets:tls", interfaces.StoragePolicy{Classification: interfaces.ClassConfidential})
	store("secrets:docs", interfaces.StoragePolicy{Classification: interfaces.ClassInternal})
	store("config:app", interfaces.StoragePolicy{Classification: interfaces.ClassConfidential})

	keys, err := env.engine.QueryKeys(ctx, "secrets:", map[string]string{"classification": "confidential"}, openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets:db", "secrets:tls"}, keys)

	keys, err = env.engine.QueryKeys(ctx, "secrets:", map[string]string{"tier": "hot"}, openPolicy(), adminAccess())
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets:db"}, keys)

	// Query authorization follows the list permission.
	reader := interfaces.AccessContext{CallerID: "ro", Role: "reader", RequestTime: time.Now().UTC()}
	_, err = env.engine.QueryKeys(ctx, "secrets:", map[string]string{"tier": "hot"}, openPolicy(), reader)
	assert.True(t, errors.Is(err, interfaces.ErrPolicyViolation))
}

func TestValidateStorage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res1, err := env.engine.StoreSecure(ctx, "secrets:good", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)
	_, err = env.engine.StoreSecure(ctx, "secrets:bad", []byte("payload"), interfaces.StoragePolicy{}, adminAccess())
	require.NoError(t, err)
	_ = res1

	report, err := env.engine.ValidateStorage(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 2, report.Checked)

	// Corrupt one blob behind the engine's back.
	entry, found := env.index.Lookup("secrets:bad")
	require.True(t, found)
	raw, err := env.backend.Load(ctx, entry.Location)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, env.backend.Overwrite(ctx, entry.Location, raw))

	report, err = env.engine.ValidateStorage(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "secrets:bad", report.Issues[0].Key)
}
