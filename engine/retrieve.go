package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
)

// RetrieveSecure runs the read pipeline: authorize, fetch the sealed blob
// (cache first), verify integrity, unseal, decrypt, decompress. Integrity is
// verified before any unseal attempt; a failure at any stage returns no
// partial plaintext.
func (e *Engine) RetrieveSecure(ctx context.Context, key string, ap interfaces.AccessPolicy, access interfaces.AccessContext) (interfaces.RetrievalResult, error) {
	start := time.Now()
	metrics.RetrieveRequests.Inc()

	if key == "" {
		return interfaces.RetrievalResult{}, invalidKeyErr()
	}

	release, err := e.latches.acquire(ctx, key)
	if err != nil {
		return interfaces.RetrievalResult{}, timeoutErr(err)
	}
	defer release()

	entry, found := e.index.Lookup(key)

	classification := interfaces.ClassPublic
	if found {
		classification = classificationOf(entry)
	}
	if err := e.policy.Authorize(ctx, access, key, interfaces.PermRetrieve, ap, classification); err != nil {
		metrics.PolicyDenials.Inc()
		return interfaces.RetrievalResult{}, err
	}
	if !found {
		return interfaces.RetrievalResult{}, notFound(key)
	}

	persisted, cacheHit, err := e.loadPersisted(ctx, key, entry)
	if err != nil {
		return interfaces.RetrievalResult{}, err
	}

	if err := e.integrity.VerifyIntegrity(persisted, entry.Proof); err != nil {
		metrics.IntegrityFailures.Inc()
		return interfaces.RetrievalResult{}, err
	}

	var sealed interfaces.SealedData
	if err := json.Unmarshal(persisted, &sealed); err != nil {
		return interfaces.RetrievalResult{}, interfaces.NewStorageError(interfaces.ErrIntegrityFailure, interfaces.StageIntegrity,
			fmt.Errorf("decoding sealed data: %w", err))
	}

	if err := checkUnsealRoles(sealed.Requirements, access); err != nil {
		metrics.PolicyDenials.Inc()
		return interfaces.RetrievalResult{}, err
	}

	envelope, err := e.sealer.Unseal(ctx, sealed)
	if err != nil {
		metrics.SealingFailures.Inc()
		return interfaces.RetrievalResult{}, err
	}

	plaintext, err := e.encryptor.Decrypt(interfaces.EncryptedData{
		Ciphertext:  envelope.Ciphertext,
		Layers:      envelope.Layers,
		EncryptedAt: envelope.EncryptedAt,
	})
	if err != nil {
		return interfaces.RetrievalResult{}, err
	}

	data, err := e.optimizer.Decompress(plaintext, envelope.Compression)
	if err != nil {
		return interfaces.RetrievalResult{}, interfaces.NewStorageError(interfaces.ErrIntegrityFailure, interfaces.StageCompress,
			fmt.Errorf("decompressing payload: %w", err))
	}
	if envelope.OriginalSize >= 0 && int64(len(data)) != envelope.OriginalSize {
		return interfaces.RetrievalResult{}, interfaces.NewStorageError(interfaces.ErrIntegrityFailure, interfaces.StageCompress,
			fmt.Errorf("payload size %d does not match recorded size %d", len(data), envelope.OriginalSize))
	}

	if _, err := e.index.Touch(ctx, key); err != nil {
		e.log.Warn("Could not update access tracking", "key", key, "err", err)
	}

	if ap.Cache.CacheOnRead && !cacheHit {
		e.cache.Put(key, persisted, entry.Version)
	}

	metrics.RetrieveLatency.UpdateDuration(start)
	return interfaces.RetrievalResult{
		Key:      key,
		Data:     data,
		CacheHit: cacheHit,
		Version:  entry.Version,
	}, nil
}

// loadPersisted returns the sealed blob bytes, consulting the cache before
// the backend.
func (e *Engine) loadPersisted(ctx context.Context, key string, entry interfaces.IndexEntry) ([]byte, bool, error) {
	if blob, ok := e.cache.Get(key, entry.Version); ok {
		metrics.CacheHits.Inc()
		return blob, true, nil
	}
	metrics.CacheMisses.Inc()

	var persisted []byte
	err := e.withRetry(ctx, func() error {
		var loadErr error
		persisted, loadErr = e.backend.Load(ctx, entry.Location)
		return loadErr
	})
	if err != nil {
		return nil, false, err
	}
	return persisted, false, nil
}

func checkUnsealRoles(reqs interfaces.UnsealingRequirements, access interfaces.AccessContext) error {
	if len(reqs.RequiredRoles) == 0 {
		return nil
	}
	for _, role := range reqs.RequiredRoles {
		if role == access.Role {
			return nil
		}
	}
	return interfaces.NewStorageError(interfaces.ErrPolicyViolation, interfaces.StageSeal,
		fmt.Errorf("role %q may not unseal this item", access.Role))
}

func notFound(key string) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrNotFound, interfaces.StageIndex,
		fmt.Errorf("no entry for key %q", key))
}
