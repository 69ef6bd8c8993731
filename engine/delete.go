package engine

import (
	"context"
	"errors"

	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
)

// DeleteSecure removes an item: the index entry and cache slot are dropped
// first, then the blob is zero-filled where the backend supports it and
// released. The index entry goes first so a failure mid-delete leaves at
// worst an unreferenced blob, never an entry pointing at nothing.
func (e *Engine) DeleteSecure(ctx context.Context, key string, ap interfaces.AccessPolicy, access interfaces.AccessContext) error {
	metrics.DeleteRequests.Inc()

	if key == "" {
		return invalidKeyErr()
	}

	release, err := e.latches.acquire(ctx, key)
	if err != nil {
		return timeoutErr(err)
	}
	defer release()

	entry, found := e.index.Lookup(key)

	classification := interfaces.ClassPublic
	if found {
		classification = classificationOf(entry)
	}
	if err := e.policy.Authorize(ctx, access, key, interfaces.PermDelete, ap, classification); err != nil {
		metrics.PolicyDenials.Inc()
		return err
	}
	if !found {
		return notFound(key)
	}

	e.cache.Remove(key)
	if err := e.index.Remove(ctx, key); err != nil {
		return err
	}

	// Residual-data defense: overwrite the sealed bytes before releasing
	// the location. Content-addressed backends cannot; that is acceptable
	// since the blob is sealed and its key derivable only inside the
	// enclave.
	zeros := make([]byte, entry.StoredSize)
	if err := e.backend.Overwrite(ctx, entry.Location, zeros); err != nil {
		e.log.Debug("Zero-fill before delete not possible", "key", key, "backend", e.backend.Name(), "err", err)
	}

	// A blob that is already gone counts as released, so a retried delete
	// after a partial failure converges instead of wedging.
	err = e.withRetry(ctx, func() error {
		deleteErr := e.backend.Delete(ctx, entry.Location)
		if errors.Is(deleteErr, interfaces.ErrNotFound) {
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return err
	}

	e.log.Info("Deleted item", "key", key, "version", entry.Version)
	return nil
}
