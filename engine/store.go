package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
)

// stagedWrite is a fully prepared write: sealed, fingerprinted, and ready to
// persist. Nothing is visible to readers until commit.
type stagedWrite struct {
	key            string
	hint           string
	persisted      []byte
	compressedSize int64
	entry          interfaces.IndexEntry
	warmCache      bool
}

// StoreSecure runs the write pipeline for one item: authorize, compress,
// encrypt, seal, fingerprint, persist, index. On any failure the previous
// state of the key remains intact and visible.
func (e *Engine) StoreSecure(ctx context.Context, key string, data []byte, pol interfaces.StoragePolicy, access interfaces.AccessContext) (interfaces.StorageResult, error) {
	start := time.Now()
	metrics.StoreRequests.Inc()

	if key == "" {
		return interfaces.StorageResult{}, invalidKeyErr()
	}
	if int64(len(data)) > e.cfg.MaxPayloadSize {
		return interfaces.StorageResult{}, capacityErr(int64(len(data)), e.cfg.MaxPayloadSize)
	}

	if err := e.policy.AuthorizeWrite(ctx, access, key, pol); err != nil {
		metrics.PolicyDenials.Inc()
		return interfaces.StorageResult{}, err
	}

	release, err := e.latches.acquire(ctx, key)
	if err != nil {
		return interfaces.StorageResult{}, timeoutErr(err)
	}
	defer release()

	previous, overwrite := e.index.Lookup(key)

	staged, err := e.prepare(ctx, key, data, pol, previous, overwrite)
	if err != nil {
		return interfaces.StorageResult{}, err
	}

	if err := e.commit(ctx, &staged); err != nil {
		return interfaces.StorageResult{}, err
	}

	if overwrite {
		e.retireBlob(ctx, previous)
	}

	metrics.StoreLatency.UpdateDuration(start)
	if saved := staged.entry.Size - staged.compressedSize; saved > 0 {
		metrics.CompressionSavedBytes.Add(int(saved))
	}

	e.log.Info("Stored item",
		"key", key,
		"size", staged.entry.Size,
		"stored_size", staged.entry.StoredSize,
		"version", staged.entry.Version,
		"backend", e.backend.Name())

	return interfaces.StorageResult{
		Key:              key,
		Location:         staged.entry.Location,
		Size:             staged.entry.Size,
		StoredSize:       staged.entry.StoredSize,
		CompressionRatio: compressionRatio(staged.entry.Size, staged.compressedSize),
		Fingerprint:      staged.entry.Proof.Digest,
		Version:          staged.entry.Version,
	}, nil
}

// prepare runs the transform pipeline without touching shared state. The
// caller must hold the key's latch.
func (e *Engine) prepare(ctx context.Context, key string, data []byte, pol interfaces.StoragePolicy, previous interfaces.IndexEntry, overwrite bool) (stagedWrite, error) {
	compressed, compAlg := e.optimizer.Compress(data, pol.Compression)

	encrypted, err := e.encryptor.Encrypt(compressed, pol.Encryption)
	if err != nil {
		return stagedWrite{}, err
	}

	envelope := interfaces.Envelope{
		Ciphertext:   encrypted.Ciphertext,
		Layers:       encrypted.Layers,
		Compression:  compAlg,
		OriginalSize: int64(len(data)),
		EncryptedAt:  encrypted.EncryptedAt,
	}

	reqs := interfaces.UnsealingRequirements{
		RequiredRoles:      pol.Sealing.UnsealRoles,
		AttestationBinding: pol.Sealing.AttestationBinding,
		Classification:     pol.Classification,
	}

	sealed, err := e.sealer.Seal(ctx, envelope, pol.Sealing, reqs)
	if err != nil {
		return stagedWrite{}, err
	}

	persisted, err := json.Marshal(sealed)
	if err != nil {
		return stagedWrite{}, interfaces.NewStorageError(interfaces.ErrSealingFailure, interfaces.StageSeal,
			fmt.Errorf("encoding sealed data: %w", err))
	}

	version := uint64(1)
	createdAt := time.Now().UTC()
	if overwrite {
		version = previous.Version + 1
		createdAt = previous.CreatedAt
	}

	meta := map[string]string{
		metaCompression:    string(compAlg),
		metaClassification: pol.Classification.String(),
	}
	if pol.Tier != "" {
		meta[metaTier] = string(pol.Tier)
	}

	proof := e.integrity.GenerateProof(persisted, meta)
	now := time.Now().UTC()

	return stagedWrite{
		key:            key,
		hint:           versionedHint(key, version),
		persisted:      persisted,
		compressedSize: int64(len(compressed)),
		entry: interfaces.IndexEntry{
			Key:        key,
			Size:       int64(len(data)),
			StoredSize: int64(len(persisted)),
			CreatedAt:  createdAt,
			ModifiedAt: now,
			AccessedAt: now,
			Version:    version,
			Proof:      proof,
			Metadata:   meta,
		},
		warmCache: pol.Cache.WarmOnWrite,
	}, nil
}

// compressionRatio is the payload-level ratio, original over compressed.
// Sealing overhead is deliberately excluded; StoredSize carries it.
func compressionRatio(size, compressedSize int64) float64 {
	if compressedSize <= 0 {
		return 1
	}
	return float64(size) / float64(compressedSize)
}

// commit persists the staged blob and publishes the index entry. If indexing
// fails the fresh blob is removed again, leaving no orphan.
func (e *Engine) commit(ctx context.Context, staged *stagedWrite) error {
	var loc interfaces.StorageLocation
	err := e.withRetry(ctx, func() error {
		var storeErr error
		loc, storeErr = e.backend.Store(ctx, staged.hint, staged.persisted)
		return storeErr
	})
	if err != nil {
		return err
	}
	staged.entry.Location = loc

	if err := e.index.Put(ctx, staged.entry); err != nil {
		if delErr := e.backend.Delete(ctx, loc); delErr != nil {
			e.log.Error("Could not remove orphaned blob after index failure", "key", staged.key, "err", delErr)
		}
		return err
	}

	if staged.warmCache {
		e.cache.Put(staged.key, staged.persisted, staged.entry.Version)
	} else {
		e.cache.Remove(staged.key)
	}
	return nil
}

// retireBlob zero-fills and removes a superseded blob. Best effort; the
// entry already points at the new version.
func (e *Engine) retireBlob(ctx context.Context, entry interfaces.IndexEntry) {
	zeros := make([]byte, entry.StoredSize)
	if err := e.backend.Overwrite(ctx, entry.Location, zeros); err != nil {
		e.log.Debug("Zero-fill of retired blob not possible", "key", entry.Key, "err", err)
	}
	if err := e.backend.Delete(ctx, entry.Location); err != nil {
		e.log.Warn("Could not remove retired blob", "key", entry.Key, "err", err)
	}
}

// versionedHint derives the backend placement token. Versioned so an
// overwrite lands next to, not on top of, the blob it replaces; the old
// version stays intact until the new entry is committed.
func versionedHint(key string, version uint64) string {
	return fmt.Sprintf("%s-v%d", locationHint(key), version)
}
