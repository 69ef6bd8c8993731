package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
)

// BatchItem is one item of an atomic batch store.
type BatchItem struct {
	Key    string
	Data   []byte
	Policy interfaces.StoragePolicy
}

// StoreBatch stores several items atomically: either every item's new
// version becomes visible or none does. All items are authorized and fully
// prepared before the first backend write; a failure during persistence
// rolls the already-written blobs back.
func (e *Engine) StoreBatch(ctx context.Context, items []BatchItem, access interfaces.AccessContext) ([]interfaces.StorageResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Key == "" {
			return nil, invalidKeyErr()
		}
		if _, dup := seen[item.Key]; dup {
			return nil, interfaces.NewStorageError(interfaces.ErrPolicyViolation, interfaces.StagePolicy,
				fmt.Errorf("duplicate key %q in batch", item.Key))
		}
		seen[item.Key] = struct{}{}
		if int64(len(item.Data)) > e.cfg.MaxPayloadSize {
			return nil, capacityErr(int64(len(item.Data)), e.cfg.MaxPayloadSize)
		}
	}

	// Authorization happens for every item before any work; a single denial
	// fails the whole batch with nothing written.
	for _, item := range items {
		if err := e.policy.AuthorizeWrite(ctx, access, item.Key, item.Policy); err != nil {
			metrics.PolicyDenials.Inc()
			return nil, err
		}
	}

	// Latches are taken in sorted key order so concurrent batches with
	// overlapping keys cannot deadlock.
	ordered := make([]BatchItem, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	releases := make([]func(), 0, len(ordered))
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, item := range ordered {
		release, err := e.latches.acquire(ctx, item.Key)
		if err != nil {
			return nil, timeoutErr(err)
		}
		releases = append(releases, release)
	}

	staged := make([]stagedWrite, 0, len(ordered))
	previous := make(map[string]interfaces.IndexEntry, len(ordered))
	for _, item := range ordered {
		prev, overwrite := e.index.Lookup(item.Key)
		if overwrite {
			previous[item.Key] = prev
		}
		sw, err := e.prepare(ctx, item.Key, item.Data, item.Policy, prev, overwrite)
		if err != nil {
			return nil, err
		}
		staged = append(staged, sw)
	}

	// Persist all blobs. New versions land at fresh locations, so rollback
	// deletes them without touching the live data.
	written := make([]interfaces.StorageLocation, 0, len(staged))
	for i := range staged {
		var loc interfaces.StorageLocation
		err := e.withRetry(ctx, func() error {
			var storeErr error
			loc, storeErr = e.backend.Store(ctx, staged[i].hint, staged[i].persisted)
			return storeErr
		})
		if err != nil {
			e.rollbackBlobs(ctx, written)
			return nil, err
		}
		staged[i].entry.Location = loc
		written = append(written, loc)
	}

	// Publish the index entries. An index failure mid-batch rolls back the
	// entries already published and every fresh blob.
	for i := range staged {
		if err := e.index.Put(ctx, staged[i].entry); err != nil {
			for j := 0; j < i; j++ {
				if prev, ok := previous[staged[j].key]; ok {
					if restoreErr := e.index.Put(ctx, prev); restoreErr != nil {
						e.log.Error("Could not restore index entry during batch rollback", "key", staged[j].key, "err", restoreErr)
					}
				} else if removeErr := e.index.Remove(ctx, staged[j].key); removeErr != nil {
					e.log.Error("Could not remove index entry during batch rollback", "key", staged[j].key, "err", removeErr)
				}
			}
			e.rollbackBlobs(ctx, written)
			return nil, err
		}
	}

	// Commit point passed: retire superseded blobs and warm caches.
	byKey := make(map[string]interfaces.StorageResult, len(staged))
	for i := range staged {
		if prev, ok := previous[staged[i].key]; ok {
			e.retireBlob(ctx, prev)
		}
		if staged[i].warmCache {
			e.cache.Put(staged[i].key, staged[i].persisted, staged[i].entry.Version)
		} else {
			e.cache.Remove(staged[i].key)
		}
		byKey[staged[i].key] = interfaces.StorageResult{
			Key:              staged[i].key,
			Location:         staged[i].entry.Location,
			Size:             staged[i].entry.Size,
			StoredSize:       staged[i].entry.StoredSize,
			CompressionRatio: compressionRatio(staged[i].entry.Size, staged[i].compressedSize),
			Fingerprint:      staged[i].entry.Proof.Digest,
			Version:          staged[i].entry.Version,
		}
	}

	// Results follow the caller's item order.
	results := make([]interfaces.StorageResult, 0, len(items))
	for _, item := range items {
		results = append(results, byKey[item.Key])
	}

	e.log.Info("Stored batch", "items", len(results))
	return results, nil
}

func (e *Engine) rollbackBlobs(ctx context.Context, locations []interfaces.StorageLocation) {
	for _, loc := range locations {
		if err := e.backend.Delete(ctx, loc); err != nil {
			e.log.Error("Could not remove blob during batch rollback", "handle", loc.Handle, "err", err)
		}
	}
}
