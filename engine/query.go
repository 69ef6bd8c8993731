package engine

import (
	"context"

	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
)

// ListKeys returns the keys under a prefix, subject to list authorization on
// the prefix's namespace.
func (e *Engine) ListKeys(ctx context.Context, prefix string, ap interfaces.AccessPolicy, access interfaces.AccessContext) ([]string, error) {
	if err := e.policy.Authorize(ctx, access, prefix, interfaces.PermList, ap, interfaces.ClassPublic); err != nil {
		metrics.PolicyDenials.Inc()
		return nil, err
	}
	return e.index.ListKeys(prefix), nil
}

// QueryKeys returns the keys under a prefix whose recorded metadata matches
// every given attribute (classification, compression, tier). Authorization is
// the same as for ListKeys; the sealed payloads are never touched.
func (e *Engine) QueryKeys(ctx context.Context, prefix string, attrs map[string]string, ap interfaces.AccessPolicy, access interfaces.AccessContext) ([]string, error) {
	if err := e.policy.Authorize(ctx, access, prefix, interfaces.PermList, ap, interfaces.ClassPublic); err != nil {
		metrics.PolicyDenials.Inc()
		return nil, err
	}
	return e.index.KeysMatching(prefix, attrs), nil
}

// GetMetadata returns the metadata view of an item without touching the
// sealed payload.
func (e *Engine) GetMetadata(ctx context.Context, key string, ap interfaces.AccessPolicy, access interfaces.AccessContext) (interfaces.StorageMetadata, error) {
	if key == "" {
		return interfaces.StorageMetadata{}, invalidKeyErr()
	}

	entry, found := e.index.Lookup(key)

	classification := interfaces.ClassPublic
	if found {
		classification = classificationOf(entry)
	}
	if err := e.policy.Authorize(ctx, access, key, interfaces.PermReadMetadata, ap, classification); err != nil {
		metrics.PolicyDenials.Inc()
		return interfaces.StorageMetadata{}, err
	}
	if !found {
		return interfaces.StorageMetadata{}, notFound(key)
	}

	return interfaces.StorageMetadata{
		Key:         entry.Key,
		Size:        entry.Size,
		StoredSize:  entry.StoredSize,
		Compression: compressionOf(entry),
		CreatedAt:   entry.CreatedAt,
		ModifiedAt:  entry.ModifiedAt,
		AccessedAt:  entry.AccessedAt,
		AccessCount: entry.AccessCount,
		Version:     entry.Version,
	}, nil
}

// UsageStats aggregates the index for monitoring.
func (e *Engine) UsageStats(ctx context.Context) interfaces.UsageStats {
	return e.index.Stats()
}
