package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teekit/securestore/interfaces"
)

// MultiBackend replicates blobs across several backends for redundancy.
// Stores go to every available backend; loads return the first hit. All
// member backends must use deterministic handles, so a location recorded by
// one member resolves on the others.
type MultiBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiBackend creates a multi-backend over the given members.
func NewMultiBackend(backends []interfaces.StorageBackend, log *slog.Logger) *MultiBackend {
	return &MultiBackend{backends: backends, log: log}
}

// Store writes data to every available member. It succeeds if at least one
// member accepted the write; failed members are logged and skipped.
func (m *MultiBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	start := time.Now()
	var errs []error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable, skipping store", "backend", backend.Name())
			continue
		}
		if _, err := backend.Store(ctx, locationHint, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Store to backend failed", "backend", backend.Name(), "err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("all backends failed to store: %v", errs))
	}

	m.log.Debug("Stored blob to multi-backend",
		"handle", locationHint,
		"replicas", stored,
		slog.Duration("duration", time.Since(start)))

	return interfaces.StorageLocation{BackendURI: m.LocationURI(), Handle: locationHint}, nil
}

// Load returns the blob from the first member that has it.
func (m *MultiBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		data, err := backend.Load(ctx, m.memberLocation(backend, loc))
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if allNotFound(errs) && len(errs) > 0 {
		return nil, notFoundErr(loc.Handle)
	}
	return nil, backendErr(fmt.Errorf("all backends failed to load %q: %v", loc.Handle, errs))
}

// Overwrite replaces the blob on every member that holds it.
func (m *MultiBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	var errs []error
	overwritten := 0
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		err := backend.Overwrite(ctx, m.memberLocation(backend, loc), data)
		switch {
		case err == nil:
			overwritten++
		case errors.Is(err, interfaces.ErrNotFound):
			// Member never held this blob.
		default:
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if overwritten == 0 && len(errs) > 0 {
		return backendErr(fmt.Errorf("overwrite failed on all holding backends: %v", errs))
	}
	return nil
}

// Delete removes the blob from every member. Missing replicas are not an
// error; at least one member must have held the blob.
func (m *MultiBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	deleted := 0
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		err := backend.Delete(ctx, m.memberLocation(backend, loc))
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, interfaces.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if len(errs) > 0 {
		return backendErr(fmt.Errorf("delete failed on some backends: %v", errs))
	}
	if deleted == 0 {
		return notFoundErr(loc.Handle)
	}
	return nil
}

// Available reports whether any member is available.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the backend identifier for logging.
func (m *MultiBackend) Name() string {
	return "multi"
}

// LocationURI returns the combined URI of all members.
func (m *MultiBackend) LocationURI() string {
	uris := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		uris = append(uris, backend.LocationURI())
	}
	return "multi:[" + strings.Join(uris, ",") + "]"
}

// memberLocation rewrites a multi-backend location for a member. Handles are
// deterministic, only the backend URI differs.
func (m *MultiBackend) memberLocation(backend interfaces.StorageBackend, loc interfaces.StorageLocation) interfaces.StorageLocation {
	return interfaces.StorageLocation{BackendURI: backend.LocationURI(), Handle: loc.Handle}
}

func allNotFound(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return false
		}
	}
	return true
}
