package interfaces

import "context"

// StorageBackend persists opaque blobs at backend-chosen locations. It is
// assumed to provide atomic single-writer semantics per location; the engine
// serializes mutations per key above this interface.
type StorageBackend interface {
	// Store persists data and returns its location. The locationHint is a
	// stable, filesystem-safe token (the engine passes the hex SHA-256 of
	// the logical key); backends that support deterministic placement derive
	// the handle from it so overwrites land on the same location.
	Store(ctx context.Context, locationHint string, data []byte) (StorageLocation, error)

	// Load retrieves the blob at a location. Returns ErrNotFound when no
	// blob exists there.
	Load(ctx context.Context, loc StorageLocation) ([]byte, error)

	// Overwrite replaces the blob at an existing location in place. Used to
	// zero-fill a region before release as a defense against residual-data
	// recovery. Backends that cannot overwrite in place (content-addressed
	// stores) return an error; the engine treats that as best-effort.
	Overwrite(ctx context.Context, loc StorageLocation, data []byte) error

	// Delete releases the location.
	Delete(ctx context.Context, loc StorageLocation) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// AttestationProvider supplies the enclave's verified hardware measurement.
// The attestation wire protocol is out of scope; implementations wrap the
// platform quote mechanism or a remote quoting service.
type AttestationProvider interface {
	// CurrentMeasurement returns the platform's current enclave measurement.
	CurrentMeasurement(ctx context.Context) (Measurement, error)

	// Verify checks that a measurement is valid for the current platform.
	Verify(ctx context.Context, m Measurement) (bool, error)
}

// KeyDerivationFunc maps key material and parameters to derived key
// material. Implementations must be deterministic for fixed inputs.
type KeyDerivationFunc func(keyMaterial, salt, info []byte) ([]byte, error)

// KeyDerivationRegistry resolves named key derivation functions referenced
// by sealing policies.
type KeyDerivationRegistry interface {
	Resolve(name string) (KeyDerivationFunc, error)
}

// AuditLogger records every access attempt, allowed or denied. A failing
// audit sink must not block the data path; implementations log and drop.
type AuditLogger interface {
	Record(ctx context.Context, attempt AccessAttempt)
}

// RateLimitCounter enforces per-identity request budgets. It is the only
// stateful collaborator of the policy engine.
type RateLimitCounter interface {
	// CheckAndIncrement consumes one unit of the identity's budget for the
	// given key and reports whether the request is within limits.
	CheckAndIncrement(identity, key string) bool
}
