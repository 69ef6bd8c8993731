// Package interfaces defines the shared data model, collaborator contracts,
// and error taxonomy of the secure storage engine.
//
// The package has no dependencies on any implementation package; every other
// package in the module depends on it. Collaborators consumed by the engine
// (StorageBackend, AttestationProvider, KeyDerivationRegistry, AuditLogger,
// RateLimitCounter) are specified here as interfaces only.
//
// # Error Taxonomy
//
// All failures surface as *StorageError values that match one of the
// sentinel errors via errors.Is:
//
//	ErrPolicyViolation   authorization, rate-limit, or classification failure
//	ErrNotFound          no active index entry for the key
//	ErrIntegrityFailure  fingerprint mismatch on a sealed blob
//	ErrSealingFailure    attestation mismatch or unseal primitive failure
//	ErrEncryptionFailure key resolution or authentication tag failure
//	ErrCapacityExceeded  payload or quota limits
//	ErrTimeout           deadline exceeded, retryable
//	ErrBackendError      transient I/O failure, retried internally
//
// PolicyViolation, IntegrityFailure, SealingFailure, and EncryptionFailure
// are never retried automatically: they indicate unauthorized access or a
// potential attack, and every occurrence is audited.
package interfaces
