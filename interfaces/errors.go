package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyViolation is returned when a caller fails authorization,
	// rate limiting, or data classification checks.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrNotFound is returned when no active index entry exists for a key.
	ErrNotFound = errors.New("key not found")

	// ErrIntegrityFailure is returned when a sealed blob's fingerprint does
	// not match its stored integrity proof.
	ErrIntegrityFailure = errors.New("integrity verification failed")

	// ErrSealingFailure is returned on attestation mismatch or when the
	// sealing primitive fails. No partial plaintext is ever released.
	ErrSealingFailure = errors.New("sealing operation failed")

	// ErrEncryptionFailure is returned on key resolution failure, unknown
	// algorithm, or authentication tag mismatch.
	ErrEncryptionFailure = errors.New("encryption operation failed")

	// ErrCapacityExceeded is returned when a payload or quota limit is hit.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrTimeout is returned when an operation deadline expires. Timed-out
	// operations leave no partial state and may be retried.
	ErrTimeout = errors.New("operation timed out")

	// ErrBackendError wraps transient storage backend failures. These are
	// retried internally with bounded backoff before surfacing.
	ErrBackendError = errors.New("storage backend error")
)

// Stage identifies the pipeline stage an error originated from. It is
// included in error payloads so callers can decide whether to retry,
// re-authenticate, or alert without seeing cryptographic internals.
type Stage string

const (
	StagePolicy    Stage = "policy"
	StageCompress  Stage = "compress"
	StageEncrypt   Stage = "encrypt"
	StageSeal      Stage = "seal"
	StageIntegrity Stage = "integrity"
	StageIndex     Stage = "index"
	StageBackend   Stage = "backend"
	StageCache     Stage = "cache"
)

// StorageError carries the failure class, the pipeline stage that produced
// it, and the underlying cause. It matches the sentinel errors above via
// errors.Is, so callers can branch without string comparison.
type StorageError struct {
	Kind  error // one of the sentinel errors above
	Stage Stage
	Err   error
}

// NewStorageError wraps err with its failure class and originating stage.
func NewStorageError(kind error, stage Stage, err error) *StorageError {
	return &StorageError{Kind: kind, Stage: stage, Err: err}
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel kind and the underlying cause so that
// errors.Is works against either.
func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the failure class may be retried by callers.
// Policy, integrity, sealing, and encryption failures indicate unauthorized
// access or a potential attack and are never retried automatically.
func (e *StorageError) Retryable() bool {
	return errors.Is(e.Kind, ErrBackendError) || errors.Is(e.Kind, ErrTimeout)
}
