// Package engine is the secure storage facade. It composes policy
// enforcement, compression, layered encryption, sealing, integrity proofs,
// indexing, caching, and the persistence backend into the write and read
// pipelines, and guarantees that failed operations leave no partial state.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teekit/securestore/cache"
	"github.com/teekit/securestore/encryption"
	"github.com/teekit/securestore/index"
	"github.com/teekit/securestore/integrity"
	"github.com/teekit/securestore/interfaces"
	"github.com/teekit/securestore/metrics"
	"github.com/teekit/securestore/optimize"
	"github.com/teekit/securestore/policy"
	"github.com/teekit/securestore/sealing"
)

const (
	// DefaultMaxPayloadSize bounds a single stored payload.
	DefaultMaxPayloadSize = 100 << 20

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Metadata keys recorded on index entries. Classification and compression
// must be readable without unsealing the blob.
const (
	metaCompression    = "compression"
	metaClassification = "classification"
	metaTier           = "tier"
)

// Config tunes the engine.
type Config struct {
	// MaxPayloadSize bounds a single payload. Zero selects the default.
	MaxPayloadSize int64

	// RetryAttempts is the number of tries for transient backend failures.
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
}

// Engine orchestrates the secure storage pipelines.
type Engine struct {
	policy    *policy.Engine
	optimizer *optimize.Optimizer
	encryptor *encryption.Manager
	sealer    *sealing.Manager
	integrity *integrity.Manager
	index     *index.Manager
	cache     *cache.Manager
	backend   interfaces.StorageBackend
	latches   *keyLatches
	cfg       Config
	log       *slog.Logger
}

// New creates an Engine from its collaborators.
func New(cfg Config, pol *policy.Engine, opt *optimize.Optimizer, enc *encryption.Manager, seal *sealing.Manager, integ *integrity.Manager, idx *index.Manager, c *cache.Manager, backend interfaces.StorageBackend, log *slog.Logger) *Engine {
	cfg.fillDefaults()
	return &Engine{
		policy:    pol,
		optimizer: opt,
		encryptor: enc,
		sealer:    seal,
		integrity: integ,
		index:     idx,
		cache:     c,
		backend:   backend,
		latches:   newKeyLatches(),
		cfg:       cfg,
		log:       log,
	}
}

// locationHint is the stable backend placement token for a logical key.
// Backends never see the key itself.
func locationHint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// withRetry runs fn, retrying transient backend failures with doubling
// backoff. Non-retryable failure classes surface immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := e.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.BackendRetries.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return timeoutErr(ctx.Err())
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrBackendError) {
			return err
		}
		e.log.Warn("Transient backend failure", "attempt", attempt+1, "err", err)
	}
	return err
}

func timeoutErr(cause error) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrTimeout, interfaces.StageBackend, cause)
}

func capacityErr(size, limit int64) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrCapacityExceeded, interfaces.StagePolicy,
		fmt.Errorf("payload of %d bytes exceeds limit of %d", size, limit))
}

func invalidKeyErr() *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrPolicyViolation, interfaces.StagePolicy,
		fmt.Errorf("key must not be empty"))
}

// classificationOf reads the recorded classification from an index entry.
func classificationOf(entry interfaces.IndexEntry) interfaces.DataClassification {
	switch entry.Metadata[metaClassification] {
	case "internal":
		return interfaces.ClassInternal
	case "confidential":
		return interfaces.ClassConfidential
	case "restricted":
		return interfaces.ClassRestricted
	default:
		return interfaces.ClassPublic
	}
}

func compressionOf(entry interfaces.IndexEntry) interfaces.CompressionAlgorithm {
	if v, ok := entry.Metadata[metaCompression]; ok && v != "" {
		return interfaces.CompressionAlgorithm(v)
	}
	return interfaces.CompressionNone
}
