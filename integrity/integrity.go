// Package integrity generates and verifies keyed fingerprints over persisted
// sealed blobs. Verification happens before any unseal attempt so corrupted
// or tampered blobs never reach the cryptographic layers.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/teekit/securestore/interfaces"
)

// AlgorithmHMACSHA256 is the proof algorithm identifier recorded in proofs.
const AlgorithmHMACSHA256 = "hmac-sha256"

// Manager computes HMAC-SHA256 proofs with a dedicated integrity subkey.
// The key is independent of the sealing and encryption keys, so leaking it
// never exposes data, only the ability to forge fingerprints.
type Manager struct {
	key []byte
	log *slog.Logger
}

// NewManager creates a Manager. The key must be 32 bytes, normally derived
// from the master key via cryptoutils.DeriveSubKey(master, "integrity").
func NewManager(key []byte, log *slog.Logger) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("integrity key must be 32 bytes, got %d", len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Manager{key: cp, log: log}, nil
}

// GenerateProof fingerprints the persisted blob bytes together with
// policy-relevant metadata. Metadata keys are folded in sorted order so the
// digest is independent of map iteration order.
func (m *Manager) GenerateProof(data []byte, metadata map[string]string) interfaces.IntegrityProof {
	return interfaces.IntegrityProof{
		Algorithm:   AlgorithmHMACSHA256,
		Digest:      m.digest(data, metadata),
		Metadata:    metadata,
		GeneratedAt: time.Now().UTC(),
	}
}

// VerifyIntegrity recomputes the fingerprint and compares in constant time.
// A mismatch returns an IntegrityFailure; it is never retried.
func (m *Manager) VerifyIntegrity(data []byte, proof interfaces.IntegrityProof) error {
	if proof.Algorithm != AlgorithmHMACSHA256 {
		return interfaces.NewStorageError(interfaces.ErrIntegrityFailure, interfaces.StageIntegrity,
			fmt.Errorf("unsupported proof algorithm %q", proof.Algorithm))
	}

	expected := m.digest(data, proof.Metadata)
	if !hmac.Equal(expected, proof.Digest) {
		m.log.Warn("Integrity verification failed", "algorithm", proof.Algorithm, "size", len(data))
		return interfaces.NewStorageError(interfaces.ErrIntegrityFailure, interfaces.StageIntegrity,
			fmt.Errorf("fingerprint mismatch"))
	}
	return nil
}

func (m *Manager) digest(data []byte, metadata map[string]string) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(data)

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mac.Write([]byte{0})
		mac.Write([]byte(k))
		mac.Write([]byte{0})
		mac.Write([]byte(metadata[k]))
	}

	return mac.Sum(nil)
}
