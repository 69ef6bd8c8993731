package sealing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/teekit/securestore/cryptoutils"
	"github.com/teekit/securestore/interfaces"
)

const saltSize = 16

// Manager seals envelopes under keys derived from the enclave sealing
// subkey. The full sealing context is serialized as associated data, so a
// blob cannot be unsealed under a different context than it was sealed with.
type Manager struct {
	sealer      Sealer
	baseKey     []byte
	attestation interfaces.AttestationProvider
	kdfs        interfaces.KeyDerivationRegistry
	log         *slog.Logger
}

// NewManager creates a Manager. baseKey is the 32-byte sealing subkey derived
// from the master key.
func NewManager(sealer Sealer, baseKey []byte, attestation interfaces.AttestationProvider, kdfs interfaces.KeyDerivationRegistry, log *slog.Logger) (*Manager, error) {
	if len(baseKey) != 32 {
		return nil, fmt.Errorf("sealing base key must be 32 bytes, got %d", len(baseKey))
	}
	cp := make([]byte, len(baseKey))
	copy(cp, baseKey)
	return &Manager{
		sealer:      sealer,
		baseKey:     cp,
		attestation: attestation,
		kdfs:        kdfs,
		log:         log,
	}, nil
}

// Seal wraps an envelope into hardware-bound SealedData under the given
// policy. With AttestationBinding set, the current enclave measurement is
// mixed into the key derivation and recorded in the context; the blob becomes
// unrecoverable after a measurement change.
func (m *Manager) Seal(ctx context.Context, envelope interfaces.Envelope, policy interfaces.SealingPolicy, reqs interfaces.UnsealingRequirements) (interfaces.SealedData, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return interfaces.SealedData{}, sealErr(fmt.Errorf("generating salt: %w", err))
	}

	sealCtx := interfaces.SealingContext{
		Policy:   policy,
		SealedAt: time.Now().UTC(),
		KeyDerivation: interfaces.KeyDerivationInfo{
			KDF:              policy.KDF,
			Salt:             salt,
			AttestationBound: policy.AttestationBinding,
		},
	}

	if policy.AttestationBinding {
		measurement, err := m.attestation.CurrentMeasurement(ctx)
		if err != nil {
			return interfaces.SealedData{}, sealErr(fmt.Errorf("reading enclave measurement: %w", err))
		}
		sealCtx.Measurement = measurement
	}

	key, err := m.deriveKey(sealCtx)
	if err != nil {
		return interfaces.SealedData{}, err
	}
	defer cryptoutils.WipeBytes(key)

	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return interfaces.SealedData{}, sealErr(fmt.Errorf("encoding envelope: %w", err))
	}

	aad, err := contextAAD(sealCtx)
	if err != nil {
		return interfaces.SealedData{}, err
	}

	blob, err := m.sealer.Seal(key, plaintext, aad)
	if err != nil {
		return interfaces.SealedData{}, sealErr(err)
	}

	return interfaces.SealedData{
		Blob:         blob,
		Context:      sealCtx,
		SealedAt:     sealCtx.SealedAt,
		Requirements: reqs,
	}, nil
}

// Unseal recovers the envelope from SealedData. For attestation-bound blobs
// the platform's current measurement must exactly match the sealed one; any
// mismatch fails closed with no partial plaintext.
func (m *Manager) Unseal(ctx context.Context, sealed interfaces.SealedData) (interfaces.Envelope, error) {
	if sealed.Context.KeyDerivation.AttestationBound {
		current, err := m.attestation.CurrentMeasurement(ctx)
		if err != nil {
			return interfaces.Envelope{}, sealErr(fmt.Errorf("reading enclave measurement: %w", err))
		}
		if !current.Equal(sealed.Context.Measurement) {
			m.log.Warn("Unseal refused, enclave measurement changed",
				"sealed", sealed.Context.Measurement.String(), "current", current.String())
			return interfaces.Envelope{}, sealErr(fmt.Errorf("enclave measurement mismatch"))
		}
	}

	key, err := m.deriveKey(sealed.Context)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	defer cryptoutils.WipeBytes(key)

	aad, err := contextAAD(sealed.Context)
	if err != nil {
		return interfaces.Envelope{}, err
	}

	plaintext, err := m.sealer.Unseal(key, sealed.Blob, aad)
	if err != nil {
		return interfaces.Envelope{}, sealErr(fmt.Errorf("opening sealed blob: %w", err))
	}

	var envelope interfaces.Envelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return interfaces.Envelope{}, sealErr(fmt.Errorf("decoding envelope: %w", err))
	}
	return envelope, nil
}

// deriveKey reproduces the sealing key from the context. The chain is
// base subkey, then the named policy KDF if any, then the measurement mix
// for attestation-bound contexts.
func (m *Manager) deriveKey(sealCtx interfaces.SealingContext) ([]byte, error) {
	info := sealCtx.KeyDerivation

	key := m.baseKey
	if info.KDF != "" {
		fn, err := m.kdfs.Resolve(info.KDF)
		if err != nil {
			return nil, sealErr(err)
		}
		derived, err := fn(key, info.Salt, []byte("sealing"))
		if err != nil {
			return nil, sealErr(fmt.Errorf("policy kdf %q: %w", info.KDF, err))
		}
		key = derived
	}

	if info.AttestationBound {
		derived, err := cryptoutils.HKDFSHA256(key, info.Salt, sealCtx.Measurement)
		if err != nil {
			return nil, sealErr(fmt.Errorf("binding measurement: %w", err))
		}
		key = derived
	}

	if len(key) == len(m.baseKey) && &key[0] == &m.baseKey[0] {
		// No derivation applied; hand out a copy so the caller's wipe does
		// not destroy the base key.
		cp := make([]byte, len(key))
		copy(cp, key)
		key = cp
	}
	return key, nil
}

// contextAAD serializes the sealing context for authentication. JSON field
// order is fixed by the struct definition, so seal and unseal produce
// identical bytes for equal contexts.
func contextAAD(sealCtx interfaces.SealingContext) ([]byte, error) {
	aad, err := json.Marshal(sealCtx)
	if err != nil {
		return nil, sealErr(fmt.Errorf("encoding sealing context: %w", err))
	}
	return aad, nil
}

func sealErr(err error) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrSealingFailure, interfaces.StageSeal, err)
}
