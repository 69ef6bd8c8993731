// Package sealing binds envelopes to the enclave: sealed blobs can only be
// opened with a key derived from the enclave's sealing key, optionally mixed
// with the attestation measurement and a policy-selected derivation function.
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Sealer is the low-level sealing primitive. The blob layout is
// nonce || ciphertext || tag; the additional data is authenticated but not
// stored in the blob.
type Sealer interface {
	Seal(key, plaintext, additionalData []byte) ([]byte, error)
	Unseal(key, blob, additionalData []byte) ([]byte, error)
}

// AESGCMSealer seals with AES-256-GCM. Inside a TD the key material is
// protected by memory encryption, so a software AEAD is the sealing
// mechanism; outside one it serves development and tests.
type AESGCMSealer struct{}

const gcmNonceSize = 12

// Seal encrypts plaintext under key, authenticating additionalData.
func (AESGCMSealer) Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Seal appends ciphertext || tag after the nonce prefix.
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Unseal reverses Seal. Any modification of blob or additionalData fails
// authentication.
func (AESGCMSealer) Unseal(key, blob, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcmNonceSize+aead.Overhead() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(blob))
	}
	return aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], additionalData)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
