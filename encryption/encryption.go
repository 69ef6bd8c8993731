// Package encryption applies and reverses the layered cipher stack. Each
// AEAD layer uses its own derived key and fresh nonce; layer records travel
// with the ciphertext and are reversed in strict last-applied-first order.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/teekit/securestore/interfaces"
)

// Manager encrypts and decrypts payloads according to an EncryptionPolicy.
type Manager struct {
	keys *KeyManager
	log  *slog.Logger
}

// NewManager creates a Manager over the given key manager.
func NewManager(keys *KeyManager, log *slog.Logger) *Manager {
	return &Manager{keys: keys, log: log}
}

// Encrypt applies the policy's cipher layers innermost first and returns the
// final ciphertext with the ordered layer records needed to reverse it.
func (m *Manager) Encrypt(data []byte, policy interfaces.EncryptionPolicy) (interfaces.EncryptedData, error) {
	primary := policy.Primary
	if primary == "" {
		primary = interfaces.AlgAESGCM
	}
	if primary == interfaces.AlgFormatPreserving {
		return interfaces.EncryptedData{}, encErr(fmt.Errorf("format-preserving cannot be the primary layer"))
	}

	current := data
	var layers []interfaces.EncryptionLayer

	layer, ct, err := m.applyAEAD(primary, current)
	if err != nil {
		return interfaces.EncryptedData{}, err
	}
	current, layers = ct, append(layers, layer)

	if policy.MultiLayer {
		secondary := policy.Secondary
		if secondary == "" {
			secondary = interfaces.AlgChaCha20Poly1305
			if primary == interfaces.AlgChaCha20Poly1305 {
				secondary = interfaces.AlgAESGCM
			}
		}
		if secondary == primary {
			return interfaces.EncryptedData{}, encErr(fmt.Errorf("multi-layer requires distinct algorithms, got %s twice", primary))
		}
		layer, ct, err := m.applyAEAD(secondary, current)
		if err != nil {
			return interfaces.EncryptedData{}, err
		}
		current, layers = ct, append(layers, layer)
	}

	if policy.FormatPreserving {
		current = []byte(hex.EncodeToString(current))
		layers = append(layers, interfaces.EncryptionLayer{Algorithm: interfaces.AlgFormatPreserving})
	}

	return interfaces.EncryptedData{
		Ciphertext:  current,
		Layers:      layers,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt reverses the recorded layers in reverse order of application.
// Any tag mismatch or key resolution failure aborts with EncryptionFailure;
// no partial plaintext is returned.
func (m *Manager) Decrypt(enc interfaces.EncryptedData) ([]byte, error) {
	if len(enc.Layers) == 0 {
		return nil, encErr(fmt.Errorf("no encryption layers recorded"))
	}

	current := enc.Ciphertext
	for i := len(enc.Layers) - 1; i >= 0; i-- {
		layer := enc.Layers[i]
		switch layer.Algorithm {
		case interfaces.AlgFormatPreserving:
			decoded, err := hex.DecodeString(string(current))
			if err != nil {
				return nil, encErr(fmt.Errorf("reversing format-preserving layer: %w", err))
			}
			current = decoded
		case interfaces.AlgAESGCM, interfaces.AlgChaCha20Poly1305:
			pt, err := m.openAEAD(layer, current)
			if err != nil {
				return nil, err
			}
			current = pt
		default:
			return nil, encErr(fmt.Errorf("unknown layer algorithm %q", layer.Algorithm))
		}
	}
	return current, nil
}

func (m *Manager) applyAEAD(alg interfaces.EncryptionAlgorithm, plaintext []byte) (interfaces.EncryptionLayer, []byte, error) {
	keyID := m.keys.CurrentKeyID(alg)
	aead, err := m.aeadFor(alg, keyID)
	if err != nil {
		return interfaces.EncryptionLayer{}, nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return interfaces.EncryptionLayer{}, nil, encErr(fmt.Errorf("generating nonce: %w", err))
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)
	return interfaces.EncryptionLayer{Algorithm: alg, KeyID: keyID, Nonce: nonce}, ct, nil
}

func (m *Manager) openAEAD(layer interfaces.EncryptionLayer, ciphertext []byte) ([]byte, error) {
	aead, err := m.aeadFor(layer.Algorithm, layer.KeyID)
	if err != nil {
		return nil, err
	}
	if len(layer.Nonce) != aead.NonceSize() {
		return nil, encErr(fmt.Errorf("layer nonce has %d bytes, want %d", len(layer.Nonce), aead.NonceSize()))
	}
	pt, err := aead.Open(nil, layer.Nonce, ciphertext, nil)
	if err != nil {
		return nil, encErr(fmt.Errorf("opening %s layer: %w", layer.Algorithm, err))
	}
	return pt, nil
}

func (m *Manager) aeadFor(alg interfaces.EncryptionAlgorithm, keyID string) (cipher.AEAD, error) {
	key, err := m.keys.KeyFor(keyID)
	if err != nil {
		return nil, encErr(fmt.Errorf("resolving key %q: %w", keyID, err))
	}

	switch alg {
	case interfaces.AlgAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, encErr(err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, encErr(err)
		}
		return aead, nil
	case interfaces.AlgChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, encErr(err)
		}
		return aead, nil
	default:
		return nil, encErr(fmt.Errorf("unsupported AEAD algorithm %q", alg))
	}
}

func encErr(err error) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrEncryptionFailure, interfaces.StageEncrypt, err)
}
