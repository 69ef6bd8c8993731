package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/teekit/securestore/interfaces"
)

// Registered KDF names.
const (
	KDFHKDFSHA256 = "hkdf-sha256"
	KDFArgon2id   = "argon2id"
)

// KDFRegistry maps names to key derivation functions. Sealing policies
// reference functions by name; resolution of an unknown name fails closed.
type KDFRegistry struct {
	mu    sync.RWMutex
	funcs map[string]interfaces.KeyDerivationFunc
}

// NewKDFRegistry creates a registry preloaded with the built-in functions.
func NewKDFRegistry() *KDFRegistry {
	r := &KDFRegistry{funcs: make(map[string]interfaces.KeyDerivationFunc)}
	r.Register(KDFHKDFSHA256, HKDFSHA256)
	r.Register(KDFArgon2id, Argon2id)
	return r
}

// Register adds or replaces a named derivation function.
func (r *KDFRegistry) Register(name string, fn interfaces.KeyDerivationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Resolve returns the function registered under name.
func (r *KDFRegistry) Resolve(name string) (interfaces.KeyDerivationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("unknown key derivation function: %q", name)
	}
	return fn, nil
}

// HKDFSHA256 derives 32 bytes via HKDF-SHA256.
func HKDFSHA256(keyMaterial, salt, info []byte) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Argon2id derives 32 bytes via Argon2id with time=1, memory=64MiB,
// threads=4. The info parameter is folded into the salt.
func Argon2id(keyMaterial, salt, info []byte) ([]byte, error) {
	fullSalt := make([]byte, 0, len(salt)+len(info))
	fullSalt = append(fullSalt, salt...)
	fullSalt = append(fullSalt, info...)
	return argon2.IDKey(keyMaterial, fullSalt, 1, 64*1024, 4, 32), nil
}

// DeriveSubKey derives a purpose-scoped 32-byte subkey from the master key.
// The engine uses separate subkeys for sealing, encryption, and integrity so
// compromise of one does not expose the others.
func DeriveSubKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes")
	}
	return HKDFSHA256(masterKey, nil, []byte("securestore/"+purpose))
}

// WipeBytes zeroes key material in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
