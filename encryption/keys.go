package encryption

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teekit/securestore/cryptoutils"
	"github.com/teekit/securestore/interfaces"
)

// DefaultRetirementGrace is how long a retired key generation keeps
// decrypting existing data after rotation. New writes use the current
// generation immediately.
const DefaultRetirementGrace = 30 * 24 * time.Hour

// KeyManager derives per-algorithm, per-generation data keys from the
// encryption subkey. Keys are addressed by id and re-derived on demand; only
// the subkey is held in memory.
type KeyManager struct {
	mu         sync.RWMutex
	subkey     []byte
	generation uint64
	retiredAt  map[uint64]time.Time
	grace      time.Duration
	log        *slog.Logger
}

// NewKeyManager creates a KeyManager over the 32-byte encryption subkey.
func NewKeyManager(subkey []byte, log *slog.Logger) (*KeyManager, error) {
	if len(subkey) != 32 {
		return nil, fmt.Errorf("encryption subkey must be 32 bytes, got %d", len(subkey))
	}
	cp := make([]byte, len(subkey))
	copy(cp, subkey)
	return &KeyManager{
		subkey:    cp,
		retiredAt: make(map[uint64]time.Time),
		grace:     DefaultRetirementGrace,
		log:       log,
	}, nil
}

// CurrentKeyID returns the id new writes use for the given algorithm.
func (km *KeyManager) CurrentKeyID(alg interfaces.EncryptionAlgorithm) string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return keyID(alg, km.generation)
}

// KeyFor re-derives the 32-byte key for an id. Retired generations keep
// resolving until their grace period expires, then fail closed.
func (km *KeyManager) KeyFor(id string) ([]byte, error) {
	alg, gen, err := parseKeyID(id)
	if err != nil {
		return nil, err
	}

	km.mu.RLock()
	defer km.mu.RUnlock()

	if gen > km.generation {
		return nil, fmt.Errorf("key id %q references a future generation", id)
	}
	if retired, ok := km.retiredAt[gen]; ok && time.Since(retired) > km.grace {
		return nil, fmt.Errorf("key generation %d retired beyond grace period", gen)
	}

	return cryptoutils.HKDFSHA256(km.subkey, nil, []byte(string(alg)+"/"+id))
}

// Rotate retires the current generation and makes the next one current.
// Existing data stays decryptable for the grace period; callers are expected
// to re-encrypt before it lapses.
func (km *KeyManager) Rotate() uint64 {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.retiredAt[km.generation] = time.Now().UTC()
	km.generation++
	km.log.Info("Rotated encryption key generation", "generation", km.generation)
	return km.generation
}

// Generation returns the current key generation.
func (km *KeyManager) Generation() uint64 {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.generation
}

func keyID(alg interfaces.EncryptionAlgorithm, gen uint64) string {
	return fmt.Sprintf("%s-g%d", alg, gen)
}

func parseKeyID(id string) (interfaces.EncryptionAlgorithm, uint64, error) {
	var gen uint64
	for _, alg := range []interfaces.EncryptionAlgorithm{interfaces.AlgAESGCM, interfaces.AlgChaCha20Poly1305} {
		prefix := string(alg) + "-g"
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			if _, err := fmt.Sscanf(id[len(prefix):], "%d", &gen); err != nil {
				return "", 0, fmt.Errorf("malformed key id %q", id)
			}
			return alg, gen, nil
		}
	}
	return "", 0, fmt.Errorf("unknown key id %q", id)
}
