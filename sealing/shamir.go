package sealing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/vault/shamir"

	"github.com/teekit/securestore/cryptoutils"
)

// ShamirBootstrap manages the master key through Shamir Secret Sharing. The
// master key is split into shares distributed to administrators; it is never
// written to persistent storage. On restart the engine stays locked until a
// threshold of valid, signed shares has been submitted.
type ShamirBootstrap struct {
	mu             sync.RWMutex
	masterKey      []byte
	unlocked       bool
	threshold      int
	receivedShares map[int][]byte
	adminPubKeys   map[string]ed25519.PublicKey
	done           chan struct{}
	log            *slog.Logger
}

// ShamirConfig configures a ShamirBootstrap.
type ShamirConfig struct {
	// Threshold is the minimum number of shares needed to reconstruct the
	// master key. Must be at least 2.
	Threshold int

	// AdminPubKeys are the ed25519 public keys of administrators authorized
	// to submit shares. One share is issued per key.
	AdminPubKeys []ed25519.PublicKey
}

func (c ShamirConfig) validate() error {
	if c.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if len(c.AdminPubKeys) < c.Threshold {
		return errors.New("admin key count must be at least the threshold")
	}
	for i, pk := range c.AdminPubKeys {
		if len(pk) != ed25519.PublicKeySize {
			return fmt.Errorf("admin pubkey %d has invalid size %d", i, len(pk))
		}
	}
	return nil
}

// NewShamirBootstrap splits masterKey into one share per admin key and
// returns the bootstrap in unlocked state. The caller must distribute the
// shares and securely erase the original master key.
func NewShamirBootstrap(masterKey []byte, config ShamirConfig, log *slog.Logger) (*ShamirBootstrap, [][]byte, error) {
	if len(masterKey) < 32 {
		return nil, nil, errors.New("master key must be at least 32 bytes")
	}
	if err := config.validate(); err != nil {
		return nil, nil, err
	}

	shares, err := shamir.Split(masterKey, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("splitting master key: %w", err)
	}

	b := newBootstrap(config, log)
	b.masterKey = append([]byte(nil), masterKey...)
	b.unlocked = true
	close(b.done)
	return b, shares, nil
}

// NewShamirBootstrapRecovery creates a locked bootstrap that waits for
// shares. Used on every start after the initial setup.
func NewShamirBootstrapRecovery(config ShamirConfig, log *slog.Logger) (*ShamirBootstrap, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return newBootstrap(config, log), nil
}

func newBootstrap(config ShamirConfig, log *slog.Logger) *ShamirBootstrap {
	b := &ShamirBootstrap{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string]ed25519.PublicKey),
		done:           make(chan struct{}),
		log:            log,
	}
	for _, pk := range config.AdminPubKeys {
		b.adminPubKeys[pubKeyFingerprint(pk)] = pk
	}
	return b
}

// SubmitShare accepts one signed share from an administrator. The signature
// must cover the share bytes and verify against a registered admin key. When
// the threshold is reached the master key is reconstructed and the bootstrap
// unlocks.
func (b *ShamirBootstrap) SubmitShare(shareIndex int, share, signature []byte, adminPubKey ed25519.PublicKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unlocked {
		return errors.New("already unlocked")
	}

	registered, ok := b.adminPubKeys[pubKeyFingerprint(adminPubKey)]
	if !ok {
		return errors.New("admin public key not authorized")
	}
	if !ed25519.Verify(registered, share, signature) {
		return errors.New("share signature verification failed")
	}

	if existing, ok := b.receivedShares[shareIndex]; ok {
		cryptoutils.WipeBytes(existing)
	}
	b.receivedShares[shareIndex] = append([]byte(nil), share...)
	b.log.Info("Accepted key share", "index", shareIndex, "received", len(b.receivedShares), "threshold", b.threshold)

	if len(b.receivedShares) >= b.threshold {
		return b.tryReconstruct()
	}
	return nil
}

// tryReconstruct combines the received shares. Called with the lock held.
func (b *ShamirBootstrap) tryReconstruct() error {
	shares := make([][]byte, 0, len(b.receivedShares))
	for _, s := range b.receivedShares {
		shares = append(shares, s)
	}

	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("combining shares: %w", err)
	}
	if len(masterKey) < 32 {
		cryptoutils.WipeBytes(masterKey)
		return errors.New("reconstructed key has invalid size")
	}

	b.masterKey = masterKey
	b.unlocked = true
	close(b.done)

	for _, s := range b.receivedShares {
		cryptoutils.WipeBytes(s)
	}
	b.receivedShares = make(map[int][]byte)

	b.log.Info("Master key reconstructed, storage unlocked")
	return nil
}

// IsUnlocked reports whether the master key is available.
func (b *ShamirBootstrap) IsUnlocked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unlocked
}

// Unlocked returns a channel closed once the master key is available.
func (b *ShamirBootstrap) Unlocked() <-chan struct{} {
	return b.done
}

// MasterKey returns the reconstructed master key. Fails while locked.
func (b *ShamirBootstrap) MasterKey() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.unlocked {
		return nil, errors.New("master key not yet reconstructed")
	}
	return append([]byte(nil), b.masterKey...), nil
}

// SignShare signs a share for submission. Used by the admin tooling.
func SignShare(share []byte, privateKey ed25519.PrivateKey) []byte {
	return ed25519.Sign(privateKey, share)
}

func pubKeyFingerprint(pk ed25519.PublicKey) string {
	sum := sha256.Sum256(pk)
	return hex.EncodeToString(sum[:])
}
