package sealing

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdminKeys(t *testing.T, n int) ([]ed25519.PublicKey, []ed25519.PrivateKey) {
	t.Helper()
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pubs[i], privs[i] = pub, priv
	}
	return pubs, privs
}

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShamirSplitAndRecover(t *testing.T) {
	pubs, privs := testAdminKeys(t, 3)
	masterKey := testMasterKey(t)
	config := ShamirConfig{Threshold: 2, AdminPubKeys: pubs}

	setup, shares, err := NewShamirBootstrap(masterKey, config, discardLogger())
	require.NoError(t, err)
	require.Len(t, shares, 3)
	assert.True(t, setup.IsUnlocked())

	// Fresh start: locked until threshold shares arrive.
	recovery, err := NewShamirBootstrapRecovery(config, discardLogger())
	require.NoError(t, err)
	assert.False(t, recovery.IsUnlocked())

	_, err = recovery.MasterKey()
	require.Error(t, err)

	require.NoError(t, recovery.SubmitShare(0, shares[0], SignShare(shares[0], privs[0]), pubs[0]))
	assert.False(t, recovery.IsUnlocked())

	require.NoError(t, recovery.SubmitShare(1, shares[1], SignShare(shares[1], privs[1]), pubs[1]))
	require.True(t, recovery.IsUnlocked())

	select {
	case <-recovery.Unlocked():
	default:
		t.Fatal("unlocked channel not closed")
	}

	recovered, err := recovery.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, masterKey, recovered)
}

func TestShamirRejectsUnauthorizedAdmin(t *testing.T) {
	pubs, _ := testAdminKeys(t, 3)
	intruderPub, intruderPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	masterKey := testMasterKey(t)
	config := ShamirConfig{Threshold: 2, AdminPubKeys: pubs}

	_, shares, err := NewShamirBootstrap(masterKey, config, discardLogger())
	require.NoError(t, err)

	recovery, err := NewShamirBootstrapRecovery(config, discardLogger())
	require.NoError(t, err)

	err = recovery.SubmitShare(0, shares[0], SignShare(shares[0], intruderPriv), intruderPub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestShamirRejectsBadSignature(t *testing.T) {
	pubs, privs := testAdminKeys(t, 3)
	masterKey := testMasterKey(t)
	config := ShamirConfig{Threshold: 2, AdminPubKeys: pubs}

	_, shares, err := NewShamirBootstrap(masterKey, config, discardLogger())
	require.NoError(t, err)

	recovery, err := NewShamirBootstrapRecovery(config, discardLogger())
	require.NoError(t, err)

	// Signature by admin 1 over share 0 does not verify under admin 0's key.
	err = recovery.SubmitShare(0, shares[0], SignShare(shares[0], privs[1]), pubs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestShamirConfigValidation(t *testing.T) {
	pubs, _ := testAdminKeys(t, 2)

	_, err := NewShamirBootstrapRecovery(ShamirConfig{Threshold: 1, AdminPubKeys: pubs}, discardLogger())
	require.Error(t, err)

	_, err = NewShamirBootstrapRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: pubs}, discardLogger())
	require.Error(t, err)

	_, _, err = NewShamirBootstrap([]byte("short"), ShamirConfig{Threshold: 2, AdminPubKeys: pubs}, discardLogger())
	require.Error(t, err)
}
