package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/teekit/securestore/interfaces"
)

// VaultBackend stores blobs in HashiCorp Vault's KV v2 engine. Blob bytes
// are base64-encoded inside the secret payload since Vault stores JSON.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend. The token may be empty when the
// environment provides one (VAULT_TOKEN).
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(address, "https://"), mountPath, dataPath),
	}, nil
}

// Store writes data under the location hint.
func (b *VaultBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"blob": base64.StdEncoding.EncodeToString(data),
		},
	}

	_, err := b.client.Logical().WriteWithContext(ctx, b.secretPath(locationHint), payload)
	if err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("writing vault secret: %w", err))
	}

	b.log.Debug("Stored blob to vault", "handle", locationHint, "size", len(data))
	return interfaces.StorageLocation{BackendURI: b.locationURI, Handle: locationHint}, nil
}

// Load reads the blob at a location.
func (b *VaultBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, b.secretPath(loc.Handle))
	if err != nil {
		return nil, backendErr(fmt.Errorf("reading vault secret: %w", err))
	}
	if secret == nil || secret.Data == nil {
		return nil, notFoundErr(loc.Handle)
	}

	// KV v2 nests the payload under "data".
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, notFoundErr(loc.Handle)
	}
	encoded, ok := inner["blob"].(string)
	if !ok {
		return nil, backendErr(fmt.Errorf("vault secret at %q has no blob field", loc.Handle))
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, backendErr(fmt.Errorf("decoding vault blob: %w", err))
	}
	return data, nil
}

// Overwrite replaces the blob at a location. KV v2 writes create a new
// version; older versions are destroyed so no plaintext-era blob survives.
func (b *VaultBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	if _, err := b.Load(ctx, loc); err != nil {
		return err
	}
	if _, err := b.Store(ctx, loc.Handle, data); err != nil {
		return err
	}

	// Best effort: drop prior versions of the secret.
	destroyPath := fmt.Sprintf("%s/destroy/%s/%s", b.mountPath, b.dataPath, loc.Handle)
	if _, err := b.client.Logical().WriteWithContext(ctx, destroyPath, map[string]interface{}{"versions": []int{1, 2, 3, 4, 5}}); err != nil {
		b.log.Warn("Could not destroy prior vault secret versions", "handle", loc.Handle, "err", err)
	}
	return nil
}

// Delete removes the secret and all its versions.
func (b *VaultBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	metaPath := fmt.Sprintf("%s/metadata/%s/%s", b.mountPath, b.dataPath, loc.Handle)
	_, err := b.client.Logical().DeleteWithContext(ctx, metaPath)
	if err != nil {
		return backendErr(fmt.Errorf("deleting vault secret: %w", err))
	}
	return nil
}

// Available checks the Vault health endpoint.
func (b *VaultBackend) Available(ctx context.Context) bool {
	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns the backend identifier for logging.
func (b *VaultBackend) Name() string {
	return "vault"
}

// LocationURI returns the URI identifying this backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(handle string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, handle)
}
