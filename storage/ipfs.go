package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/teekit/securestore/interfaces"
)

// IPFSBackend stores blobs on an IPFS node. IPFS is content-addressed: the
// handle is the CID of the stored bytes, so every store of new content
// yields a new handle and in-place overwrite is impossible.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS backend connected to the node API at
// host:port.
func NewIPFSBackend(host, port string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s", apiURL),
	}, nil
}

// Store adds and pins data. The location hint is ignored; the handle is the
// content CID.
func (b *IPFSBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	if !b.shell.IsUp() {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("ipfs node %s:%s unavailable", b.host, b.port))
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("adding content: %w", err))
	}

	b.log.Debug("Stored blob to IPFS", "cid", cid, "size", len(data))
	return interfaces.StorageLocation{BackendURI: b.locationURI, Handle: cid}, nil
}

// Load retrieves the blob by its CID.
func (b *IPFSBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, backendErr(fmt.Errorf("ipfs node %s:%s unavailable", b.host, b.port))
	}

	reader, err := b.shell.Cat(loc.Handle)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") || strings.Contains(err.Error(), "invalid path") {
			return nil, notFoundErr(loc.Handle)
		}
		return nil, backendErr(fmt.Errorf("fetching content: %w", err))
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Overwrite is not possible on a content-addressed store; callers treat
// zero-fill as best effort and fall through to Delete.
func (b *IPFSBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	return backendErr(fmt.Errorf("ipfs is content-addressed, in-place overwrite unsupported"))
}

// Delete unpins the content, releasing it for garbage collection. Other
// nodes may still hold copies; IPFS offers no hard delete.
func (b *IPFSBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	if !b.shell.IsUp() {
		return backendErr(fmt.Errorf("ipfs node %s:%s unavailable", b.host, b.port))
	}
	if err := b.shell.Unpin(loc.Handle); err != nil {
		return backendErr(fmt.Errorf("unpinning content: %w", err))
	}
	return nil
}

// Available checks if the node responds.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns the backend identifier for logging.
func (b *IPFSBackend) Name() string {
	return "ipfs"
}

// LocationURI returns the URI identifying this backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
