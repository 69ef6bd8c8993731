package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/teekit/securestore/interfaces"
)

// Factory creates storage backends from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a storage backend from a location URI. The URI format
// is [scheme]://[auth@]host[:port][/path][?params].
//
// Supported schemes:
//   - file:///var/lib/securestore
//   - badger:///var/lib/securestore/blobs
//   - s3://bucket/prefix?region=us-east-1&endpoint=...&access_key=...&secret_key=...
//   - vault://host:8200/mount/path?token=...&tls=false
//   - ipfs://host:5001
func (f *Factory) BackendFor(locationURI string) (interfaces.StorageBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid location URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileBackend(u.Host+u.Path, f.log)
	case "badger":
		return NewBadgerBackend(u.Host+u.Path, f.log)
	case "s3":
		return f.createS3Backend(u)
	case "vault":
		return f.createVaultBackend(u)
	case "ipfs":
		return f.createIPFSBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// MultiBackendFor creates a multi-backend from several location URIs.
// Backends that fail to construct are skipped with a warning; at least one
// must succeed.
func (f *Factory) MultiBackendFor(locationURIs []string) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("Could not create storage backend", "uri", uri, "err", err)
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiBackend(backends, f.log), nil
}

func (f *Factory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 URI missing bucket name")
	}

	params := u.Query()
	region := params.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Backend(
		bucket,
		strings.TrimPrefix(u.Path, "/"),
		region,
		params.Get("endpoint"),
		params.Get("access_key"),
		params.Get("secret_key"),
		f.log,
	)
}

func (f *Factory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("vault URI missing host")
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("vault URI path must be /mount/path, got %q", u.Path)
	}

	params := u.Query()
	scheme := "https"
	if params.Get("tls") == "false" {
		scheme = "http"
	}

	return NewVaultBackend(
		fmt.Sprintf("%s://%s", scheme, u.Host),
		parts[0],
		parts[1],
		params.Get("token"),
		f.log,
	)
}

func (f *Factory) createIPFSBackend(u *url.URL) (interfaces.StorageBackend, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("ipfs URI missing host")
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSBackend(host, port, f.log)
}
