package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - memory:// - In-process storage, lost on restart
//   - file:// - Local filesystem storage
//   - sqlite:// - Local SQLite database
//   - vault:// - HashiCorp Vault KV v2
//   - s3:// - Amazon S3 or compatible object storage
func (sf *StorageBackendFactory) StorageBackendFor(uri string) (interfaces.KVStore, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return sf.createFileBackend(loc)
	case "sqlite":
		return sf.createSQLiteBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(uris []string) (interfaces.KVStore, error) {
	backends := make([]interfaces.KVStore, 0, len(uris))

	for _, uri := range uris {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri))
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

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.KVStore, error) {
	path := localPath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileBackend(path, sf.log)
}

// createSQLiteBackend handles sqlite:///path/to/db and sqlite://./relative.db.
func (sf *StorageBackendFactory) createSQLiteBackend(loc interfaces.StorageBackendLocation) (interfaces.KVStore, error) {
	path := localPath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in sqlite URI %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewSQLiteBackend(path, sf.log)
}

// createVaultBackend handles vault://host:port/mount/path?token=...&tls=false.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.KVStore, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if loc.Host == "" || len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, loc)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), parts[0], parts[1], loc.GetParam("token"), sf.log)
}

// createS3Backend handles s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.KVStore, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, loc)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

func localPath(loc interfaces.StorageBackendLocation) string {
	if loc.Host == "" {
		return loc.Path
	}
	if loc.Path == "" {
		return loc.Host
	}
	return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
}
