// Package blob reads and writes trace bytes by URL scheme. Local paths are
// plain files; "<scheme>://<rest>" URLs dispatch to a transport-specific
// store (http, https, s3). Anything else is an unknown transport.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownTransport reports a URL scheme with no registered store.
var ErrUnknownTransport = errors.New("unknown transport")

// Store moves opaque byte blobs to and from one transport.
type Store interface {
	// Read fetches the blob at path (scheme included).
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, creating intermediate containers as needed.
	Write(ctx context.Context, path string, data []byte) error
}

// IsRemote reports whether the path names a remote location rather than a
// local file.
func IsRemote(path string) bool {
	return strings.Contains(path, "://")
}

// Scheme extracts the transport prefix of a remote path, "" for local ones.
func Scheme(path string) string {
	scheme, _, found := strings.Cut(path, "://")
	if !found {
		return ""
	}
	return strings.ToLower(scheme)
}

// ForPath picks the store serving the given path. Local paths get the
// filesystem store.
func ForPath(path string) (Store, error) {
	switch Scheme(path) {
	case "":
		return fsStore{}, nil
	case "http", "https":
		return httpStore{}, nil
	case "s3":
		return newS3Store(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, Scheme(path))
	}
}

// Read is the package-level convenience over ForPath + Store.Read.
func Read(ctx context.Context, path string) ([]byte, error) {
	store, err := ForPath(path)
	if err != nil {
		return nil, err
	}
	return store.Read(ctx, path)
}

// Write is the package-level convenience over ForPath + Store.Write.
func Write(ctx context.Context, path string, data []byte) error {
	store, err := ForPath(path)
	if err != nil {
		return err
	}
	return store.Write(ctx, path, data)
}

// fsStore serves plain local paths.
type fsStore struct{}

func (fsStore) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading local trace %s: %w", path, err)
	}
	return data, nil
}

func (fsStore) Write(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
