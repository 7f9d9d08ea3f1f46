// Package objectstore keeps export artifacts and migrated files in a blob store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store. Keys use forward slashes.
type Store interface {
	// Put writes size bytes from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the object under key and returns its size.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// cleanKey rejects keys that would leave the store's namespace.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", errors.New("objectstore: invalid key " + key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("objectstore: invalid key " + key)
	}
	return cleaned, nil
}

// Open builds the store named kind: "local" rooted at localPath, or "s3".
func Open(ctx context.Context, kind, localPath string, s3 S3Options) (Store, error) {
	switch kind {
	case "", "local":
		return NewLocal(localPath)
	case "s3":
		return NewS3(ctx, s3)
	default:
		return nil, fmt.Errorf("objectstore: unknown backend %q", kind)
	}
}
