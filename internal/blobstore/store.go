// Package blobstore provides the key/value object storage used for package
// archives and deployment status records.
package blobstore

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("blobstore: not found")

// Object describes a stored blob as returned by List.
type Object struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
}

// Store is a flat key/value object store scoped to a single container.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	EnsureContainer(ctx context.Context) error
}

// ContentType guesses a MIME type for key from its extension.
func ContentType(key string) string {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	}
	if ct := mime.TypeByExtension(path.Ext(lower)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("blobstore: key required")
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return errors.New("blobstore: invalid key")
	}
	return nil
}
