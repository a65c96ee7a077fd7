// Package audit keeps a copy of every scanned image for later review.
package audit

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrEmptyKey indicates an empty object key.
	ErrEmptyKey = errors.New("audit key is empty")
	// ErrInvalidKey indicates a key that would escape the audit prefix.
	ErrInvalidKey = errors.New("audit key contains invalid path segments")
)

const keyPrefix = "audit/"

// Uploader stores an image and returns where it was stored.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (location string, err error)
}

// Key returns the object key for a filename.
func Key(filename string) string {
	return keyPrefix + path.Base(strings.ReplaceAll(filename, "\\", "/"))
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}
