package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// DirUploader writes audit copies below a local directory.
type DirUploader struct {
	root string
}

// NewDirUploader creates an uploader rooted at dir.
func NewDirUploader(dir string) *DirUploader {
	return &DirUploader{root: dir}
}

func (d *DirUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := filepath.Abs(filepath.Join(d.root, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve audit path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create audit directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write audit file: %w", err)
	}

	log.Info().Str("location", path).Int("size", len(data)).Msg("audit copy stored")
	return path, nil
}
