package vision

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/rs/zerolog/log"
)

// Cache persists annotations by image hash. Get returns nil, nil on a miss.
type Cache interface {
	GetAnnotation(ctx context.Context, imageHash string) (*AnnotationResult, error)
	SetAnnotation(ctx context.Context, imageHash string, result *AnnotationResult) error
}

// CachedAnnotator wraps an Annotator with a Cache.
type CachedAnnotator struct {
	inner Annotator
	cache Cache
}

// NewCachedAnnotator creates a cached annotator. A nil cache disables caching.
func NewCachedAnnotator(inner Annotator, cache Cache) *CachedAnnotator {
	return &CachedAnnotator{inner: inner, cache: cache}
}

// HashImage returns the cache key for image bytes. The length prefix keeps
// the key format shared with multi-image hashing.
func HashImage(data []byte) string {
	h := sha256.New()
	binary.Write(h, binary.LittleEndian, int64(len(data)))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Annotate implements Annotator with caching.
func (c *CachedAnnotator) Annotate(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error) {
	hash := HashImage(imageData)

	if c.cache != nil {
		cached, err := c.cache.GetAnnotation(ctx, hash)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check annotation cache")
		} else if cached != nil {
			log.Debug().Str("hash", hash[:16]).Msg("annotation cache hit")
			return cached, nil
		}
	}

	return c.annotateAndStore(ctx, hash, imageData, mimeType)
}

// AnnotateFresh skips the cache read and overwrites the entry.
func (c *CachedAnnotator) AnnotateFresh(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error) {
	return c.annotateAndStore(ctx, HashImage(imageData), imageData, mimeType)
}

func (c *CachedAnnotator) annotateAndStore(ctx context.Context, hash string, imageData []byte, mimeType string) (*AnnotationResult, error) {
	result, err := c.inner.Annotate(ctx, imageData, mimeType)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && result != nil {
		if err := c.cache.SetAnnotation(ctx, hash, result); err != nil {
			log.Warn().Err(err).Msg("failed to cache annotation")
		} else {
			log.Debug().Str("hash", hash[:16]).Msg("cached annotation")
		}
	}

	return result, nil
}

// Fresh calls AnnotateFresh when a supports it and Annotate otherwise.
func Fresh(ctx context.Context, a Annotator, imageData []byte, mimeType string) (*AnnotationResult, error) {
	if r, ok := a.(Refresher); ok {
		return r.AnnotateFresh(ctx, imageData, mimeType)
	}
	return a.Annotate(ctx, imageData, mimeType)
}
