// Package loader reads the image a run operates on from a file, a folder or a URL.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDownloadTimeout is the default timeout for image downloads
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultMaxImageSize is the default maximum image size (10MB)
	DefaultMaxImageSize = 10 * 1024 * 1024
)

// ErrNoImages is returned for folders without a supported image.
var ErrNoImages = errors.New("no images found")

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// Image is a loaded image.
type Image struct {
	Data     []byte
	Filename string
	MIMEType string
	Source   string
}

// Loader loads images with a size limit.
type Loader struct {
	httpClient *resty.Client
	maxSize    int64
}

// New creates a Loader with default settings.
func New() *Loader {
	return &Loader{
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(DefaultDownloadTimeout).
			SetDoNotParseResponse(true),
		maxSize: DefaultMaxImageSize,
	}
}

// WithTimeout sets a custom timeout for downloads.
func (l *Loader) WithTimeout(timeout time.Duration) *Loader {
	l.httpClient.SetTimeout(timeout)
	return l
}

// WithMaxSize sets a custom maximum file size.
func (l *Loader) WithMaxSize(maxSize int64) *Loader {
	l.maxSize = maxSize
	return l
}

// IsURL reports whether source should be downloaded.
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Load reads source. Folders yield their first image by name.
func (l *Loader) Load(ctx context.Context, source string) (*Image, error) {
	log.Info().Str("source", source).Msg("loading image")

	if IsURL(source) {
		return l.LoadURL(ctx, source)
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	file := source
	if info.IsDir() {
		images, err := ListImages(source)
		if err != nil {
			return nil, err
		}
		file = images[0]
	}
	return l.LoadFile(file)
}

// LoadFile reads a single image file.
func (l *Loader) LoadFile(file string) (*Image, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := l.readLimited(f)
	if err != nil {
		return nil, err
	}

	return &Image{
		Data:     data,
		Filename: filepath.Base(file),
		MIMEType: mimeTypeFor(file, data),
		Source:   file,
	}, nil
}

// LoadURL downloads an image. The response must have an image content type.
func (l *Loader) LoadURL(ctx context.Context, imageURL string) (*Image, error) {
	res, err := l.httpClient.R().SetContext(ctx).Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("download failed: status %d", res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}

	if res.RawResponse.ContentLength > l.maxSize {
		return nil, fmt.Errorf("image too large: %d bytes exceeds limit of %d bytes", res.RawResponse.ContentLength, l.maxSize)
	}

	data, err := l.readLimited(body)
	if err != nil {
		return nil, err
	}

	mimeType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mimeType = mt
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &Image{
		Data:     data,
		Filename: urlFilename(imageURL),
		MIMEType: mimeType,
		Source:   imageURL,
	}, nil
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	// Read one byte past the limit to detect oversized input
	data, err := io.ReadAll(io.LimitReader(r, l.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, fmt.Errorf("image too large: exceeds limit of %d bytes", l.maxSize)
	}
	return data, nil
}

// ListImages returns the supported images in dir sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}

	sort.Strings(images)
	return images, nil
}

func mimeTypeFor(file string, data []byte) string {
	if mt, ok := imageExtensions[strings.ToLower(filepath.Ext(file))]; ok {
		return mt
	}
	return http.DetectContentType(data)
}

func urlFilename(imageURL string) string {
	u, err := url.Parse(imageURL)
	if err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "download"
}
