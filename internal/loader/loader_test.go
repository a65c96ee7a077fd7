package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0644))
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "juice.JPG")

	img, err := New().Load(context.Background(), filepath.Join(dir, "juice.JPG"))
	require.NoError(t, err)
	assert.Equal(t, "juice.JPG", img.Filename)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, []byte("juice.JPG"), img.Data)
}

func TestLoad_FolderPicksFirstByName(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "c.png", "notes.txt", "b.jpeg", "d.jpg")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a.png"), 0755))

	img, err := New().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "b.jpeg", img.Filename)
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "z.png", "a.jpg", "m.gif", "k.PNG")

	images, err := ListImages(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range images {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"a.jpg", "k.PNG", "z.png"}, names)
}

func TestLoad_EmptyFolder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "readme.md")

	_, err := New().Load(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestLoad_Missing(t *testing.T) {
	_, err := New().Load(context.Background(), filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.png"), []byte(strings.Repeat("x", 11)), 0644))

	_, err := New().WithMaxSize(10).Load(context.Background(), filepath.Join(dir, "big.png"))
	assert.ErrorContains(t, err, "image too large")
}

func TestLoadURL_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngMagic)
	}))
	defer ts.Close()

	img, err := New().Load(context.Background(), ts.URL+"/products/juice.png?size=large")
	require.NoError(t, err)
	assert.Equal(t, pngMagic, img.Data)
	assert.Equal(t, "juice.png", img.Filename)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestLoadURL_InvalidContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer ts.Close()

	_, err := New().LoadURL(context.Background(), ts.URL)
	assert.ErrorContains(t, err, "invalid content type")
}

func TestLoadURL_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := New().LoadURL(context.Background(), ts.URL+"/x.png")
	assert.ErrorContains(t, err, "status 404")
}

func TestLoadURL_TooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer ts.Close()

	_, err := New().WithMaxSize(50).LoadURL(context.Background(), ts.URL)
	assert.ErrorContains(t, err, "image too large")
}

func TestURLFilename(t *testing.T) {
	assert.Equal(t, "a.jpg", urlFilename("https://example.com/x/a.jpg"))
	assert.Equal(t, "download", urlFilename("https://example.com/"))
	assert.Equal(t, "download", urlFilename("https://example.com"))
}
