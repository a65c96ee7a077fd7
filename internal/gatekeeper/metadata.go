// Package gatekeeper scores product images against a policy and decides
// whether they may continue to marketing-content generation.
package gatekeeper

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	// Registered decoders. Only headers are read.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Color mode names.
const (
	ModeRGB     = "RGB"
	ModeRGBA    = "RGBA"
	ModeL       = "L"
	ModeLA      = "LA"
	ModeP       = "P"
	ModeCMYK    = "CMYK"
	ModeI16     = "I;16"
	ModeA       = "A"
	ModeUnknown = "unknown"
)

// ImageMetadata is what the scorer needs to know about an image.
type ImageMetadata struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	ColorMode string `json:"color_mode"`
	Format    string `json:"format,omitempty"`
}

// ImageDecodeError reports image bytes that could not be read.
type ImageDecodeError struct {
	Err error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

// DecodeMetadata reads the image header.
func DecodeMetadata(data []byte) (ImageMetadata, error) {
	if len(data) == 0 {
		return ImageMetadata{}, &ImageDecodeError{Err: fmt.Errorf("empty image data")}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageMetadata{}, &ImageDecodeError{Err: err}
	}

	mode := colorModeName(cfg.ColorModel)
	if format == "png" && isGrayAlphaPNG(data) {
		mode = ModeLA
	}

	return ImageMetadata{
		Width:     cfg.Width,
		Height:    cfg.Height,
		ColorMode: mode,
		Format:    format,
	}, nil
}

// pngColorTypeOffset is the IHDR color type byte: 8 signature bytes, the
// chunk length and type, then width, height and bit depth.
const (
	pngColorTypeOffset = 25
	pngGrayAlpha       = 4
)

// isGrayAlphaPNG reports whether the IHDR color type is gray+alpha. The png
// decoder widens those images to NRGBA, which would otherwise be reported
// as RGBA.
func isGrayAlphaPNG(data []byte) bool {
	return len(data) > pngColorTypeOffset && data[pngColorTypeOffset] == pngGrayAlpha
}

// colorModeName maps a decoder color model to a mode name. Opaque
// truecolor PNG decodes as RGBAModel and is reported as RGB; PNGs with an
// alpha channel decode as NRGBA and are reported as RGBA.
func colorModeName(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return ModeP
	}

	switch m {
	case color.YCbCrModel, color.RGBAModel, color.RGBA64Model:
		return ModeRGB
	case color.NRGBAModel, color.NRGBA64Model, color.NYCbCrAModel:
		return ModeRGBA
	case color.GrayModel:
		return ModeL
	case color.Gray16Model:
		return ModeI16
	case color.CMYKModel:
		return ModeCMYK
	case color.AlphaModel, color.Alpha16Model:
		return ModeA
	}
	return ModeUnknown
}

func isGoodColorMode(mode string) bool {
	return mode == ModeRGB || mode == ModeRGBA
}
