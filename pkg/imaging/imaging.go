// Package imaging verifies that fetched payloads are decodable images.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmpty is returned for an empty payload.
	ErrEmpty = errors.New("empty payload")

	// ErrNotImage is returned when the payload is not a supported image.
	ErrNotImage = errors.New("payload is not a supported image")
)

// Info describes a decoded image header.
type Info struct {
	Format      string
	Width       int
	Height      int
	ContentType string
	Size        int
}

// Inspect decodes the image header of data without decoding pixels.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrNotImage, cfg.Width, cfg.Height)
	}

	return Info{
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		ContentType: http.DetectContentType(data),
		Size:        len(data),
	}, nil
}
