package library

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // micrograph decoders
	_ "image/png"
	"io"

	_ "golang.org/x/image/tiff" // microscopes commonly export TIFF

	"mezocore/pkg/domain"
)

// DecodeImage decodes a micrograph (PNG, JPEG, or TIFF) into the engine's
// pixel representation. The source format name is returned so callers can
// record a content type.
func DecodeImage(r io.Reader) (domain.Image, string, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return domain.Image{}, "", fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return domain.Image{}, "", fmt.Errorf("empty image %dx%d", bounds.Dx(), bounds.Dy())
	}
	pix := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(pix, pix.Bounds(), src, bounds.Min, draw.Src)
	return domain.Image{Width: bounds.Dx(), Height: bounds.Dy(), Pix: pix}, format, nil
}

// contentTypeForFormat maps an image format name to its MIME type.
func contentTypeForFormat(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
