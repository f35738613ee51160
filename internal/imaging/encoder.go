package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // decoder registration
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // decoder registration
	_ "golang.org/x/image/tiff" // decoder registration
	_ "golang.org/x/image/webp" // decoder registration
)

// Encoder measures and rescales encoded images.
type Encoder interface {
	// Width returns the intrinsic pixel width of an encoded image.
	Width(data []byte) (int, error)

	// Resize scales the image to width, preserving aspect ratio, and
	// re-encodes it. It returns the new bytes and their media type.
	Resize(data []byte, width, quality int) ([]byte, string, error)
}

var errZeroSize = errors.New("image has zero size")

// StdEncoder decodes every format registered with package image (PNG, JPEG,
// GIF, WebP, BMP, TIFF) and scales with Catmull-Rom. PNG input stays PNG;
// everything else is written as JPEG.
type StdEncoder struct{}

// Width implements Encoder using only the image header.
func (StdEncoder) Width(data []byte) (int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, nil
}

// Resize implements Encoder.
func (StdEncoder) Resize(data []byte, width, quality int) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", errZeroSize
	}
	height := max(1, (b.Dy()*width+b.Dx()/2)/b.Dx())

	var out bytes.Buffer
	if format == "png" {
		dst := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&out, dst); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return out.Bytes(), "image/png", nil
	}

	// JPEG has no alpha channel: flatten onto white first.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), "image/jpeg", nil
}
