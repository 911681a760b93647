// Package imaging recompresses raw PNG screenshots into the requested encoding.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// DefaultQuality is the lossy encoder quality used when none is configured.
const DefaultQuality = 85

// ErrUnsupportedFormat is returned for encodings the processor cannot produce.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Processor implements capture.Compressor. Encoding is deterministic: the same
// input and quality always produce the same bytes.
type Processor struct {
	quality int
}

var _ capture.Compressor = (*Processor)(nil)

// NewProcessor returns a Processor using quality for lossy encodings. Values
// outside 1..100 fall back to DefaultQuality.
func NewProcessor(quality int) *Processor {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Processor{quality: quality}
}

// Quality returns the configured lossy quality.
func (p *Processor) Quality() int {
	return p.quality
}

// Compress decodes a PNG from src and writes it to dst in format.
func (p *Processor) Compress(src io.Reader, dst io.Writer, format capture.Format) error {
	img, err := png.Decode(src)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	switch format {
	case capture.FormatJPEG, "":
		if err := jpeg.Encode(dst, flatten(img), &jpeg.Options{Quality: p.quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case capture.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(dst, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	case capture.FormatWebP:
		if err := webp.Encode(dst, img, &webp.Options{Quality: float32(p.quality)}); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

type opaquer interface {
	Opaque() bool
}

// flatten composites img over white so encoders without an alpha channel do
// not turn transparent regions black.
func flatten(img image.Image) image.Image {
	if o, ok := img.(opaquer); ok && o.Opaque() {
		return img
	}
	bounds := img.Bounds()
	dst := image.NewNRGBA(bounds)
	draw.Copy(dst, bounds.Min, image.NewUniform(color.White), bounds, draw.Src, nil)
	draw.Copy(dst, bounds.Min, img, bounds, draw.Over, nil)
	return dst
}
