package imagecache

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	_ "image/gif"

	_ "golang.org/x/image/webp"

	"marquee/pkg/models"
)

const DefaultCompressQuality = 75

// Codec serialises decoded images for the disk tier.
type Codec struct {
	Format  string
	Quality int
}

func NewCodec(format string, quality int) (Codec, error) {
	if format == "" {
		format = models.COMPRESS_FORMAT_JPEG
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultCompressQuality
	}
	switch format {
	case models.COMPRESS_FORMAT_JPEG, models.COMPRESS_FORMAT_PNG:
	default:
		return Codec{}, fmt.Errorf("imagecache: unsupported compress format %q", format)
	}
	return Codec{Format: format, Quality: quality}, nil
}

func (c Codec) Encode(w io.Writer, img image.Image) error {
	if c.Format == models.COMPRESS_FORMAT_PNG {
		return png.Encode(w, img)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: c.Quality})
}

func (c Codec) Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// SizeOf is the number of bytes backing the decoded pixels.
func (c Codec) SizeOf(img image.Image) int64 {
	return PixelBytes(img)
}

func PixelBytes(img image.Image) int64 {
	switch m := img.(type) {
	case nil:
		return 0
	case *image.RGBA:
		return int64(len(m.Pix))
	case *image.NRGBA:
		return int64(len(m.Pix))
	case *image.RGBA64:
		return int64(len(m.Pix))
	case *image.Gray:
		return int64(len(m.Pix))
	case *image.Paletted:
		return int64(len(m.Pix))
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	case *image.NYCbCrA:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr) + len(m.A))
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}
