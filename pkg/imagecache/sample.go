package imagecache

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// CalculateSampleSize picks the integer factor by which a srcW x srcH image
// is shrunk to fit reqW x reqH. It starts from the smaller of the rounded
// per-axis ratios and grows until the sampled pixel count is at most twice
// the requested one. The factor is not restricted to powers of two.
func CalculateSampleSize(srcW, srcH, reqW, reqH int) int {
	if reqW <= 0 || reqH <= 0 || srcW <= 0 || srcH <= 0 {
		return 1
	}

	sample := 1
	if srcH > reqH || srcW > reqW {
		heightRatio := int(math.Round(float64(srcH) / float64(reqH)))
		widthRatio := int(math.Round(float64(srcW) / float64(reqW)))
		sample = min(heightRatio, widthRatio)
		if sample < 1 {
			sample = 1
		}
	}

	totalPixels := float64(srcW) * float64(srcH)
	limit := float64(reqW) * float64(reqH) * 2
	for totalPixels/float64(sample*sample) > limit {
		sample++
	}
	return sample
}

// DecodeSampled reads bounds first, then decodes the pixels and shrinks them
// by CalculateSampleSize.
func DecodeSampled(r io.Reader, reqW, reqH int) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeSampledBytes(data, reqW, reqH)
}

func DecodeSampledBytes(data []byte, reqW, reqH int) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imagecache: read bounds: %w", err)
	}
	sample := CalculateSampleSize(cfg.Width, cfg.Height, reqW, reqH)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imagecache: decode: %w", err)
	}
	return Subsample(img, sample), nil
}

// DecodeSampledFile is DecodeSampled over a file, opened once per pass.
func DecodeSampledFile(path string, reqW, reqH int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("imagecache: read bounds of %s: %w", path, err)
	}
	sample := CalculateSampleSize(cfg.Width, cfg.Height, reqW, reqH)

	f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imagecache: decode %s: %w", path, err)
	}
	return Subsample(img, sample), nil
}

// Subsample shrinks img by an integer factor on both axes.
func Subsample(img image.Image, sample int) image.Image {
	if sample <= 1 {
		return img
	}
	b := img.Bounds()
	w := max(b.Dx()/sample, 1)
	h := max(b.Dy()/sample, 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
