package upload

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"defectcam/internal/pipeline"
)

// snapshot copies the r region of src into a new buffer owned by the caller
func snapshot(src image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// cropRect expands bbox by margin pixels and clamps it to bounds.
// The full frame is returned when there is no usable box.
func cropRect(bounds image.Rectangle, bbox *pipeline.BBox, margin int) image.Rectangle {
	if bbox == nil {
		return bounds
	}
	r := bbox.Rect().Canon().Inset(-margin).Intersect(bounds)
	if r.Empty() {
		return bounds
	}
	return r
}

// EncodeJPEG encodes img at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
