package scanning

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// Region is a sub-rectangle of a frame expressed as fractions of its size
type Region struct {
	Left, Top, Right, Bottom float64
}

// DefaultOCRRegion covers the band below a centred barcode where the
// human-readable digits are printed
var DefaultOCRRegion = Region{Left: 0.10, Top: 0.55, Right: 0.90, Bottom: 0.90}

// Rect converts the fractional region to pixel bounds of b
func (r Region) Rect(b image.Rectangle) image.Rectangle {
	w, h := float64(b.Dx()), float64(b.Dy())
	rect := image.Rect(
		b.Min.X+int(r.Left*w),
		b.Min.Y+int(r.Top*h),
		b.Min.X+int(r.Right*w),
		b.Min.Y+int(r.Bottom*h),
	)
	return rect.Intersect(b)
}

// crop copies the region out of img so the result does not alias the frame
func crop(img image.Image, region Region) image.Image {
	rect := region.Rect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

// encodePNG encodes an image for OCR providers that take PNG bytes
func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
