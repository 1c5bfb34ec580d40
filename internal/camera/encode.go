package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Encoder draws frames onto an off-screen raster and encodes them as JPEG
type Encoder struct {
	MaxWidth  int // 0 keeps the native width
	MaxHeight int // 0 keeps the native height
	Quality   int // JPEG quality, defaults to 90
}

// NewEncoder creates an encoder bounded by the capture hint
func NewEncoder(hint Hint) *Encoder {
	return &Encoder{MaxWidth: hint.Width, MaxHeight: hint.Height, Quality: 90}
}

// Rasterize copies frame onto an RGBA surface, scaling it down to fit the
// configured bounds while preserving the aspect ratio
func (e *Encoder) Rasterize(frame image.Image) *image.RGBA {
	src := frame.Bounds()
	w, h := fitWithin(src.Dx(), src.Dy(), e.MaxWidth, e.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	if w == src.Dx() && h == src.Dy() {
		draw.Draw(dst, dst.Bounds(), frame, src.Min, draw.Src)
		return dst
	}

	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, src, draw.Src, nil)
	return dst
}

// Encode rasterizes frame and returns JPEG bytes
func (e *Encoder) Encode(frame image.Image) ([]byte, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, e.Rasterize(frame), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURL encodes frame as a base64 JPEG data URL
func (e *Encoder) EncodeDataURL(frame image.Image) (string, error) {
	data, err := e.Encode(frame)
	if err != nil {
		return "", err
	}
	return DataURL("image/jpeg", data), nil
}

// DataURL builds a base64 data URL
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}

	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && float64(h)*scale > float64(maxH) {
		scale = float64(maxH) / float64(h)
	}
	if scale == 1.0 {
		return w, h
	}

	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
