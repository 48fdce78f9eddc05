package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	defaultVideoWidth   = 320
	defaultVideoHeight  = 240
	defaultVideoQuality = 50
)

// VideoSource produces one JPEG frame per call.
type VideoSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// ImageProvider returns the current camera or screen image.
type ImageProvider interface {
	Image(ctx context.Context) (image.Image, error)
}

// ImageProviderFunc adapts a function to ImageProvider.
type ImageProviderFunc func(ctx context.Context) (image.Image, error)

// Image implements ImageProvider.
func (f ImageProviderFunc) Image(ctx context.Context) (image.Image, error) { return f(ctx) }

// JPEGSource downsizes provider images and encodes them as JPEG.
type JPEGSource struct {
	Provider ImageProvider
	Width    int
	Height   int
	Quality  int
}

// NewJPEGSource returns a 320x240 quality 50 source.
func NewJPEGSource(p ImageProvider) *JPEGSource {
	return &JPEGSource{
		Provider: p,
		Width:    defaultVideoWidth,
		Height:   defaultVideoHeight,
		Quality:  defaultVideoQuality,
	}
}

// Frame implements VideoSource.
func (s *JPEGSource) Frame(ctx context.Context) ([]byte, error) {
	img, err := s.Provider.Image(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture image: %w", err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("capture image: empty frame")
	}

	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = defaultVideoWidth, defaultVideoHeight
	}
	q := s.Quality
	if q <= 0 || q > 100 {
		q = defaultVideoQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scale(img, w, h), &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// scale resizes src to w x h with nearest-neighbour sampling.
func scale(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
