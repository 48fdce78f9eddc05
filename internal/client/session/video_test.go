package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJPEGSource_DownsizesAndEncodes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	s := NewJPEGSource(ImageProviderFunc(func(context.Context) (image.Image, error) { return src, nil }))

	frame, err := s.Frame(context.Background())
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())

	r, _, _, _ := img.At(160, 120).RGBA()
	assert.InDelta(t, 200, r>>8, 12)
}

func TestJPEGSource_Errors(t *testing.T) {
	s := NewJPEGSource(ImageProviderFunc(func(context.Context) (image.Image, error) {
		return nil, errors.New("camera off")
	}))
	_, err := s.Frame(context.Background())
	assert.ErrorContains(t, err, "camera off")

	s = NewJPEGSource(ImageProviderFunc(func(context.Context) (image.Image, error) {
		return image.NewRGBA(image.Rect(0, 0, 0, 0)), nil
	}))
	_, err = s.Frame(context.Background())
	assert.Error(t, err)
}
