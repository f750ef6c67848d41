package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
)

func makePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const testSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100"><rect width="100" height="100" fill="red"/></svg>`

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestApply_ResizeFitsWithinBounds(t *testing.T) {
	tr := New()
	src := makePNG(t, 400, 200)

	art, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Width: 100, Height: 100})
	require.NoError(t, err)
	require.Equal(t, "image/png", art.ContentType)
	// Aspect ratio preserved: 400x200 contained in 100x100 is 100x50.
	require.Equal(t, 100, art.Width)
	require.Equal(t, 50, art.Height)

	w, h := decodeDims(t, art.Bytes)
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
}

func TestApply_WidthOnly(t *testing.T) {
	tr := New()
	src := makePNG(t, 400, 200)

	art, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Width: 200})
	require.NoError(t, err)
	require.Equal(t, 200, art.Width)
	require.Equal(t, 100, art.Height)
}

func TestApply_NeverUpscales(t *testing.T) {
	tr := New()
	src := makePNG(t, 50, 50)

	art, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Width: 500, Height: 500})
	require.NoError(t, err)
	require.Equal(t, 50, art.Width)
	require.Equal(t, 50, art.Height)
}

func TestApply_FormatConversion(t *testing.T) {
	tests := []struct {
		format      string
		contentType string
	}{
		{"jpeg", "image/jpeg"},
		{"png", "image/png"},
		{"gif", "image/gif"},
		{"webp", "image/webp"},
		{"avif", "image/avif"},
	}

	tr := New()
	src := makePNG(t, 16, 16)

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			art, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Format: tc.format})
			require.NoError(t, err)
			require.Equal(t, tc.contentType, art.ContentType)
			require.NotEmpty(t, art.Bytes)
		})
	}
}

func TestApply_FormatMirroredWhenUnset(t *testing.T) {
	tr := New()
	src := makePNG(t, 16, 16)

	art, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Width: 8})
	require.NoError(t, err)
	require.Equal(t, "image/png", art.ContentType)
}

func TestApply_QualityAffectsLossyOutput(t *testing.T) {
	tr := New()
	src := makePNG(t, 64, 64)

	low, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Format: "jpeg", Quality: 10})
	require.NoError(t, err)
	high, err := tr.Apply(context.Background(), src, "image/png", imagecache.Operations{Format: "jpeg", Quality: 95})
	require.NoError(t, err)
	require.Less(t, len(low.Bytes), len(high.Bytes))
}

func TestApply_SVGPassthrough(t *testing.T) {
	tr := New()

	art, err := tr.Apply(context.Background(), []byte(testSVG), "image/svg+xml", imagecache.Operations{Format: "svg"})
	require.NoError(t, err)
	require.Equal(t, "image/svg+xml", art.ContentType)
	require.Equal(t, []byte(testSVG), art.Bytes)
}

func TestApply_SVGRasterizedToPNGByDefault(t *testing.T) {
	tr := New()

	art, err := tr.Apply(context.Background(), []byte(testSVG), "image/svg+xml", imagecache.Operations{})
	require.NoError(t, err)
	require.Equal(t, "image/png", art.ContentType)
	require.Equal(t, 100, art.Width)
	require.Equal(t, 100, art.Height)
}

func TestApply_SVGResized(t *testing.T) {
	tr := New()

	art, err := tr.Apply(context.Background(), []byte(testSVG), "image/svg+xml", imagecache.Operations{Width: 40, Height: 40})
	require.NoError(t, err)
	require.Equal(t, "image/png", art.ContentType)
	require.Equal(t, 40, art.Width)
	require.Equal(t, 40, art.Height)
}

func TestApply_CorruptSourceFails(t *testing.T) {
	tr := New()

	_, err := tr.Apply(context.Background(), []byte("definitely not an image"), "image/jpeg", imagecache.Operations{})
	require.Error(t, err)
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindTransform, e.Kind)
}

func TestApply_CorruptSVGFails(t *testing.T) {
	tr := New()

	_, err := tr.Apply(context.Background(), []byte("<svg"), "image/svg+xml", imagecache.Operations{Format: "png"})
	require.Error(t, err)
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindTransform, e.Kind)
}
