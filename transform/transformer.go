// Package transform applies bounded image transformations: EXIF
// auto-orientation, contain-within-bounds resizing without upscaling, and
// format conversion with per-format quality handling. Pixel work is
// delegated to third-party codecs; this package owns the operation
// semantics.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	imagecache "github.com/wolfeidau/image-cache"

	// Registered decoders for source formats imaging does not cover.
	_ "golang.org/x/image/webp"
)

// DefaultQuality is used for lossy targets when no quality was requested.
const DefaultQuality = 85

// formatContentTypes maps format tokens to their media types.
var formatContentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"avif": "image/avif",
	"svg":  "image/svg+xml",
}

// contentTypeFormats is the inverse mapping for source types.
var contentTypeFormats = map[string]string{
	"image/jpeg":    "jpeg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/svg+xml": "svg",
}

// Artifact is the output of one transformation.
type Artifact struct {
	Bytes       []byte
	ContentType string
	Width       int
	Height      int
}

// Transformer applies canonical operation sets to fetched sources.
type Transformer struct {
	logger *slog.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger for the transformer.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// New creates a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply transforms src according to ops. Decode and encode failures are
// fatal for the request and carry KindTransform; there is no retry and no
// mid-transform cancellation — once started, the work runs to completion.
func (t *Transformer) Apply(ctx context.Context, src []byte, srcType string, ops imagecache.Operations) (*Artifact, error) {
	srcFormat := contentTypeFormats[srcType]

	if srcFormat == "svg" {
		return t.applySVG(src, ops)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindTransform, "image decode failed", err)
	}

	if srcFormat == "" {
		// Content type didn't identify the source; trust the decoder.
		if _, name, cfgErr := image.DecodeConfig(bytes.NewReader(src)); cfgErr == nil {
			srcFormat = name
		}
	}

	img = resize(img, ops)

	target := targetFormat(srcFormat, ops)
	return t.encode(img, target, ops.Quality)
}

// applySVG rasterises vector sources. A raster pipeline cannot emit SVG, so
// the only passthrough is an svg target with no other operations; everything
// else defaults to PNG output.
func (t *Transformer) applySVG(src []byte, ops imagecache.Operations) (*Artifact, error) {
	if ops.Format == "svg" && ops.Width == 0 && ops.Height == 0 {
		return &Artifact{
			Bytes:       src,
			ContentType: formatContentTypes["svg"],
		}, nil
	}

	img, err := rasterizeSVG(src, ops.Width, ops.Height)
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindTransform, "image decode failed", err)
	}

	img = resize(img, ops)

	target := ops.Format
	if target == "" || target == "svg" {
		target = "png"
	}
	return t.encode(img, target, ops.Quality)
}

// resize applies the contain-within-bounds fit policy. Bounds are clamped to
// the source dimensions so output is never upscaled.
func resize(img image.Image, ops imagecache.Operations) image.Image {
	if ops.Width == 0 && ops.Height == 0 {
		return img
	}

	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()

	boundW := srcW
	if ops.Width > 0 && ops.Width < srcW {
		boundW = ops.Width
	}
	boundH := srcH
	if ops.Height > 0 && ops.Height < srcH {
		boundH = ops.Height
	}
	if boundW == srcW && boundH == srcH {
		return img
	}

	return imaging.Fit(img, boundW, boundH, imaging.Lanczos)
}

// targetFormat resolves the output format: the requested one, else the
// source format mirrored through.
func targetFormat(srcFormat string, ops imagecache.Operations) string {
	if ops.Format != "" && ops.Format != "svg" {
		return ops.Format
	}
	if ops.Format == "svg" || srcFormat == "" {
		// Raster input cannot become SVG; unknown sources re-encode as JPEG.
		return "jpeg"
	}
	return srcFormat
}

func (t *Transformer) encode(img image.Image, format string, quality int) (*Artifact, error) {
	if quality == 0 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	var err error

	switch format {
	case "jpeg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "gif":
		err = imaging.Encode(&buf, img, imaging.GIF)
	case "webp":
		err = webp.Encode(&buf, img, webp.Options{Quality: quality})
	case "avif":
		err = avif.Encode(&buf, img, avif.Options{Quality: quality})
	default:
		err = fmt.Errorf("unsupported target format %q", format)
	}
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindTransform, "image encode failed", err)
	}

	return &Artifact{
		Bytes:       buf.Bytes(),
		ContentType: formatContentTypes[format],
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}, nil
}
