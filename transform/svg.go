package transform

import (
	"bytes"
	"fmt"
	"image"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// defaultSVGSize is used when the document declares no usable viewBox.
const defaultSVGSize = 512

// rasterizeSVG renders an SVG document to an RGBA image at its intrinsic
// size, or at the requested bounds when the document has no viewBox.
func rasterizeSVG(src []byte, width, height int) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parsing svg: %w", err)
	}

	w := int(icon.ViewBox.W)
	h := int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		w = width
		h = height
		if w <= 0 {
			w = defaultSVGSize
		}
		if h <= 0 {
			h = defaultSVGSize
		}
	}

	icon.SetTarget(0, 0, float64(w), float64(h))

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)

	return rgba, nil
}
