package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"log"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
)

// targetSizes are the square resolutions the relayed vision models accept;
// the nearest fit above the source's larger dimension wins.
var targetSizes = []int{256, 512, 768}

const jpegQuality = 90

// ImageResult is the normalized form of an uploaded image: a compact
// base64 JPEG for multimodal relay plus the system turn recording it.
type ImageResult struct {
	Base64        string
	Size          int
	SystemMessage string
}

// ProcessImage decodes, letterboxes onto a white square canvas and
// re-encodes an uploaded image. ok is false when the image cannot be
// decoded; the failure never escapes the request.
func ProcessImage(filename string, data []byte) (ImageResult, bool) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Printf("image decode failed for %q: %v", filename, err)
		return ImageResult{}, false
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return ImageResult{}, false
	}

	maxDim := w
	if h > maxDim {
		maxDim = h
	}
	target := targetSizes[len(targetSizes)-1]
	for _, size := range targetSizes {
		if maxDim <= size {
			target = size
			break
		}
	}

	// Shrink to fit; never upscale.
	scaledW, scaledH := w, h
	if maxDim > target {
		scale := float64(target) / float64(maxDim)
		scaledW = max(1, int(float64(w)*scale))
		scaledH = max(1, int(float64(h)*scale))
	}

	canvas := image.NewRGBA(image.Rect(0, 0, target, target))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	x := (target - scaledW) / 2
	y := (target - scaledH) / 2
	draw.CatmullRom.Scale(canvas, image.Rect(x, y, x+scaledW, y+scaledH), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		log.Printf("image encode failed for %q: %v", filename, err)
		return ImageResult{}, false
	}

	return ImageResult{
		Base64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Size:   target,
		SystemMessage: fmt.Sprintf(
			"User uploaded an image file '%s' (processed to %dx%d). The image has been processed and is ready for analysis.",
			filename, target, target,
		),
	}, true
}
