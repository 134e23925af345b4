// Package frame normalises inbound camera frames before embedding and archiving.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used for every re-encoded frame.
const JPEGQuality = 85

// ErrInvalidImage is returned when the bytes cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

// Normalize decodes data, scales it down so neither side exceeds maxDim and
// re-encodes it as JPEG. Frames already within bounds are only re-encoded.
func Normalize(data []byte, maxDim int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidImage)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	if maxDim > 0 && (width > maxDim || height > maxDim) {
		w, h := fit(width, height, maxDim)
		resized := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// fit returns the largest size within maxDim keeping the aspect ratio.
func fit(width, height, maxDim int) (int, int) {
	if width >= height {
		h := int(float64(height) * float64(maxDim) / float64(width))
		return maxDim, max(h, 1)
	}
	w := int(float64(width) * float64(maxDim) / float64(height))
	return max(w, 1), maxDim
}
