package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/reid-catalog/internal/constants"
	"github.com/kozaktomas/reid-catalog/internal/router"
)

// ErrBadImage is returned for cycle images that cannot be decoded.
var ErrBadImage = errors.New("undecodable image")

// DecodeImage decodes a JPEG, PNG, GIF, BMP or WebP frame.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return img, nil
}

// BlurScore returns the variance of the Laplacian of the grayscale frame.
// Sharp frames score high; images smaller than 3x3 score 0.
func BlurScore(img image.Image) float64 {
	gray := toGrayscale(img)
	w := len(gray)
	if w < 3 || len(gray[0]) < 3 {
		return 0
	}
	h := len(gray[0])

	// Kernel [0 1 0; 1 -4 1; 0 1 0] over the interior pixels.
	var sum, sumSq float64
	n := 0
	for x := 1; x < w-1; x++ {
		for y := 1; y < h-1; y++ {
			v := gray[x-1][y] + gray[x+1][y] + gray[x][y-1] + gray[x][y+1] - 4*gray[x][y]
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255), indexed [x][y].
func toGrayscale(img image.Image) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := range width {
		gray[x] = make([]float64, height)
		for y := range height {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// CropResize cuts box out of img, clipped to the image bounds, and scales it
// to the extractor input size. ok is false when nothing of the box lies inside the image.
func CropResize(img image.Image, box router.BBox) (*image.RGBA, bool) {
	bounds := img.Bounds()
	rect := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, constants.CropWidth, constants.CropHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Over, nil)
	return dst, true
}

// EncodeJPEG encodes a crop for upload to the extractor.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: constants.CropJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
