package comfy

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"

	_ "image/jpeg"
	_ "image/png"
)

const placeholderImageSize = 2

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func newPlaceholderImage() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, placeholderImageSize, placeholderImageSize))
}

// fillBlack paints the target uniformly opaque black. Used as the
// lenient fallback when a frame that looks like image data fails to
// decode.
func fillBlack(target *image.RGBA) {
	draw.Draw(target, target.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
}
