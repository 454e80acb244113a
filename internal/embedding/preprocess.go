package embedding

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// ImageSize is the square input resolution of the CLIP vision tower.
const ImageSize = 224

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// DecodeImage decodes JPEG, PNG, GIF or WebP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}
	return img, nil
}

// PixelValues resizes img so its shortest side is size, center-crops it to size×size and
// returns the channel-major (CHW) float tensor normalized with the CLIP mean and std.
func PixelValues(img image.Image, size int) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var rw, rh int
	if w < h {
		rw, rh = size, (h*size+w/2)/w
	} else {
		rw, rh = (w*size+h/2)/h, size
	}
	if rw < size {
		rw = size
	}
	if rh < size {
		rh = size
	}

	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	x0 := (rw - size) / 2
	y0 := (rh - size) / 2
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x0+x, y0+y)
			p := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[off+c]) / 255
				out[c*plane+p] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out
}
