package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"os"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/tensor"
)

// Options controls the resize and normalisation applied to an image.
type Options struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// DefaultOptions matches the vision encoder's input: 378x378, each channel
// mapped from [0,1] to [-1,1].
var DefaultOptions = Options{
	Size: 378,
	Mean: [3]float32{0.5, 0.5, 0.5},
	Std:  [3]float32{0.5, 0.5, 0.5},
}

// LoadImage reads path and returns the normalised (3, 378, 378) tensor.
func LoadImage(path string) (*tensor.Tensor3, error) {
	return LoadImageWith(path, DefaultOptions)
}

func LoadImageWith(path string, opts Options) (*tensor.Tensor3, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IO("open image "+path, err)
	}
	return Preprocess(bytes.NewReader(data), opts)
}

// LoadImageReader decodes an image from r with DefaultOptions.
func LoadImageReader(r io.Reader) (*tensor.Tensor3, error) {
	return Preprocess(r, DefaultOptions)
}

// Preprocess decodes r, fills an opts.Size square and normalises it into a
// channel-first tensor.
func Preprocess(r io.Reader, opts Options) (*tensor.Tensor3, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errdefs.Decode("decode image", err)
	}
	if opts.Size <= 0 {
		opts.Size = DefaultOptions.Size
	}
	img = Composite(img)
	img = ResizeToFill(img, opts.Size, draw.BiLinear)
	return Normalize(img, opts.Mean, opts.Std), nil
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.RGBA{255, 255, 255, 255}}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// ResizeToFill scales img so it covers a size x size square while keeping
// its aspect ratio, cropping the overflow evenly from both sides.
func ResizeToFill(img image.Image, size int, kernel draw.Interpolator) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	crop := b
	switch {
	case w > h:
		off := (w - h) / 2
		crop = image.Rect(b.Min.X+off, b.Min.Y, b.Min.X+off+h, b.Max.Y)
	case h > w:
		off := (h - w) / 2
		crop = image.Rect(b.Min.X, b.Min.Y+off, b.Max.X, b.Min.Y+off+w)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	kernel.Scale(dst, dst.Rect, img, crop, draw.Src, nil)
	return dst
}

// Normalize converts img into a channel-first tensor with each value
// rescaled to [0,1] and then standardised per channel.
func Normalize(img image.Image, mean, std [3]float32) *tensor.Tensor3 {
	b := img.Bounds()
	out := tensor.NewTensor3(3, b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			px := [3]float32{float32(r>>8) / 255, float32(g>>8) / 255, float32(bl>>8) / 255}
			for c := range 3 {
				out.Set(c, y-b.Min.Y, x-b.Min.X, (px[c]-mean[c])/std[c])
			}
		}
	}
	return out
}
