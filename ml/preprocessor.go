package ml

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ErrDecode is returned when raw bytes are not a supported raster image.
var ErrDecode = errors.New("image could not be decoded")

// MaxPixels caps width*height as declared in the image header. Decoders
// allocate the full pixel buffer up front, so the check runs before decoding.
const MaxPixels = 40_000_000

// Normalization is applied after scaling 8-bit channels into [0,1]:
// x = (v/255 - Mean[c]) / Std[c].
type Normalization struct {
	Mean [3]float64 `json:"mean"`
	Std  [3]float64 `json:"std"`
}

// ImageNetNormalization is what the base network was trained with.
var ImageNetNormalization = Normalization{
	Mean: [3]float64{0.485, 0.456, 0.406},
	Std:  [3]float64{0.229, 0.224, 0.225},
}

func (n Normalization) isZero() bool {
	return n == Normalization{}
}

// Preprocessor turns raw image bytes into a CHW float tensor.
type Preprocessor struct {
	Height int
	Width  int
	Norm   Normalization
}

func (p *Preprocessor) TensorSize() int {
	return 3 * p.Height * p.Width
}

func (p *Preprocessor) Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero sized image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero sized image", ErrDecode)
	}
	return img, nil
}

// Tensor resizes img bilinearly to Height x Width and normalises each channel.
func (p *Preprocessor) Tensor(img image.Image) []float64 {
	resized := resize.Resize(uint(p.Width), uint(p.Height), img, resize.Bilinear)
	bounds := resized.Bounds()
	plane := p.Height * p.Width
	tensor := make([]float64, 3*plane)

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*p.Width + x
			tensor[idx] = p.normalize(0, r)
			tensor[plane+idx] = p.normalize(1, g)
			tensor[2*plane+idx] = p.normalize(2, b)
		}
	}
	return tensor
}

func (p *Preprocessor) Transform(raw []byte) ([]float64, error) {
	img, err := p.Decode(raw)
	if err != nil {
		return nil, err
	}
	return p.Tensor(img), nil
}

func (p *Preprocessor) normalize(channel int, v uint32) float64 {
	scaled := float64(v>>8) / 255.0
	return (scaled - p.Norm.Mean[channel]) / p.Norm.Std[channel]
}
