package model

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

var errClosed = errors.New("model server is closed")

// Predict segments img and returns nil when anything goes wrong. The error
// is logged. Only one prediction runs at a time per Server.
func (s *Server) Predict(img image.Image, opts Options) *Mask {
	mask, err := s.Segment(img, opts)
	if err != nil {
		s.logger.Error("prediction failed", zap.Error(err))
		return nil
	}
	return mask
}

// Segment is Predict with the error returned to the caller.
func (s *Server) Segment(img image.Image, opts Options) (mask *Mask, err error) {
	opts = NormalizeOptions(opts)
	if img == nil {
		return nil, errors.New("nil image")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("empty image %v", bounds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			mask, err = nil, fmt.Errorf("inference panicked: %v", r)
		}
	}()

	if s.session == nil {
		return nil, errClosed
	}

	size := s.Metadata.ImageSize
	input := Preprocess(img, size, s.Metadata.Mean, s.Metadata.Std)

	output, err := s.session.Run(input)
	if err != nil {
		return nil, err
	}

	mask, err = Probabilities(output, size)
	if err != nil {
		return nil, err
	}
	if opts.Threshold != nil {
		Binarize(mask, *opts.Threshold)
	}
	if *opts.SourceSize {
		mask = ResizeMask(mask, bounds.Dx(), bounds.Dy())
	}
	return mask, nil
}

// Preprocess resizes img to size x size and returns it normalized per
// channel, laid out as NCHW with N=1.
func Preprocess(img image.Image, size int, mean, std [3]float32) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	b := resized.Bounds()

	plane := size * size
	input := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*size + x
			input[i] = (float32(r>>8)/255 - mean[0]) / std[0]
			input[plane+i] = (float32(g>>8)/255 - mean[1]) / std[1]
			input[2*plane+i] = (float32(bl>>8)/255 - mean[2]) / std[2]
		}
	}
	return input
}

// Probabilities applies a sigmoid to the first output channel.
func Probabilities(logits []float32, size int) (*Mask, error) {
	plane := size * size
	if len(logits) < plane {
		return nil, fmt.Errorf("%w: got %d output values, want at least %d", ErrShape, len(logits), plane)
	}
	mask := NewMask(size, size)
	for i, v := range logits[:plane] {
		mask.Values[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return mask, nil
}

// Binarize sets every value strictly above threshold to 1 and the rest to 0.
func Binarize(mask *Mask, threshold float64) {
	for i, v := range mask.Values {
		if float64(v) > threshold {
			mask.Values[i] = 1
		} else {
			mask.Values[i] = 0
		}
	}
}

// ResizeMask rescales mask to width x height with bilinear interpolation.
func ResizeMask(mask *Mask, width, height int) *Mask {
	if mask.Width == width && mask.Height == height {
		return mask
	}

	src := image.NewGray16(image.Rect(0, 0, mask.Width, mask.Height))
	for i, v := range mask.Values {
		src.Pix[2*i], src.Pix[2*i+1] = split16(toUint16(v))
	}

	resized := resize.Resize(uint(width), uint(height), src, resize.Bilinear)

	out := NewMask(width, height)
	b := resized.Bounds()
	if g, ok := resized.(*image.Gray16); ok {
		for y := 0; y < height; y++ {
			row := g.Pix[y*g.Stride:]
			for x := 0; x < width; x++ {
				v := uint16(row[2*x])<<8 | uint16(row[2*x+1])
				out.Values[y*width+x] = float32(v) / math.MaxUint16
			}
		}
		return out
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v, _, _, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Values[y*width+x] = float32(v) / math.MaxUint16
		}
	}
	return out
}

func toUint16(v float32) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return math.MaxUint16
	}
	return uint16(math.Round(float64(v) * math.MaxUint16))
}

func split16(v uint16) (uint8, uint8) {
	return uint8(v >> 8), uint8(v)
}
