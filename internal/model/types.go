package model

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("unexpected tensor shape")

// Metadata describes the exported network. It is stored as JSON next to the
// ONNX file.
type Metadata struct {
	InputName   string     `json:"input_name"`
	OutputName  string     `json:"output_name"`
	InputShape  []int64    `json:"input_shape"`
	OutputShape []int64    `json:"output_shape"`
	ImageSize   int        `json:"image_size"`
	Mean        [3]float32 `json:"mean"`
	Std         [3]float32 `json:"std"`
}

// DefaultMetadata matches a U-Net with an EfficientNet-B3 encoder trained on
// ImageNet-normalized 224x224 inputs.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 3, 224, 224},
		OutputShape: []int64{1, 1, 224, 224},
		ImageSize:   224,
		Mean:        [3]float32{0.485, 0.456, 0.406},
		Std:         [3]float32{0.229, 0.224, 0.225},
	}
}

func (m *Metadata) fillDefaults() {
	def := DefaultMetadata()
	if m.InputName == "" {
		m.InputName = def.InputName
	}
	if m.OutputName == "" {
		m.OutputName = def.OutputName
	}
	if m.ImageSize <= 0 {
		m.ImageSize = def.ImageSize
	}
	size := int64(m.ImageSize)
	if len(m.InputShape) == 0 {
		m.InputShape = []int64{1, 3, size, size}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, 1, size, size}
	}
	if m.Std == [3]float32{} {
		m.Mean = def.Mean
		m.Std = def.Std
	}
}

func (m Metadata) validate() error {
	size := int64(m.ImageSize)
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 ||
		m.InputShape[2] != size || m.InputShape[3] != size {
		return fmt.Errorf("%w: input %v, want [1 3 %d %d]", ErrShape, m.InputShape, size, size)
	}
	if len(m.OutputShape) != 4 || m.OutputShape[0] != 1 || m.OutputShape[1] < 1 ||
		m.OutputShape[2] != size || m.OutputShape[3] != size {
		return fmt.Errorf("%w: output %v, want [1 C %d %d]", ErrShape, m.OutputShape, size, size)
	}
	for c, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std for channel %d is zero", c)
		}
	}
	return nil
}

// Options tune a single prediction. Nil fields mean "not given".
type Options struct {
	// Threshold turns probabilities into a binary mask. Values outside
	// [0,1] are ignored.
	Threshold *float64
	// SourceSize resizes the mask back to the input image dimensions.
	SourceSize *bool
}

// NormalizeOptions drops an out-of-range threshold and defaults SourceSize
// to false.
func NormalizeOptions(opts Options) Options {
	out := Options{}
	if t := opts.Threshold; t != nil && *t >= 0 && *t <= 1 {
		v := *t
		out.Threshold = &v
	}
	src := false
	if opts.SourceSize != nil {
		src = *opts.SourceSize
	}
	out.SourceSize = &src
	return out
}

// Mask is a single-channel segmentation result, row-major.
type Mask struct {
	Width  int
	Height int
	Values []float32
}

func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Values: make([]float32, width*height)}
}

func (m *Mask) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}
